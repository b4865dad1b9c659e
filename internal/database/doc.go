// Package database provides the PostgreSQL connection pool and schema.
//
// A single database holds every durable record of the orchestrator:
//   - order_intents: one row per signal acted on, unique on idempotency_key
//   - signal_throttle_state: last emission per (symbol, strategy, side)
//   - exchange_orders and dedup_ledger: exchange state and seen events
//   - watchlist_items and signal_decisions: settings and the decision journal
//
// Migrate creates missing tables; it never alters existing ones.
package database
