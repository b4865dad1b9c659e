package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS order_intents (
		idempotency_key TEXT PRIMARY KEY,
		signal_id       TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		status          TEXT NOT NULL,
		order_id        TEXT,
		error_message   TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS order_intents_open_idx
		ON order_intents (created_at) WHERE status IN ('PENDING', 'ORDER_PLACED')`,
	`CREATE TABLE IF NOT EXISTS signal_throttle_state (
		symbol            TEXT NOT NULL,
		strategy_key      TEXT NOT NULL,
		side              TEXT NOT NULL,
		last_price        NUMERIC,
		previous_price    NUMERIC,
		last_time         TIMESTAMPTZ,
		last_source       TEXT,
		last_signal_id    TEXT,
		emit_reason       TEXT,
		force_next_signal BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (symbol, strategy_key, side)
	)`,
	`ALTER TABLE signal_throttle_state ADD COLUMN IF NOT EXISTS last_signal_id TEXT`,
	`CREATE TABLE IF NOT EXISTS exchange_orders (
		exchange_order_id     TEXT PRIMARY KEY,
		client_order_id       TEXT,
		symbol                TEXT NOT NULL,
		side                  TEXT NOT NULL,
		order_type            TEXT NOT NULL,
		order_role            TEXT NOT NULL DEFAULT 'ENTRY',
		parent_order_id       TEXT,
		status                TEXT NOT NULL,
		price                 NUMERIC NOT NULL DEFAULT 0,
		avg_price             NUMERIC NOT NULL DEFAULT 0,
		stop_price            NUMERIC NOT NULL DEFAULT 0,
		quantity              NUMERIC NOT NULL DEFAULT 0,
		cumulative_quantity   NUMERIC NOT NULL DEFAULT 0,
		execution_notified_at TIMESTAMPTZ,
		trade_signal_id       TEXT,
		exchange_updated_at   TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS exchange_orders_client_idx ON exchange_orders (client_order_id)`,
	`CREATE INDEX IF NOT EXISTS exchange_orders_signal_idx ON exchange_orders (trade_signal_id)`,
	`CREATE INDEX IF NOT EXISTS exchange_orders_unnotified_idx
		ON exchange_orders (updated_at) WHERE status = 'FILLED' AND execution_notified_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS dedup_ledger (
		event_source TEXT NOT NULL,
		natural_key  TEXT NOT NULL,
		seen_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (event_source, natural_key)
	)`,
	`CREATE TABLE IF NOT EXISTS watchlist_items (
		symbol             TEXT PRIMARY KEY,
		strategy_key       TEXT NOT NULL DEFAULT '',
		alert_enabled      BOOLEAN NOT NULL DEFAULT false,
		buy_alert_enabled  BOOLEAN NOT NULL DEFAULT false,
		sell_alert_enabled BOOLEAN NOT NULL DEFAULT false,
		trade_enabled      BOOLEAN NOT NULL DEFAULT false,
		trade_on_margin    BOOLEAN NOT NULL DEFAULT false,
		leverage           INTEGER NOT NULL DEFAULT 1,
		amount_usd         NUMERIC NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS signal_decisions (
		id           BIGSERIAL PRIMARY KEY,
		signal_id    TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		strategy_key TEXT NOT NULL,
		side         TEXT NOT NULL,
		stage        TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		reason       TEXT,
		message      TEXT,
		decided_at   TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
