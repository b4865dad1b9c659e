// Package orchestrator turns an evaluated trading signal into at most one
// exchange order.
//
// HandleSignal runs the pipeline in a fixed order: validation, watchlist
// lookup, throttle gate, alert, sizing, account snapshot, risk guard,
// idempotent intent creation and placement. Only the caller that created
// the intent talks to the exchange; every other caller takes the
// DUPLICATE path. Each stage is appended to the decision journal.
package orchestrator
