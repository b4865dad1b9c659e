// Package writer implements the batch writer for the decision journal.
//
// The journal is append-only: every stage of signal handling (throttle, risk,
// intent, execution, reconcile) records one row and rows are never updated.
// Callers hand rows to a buffer without blocking; a background loop drains
// the buffer into batched INSERTs.
package writer
