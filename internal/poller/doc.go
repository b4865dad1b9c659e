// Package poller runs periodic background tasks.
//
// A Poller:
//   - Runs its task once on Start, then every interval
//   - Bounds each run with a timeout
//   - Never overlaps runs; a slow run delays the next tick
//   - Cancels the run in progress on Stop
//
// The exchange sync ingester and the reconciliation sweeper each run on
// their own Poller.
package poller
