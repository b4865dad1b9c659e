// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Signal outcomes, throttle reasons and risk blocks
//   - Order placements, retries and exchange request latency
//   - Ingested exchange events by source and result
//   - Reconciliation marks and the unresolved intent gauge
//   - Periodic task runs, stream connection state and journal writes
//
// Collectors are package globals and usable before Register is called;
// Register exposes them on the default registry.
package metrics
