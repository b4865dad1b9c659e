// Package classify maps exchange failures to stable reason codes and decides
// whether an order placement may be retried.
//
// An explicit table of non-retryable exchange codes always wins. Outside the
// table only transient failures (timeouts, connection errors, an open
// circuit breaker, or errors wrapping ErrTransient) are retried. Everything
// else fails closed.
package classify
