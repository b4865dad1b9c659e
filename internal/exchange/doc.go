// Package exchange adapts Binance USDⓈ-M futures to the execution contract
// of the core: placing orders, reading the account snapshot, listing order
// updates for the sync ingester and managing user-data listen keys.
//
// Every REST call runs through a circuit breaker. Exchange rejections are
// returned as *classify.ExchangeError; network failures, rate limiting and
// an open breaker are wrapped with classify.ErrTransient so the caller's
// retry loop can tell them apart.
package exchange
