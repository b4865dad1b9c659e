package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Reason codes for known non-retryable exchange codes.
const (
	ReasonInvalidPriceFormat  = "INVALID_PRICE_FORMAT"
	ReasonExchangeAPIDisabled = "EXCHANGE_API_DISABLED"
	ReasonInsufficientMargin  = "INSUFFICIENT_MARGIN"
	ReasonInvalidPrecision    = "INVALID_PRECISION"
	ReasonOrderRejected       = "ORDER_REJECTED"
	ReasonInvalidSymbol       = "INVALID_SYMBOL"
	ReasonInvalidAPIKey       = "INVALID_API_KEY"
	ReasonInvalidSignature    = "INVALID_SIGNATURE"
	ReasonMinNotional         = "MIN_NOTIONAL"
	ReasonReduceOnlyRejected  = "REDUCE_ONLY_REJECTED"
	ReasonWouldTriggerNow     = "WOULD_IMMEDIATELY_TRIGGER"
	ReasonInvalidLeverage     = "INVALID_LEVERAGE"
	ReasonInvalidClientID     = "INVALID_CLIENT_ORDER_ID"
	ReasonDuplicateOrder      = "DUPLICATE_CLIENT_ORDER_ID"

	ReasonTransient = "TRANSIENT_ERROR"
	ReasonUnknown   = "UNKNOWN_EXCHANGE_ERROR"
)

// nonRetryable is the finite set of exchange codes that must never be retried.
var nonRetryable = map[int64]string{
	308:    ReasonInvalidPriceFormat,
	140001: ReasonExchangeAPIDisabled,

	// Binance futures
	-1111: ReasonInvalidPrecision,
	-1121: ReasonInvalidSymbol,
	-2010: ReasonOrderRejected,
	-2014: ReasonInvalidAPIKey,
	-2015: ReasonInvalidAPIKey,
	-1022: ReasonInvalidSignature,
	-2019: ReasonInsufficientMargin,
	-2021: ReasonWouldTriggerNow,
	-2022: ReasonReduceOnlyRejected,
	-4003: ReasonOrderRejected,
	-4014: ReasonInvalidPriceFormat,
	-4015: ReasonInvalidClientID,
	-4028: ReasonInvalidLeverage,
	-4164: ReasonMinNotional,

	CodeDuplicateClientOrderID: ReasonDuplicateOrder,
}

// CodeDuplicateClientOrderID is the Binance futures rejection of a client
// order id that is already in use. The order behind the id exists.
const CodeDuplicateClientOrderID = -4116

// ErrTransient marks a failure as safe to retry.
var ErrTransient = errors.New("transient exchange error")

// ExchangeError is a failure reported by the exchange with a numeric code.
type ExchangeError struct {
	Code    int64
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// Code extracts the exchange code carried by err, or 0 if none.
func Code(err error) int64 {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Code
	}
	return 0
}

// Classify returns the stable reason code for an exchange code.
func Classify(code int64) string {
	if reason, ok := nonRetryable[code]; ok {
		return reason
	}
	if code == 0 {
		return ReasonTransient
	}
	return ReasonUnknown
}

// IsRetryable reports whether placing the order again may succeed.
func IsRetryable(err error, code int64) bool {
	if _, ok := nonRetryable[code]; ok {
		return false
	}
	if err == nil {
		return false
	}
	if inner := Code(err); inner != 0 {
		if _, ok := nonRetryable[inner]; ok {
			return false
		}
	}
	return IsTransient(err)
}

// IsDuplicateOrder reports whether err is the exchange refusing a client
// order id it has already accepted.
func IsDuplicateOrder(err error) bool {
	return Code(err) == CodeDuplicateClientOrderID
}

// Reason returns the reason code for a failed placement.
func Reason(err error) string {
	code := Code(err)
	if code != 0 {
		return Classify(code)
	}
	if IsTransient(err) {
		return ReasonTransient
	}
	return ReasonUnknown
}

// IsTransient reports whether err is a generically transient failure.
// A caller-side cancellation is not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
