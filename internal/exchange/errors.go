package exchange

import (
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
	"github.com/sony/gobreaker"

	"github.com/rickgao/signal-exec/internal/classify"
)

// transientCodes are Binance codes for overload and internal faults.
var transientCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1007: true, // TIMEOUT
	-1008: true, // SERVER_BUSY
}

// codeNoSuchOrder is returned by order queries for unknown orders.
const codeNoSuchOrder = -2013

// wrapErr converts client and breaker errors into classify errors.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, classify.ErrTransient, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		exErr := &classify.ExchangeError{Code: apiErr.Code, Message: apiErr.Message}
		if transientCodes[apiErr.Code] {
			return fmt.Errorf("%s: %w: %w", op, classify.ErrTransient, exErr)
		}
		return fmt.Errorf("%s: %w", op, exErr)
	}

	if classify.IsTransient(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Non-API failures from the client are transport problems (bad gateway
	// bodies, truncated JSON) and safe to retry.
	return fmt.Errorf("%s: %w: %w", op, classify.ErrTransient, err)
}

// breakerFailure reports whether err should count against the breaker.
// Business rejections mean the exchange is healthy.
func breakerFailure(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return transientCodes[apiErr.Code]
	}
	return true
}
