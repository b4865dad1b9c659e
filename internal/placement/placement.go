// Package placement submits orders to the execution collaborator with a
// per-call timeout and a bounded, classified retry loop.
package placement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rickgao/signal-exec/internal/classify"
	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/metrics"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/retry"
)

// Placer is the order-placing side of the execution collaborator.
type Placer interface {
	PlaceOrder(ctx context.Context, req model.PlaceOrderRequest) (model.PlaceOrderResult, error)
}

// Finder looks an order up by its client order id. A missing order wraps
// model.ErrNotFound. A Placer that also implements Finder lets the
// executor settle placements whose outcome the exchange left ambiguous.
type Finder interface {
	FindOrder(ctx context.Context, symbol, clientOrderID string) (model.PlaceOrderResult, error)
}

// Result describes a finished placement.
type Result struct {
	Order    model.PlaceOrderResult
	Attempts int
	Reason   string // failure reason code; empty on success

	// Recovered is set when the order was found by lookup after the
	// placement calls themselves failed.
	Recovered bool

	// Unresolved is set when the order may exist on the exchange but could
	// not be confirmed. The caller must leave its intent open.
	Unresolved bool
}

// Executor retries placements per the execution config.
type Executor struct {
	placer Placer
	cfg    config.ExecutionConfig
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(placer Placer, cfg config.ExecutionConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{placer: placer, cfg: cfg, logger: logger}
}

// Place submits req until it succeeds, fails permanently or runs out of
// attempts. The same client order id is reused on every attempt, so a retry
// after an ambiguous timeout cannot open a second position.
func (e *Executor) Place(ctx context.Context, role model.OrderRole, req model.PlaceOrderRequest) (Result, error) {
	var res Result

	policy := retry.Policy{MaxAttempts: e.cfg.MaxAttempts, Backoff: e.cfg.RetryBackoff}
	err := retry.Do(ctx, policy, retryable, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt

		callCtx, cancel := e.callContext(ctx)
		defer cancel()

		out, err := e.placer.PlaceOrder(callCtx, req)
		if err != nil {
			e.logger.Warn("order placement attempt failed",
				"role", role,
				"symbol", req.Symbol,
				"client_order_id", req.ClientOrderID,
				"attempt", attempt,
				"reason", classify.Reason(err),
				"error", err,
			)
			return err
		}
		res.Order = out
		return nil
	})

	if err != nil {
		var exhausted *retry.ExhaustedError
		timedOut := errors.As(err, &exhausted) && classify.IsTransient(exhausted.Last)
		if exhausted != nil {
			res.Reason = model.ErrMsgRetryExhausted
		} else {
			res.Reason = classify.Reason(err)
		}

		// A duplicate client order id means an earlier attempt reached the
		// exchange; attempts that all timed out may have.
		if classify.IsDuplicateOrder(err) || timedOut {
			if e.resolve(ctx, role, req, err, &res) {
				metrics.OrderPlacements.WithLabelValues(string(role), "placed").Inc()
				return res, nil
			}
		}

		outcome := "failed"
		if res.Unresolved {
			outcome = "unresolved"
		}
		metrics.OrderPlacements.WithLabelValues(string(role), outcome).Inc()
		return res, err
	}

	metrics.OrderPlacements.WithLabelValues(string(role), "placed").Inc()
	return res, nil
}

// resolve looks the order up after an ambiguous failure. It returns true
// when the order exists. When the lookup cannot tell, res is marked
// Unresolved; an order confirmed absent after timeouts stays a failure.
func (e *Executor) resolve(ctx context.Context, role model.OrderRole, req model.PlaceOrderRequest, placeErr error, res *Result) bool {
	duplicate := classify.IsDuplicateOrder(placeErr)

	finder, ok := e.placer.(Finder)
	if !ok {
		res.Unresolved = duplicate
		return false
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	found, err := finder.FindOrder(callCtx, req.Symbol, req.ClientOrderID)
	switch {
	case err == nil:
		res.Order = found
		res.Reason = ""
		res.Recovered = true
		e.logger.Info("order found after failed placement",
			"role", role,
			"symbol", req.Symbol,
			"client_order_id", req.ClientOrderID,
			"order_id", found.OrderID,
			"placement_error", placeErr,
		)
		return true
	case errors.Is(err, model.ErrNotFound) && !duplicate:
		return false
	default:
		res.Unresolved = true
		e.logger.Warn("order placement unresolved",
			"role", role,
			"symbol", req.Symbol,
			"client_order_id", req.ClientOrderID,
			"placement_error", placeErr,
			"lookup_error", err,
		)
		return false
	}
}

func (e *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func retryable(err error) bool {
	return classify.IsRetryable(err, classify.Code(err))
}
