// Package throttle decides whether a repeated signal may act.
//
// State is kept per (symbol, strategy, side). Both side rows of a
// (symbol, strategy) are read and written under one store-level lock so
// concurrent evaluations of the same tick cannot both emit.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

// Reasons returned by Evaluate.
const (
	ReasonDisabledAlert  = "DISABLED_ALERT"
	ReasonDisabledSide   = "DISABLED_BUY_SELL_FLAG"
	ReasonForced         = "FORCED"
	ReasonReversal       = "REVERSAL"
	ReasonFirstSignal    = "FIRST_SIGNAL"
	ReasonCooldown       = "COOLDOWN"
	ReasonBelowThreshold = "BELOW_THRESHOLD"
	ReasonPriceMove      = "PRICE_MOVE"
	ReasonRedelivery     = "REDELIVERY"
)

// Result is the outcome of an evaluation.
type Result struct {
	Emit   bool
	Reason string
}

// Gate evaluates signals against the stored throttle state.
type Gate struct {
	db        store.Throttle
	minChange decimal.Decimal // fraction, 0.005 = 0.5%
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewGate creates a gate.
func NewGate(db store.Throttle, cfg config.ThrottleConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		db:        db,
		minChange: cfg.MinPriceChange(),
		cooldown:  cfg.Cooldown,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// SetClock replaces the time source.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Evaluate decides whether sig emits. State changes only when it does.
//
// A signal whose id already holds the emission for its side passes again
// as REDELIVERY without touching state, so a signal that failed after the
// gate can be resent.
func (g *Gate) Evaluate(ctx context.Context, sig model.Signal, flags model.AlertFlags) (Result, error) {
	if !flags.AlertEnabled {
		return Result{Reason: ReasonDisabledAlert}, nil
	}
	if !flags.SideEnabled(sig.Side) {
		return Result{Reason: ReasonDisabledSide}, nil
	}

	var res Result
	err := g.db.UpdateThrottle(ctx, sig.Symbol, sig.StrategyKey, func(pair store.ThrottlePair) (*model.ThrottleState, error) {
		own := pair.Side(sig.Side)
		if sig.ID != "" && own.HasEmitted() && own.LastSignalID == sig.ID {
			res = Result{Emit: true, Reason: ReasonRedelivery}
			return nil, nil
		}

		now := g.now()
		res = g.decide(own, pair.Side(sig.Side.Opposite()), sig.Price, now)
		if !res.Emit {
			return nil, nil
		}

		next := &model.ThrottleState{
			Key:          model.ThrottleKey{Symbol: sig.Symbol, StrategyKey: sig.StrategyKey, Side: sig.Side},
			LastPrice:    sig.Price,
			LastTime:     now,
			LastSource:   sig.Source,
			LastSignalID: sig.ID,
			EmitReason:   res.Reason,
		}
		if own.HasEmitted() {
			next.PreviousPrice = own.LastPrice
		}
		return next, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("evaluate throttle %s/%s/%s: %w", sig.Symbol, sig.StrategyKey, sig.Side, err)
	}

	g.logger.Debug("throttle evaluated",
		"signal_id", sig.ID,
		"symbol", sig.Symbol,
		"strategy_key", sig.StrategyKey,
		"side", sig.Side,
		"price", sig.Price,
		"emit", res.Emit,
		"reason", res.Reason,
	)
	return res, nil
}

// Force arms the one-shot override for key.
func (g *Gate) Force(ctx context.Context, key model.ThrottleKey) error {
	if !key.Side.Valid() {
		return model.NewValidationError("side must be BUY or SELL", "side")
	}
	return g.db.SetForceNext(ctx, key)
}

func (g *Gate) decide(own, opposite *model.ThrottleState, price decimal.Decimal, now time.Time) Result {
	if own != nil && own.ForceNextSignal {
		return Result{Emit: true, Reason: ReasonForced}
	}

	// The last emission across both sides decides the current direction.
	if opposite.HasEmitted() && (!own.HasEmitted() || opposite.LastTime.After(own.LastTime)) {
		return Result{Emit: true, Reason: ReasonReversal}
	}
	if !own.HasEmitted() {
		return Result{Emit: true, Reason: ReasonFirstSignal}
	}

	if now.Sub(own.LastTime) < g.cooldown {
		return Result{Reason: ReasonCooldown}
	}
	if !own.LastPrice.IsPositive() {
		return Result{Emit: true, Reason: ReasonPriceMove}
	}
	change := price.Sub(own.LastPrice).Abs().Div(own.LastPrice)
	if !change.GreaterThan(g.minChange) {
		return Result{Reason: ReasonBelowThreshold}
	}
	return Result{Emit: true, Reason: ReasonPriceMove}
}
