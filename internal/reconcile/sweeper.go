// Package reconcile resolves order intents that never matured into a
// confirmed exchange order.
//
// A sweep lists open intents older than the grace period. An intent with a
// matching exchange order is healed to ORDER_PLACED when still PENDING; an
// intent without one is failed with MISSING_EXCHANGE_ORDER. Each intent is
// committed on its own, so a sweep may be cancelled or crash between intents
// and simply run again.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/intent"
	"github.com/rickgao/signal-exec/internal/metrics"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

// DefaultGracePeriod is used when no grace period is configured.
const DefaultGracePeriod = 5 * time.Minute

const defaultBatchLimit = 500

// Journal receives decision rows.
type Journal interface {
	Record(d model.Decision)
}

// Result summarizes one sweep.
type Result struct {
	Checked    int
	Marked     int // failed with MISSING_EXCHANGE_ORDER
	Healed     int // PENDING intents moved to ORDER_PLACED
	Unresolved int // stale open intents still lacking an exchange order
}

// Sweeper is the reconciliation sweeper.
type Sweeper struct {
	db      store.Intents
	orders  store.Orders
	intents *intent.Store
	journal Journal
	cfg     config.ReconcileConfig
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Sweeper. journal may be nil.
func New(cfg config.ReconcileConfig, db store.Intents, orders store.Orders, journal Journal, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	return &Sweeper{
		db:      db,
		orders:  orders,
		intents: intent.NewStore(db, logger),
		journal: journal,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// RunTask sweeps with the configured grace period; it satisfies poller.Task.
func (s *Sweeper) RunTask(ctx context.Context) error {
	res, err := s.Sweep(ctx, s.cfg.GracePeriod)
	if err != nil {
		return err
	}
	if res.Unresolved > 0 {
		s.logger.Warn("reconciliation gap", "unresolved", res.Unresolved)
	}
	return nil
}

// Run sweeps once and returns the marked and unresolved counts.
func (s *Sweeper) Run(ctx context.Context, grace time.Duration) (marked, unresolved int, err error) {
	res, err := s.Sweep(ctx, grace)
	return res.Marked, res.Unresolved, err
}

// Sweep resolves stale intents created before now - grace.
func (s *Sweeper) Sweep(ctx context.Context, grace time.Duration) (Result, error) {
	var res Result
	if grace < 0 {
		return res, fmt.Errorf("grace period must not be negative: %s", grace)
	}
	cutoff := s.now().Add(-grace)

	stale, err := s.db.ListStaleIntents(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("list stale intents: %w", err)
	}

	for _, in := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		match, err := s.orders.FindOrderForIntent(ctx, in)
		if err != nil {
			s.logger.Error("find order for intent failed",
				"idempotency_key", in.IdempotencyKey,
				"error", err,
			)
			continue
		}

		switch {
		case match == nil:
			if err := s.fail(ctx, in); err != nil {
				s.logger.Error("mark intent failed", "idempotency_key", in.IdempotencyKey, "error", err)
				continue
			}
			res.Marked++
		case in.Status == model.IntentPending:
			if err := s.heal(ctx, in, match.ExchangeOrderID); err != nil {
				s.logger.Error("heal intent failed", "idempotency_key", in.IdempotencyKey, "error", err)
				continue
			}
			res.Healed++
		}
	}

	// Recount after mutating so an overlapping sweep's work is reflected.
	res.Unresolved, err = s.db.CountUnresolved(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("count unresolved: %w", err)
	}

	metrics.ReconcileMarked.Add(float64(res.Marked))
	metrics.ReconcileHealed.Add(float64(res.Healed))
	metrics.ReconcileUnresolved.Set(float64(res.Unresolved))

	if res.Checked > 0 {
		s.logger.Info("reconciliation sweep complete",
			"checked", res.Checked,
			"marked", res.Marked,
			"healed", res.Healed,
			"unresolved", res.Unresolved,
		)
	}
	return res, nil
}

func (s *Sweeper) fail(ctx context.Context, in model.OrderIntent) error {
	out, err := s.intents.MarkFailed(ctx, in.IdempotencyKey, model.ErrMsgMissingExchangeOrder)
	if err != nil {
		return err
	}
	s.logger.Warn("intent has no exchange order",
		"idempotency_key", in.IdempotencyKey,
		"signal_id", in.SignalID,
		"symbol", in.Symbol,
		"previous_status", in.Status,
		"created_at", in.CreatedAt,
	)
	s.record(out, "FAILED", model.ErrMsgMissingExchangeOrder, "no matching exchange order")
	return nil
}

func (s *Sweeper) heal(ctx context.Context, in model.OrderIntent, orderID string) error {
	out, err := s.intents.MarkPlaced(ctx, in.IdempotencyKey, orderID)
	if err != nil {
		return err
	}
	s.logger.Info("intent healed from exchange order",
		"idempotency_key", in.IdempotencyKey,
		"order_id", orderID,
	)
	s.record(out, "PLACED", "", "healed from order "+orderID)
	return nil
}

func (s *Sweeper) record(in model.OrderIntent, outcome, reason, msg string) {
	if s.journal == nil {
		return
	}
	s.journal.Record(model.Decision{
		SignalID: in.SignalID,
		Symbol:   in.Symbol,
		Side:     in.Side,
		Stage:    model.StageReconcile,
		Outcome:  outcome,
		Reason:   reason,
		Message:  msg,
		At:       s.now().UTC(),
	})
}
