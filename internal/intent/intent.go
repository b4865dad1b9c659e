// Package intent owns the OrderIntent lifecycle.
//
// The unique idempotency key is the only arbiter of whether a signal has
// been acted on: CreateOrGet returns created=true to exactly one caller per
// key, and only that caller may contact the exchange.
package intent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

// namespace scopes name-based idempotency keys to this service.
var namespace = uuid.MustParse("5b0d7c9e-3f44-4d8e-9a51-6c2f1e7a8b30")

// KeyFor derives the idempotency key of a signal from its stable id.
// The key is also used as the exchange client order id.
func KeyFor(signalID string) string {
	return uuid.NewSHA1(namespace, []byte("signal:"+signalID)).String()
}

// ProtectiveKey derives the idempotency key of a protective order.
func ProtectiveKey(parentOrderID string, role model.OrderRole) string {
	return uuid.NewSHA1(namespace, []byte("protect:"+parentOrderID+":"+string(role))).String()
}

// Store wraps the durable intent table.
type Store struct {
	db     store.Intents
	logger *slog.Logger
}

// NewStore creates an intent store.
func NewStore(db store.Intents, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// CreateOrGet inserts a PENDING intent for key or returns the existing one.
func (s *Store) CreateOrGet(ctx context.Context, key, signalID, symbol string, side model.Side) (model.OrderIntent, bool, error) {
	in, created, err := s.db.CreateIntent(ctx, model.OrderIntent{
		IdempotencyKey: key,
		SignalID:       signalID,
		Symbol:         symbol,
		Side:           side,
		Status:         model.IntentPending,
	})
	if err != nil {
		return model.OrderIntent{}, false, fmt.Errorf("create intent: %w", err)
	}
	if !created {
		s.logger.Debug("duplicate intent skipped",
			"idempotency_key", key,
			"signal_id", signalID,
			"status", in.Status,
		)
	}
	return in, created, nil
}

// Get returns the intent for key.
func (s *Store) Get(ctx context.Context, key string) (model.OrderIntent, error) {
	return s.db.GetIntent(ctx, key)
}

// MarkPlaced records a successful placement.
func (s *Store) MarkPlaced(ctx context.Context, key, orderID string) (model.OrderIntent, error) {
	return s.transition(ctx, key, model.IntentOrderPlaced, orderID, "")
}

// MarkFailed records a terminal failure with reason.
func (s *Store) MarkFailed(ctx context.Context, key, reason string) (model.OrderIntent, error) {
	return s.transition(ctx, key, model.IntentOrderFailed, "", reason)
}

func (s *Store) transition(ctx context.Context, key string, to model.IntentStatus, orderID, reason string) (model.OrderIntent, error) {
	in, changed, err := s.db.TransitionIntent(ctx, key, to, orderID, reason)
	if err != nil {
		return model.OrderIntent{}, fmt.Errorf("transition intent to %s: %w", to, err)
	}
	if !changed {
		s.logger.Debug("intent transition was a no-op",
			"idempotency_key", key,
			"status", in.Status,
			"requested", to,
		)
	}
	return in, nil
}
