package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/signal-exec/internal/model"
)

const intentColumns = `idempotency_key, signal_id, symbol, side, status,
	COALESCE(order_id, ''), COALESCE(error_message, ''), created_at, updated_at`

// matchesExchangeOrder is true when intent i has a known exchange order.
const matchesExchangeOrder = `EXISTS (
	SELECT 1 FROM exchange_orders o
	WHERE (i.order_id IS NOT NULL AND o.exchange_order_id = i.order_id)
	   OR o.client_order_id = i.idempotency_key
	   OR o.trade_signal_id = i.signal_id
)`

var openStatuses = []string{string(model.IntentPending), string(model.IntentOrderPlaced)}

// CreateIntent inserts a PENDING intent or returns the existing row.
func (s *Store) CreateIntent(ctx context.Context, in model.OrderIntent) (model.OrderIntent, bool, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO order_intents (idempotency_key, signal_id, symbol, side, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+intentColumns,
		in.IdempotencyKey, in.SignalID, in.Symbol, string(in.Side), string(model.IntentPending), now)

	created, err := scanIntent(row)
	switch {
	case err == nil:
		return created, true, nil
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		existing, err := s.GetIntent(ctx, in.IdempotencyKey)
		if err != nil {
			return model.OrderIntent{}, false, fmt.Errorf("fetch existing intent: %w", err)
		}
		return existing, false, nil
	default:
		return model.OrderIntent{}, false, fmt.Errorf("insert intent: %w", err)
	}
}

// GetIntent returns the intent with the given key.
func (s *Store) GetIntent(ctx context.Context, key string) (model.OrderIntent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM order_intents WHERE idempotency_key = $1`, key)
	in, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OrderIntent{}, fmt.Errorf("intent %s: %w", key, model.ErrNotFound)
	}
	return in, err
}

// TransitionIntent applies a lifecycle move under a row lock.
func (s *Store) TransitionIntent(ctx context.Context, key string, to model.IntentStatus, orderID, errMsg string) (model.OrderIntent, bool, error) {
	var (
		result  model.OrderIntent
		changed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanIntent(tx.QueryRow(ctx,
			`SELECT `+intentColumns+` FROM order_intents WHERE idempotency_key = $1 FOR UPDATE`, key))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("intent %s: %w", key, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock intent: %w", err)
		}

		changed, err = cur.Status.Transition(to)
		if err != nil {
			return fmt.Errorf("intent %s %s -> %s: %w", key, cur.Status, to, err)
		}
		if !changed {
			result = cur
			return nil
		}

		result, err = scanIntent(tx.QueryRow(ctx, `
			UPDATE order_intents
			SET status = $2,
			    order_id = COALESCE($3, order_id),
			    error_message = COALESCE($4, error_message),
			    updated_at = $5
			WHERE idempotency_key = $1
			RETURNING `+intentColumns,
			key, string(to), nullIfEmpty(orderID), nullIfEmpty(errMsg), time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("update intent: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.OrderIntent{}, false, err
	}
	return result, changed, nil
}

// ListStaleIntents returns open intents created before cutoff. ORDER_PLACED
// intents that already match an exchange order are settled and skipped.
func (s *Store) ListStaleIntents(ctx context.Context, cutoff time.Time, limit int) ([]model.OrderIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+`
		FROM order_intents i
		WHERE i.status = ANY($1) AND i.created_at < $2
		  AND (i.status = 'PENDING' OR NOT `+matchesExchangeOrder+`)
		ORDER BY i.created_at
		LIMIT $3`,
		openStatuses, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale intents: %w", err)
	}
	defer rows.Close()

	var out []model.OrderIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// CountUnresolved counts stale open intents without an exchange order.
func (s *Store) CountUnresolved(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM order_intents i
		WHERE i.status = ANY($1) AND i.created_at < $2
		  AND NOT `+matchesExchangeOrder,
		openStatuses, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved intents: %w", err)
	}
	return n, nil
}

func scanIntent(row pgx.Row) (model.OrderIntent, error) {
	var (
		in           model.OrderIntent
		side, status string
	)
	err := row.Scan(
		&in.IdempotencyKey, &in.SignalID, &in.Symbol, &side, &status,
		&in.OrderID, &in.ErrorMessage, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return model.OrderIntent{}, err
	}
	in.Side = model.Side(side)
	in.Status = model.IntentStatus(status)
	return in, nil
}
