package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

// UpdateThrottle serializes evaluations of one (symbol, strategy) on a
// transaction-scoped advisory lock, so both side rows are read and written
// by a single writer.
func (s *Store) UpdateThrottle(ctx context.Context, symbol, strategyKey string, fn store.ThrottleFunc) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "throttle:"+symbol+"/"+strategyKey); err != nil {
			return fmt.Errorf("lock throttle: %w", err)
		}

		pair, err := loadThrottlePair(ctx, tx, symbol, strategyKey)
		if err != nil {
			return err
		}

		next, err := fn(pair)
		if err != nil || next == nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO signal_throttle_state (symbol, strategy_key, side, last_price, previous_price,
				last_time, last_source, last_signal_id, emit_reason, force_next_signal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (symbol, strategy_key, side) DO UPDATE SET
				last_price = EXCLUDED.last_price,
				previous_price = EXCLUDED.previous_price,
				last_time = EXCLUDED.last_time,
				last_source = EXCLUDED.last_source,
				last_signal_id = EXCLUDED.last_signal_id,
				emit_reason = EXCLUDED.emit_reason,
				force_next_signal = EXCLUDED.force_next_signal`,
			next.Key.Symbol, next.Key.StrategyKey, string(next.Key.Side),
			next.LastPrice, next.PreviousPrice, next.LastTime.UTC(),
			next.LastSource, nullIfEmpty(next.LastSignalID), next.EmitReason, next.ForceNextSignal)
		if err != nil {
			return fmt.Errorf("upsert throttle state: %w", err)
		}
		return nil
	})
}

// SetForceNext arms force_next_signal for key.
func (s *Store) SetForceNext(ctx context.Context, key model.ThrottleKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signal_throttle_state (symbol, strategy_key, side, force_next_signal)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (symbol, strategy_key, side) DO UPDATE SET force_next_signal = true`,
		key.Symbol, key.StrategyKey, string(key.Side))
	if err != nil {
		return fmt.Errorf("set force flag %s: %w", key, err)
	}
	return nil
}

func loadThrottlePair(ctx context.Context, tx pgx.Tx, symbol, strategyKey string) (store.ThrottlePair, error) {
	rows, err := tx.Query(ctx, `
		SELECT side, COALESCE(last_price, 0)::text, COALESCE(previous_price, 0)::text,
		       last_time, COALESCE(last_source, ''), COALESCE(last_signal_id, ''),
		       COALESCE(emit_reason, ''), force_next_signal
		FROM signal_throttle_state
		WHERE symbol = $1 AND strategy_key = $2`,
		symbol, strategyKey)
	if err != nil {
		return store.ThrottlePair{}, fmt.Errorf("query throttle state: %w", err)
	}
	defer rows.Close()

	var pair store.ThrottlePair
	for rows.Next() {
		var (
			side, last, prev string
			lastTime         *time.Time
		)
		st := &model.ThrottleState{Key: model.ThrottleKey{Symbol: symbol, StrategyKey: strategyKey}}
		if err := rows.Scan(&side, &last, &prev, &lastTime, &st.LastSource, &st.LastSignalID, &st.EmitReason, &st.ForceNextSignal); err != nil {
			return store.ThrottlePair{}, fmt.Errorf("scan throttle state: %w", err)
		}
		st.Key.Side = model.Side(side)
		if st.LastPrice, err = parseDecimal(last); err != nil {
			return store.ThrottlePair{}, fmt.Errorf("parse last_price: %w", err)
		}
		if st.PreviousPrice, err = parseDecimal(prev); err != nil {
			return store.ThrottlePair{}, fmt.Errorf("parse previous_price: %w", err)
		}
		if lastTime != nil {
			st.LastTime = *lastTime
		}

		switch st.Key.Side {
		case model.SideBuy:
			pair.Buy = st
		case model.SideSell:
			pair.Sell = st
		}
	}
	return pair, rows.Err()
}
