package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

const orderColumns = `exchange_order_id, COALESCE(client_order_id, ''), symbol, side, order_type,
	order_role, COALESCE(parent_order_id, ''), status,
	price::text, avg_price::text, stop_price::text, quantity::text, cumulative_quantity::text,
	execution_notified_at, COALESCE(trade_signal_id, ''), exchange_updated_at, created_at, updated_at`

// ApplyEvent records ev in the dedup ledger and applies it to its order in
// one transaction. A duplicate leaves everything untouched.
func (s *Store) ApplyEvent(ctx context.Context, ev model.ExchangeEvent) (store.ApplyResult, error) {
	var res store.ApplyResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO dedup_ledger (event_source, natural_key, seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_source, natural_key) DO NOTHING`,
			ev.Source, ev.DedupKey(), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert dedup entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			res.Duplicate = true
			return nil
		}

		cur, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM exchange_orders WHERE exchange_order_id = $1 FOR UPDATE`,
			ev.ExchangeOrderID))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			o := orderFromEvent(ev)
			if err := insertOrder(ctx, tx, o); err != nil {
				return err
			}
			res.Order = o
			res.NewlyFilled = o.Status == model.OrderStatusFilled
			return nil
		case err != nil:
			return fmt.Errorf("lock order: %w", err)
		}

		if !cur.ExchangeUpdatedAt.IsZero() && ev.UpdateTime.Before(cur.ExchangeUpdatedAt) {
			res.Stale = true
			res.Order = cur
			return nil
		}

		wasFilled := cur.Status == model.OrderStatusFilled
		next := mergeEvent(cur, ev)
		_, err = tx.Exec(ctx, `
			UPDATE exchange_orders SET
				status = $2, price = $3, avg_price = $4, stop_price = $5,
				quantity = $6, cumulative_quantity = $7,
				client_order_id = COALESCE(client_order_id, $8),
				exchange_updated_at = $9, updated_at = $10
			WHERE exchange_order_id = $1`,
			next.ExchangeOrderID, string(next.Status), next.Price, next.AvgPrice, next.StopPrice,
			next.Quantity, next.CumulativeQuantity, nullIfEmpty(next.ClientOrderID),
			next.ExchangeUpdatedAt, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		res.Order = next
		res.NewlyFilled = !wasFilled && next.Status == model.OrderStatusFilled
		return nil
	})
	if err != nil {
		return store.ApplyResult{}, err
	}
	return res, nil
}

// RecordOrder upserts an order placed by this process. An existing row keeps
// its exchange-reported status; only linkage fields are filled in.
func (s *Store) RecordOrder(ctx context.Context, o model.ExchangeOrder) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO exchange_orders (exchange_order_id, client_order_id, symbol, side, order_type,
			order_role, parent_order_id, status, price, avg_price, stop_price, quantity,
			cumulative_quantity, trade_signal_id, exchange_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (exchange_order_id) DO UPDATE SET
			client_order_id = COALESCE(EXCLUDED.client_order_id, exchange_orders.client_order_id),
			order_role = EXCLUDED.order_role,
			parent_order_id = COALESCE(EXCLUDED.parent_order_id, exchange_orders.parent_order_id),
			trade_signal_id = COALESCE(EXCLUDED.trade_signal_id, exchange_orders.trade_signal_id),
			updated_at = EXCLUDED.updated_at`,
		o.ExchangeOrderID, nullIfEmpty(o.ClientOrderID), o.Symbol, string(o.Side), o.OrderType,
		string(o.Role), nullIfEmpty(o.ParentOrderID), string(o.Status),
		o.Price, o.AvgPrice, o.StopPrice, o.Quantity, o.CumulativeQuantity,
		nullIfEmpty(o.TradeSignalID), nullTime(o.ExchangeUpdatedAt), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record order %s: %w", o.ExchangeOrderID, err)
	}
	return nil
}

// GetOrder returns the order with the given exchange id.
func (s *Store) GetOrder(ctx context.Context, exchangeOrderID string) (model.ExchangeOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM exchange_orders WHERE exchange_order_id = $1`, exchangeOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExchangeOrder{}, fmt.Errorf("order %s: %w", exchangeOrderID, model.ErrNotFound)
	}
	return o, err
}

// FindOrderForIntent matches by order id, client order id, then signal id.
func (s *Store) FindOrderForIntent(ctx context.Context, in model.OrderIntent) (*model.ExchangeOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM exchange_orders
		WHERE ($1 <> '' AND exchange_order_id = $1)
		   OR client_order_id = $2
		   OR trade_signal_id = $3
		ORDER BY (exchange_order_id = $1) DESC, (client_order_id = $2) DESC, created_at
		LIMIT 1`,
		in.OrderID, in.IdempotencyKey, in.SignalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find order for intent %s: %w", in.IdempotencyKey, err)
	}
	return &o, nil
}

// ListUnnotifiedFills returns filled entry orders not yet notified. Orders
// placed outside this process, with no signal and no intent, are skipped.
func (s *Store) ListUnnotifiedFills(ctx context.Context, limit int) ([]model.ExchangeOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM exchange_orders o
		WHERE o.status = 'FILLED' AND o.order_role = 'ENTRY' AND o.execution_notified_at IS NULL
		  AND (COALESCE(o.trade_signal_id, '') <> ''
		       OR EXISTS (SELECT 1 FROM order_intents i WHERE i.idempotency_key = o.client_order_id))
		ORDER BY o.updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unnotified fills: %w", err)
	}
	defer rows.Close()

	var out []model.ExchangeOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ClaimNotification sets execution_notified_at if still NULL.
func (s *Store) ClaimNotification(ctx context.Context, exchangeOrderID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE exchange_orders SET execution_notified_at = $2
		WHERE exchange_order_id = $1 AND execution_notified_at IS NULL`,
		exchangeOrderID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("claim notification %s: %w", exchangeOrderID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseNotification clears execution_notified_at.
func (s *Store) ReleaseNotification(ctx context.Context, exchangeOrderID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE exchange_orders SET execution_notified_at = NULL WHERE exchange_order_id = $1`,
		exchangeOrderID)
	if err != nil {
		return fmt.Errorf("release notification %s: %w", exchangeOrderID, err)
	}
	return nil
}

func insertOrder(ctx context.Context, tx pgx.Tx, o model.ExchangeOrder) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO exchange_orders (exchange_order_id, client_order_id, symbol, side, order_type,
			order_role, status, price, avg_price, stop_price, quantity, cumulative_quantity,
			exchange_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		o.ExchangeOrderID, nullIfEmpty(o.ClientOrderID), o.Symbol, string(o.Side), o.OrderType,
		string(o.Role), string(o.Status), o.Price, o.AvgPrice, o.StopPrice, o.Quantity,
		o.CumulativeQuantity, nullTime(o.ExchangeUpdatedAt), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ExchangeOrderID, err)
	}
	return nil
}

// orderFromEvent builds the first local record of an order seen on the
// exchange. The role is inferred from the order type and reduce-only flag.
func orderFromEvent(ev model.ExchangeEvent) model.ExchangeOrder {
	now := time.Now().UTC()
	return model.ExchangeOrder{
		ExchangeOrderID:    ev.ExchangeOrderID,
		ClientOrderID:      ev.ClientOrderID,
		Symbol:             ev.Symbol,
		Side:               ev.Side,
		OrderType:          ev.OrderType,
		Role:               model.RoleFor(ev.OrderType, ev.ReduceOnly),
		Status:             ev.Status,
		Price:              ev.Price,
		AvgPrice:           ev.AvgPrice,
		StopPrice:          ev.StopPrice,
		Quantity:           ev.Quantity,
		CumulativeQuantity: ev.CumulativeQuantity,
		ExchangeUpdatedAt:  ev.UpdateTime.UTC(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func mergeEvent(cur model.ExchangeOrder, ev model.ExchangeEvent) model.ExchangeOrder {
	cur.Status = ev.Status
	if ev.Price.IsPositive() {
		cur.Price = ev.Price
	}
	if ev.AvgPrice.IsPositive() {
		cur.AvgPrice = ev.AvgPrice
	}
	if ev.StopPrice.IsPositive() {
		cur.StopPrice = ev.StopPrice
	}
	if ev.Quantity.IsPositive() {
		cur.Quantity = ev.Quantity
	}
	if ev.CumulativeQuantity.GreaterThan(cur.CumulativeQuantity) {
		cur.CumulativeQuantity = ev.CumulativeQuantity
	}
	if cur.ClientOrderID == "" {
		cur.ClientOrderID = ev.ClientOrderID
	}
	cur.ExchangeUpdatedAt = ev.UpdateTime.UTC()
	cur.UpdatedAt = time.Now().UTC()
	return cur
}

func scanOrder(row pgx.Row) (model.ExchangeOrder, error) {
	var (
		o                             model.ExchangeOrder
		side, role, status            string
		price, avg, stop, qty, cumQty string
		exchangeUpdatedAt             *time.Time
	)
	err := row.Scan(
		&o.ExchangeOrderID, &o.ClientOrderID, &o.Symbol, &side, &o.OrderType,
		&role, &o.ParentOrderID, &status,
		&price, &avg, &stop, &qty, &cumQty,
		&o.ExecutionNotifiedAt, &o.TradeSignalID, &exchangeUpdatedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return model.ExchangeOrder{}, err
	}
	o.Side = model.Side(side)
	o.Role = model.OrderRole(role)
	o.Status = model.OrderStatus(status)
	if exchangeUpdatedAt != nil {
		o.ExchangeUpdatedAt = *exchangeUpdatedAt
	}

	if o.Price, err = parseDecimal(price); err != nil {
		return model.ExchangeOrder{}, fmt.Errorf("parse price: %w", err)
	}
	if o.AvgPrice, err = parseDecimal(avg); err != nil {
		return model.ExchangeOrder{}, fmt.Errorf("parse avg_price: %w", err)
	}
	if o.StopPrice, err = parseDecimal(stop); err != nil {
		return model.ExchangeOrder{}, fmt.Errorf("parse stop_price: %w", err)
	}
	if o.Quantity, err = parseDecimal(qty); err != nil {
		return model.ExchangeOrder{}, fmt.Errorf("parse quantity: %w", err)
	}
	if o.CumulativeQuantity, err = parseDecimal(cumQty); err != nil {
		return model.ExchangeOrder{}, fmt.Errorf("parse cumulative_quantity: %w", err)
	}
	return o, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
