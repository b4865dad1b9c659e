// Package memory is an in-process implementation of the store contracts.
// It enforces the same unique-key and transition semantics as the
// PostgreSQL schema and is used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

type ledgerKey struct {
	source, key string
}

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	throttle  sync.Mutex // held across ThrottleFunc calls
	intents   map[string]model.OrderIntent
	states    map[model.ThrottleKey]model.ThrottleState
	orders    map[string]model.ExchangeOrder
	ledger    map[ledgerKey]time.Time
	watchlist []model.WatchlistItem

	now func() time.Time
}

var (
	_ store.Intents   = (*Store)(nil)
	_ store.Throttle  = (*Store)(nil)
	_ store.Orders    = (*Store)(nil)
	_ store.Watchlist = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		intents: make(map[string]model.OrderIntent),
		states:  make(map[model.ThrottleKey]model.ThrottleState),
		orders:  make(map[string]model.ExchangeOrder),
		ledger:  make(map[ledgerKey]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for created_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetWatchlist replaces the watchlist rows.
func (s *Store) SetWatchlist(items []model.WatchlistItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchlist = append([]model.WatchlistItem(nil), items...)
}

// LedgerSize returns the number of dedup ledger entries.
func (s *Store) LedgerSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

// Orders returns a snapshot of all orders sorted by exchange id.
func (s *Store) Orders() []model.ExchangeOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExchangeOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out
}

// -----------------------------------------------------------------------------
// Intents
// -----------------------------------------------------------------------------

// CreateIntent inserts in as PENDING, or returns the existing intent with
// created false when the key is taken.
func (s *Store) CreateIntent(_ context.Context, in model.OrderIntent) (model.OrderIntent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[in.IdempotencyKey]; ok {
		return existing, false, nil
	}
	now := s.now()
	in.Status = model.IntentPending
	in.OrderID = ""
	in.ErrorMessage = ""
	in.CreatedAt = now
	in.UpdatedAt = now
	s.intents[in.IdempotencyKey] = in
	return in, true, nil
}

// GetIntent returns the intent for key or an error wrapping model.ErrNotFound.
func (s *Store) GetIntent(_ context.Context, key string) (model.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[key]
	if !ok {
		return model.OrderIntent{}, fmt.Errorf("intent %s: %w", key, model.ErrNotFound)
	}
	return in, nil
}

// PutIntent stores in as-is, bypassing insert semantics. Tests use it to
// seed aged rows.
func (s *Store) PutIntent(in model.OrderIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.IdempotencyKey] = in
}

// TransitionIntent moves the intent to status to. Re-applying the current
// status reports changed false.
func (s *Store) TransitionIntent(_ context.Context, key string, to model.IntentStatus, orderID, errMsg string) (model.OrderIntent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.intents[key]
	if !ok {
		return model.OrderIntent{}, false, fmt.Errorf("intent %s: %w", key, model.ErrNotFound)
	}
	changed, err := cur.Status.Transition(to)
	if err != nil {
		return model.OrderIntent{}, false, fmt.Errorf("intent %s %s -> %s: %w", key, cur.Status, to, err)
	}
	if !changed {
		return cur, false, nil
	}

	cur.Status = to
	if orderID != "" {
		cur.OrderID = orderID
	}
	if errMsg != "" {
		cur.ErrorMessage = errMsg
	}
	cur.UpdatedAt = s.now()
	s.intents[key] = cur
	return cur, true, nil
}

// ListStaleIntents returns open intents created before cutoff, oldest
// first. ORDER_PLACED intents with a matching order are skipped.
func (s *Store) ListStaleIntents(_ context.Context, cutoff time.Time, limit int) ([]model.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.OrderIntent
	for _, in := range s.intents {
		if !in.Status.Open() || !in.CreatedAt.Before(cutoff) {
			continue
		}
		if in.Status == model.IntentOrderPlaced && s.findOrderLocked(in) != nil {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountUnresolved counts open intents created before cutoff that match no order.
func (s *Store) CountUnresolved(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, in := range s.intents {
		if in.Status.Open() && in.CreatedAt.Before(cutoff) && s.findOrderLocked(in) == nil {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Throttle
// -----------------------------------------------------------------------------

// UpdateThrottle runs fn on both sides of (symbol, strategyKey), one update
// at a time, and saves the state fn returns, if any.
func (s *Store) UpdateThrottle(_ context.Context, symbol, strategyKey string, fn store.ThrottleFunc) error {
	s.throttle.Lock()
	defer s.throttle.Unlock()

	s.mu.Lock()
	pair := store.ThrottlePair{
		Buy:  s.stateLocked(model.ThrottleKey{Symbol: symbol, StrategyKey: strategyKey, Side: model.SideBuy}),
		Sell: s.stateLocked(model.ThrottleKey{Symbol: symbol, StrategyKey: strategyKey, Side: model.SideSell}),
	}
	s.mu.Unlock()

	next, err := fn(pair)
	if err != nil || next == nil {
		return err
	}

	s.mu.Lock()
	s.states[next.Key] = *next
	s.mu.Unlock()
	return nil
}

// SetForceNext arms the force flag for key, creating the row if needed.
func (s *Store) SetForceNext(_ context.Context, key model.ThrottleKey) error {
	s.throttle.Lock()
	defer s.throttle.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[key]
	st.Key = key
	st.ForceNextSignal = true
	s.states[key] = st
	return nil
}

// ThrottleState returns a copy of the row for key, or nil.
func (s *Store) ThrottleState(key model.ThrottleKey) *model.ThrottleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(key)
}

func (s *Store) stateLocked(key model.ThrottleKey) *model.ThrottleState {
	st, ok := s.states[key]
	if !ok {
		return nil
	}
	return &st
}

// -----------------------------------------------------------------------------
// Orders
// -----------------------------------------------------------------------------

// ApplyEvent records ev in the dedup ledger and merges it into its order.
func (s *Store) ApplyEvent(_ context.Context, ev model.ExchangeEvent) (store.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lk := ledgerKey{source: ev.Source, key: ev.DedupKey()}
	if _, seen := s.ledger[lk]; seen {
		return store.ApplyResult{Duplicate: true}, nil
	}
	s.ledger[lk] = s.now()

	cur, ok := s.orders[ev.ExchangeOrderID]
	if !ok {
		now := s.now()
		o := model.ExchangeOrder{
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
			ExchangeUpdatedAt:  ev.UpdateTime,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		s.orders[o.ExchangeOrderID] = o
		return store.ApplyResult{Order: o, NewlyFilled: o.Status == model.OrderStatusFilled}, nil
	}

	if !cur.ExchangeUpdatedAt.IsZero() && ev.UpdateTime.Before(cur.ExchangeUpdatedAt) {
		return store.ApplyResult{Stale: true, Order: cur}, nil
	}

	wasFilled := cur.Status == model.OrderStatusFilled
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
	cur.ExchangeUpdatedAt = ev.UpdateTime
	cur.UpdatedAt = s.now()
	s.orders[cur.ExchangeOrderID] = cur

	return store.ApplyResult{Order: cur, NewlyFilled: !wasFilled && cur.Status == model.OrderStatusFilled}, nil
}

// RecordOrder inserts o, or updates the locally owned fields of an order
// already known from an event.
func (s *Store) RecordOrder(_ context.Context, o model.ExchangeOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.orders[o.ExchangeOrderID]
	if !ok {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.UpdatedAt = now
		s.orders[o.ExchangeOrderID] = o
		return nil
	}

	if o.ClientOrderID != "" {
		cur.ClientOrderID = o.ClientOrderID
	}
	cur.Role = o.Role
	if o.ParentOrderID != "" {
		cur.ParentOrderID = o.ParentOrderID
	}
	if o.TradeSignalID != "" {
		cur.TradeSignalID = o.TradeSignalID
	}
	cur.UpdatedAt = now
	s.orders[o.ExchangeOrderID] = cur
	return nil
}

// GetOrder returns the order or an error wrapping model.ErrNotFound.
func (s *Store) GetOrder(_ context.Context, exchangeOrderID string) (model.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[exchangeOrderID]
	if !ok {
		return model.ExchangeOrder{}, fmt.Errorf("order %s: %w", exchangeOrderID, model.ErrNotFound)
	}
	return o, nil
}

// FindOrderForIntent returns the order matching in, or nil.
func (s *Store) FindOrderForIntent(_ context.Context, in model.OrderIntent) (*model.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findOrderLocked(in), nil
}

func (s *Store) findOrderLocked(in model.OrderIntent) *model.ExchangeOrder {
	if in.OrderID != "" {
		if o, ok := s.orders[in.OrderID]; ok {
			return &o
		}
	}
	var bySignal *model.ExchangeOrder
	for _, o := range s.orders {
		if o.ClientOrderID != "" && o.ClientOrderID == in.IdempotencyKey {
			o := o
			return &o
		}
		if bySignal == nil && o.TradeSignalID != "" && o.TradeSignalID == in.SignalID {
			o := o
			bySignal = &o
		}
	}
	return bySignal
}

// ListUnnotifiedFills returns filled entry orders placed for a signal and
// not yet notified, oldest first.
func (s *Store) ListUnnotifiedFills(_ context.Context, limit int) ([]model.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ExchangeOrder
	for _, o := range s.orders {
		if o.Status == model.OrderStatusFilled && o.Role == model.RoleEntry && o.ExecutionNotifiedAt == nil && s.ownedLocked(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ownedLocked reports whether o was placed for a signal.
func (s *Store) ownedLocked(o model.ExchangeOrder) bool {
	if o.TradeSignalID != "" {
		return true
	}
	_, ok := s.intents[o.ClientOrderID]
	return ok
}

// ClaimNotification sets the notified marker if unset and reports whether
// this call set it.
func (s *Store) ClaimNotification(_ context.Context, exchangeOrderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[exchangeOrderID]
	if !ok || o.ExecutionNotifiedAt != nil {
		return false, nil
	}
	at = at.UTC()
	o.ExecutionNotifiedAt = &at
	s.orders[exchangeOrderID] = o
	return true, nil
}

// ReleaseNotification clears the notified marker.
func (s *Store) ReleaseNotification(_ context.Context, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.orders[exchangeOrderID]; ok {
		o.ExecutionNotifiedAt = nil
		s.orders[exchangeOrderID] = o
	}
	return nil
}

// -----------------------------------------------------------------------------
// Watchlist
// -----------------------------------------------------------------------------

// ListWatchlist returns the watchlist rows.
func (s *Store) ListWatchlist(_ context.Context) ([]model.WatchlistItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WatchlistItem(nil), s.watchlist...), nil
}
