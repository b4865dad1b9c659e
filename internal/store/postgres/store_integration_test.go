package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/database"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

// dsnEnv names a disposable PostgreSQL database for the tests below.
const dsnEnv = "SIGNAL_EXEC_TEST_DSN"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool, nil)
}

// uniq scopes keys to one test run so a shared database needs no cleanup.
func uniq(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%s-%d", t.Name(), name, time.Now().UnixNano())
}

func TestIntegration_CreateIntentOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := uniq(t, "key")

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, ok, err := s.CreateIntent(ctx, model.OrderIntent{
				IdempotencyKey: key, SignalID: key, Symbol: "BTCUSDT", Side: model.SideBuy,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				created++
			}
			if in.IdempotencyKey != key || in.Status != model.IntentPending {
				errs = append(errs, fmt.Errorf("got %s %s", in.IdempotencyKey, in.Status))
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("CreateIntent errors: %v", errs)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}

func TestIntegration_TransitionIntent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := uniq(t, "key")

	if _, _, err := s.CreateIntent(ctx, model.OrderIntent{IdempotencyKey: key, SignalID: key, Symbol: "BTCUSDT", Side: model.SideBuy}); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	in, changed, err := s.TransitionIntent(ctx, key, model.IntentOrderPlaced, "9001", "")
	if err != nil || !changed {
		t.Fatalf("PENDING -> ORDER_PLACED: changed=%v err=%v", changed, err)
	}
	if in.OrderID != "9001" {
		t.Errorf("OrderID = %q, want 9001", in.OrderID)
	}

	_, changed, err = s.TransitionIntent(ctx, key, model.IntentOrderPlaced, "9001", "")
	if err != nil || changed {
		t.Errorf("re-applied ORDER_PLACED: changed=%v err=%v, want no-op", changed, err)
	}

	_, changed, err = s.TransitionIntent(ctx, key, model.IntentOrderFailed, "", model.ErrMsgMissingExchangeOrder)
	if err != nil || !changed {
		t.Fatalf("ORDER_PLACED -> ORDER_FAILED: changed=%v err=%v", changed, err)
	}

	// ORDER_FAILED is terminal.
	in, changed, err = s.TransitionIntent(ctx, key, model.IntentOrderPlaced, "9002", "")
	if err != nil || changed {
		t.Errorf("leaving ORDER_FAILED: changed=%v err=%v, want no-op", changed, err)
	}
	if in.Status != model.IntentOrderFailed || in.OrderID != "9001" {
		t.Errorf("terminal intent changed: %+v", in)
	}

	if _, _, err := s.TransitionIntent(ctx, uniq(t, "missing"), model.IntentOrderPlaced, "", ""); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown key err = %v, want ErrNotFound", err)
	}
}

func TestIntegration_ApplyEventDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orderID := uniq(t, "order")

	ev := model.ExchangeEvent{
		Source:             model.SourceStream,
		EventID:            orderID + ":1",
		ExchangeOrderID:    orderID,
		ClientOrderID:      uniq(t, "client"),
		Symbol:             "BTCUSDT",
		Side:               model.SideBuy,
		OrderType:          model.OrderTypeMarket,
		Status:             model.OrderStatusFilled,
		AvgPrice:           decimal.NewFromInt(50000),
		Quantity:           decimal.RequireFromString("0.002"),
		CumulativeQuantity: decimal.RequireFromString("0.002"),
		UpdateTime:         time.Now().UTC().Truncate(time.Millisecond),
	}

	first, err := s.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("first ApplyEvent: %v", err)
	}
	if first.Duplicate || !first.NewlyFilled {
		t.Errorf("first = %+v, want newly filled", first)
	}

	again, err := s.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("second ApplyEvent: %v", err)
	}
	if !again.Duplicate || again.NewlyFilled {
		t.Errorf("second = %+v, want duplicate", again)
	}

	// The REST copy has its own ledger key but does not fill the order again.
	rest := ev
	rest.Source = model.SourceREST
	rest.EventID = ""
	res, err := s.ApplyEvent(ctx, rest)
	if err != nil {
		t.Fatalf("REST ApplyEvent: %v", err)
	}
	if res.Duplicate || res.NewlyFilled {
		t.Errorf("REST copy = %+v, want applied without a new fill", res)
	}
}

func TestIntegration_UpdateThrottleSerializes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	symbol := uniq(t, "sym")
	key := model.ThrottleKey{Symbol: symbol, StrategyKey: "swing", Side: model.SideBuy}

	// Each update reads the counter and writes it back incremented; a lost
	// update would leave the total short.
	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpdateThrottle(ctx, symbol, "swing", func(p store.ThrottlePair) (*model.ThrottleState, error) {
				next := model.ThrottleState{Key: key, LastPrice: decimal.NewFromInt(1), LastTime: time.Now()}
				if cur := p.Buy; cur != nil {
					next.LastPrice = cur.LastPrice.Add(decimal.NewFromInt(1))
				}
				time.Sleep(5 * time.Millisecond)
				return &next, nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdateThrottle: %v", err)
		}
	}

	err := s.UpdateThrottle(ctx, symbol, "swing", func(p store.ThrottlePair) (*model.ThrottleState, error) {
		if p.Buy == nil || !p.Buy.LastPrice.Equal(decimal.NewFromInt(n)) {
			t.Errorf("counter = %v, want %d", p.Buy, n)
		}
		if p.Sell != nil {
			t.Errorf("sell row = %+v, want none", p.Sell)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
}

func TestIntegration_ListUnnotifiedFillsSkipsForeignOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	intentKey := uniq(t, "intent")
	if _, _, err := s.CreateIntent(ctx, model.OrderIntent{IdempotencyKey: intentKey, SignalID: intentKey, Symbol: "BTCUSDT", Side: model.SideBuy}); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	owned := uniq(t, "owned")
	foreign := uniq(t, "foreign")
	closing := uniq(t, "close")
	for _, ev := range []model.ExchangeEvent{
		{ExchangeOrderID: owned, ClientOrderID: intentKey, Side: model.SideBuy},
		{ExchangeOrderID: foreign, ClientOrderID: uniq(t, "web"), Side: model.SideBuy},
		{ExchangeOrderID: closing, ClientOrderID: intentKey + "-close", Side: model.SideSell, ReduceOnly: true},
	} {
		ev.Source = model.SourceStream
		ev.EventID = ev.ExchangeOrderID + ":1"
		ev.Symbol = "BTCUSDT"
		ev.OrderType = model.OrderTypeMarket
		ev.Status = model.OrderStatusFilled
		ev.Quantity = decimal.NewFromInt(1)
		ev.CumulativeQuantity = decimal.NewFromInt(1)
		ev.UpdateTime = time.Now().UTC()
		if _, err := s.ApplyEvent(ctx, ev); err != nil {
			t.Fatalf("ApplyEvent %s: %v", ev.ExchangeOrderID, err)
		}
	}

	fills, err := s.ListUnnotifiedFills(ctx, 1000)
	if err != nil {
		t.Fatalf("ListUnnotifiedFills: %v", err)
	}
	seen := map[string]bool{}
	for _, o := range fills {
		seen[o.ExchangeOrderID] = true
	}
	if !seen[owned] {
		t.Error("owned fill missing")
	}
	if seen[foreign] {
		t.Error("foreign fill listed")
	}
	if seen[closing] {
		t.Error("reduce-only close listed")
	}
}
