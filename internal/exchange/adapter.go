package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/sony/gobreaker"

	"github.com/rickgao/signal-exec/internal/classify"
	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/metrics"
	"github.com/rickgao/signal-exec/internal/model"
)

// Adapter is the Binance futures execution collaborator.
type Adapter struct {
	api      futuresAPI
	breaker  *gobreaker.CircuitBreaker
	lookback time.Duration
	limit    int
	symbols  func() []string
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	precision map[string]precision
	leverage  map[string]int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSymbols sets the provider of symbols FetchEvents lists orders for.
func WithSymbols(fn func() []string) Option {
	return func(a *Adapter) {
		a.symbols = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithListLimit caps the orders fetched per symbol per cycle.
func WithListLimit(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.limit = n
		}
	}
}

// New creates an Adapter over the real Binance client.
func New(cfg config.ExchangeConfig, opts ...Option) *Adapter {
	return newAdapter(newBinanceAPI(cfg.APIKey, cfg.SecretKey, cfg.Testnet, cfg.Timeout), cfg, opts...)
}

func newAdapter(api futuresAPI, cfg config.ExchangeConfig, opts ...Option) *Adapter {
	a := &Adapter{
		api:       api,
		lookback:  cfg.Lookback,
		limit:     config.DefaultExchangeListLimit,
		symbols:   func() []string { return nil },
		logger:    slog.Default(),
		now:       time.Now,
		precision: make(map[string]precision),
		leverage:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}

	b := cfg.Breaker
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance-futures",
		MaxRequests: b.MaxRequests,
		Interval:    b.Interval,
		Timeout:     b.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < b.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= b.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			a.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return !breakerFailure(err)
		},
	})
	return a
}

// call runs fn through the breaker and records metrics.
func call[T any](a *Adapter, endpoint string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := a.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	metrics.ExchangeRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	var zero T
	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "breaker_open"
		}
		metrics.ExchangeRequests.WithLabelValues(endpoint, status).Inc()
		return zero, wrapErr(endpoint, err)
	}
	metrics.ExchangeRequests.WithLabelValues(endpoint, "ok").Inc()

	if res == nil {
		return zero, nil
	}
	return res.(T), nil
}

// PlaceOrder submits req. The client order id makes the request idempotent
// on the exchange side.
func (a *Adapter) PlaceOrder(ctx context.Context, req model.PlaceOrderRequest) (model.PlaceOrderResult, error) {
	prec, err := a.symbolPrecision(ctx, req.Symbol)
	if err != nil {
		return model.PlaceOrderResult{}, err
	}

	if req.IsMargin && req.Leverage > 0 && !req.ReduceOnly {
		if err := a.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return model.PlaceOrderResult{}, err
		}
	}

	p := orderParams{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      formatDecimal(req.Quantity, prec.Quantity),
		ReduceOnly:    req.ReduceOnly,
	}
	if req.OrderType == model.OrderTypeLimit && req.Price.IsPositive() {
		p.Price = formatDecimal(req.Price, prec.Price)
	}
	if req.StopPrice.IsPositive() {
		p.StopPrice = formatDecimal(req.StopPrice, prec.Price)
	}

	resp, err := call(a, "create_order", func() (*orderAck, error) {
		r, err := a.api.CreateOrder(ctx, p)
		if err != nil {
			return nil, err
		}
		return &orderAck{id: r.OrderID, status: string(r.Status)}, nil
	})
	if err != nil {
		return model.PlaceOrderResult{}, err
	}

	a.logger.Info("order placed",
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.OrderType,
		"quantity", p.Quantity,
		"client_order_id", req.ClientOrderID,
		"order_id", resp.id,
	)
	return model.PlaceOrderResult{
		OrderID: strconv.FormatInt(resp.id, 10),
		Status:  toOrderStatus(futures.OrderStatusType(resp.status)),
	}, nil
}

// FindOrder looks an order up by client order id. An order the exchange
// does not know wraps model.ErrNotFound.
func (a *Adapter) FindOrder(ctx context.Context, symbol, clientOrderID string) (model.PlaceOrderResult, error) {
	o, err := call(a, "get_order", func() (*futures.Order, error) {
		return a.api.GetOrder(ctx, symbol, clientOrderID)
	})
	if err != nil {
		if classify.Code(err) == codeNoSuchOrder {
			return model.PlaceOrderResult{}, fmt.Errorf("order %s: %w", clientOrderID, model.ErrNotFound)
		}
		return model.PlaceOrderResult{}, err
	}
	return model.PlaceOrderResult{
		OrderID: strconv.FormatInt(o.OrderID, 10),
		Status:  toOrderStatus(o.Status),
	}, nil
}

type orderAck struct {
	id     int64
	status string
}

// AccountState returns equity, margin in use and today's realized PnL.
func (a *Adapter) AccountState(ctx context.Context) (model.AccountState, error) {
	acct, err := call(a, "account", func() (*accountSnapshot, error) {
		r, err := a.api.Account(ctx)
		if err != nil {
			return nil, err
		}
		return &accountSnapshot{equity: r.TotalMarginBalance, margin: r.TotalInitialMargin}, nil
	})
	if err != nil {
		return model.AccountState{}, err
	}

	now := a.now()
	history, err := call(a, "income", func() ([]*futures.IncomeHistory, error) {
		return a.api.Income(ctx, startOfDay(now), now)
	})
	if err != nil {
		return model.AccountState{}, err
	}

	return model.AccountState{
		Equity:              parseDecimal(acct.equity),
		TotalMarginExposure: parseDecimal(acct.margin),
		DailyPnL:            dailyPnL(history),
	}, nil
}

type accountSnapshot struct {
	equity string
	margin string
}

// FetchEvents lists recent orders of every watched symbol. A failing symbol
// is logged and skipped so one bad symbol cannot stall the rest.
func (a *Adapter) FetchEvents(ctx context.Context) ([]model.ExchangeEvent, error) {
	end := a.now()
	start := end.Add(-a.lookback)

	var (
		events []model.ExchangeEvent
		errs   []error
	)
	symbols := a.symbols()
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		orders, err := call(a, "list_orders", func() ([]model.ExchangeEvent, error) {
			rows, err := a.api.ListOrders(ctx, symbol, start, end, a.limit)
			if err != nil {
				return nil, err
			}
			out := make([]model.ExchangeEvent, 0, len(rows))
			for _, o := range rows {
				out = append(out, orderToEvent(o))
			}
			return out, nil
		})
		if err != nil {
			a.logger.Warn("list orders failed", "symbol", symbol, "error", err)
			errs = append(errs, err)
			continue
		}
		events = append(events, orders...)
	}

	if len(symbols) > 0 && len(errs) == len(symbols) {
		return nil, fmt.Errorf("list orders for %d symbols: %w", len(symbols), errors.Join(errs...))
	}
	return events, nil
}

// StartListenKey opens a user-data stream.
func (a *Adapter) StartListenKey(ctx context.Context) (string, error) {
	return call(a, "start_user_stream", func() (string, error) {
		return a.api.StartUserStream(ctx)
	})
}

// KeepaliveListenKey extends the listen key lifetime.
func (a *Adapter) KeepaliveListenKey(ctx context.Context, listenKey string) error {
	_, err := call(a, "keepalive_user_stream", func() (struct{}, error) {
		return struct{}{}, a.api.KeepaliveUserStream(ctx, listenKey)
	})
	return err
}

// CloseListenKey closes the user-data stream.
func (a *Adapter) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := call(a, "close_user_stream", func() (struct{}, error) {
		return struct{}{}, a.api.CloseUserStream(ctx, listenKey)
	})
	return err
}

// BreakerState returns the current breaker state name.
func (a *Adapter) BreakerState() string {
	return a.breaker.State().String()
}

func (a *Adapter) symbolPrecision(ctx context.Context, symbol string) (precision, error) {
	a.mu.Lock()
	p, ok := a.precision[symbol]
	a.mu.Unlock()
	if ok {
		return p, nil
	}

	table, err := call(a, "exchange_info", func() (map[string]precision, error) {
		info, err := a.api.ExchangeInfo(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]precision, len(info.Symbols))
		for _, s := range info.Symbols {
			out[s.Symbol] = precision{Price: int32(s.PricePrecision), Quantity: int32(s.QuantityPrecision)}
		}
		return out, nil
	})
	if err != nil {
		return precision{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range table {
		a.precision[k] = v
	}
	p, ok = a.precision[symbol]
	if !ok {
		// Unknown to exchange info: send values unchanged and let the
		// exchange reject them with a classified code.
		return precision{Price: -1, Quantity: -1}, nil
	}
	return p, nil
}

func (a *Adapter) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	a.mu.Lock()
	current := a.leverage[symbol]
	a.mu.Unlock()
	if current == leverage {
		return nil
	}

	_, err := call(a, "change_leverage", func() (struct{}, error) {
		return struct{}{}, a.api.ChangeLeverage(ctx, symbol, leverage)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.leverage[symbol] = leverage
	a.mu.Unlock()
	return nil
}
