package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/signal-exec/internal/classify"
	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/model"
)

type fakeAPI struct {
	mu sync.Mutex

	created   []orderParams
	createErr error
	leverage  map[string]int
	account   *futures.Account
	income    []*futures.IncomeHistory
	orders    map[string][]*futures.Order
	listErr   map[string]error
	byClient  map[string]*futures.Order
	info      *futures.ExchangeInfo
	infoCalls int
	keys      []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		leverage: make(map[string]int),
		orders:   make(map[string][]*futures.Order),
		listErr:  make(map[string]error),
		byClient: make(map[string]*futures.Order),
		info: &futures.ExchangeInfo{Symbols: []futures.Symbol{
			{Symbol: "BTCUSDT", PricePrecision: 1, QuantityPrecision: 3},
		}},
	}
}

func (f *fakeAPI) CreateOrder(_ context.Context, p orderParams) (*futures.CreateOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, p)
	return &futures.CreateOrderResponse{OrderID: 1001, ClientOrderID: p.ClientOrderID, Status: futures.OrderStatusTypeNew}, nil
}

func (f *fakeAPI) ChangeLeverage(_ context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[symbol] = leverage
	return nil
}

func (f *fakeAPI) Account(context.Context) (*futures.Account, error) {
	return f.account, nil
}

func (f *fakeAPI) Income(context.Context, time.Time, time.Time) ([]*futures.IncomeHistory, error) {
	return f.income, nil
}

func (f *fakeAPI) ListOrders(_ context.Context, symbol string, _, _ time.Time, _ int) ([]*futures.Order, error) {
	if err := f.listErr[symbol]; err != nil {
		return nil, err
	}
	return f.orders[symbol], nil
}

func (f *fakeAPI) GetOrder(_ context.Context, _ string, clientOrderID string) (*futures.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.byClient[clientOrderID]; ok {
		return o, nil
	}
	return nil, &common.APIError{Code: -2013, Message: "Order does not exist."}
}

func (f *fakeAPI) ExchangeInfo(context.Context) (*futures.ExchangeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	return f.info, nil
}

func (f *fakeAPI) StartUserStream(context.Context) (string, error) {
	return "listen-key-1", nil
}

func (f *fakeAPI) KeepaliveUserStream(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeAPI) CloseUserStream(context.Context, string) error {
	return nil
}

func testConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		Lookback: time.Hour,
		Breaker: config.BreakerConfig{
			MaxRequests:  1,
			Interval:     time.Minute,
			Timeout:      time.Minute,
			FailureRatio: 0.6,
			MinRequests:  3,
		},
	}
}

func TestAdapter_PlaceOrder(t *testing.T) {
	api := newFakeAPI()
	a := newAdapter(api, testConfig())

	res, err := a.PlaceOrder(context.Background(), model.PlaceOrderRequest{
		ClientOrderID: "key-1",
		Symbol:        "BTCUSDT",
		Side:          model.SideBuy,
		OrderType:     model.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.0023809"),
		Price:         decimal.NewFromInt(42000),
		IsMargin:      true,
		Leverage:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", res.OrderID)
	assert.Equal(t, model.OrderStatusNew, res.Status)

	require.Len(t, api.created, 1)
	p := api.created[0]
	assert.Equal(t, "key-1", p.ClientOrderID)
	assert.Equal(t, "0.002", p.Quantity)
	assert.Empty(t, p.Price, "market orders carry no price")
	assert.Equal(t, 3, api.leverage["BTCUSDT"])
}

func TestAdapter_PlaceOrder_Protective(t *testing.T) {
	api := newFakeAPI()
	a := newAdapter(api, testConfig())

	_, err := a.PlaceOrder(context.Background(), model.PlaceOrderRequest{
		ClientOrderID: "protect-1",
		Symbol:        "BTCUSDT",
		Side:          model.SideSell,
		OrderType:     model.OrderTypeStopMarket,
		Quantity:      decimal.RequireFromString("0.002"),
		StopPrice:     decimal.RequireFromString("41160.04"),
		ReduceOnly:    true,
	})
	require.NoError(t, err)

	p := api.created[0]
	assert.True(t, p.ReduceOnly)
	assert.Equal(t, "41160.0", p.StopPrice)
	assert.Empty(t, api.leverage, "reduce-only orders never change leverage")
}

func TestAdapter_PrecisionCached(t *testing.T) {
	api := newFakeAPI()
	a := newAdapter(api, testConfig())

	req := model.PlaceOrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, OrderType: model.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}
	for i := 0; i < 3; i++ {
		_, err := a.PlaceOrder(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, api.infoCalls)
}

func TestAdapter_PlaceOrder_APIError(t *testing.T) {
	api := newFakeAPI()
	api.createErr = &common.APIError{Code: -2019, Message: "Margin is insufficient."}
	a := newAdapter(api, testConfig())

	_, err := a.PlaceOrder(context.Background(), model.PlaceOrderRequest{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Equal(t, int64(-2019), classify.Code(err))
	assert.False(t, classify.IsRetryable(err, classify.Code(err)))
	assert.Equal(t, classify.ReasonInsufficientMargin, classify.Reason(err))
}

func TestAdapter_PlaceOrder_TransientCode(t *testing.T) {
	api := newFakeAPI()
	api.createErr = &common.APIError{Code: -1001, Message: "Internal error; unable to process your request."}
	a := newAdapter(api, testConfig())

	_, err := a.PlaceOrder(context.Background(), model.PlaceOrderRequest{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, classify.ErrTransient))
	assert.True(t, classify.IsRetryable(err, classify.Code(err)))
}

func TestAdapter_BreakerOpensOnTransportFailures(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errors.New("unexpected end of JSON input")
	a := newAdapter(api, testConfig())

	req := model.PlaceOrderRequest{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)}
	for i := 0; i < 3; i++ {
		_, err := a.PlaceOrder(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, classify.ErrTransient))
	}
	assert.Equal(t, "open", a.BreakerState())

	_, err := a.PlaceOrder(context.Background(), req)
	assert.True(t, errors.Is(err, classify.ErrTransient))
}

func TestAdapter_BusinessRejectsDoNotTripBreaker(t *testing.T) {
	api := newFakeAPI()
	api.createErr = &common.APIError{Code: -4164, Message: "Order's notional must be no smaller than 5"}
	a := newAdapter(api, testConfig())

	req := model.PlaceOrderRequest{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)}
	for i := 0; i < 5; i++ {
		_, _ = a.PlaceOrder(context.Background(), req)
	}
	assert.Equal(t, "closed", a.BreakerState())
}

func TestAdapter_AccountState(t *testing.T) {
	api := newFakeAPI()
	api.account = &futures.Account{TotalMarginBalance: "950.00", TotalInitialMargin: "200.5"}
	api.income = []*futures.IncomeHistory{
		{IncomeType: "REALIZED_PNL", Income: "-60"},
		{IncomeType: "COMMISSION", Income: "-1.5"},
		{IncomeType: "FUNDING_FEE", Income: "11.5"},
		{IncomeType: "TRANSFER", Income: "500"},
	}
	a := newAdapter(api, testConfig())

	state, err := a.AccountState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Equity.Equal(decimal.NewFromInt(950)))
	assert.True(t, state.TotalMarginExposure.Equal(decimal.RequireFromString("200.5")))
	assert.True(t, state.DailyPnL.Equal(decimal.NewFromInt(-50)), "got %s", state.DailyPnL)
}

func TestAdapter_FetchEvents(t *testing.T) {
	api := newFakeAPI()
	api.orders["BTCUSDT"] = []*futures.Order{{
		Symbol:           "BTCUSDT",
		OrderID:          1001,
		ClientOrderID:    "key-1",
		Side:             futures.SideTypeBuy,
		Type:             futures.OrderTypeMarket,
		Status:           futures.OrderStatusTypeFilled,
		AvgPrice:         "42000.5",
		OrigQuantity:     "0.002",
		ExecutedQuantity: "0.002",
		UpdateTime:       1705320000000,
	}}
	api.listErr["ETHUSDT"] = errors.New("connection reset by peer")

	a := newAdapter(api, testConfig(), WithSymbols(func() []string { return []string{"BTCUSDT", "ETHUSDT"} }))

	events, err := a.FetchEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, model.SourceREST, ev.Source)
	assert.Equal(t, "1001", ev.ExchangeOrderID)
	assert.Equal(t, "key-1", ev.ClientOrderID)
	assert.Equal(t, model.OrderStatusFilled, ev.Status)
	assert.True(t, ev.AvgPrice.Equal(decimal.RequireFromString("42000.5")))
	assert.Equal(t, int64(1705320000000), ev.UpdateTime.UnixMilli())
}

func TestAdapter_FetchEvents_AllSymbolsFail(t *testing.T) {
	api := newFakeAPI()
	api.listErr["BTCUSDT"] = errors.New("connection reset by peer")
	a := newAdapter(api, testConfig(), WithSymbols(func() []string { return []string{"BTCUSDT"} }))

	_, err := a.FetchEvents(context.Background())
	assert.Error(t, err)
}

func TestAdapter_ListenKeys(t *testing.T) {
	api := newFakeAPI()
	a := newAdapter(api, testConfig())

	key, err := a.StartListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "listen-key-1", key)

	require.NoError(t, a.KeepaliveListenKey(context.Background(), key))
	assert.Equal(t, []string{"listen-key-1"}, api.keys)
}

func TestAdapter_FindOrder(t *testing.T) {
	api := newFakeAPI()
	api.byClient["key-1"] = &futures.Order{OrderID: 4004, ClientOrderID: "key-1", Status: futures.OrderStatusTypeFilled}
	a := newAdapter(api, testConfig())

	res, err := a.FindOrder(context.Background(), "BTCUSDT", "key-1")
	require.NoError(t, err)
	assert.Equal(t, model.PlaceOrderResult{OrderID: "4004", Status: model.OrderStatusFilled}, res)

	_, err = a.FindOrder(context.Background(), "BTCUSDT", "key-2")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, "closed", a.BreakerState(), "an unknown order is not a breaker failure")
}
