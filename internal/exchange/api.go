package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/rickgao/signal-exec/internal/model"
)

// futuresAPI is the slice of the Binance futures client the adapter uses.
type futuresAPI interface {
	CreateOrder(ctx context.Context, req orderParams) (*futures.CreateOrderResponse, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	Account(ctx context.Context) (*futures.Account, error)
	Income(ctx context.Context, start, end time.Time) ([]*futures.IncomeHistory, error)
	ListOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*futures.Order, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*futures.Order, error)
	ExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error)
	StartUserStream(ctx context.Context) (string, error)
	KeepaliveUserStream(ctx context.Context, listenKey string) error
	CloseUserStream(ctx context.Context, listenKey string) error
}

// orderParams is a PlaceOrderRequest with quantities already formatted to
// the symbol precision.
type orderParams struct {
	ClientOrderID string
	Symbol        string
	Side          model.Side
	OrderType     string
	Quantity      string
	Price         string // empty for market orders
	StopPrice     string // empty unless protective
	ReduceOnly    bool
}

// binanceAPI calls the real client.
type binanceAPI struct {
	client *futures.Client
}

func newBinanceAPI(apiKey, secretKey string, testnet bool, timeout time.Duration) *binanceAPI {
	// The testnet switch is package-global in go-binance.
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &binanceAPI{client: client}
}

func (b *binanceAPI) CreateOrder(ctx context.Context, p orderParams) (*futures.CreateOrderResponse, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(futures.SideType(p.Side)).
		Type(futures.OrderType(p.OrderType)).
		Quantity(p.Quantity).
		NewClientOrderID(p.ClientOrderID)

	if p.Price != "" {
		svc = svc.Price(p.Price).TimeInForce(futures.TimeInForceTypeGTC)
	}
	if p.StopPrice != "" {
		svc = svc.StopPrice(p.StopPrice)
	}
	if p.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	return svc.Do(ctx)
}

func (b *binanceAPI) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return err
}

func (b *binanceAPI) Account(ctx context.Context) (*futures.Account, error) {
	return b.client.NewGetAccountService().Do(ctx)
}

func (b *binanceAPI) Income(ctx context.Context, start, end time.Time) ([]*futures.IncomeHistory, error) {
	return b.client.NewGetIncomeHistoryService().
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(1000).
		Do(ctx)
}

func (b *binanceAPI) ListOrders(ctx context.Context, symbol string, start, end time.Time, limit int) ([]*futures.Order, error) {
	return b.client.NewListOrdersService().
		Symbol(symbol).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(limit).
		Do(ctx)
}

func (b *binanceAPI) GetOrder(ctx context.Context, symbol, clientOrderID string) (*futures.Order, error) {
	return b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
}

func (b *binanceAPI) ExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error) {
	return b.client.NewExchangeInfoService().Do(ctx)
}

func (b *binanceAPI) StartUserStream(ctx context.Context) (string, error) {
	return b.client.NewStartUserStreamService().Do(ctx)
}

func (b *binanceAPI) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	return b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
}

func (b *binanceAPI) CloseUserStream(ctx context.Context, listenKey string) error {
	return b.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
}
