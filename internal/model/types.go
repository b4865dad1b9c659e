package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side. Unknown sides are returned unchanged.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return s
	}
}

// OrderRole distinguishes entry orders from the protective orders placed after a fill.
type OrderRole string

const (
	RoleEntry      OrderRole = "ENTRY"
	RoleTakeProfit OrderRole = "TAKE_PROFIT"
	RoleStopLoss   OrderRole = "STOP_LOSS"
	RoleExit       OrderRole = "EXIT" // reduce-only close placed outside this process
)

// OrderStatus is the exchange-reported status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// Order types used when placing orders.
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// RoleFor infers the role of an order first seen in an exchange event. A
// reduce-only order that is neither a stop nor a take-profit closes an
// existing position and is never an entry.
func RoleFor(orderType string, reduceOnly bool) OrderRole {
	switch orderType {
	case OrderTypeStopMarket, "STOP", "STOP_LOSS", "STOP_LOSS_LIMIT":
		return RoleStopLoss
	case OrderTypeTakeProfitMarket, "TAKE_PROFIT", "TAKE_PROFIT_LIMIT":
		return RoleTakeProfit
	}
	if reduceOnly {
		return RoleExit
	}
	return RoleEntry
}

// -----------------------------------------------------------------------------
// Signals and throttling
// -----------------------------------------------------------------------------

// Signal is a trading signal produced by an external evaluator.
type Signal struct {
	ID          string          `json:"id" validate:"required,max=128"`
	Symbol      string          `json:"symbol" validate:"required,max=32"`
	StrategyKey string          `json:"strategy_key" validate:"required,max=64"`
	Side        Side            `json:"side" validate:"required,oneof=BUY SELL"`
	Price       decimal.Decimal `json:"price" validate:"gt=0"`
	Source      string          `json:"source" validate:"max=64"`
	IsMargin    bool            `json:"is_margin"`
	Leverage    int             `json:"leverage" validate:"gte=0,lte=125"`
	Time        time.Time       `json:"time"`
}

// AlertFlags are the watchlist switches consulted before a signal may emit.
type AlertFlags struct {
	AlertEnabled     bool
	BuyAlertEnabled  bool
	SellAlertEnabled bool
}

// SideEnabled reports whether the side-specific flag allows side.
func (f AlertFlags) SideEnabled(side Side) bool {
	switch side {
	case SideBuy:
		return f.BuyAlertEnabled
	case SideSell:
		return f.SellAlertEnabled
	default:
		return false
	}
}

// ThrottleKey identifies one throttle state row.
type ThrottleKey struct {
	Symbol      string
	StrategyKey string
	Side        Side
}

func (k ThrottleKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Symbol, k.StrategyKey, k.Side)
}

// ThrottleState is the last emission recorded for a throttle key.
type ThrottleState struct {
	Key             ThrottleKey
	LastPrice       decimal.Decimal
	PreviousPrice   decimal.Decimal
	LastTime        time.Time // zero until the first emission
	LastSource      string
	LastSignalID    string // id of the signal that set LastTime
	EmitReason      string
	ForceNextSignal bool
}

// HasEmitted reports whether an emission has ever been recorded for the key.
func (s *ThrottleState) HasEmitted() bool {
	return s != nil && !s.LastTime.IsZero()
}

// -----------------------------------------------------------------------------
// Intents and exchange orders
// -----------------------------------------------------------------------------

// OrderIntent is the durable record of a decision to attempt placing an order.
type OrderIntent struct {
	IdempotencyKey string
	SignalID       string
	Symbol         string
	Side           Side
	Status         IntentStatus
	OrderID        string // empty until ORDER_PLACED
	ErrorMessage   string // empty unless ORDER_FAILED
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExchangeOrder is the local record of an order known to the exchange.
type ExchangeOrder struct {
	ExchangeOrderID     string
	ClientOrderID       string
	Symbol              string
	Side                Side
	OrderType           string
	Role                OrderRole
	ParentOrderID       string // set on protective orders only
	Status              OrderStatus
	Price               decimal.Decimal
	AvgPrice            decimal.Decimal
	StopPrice           decimal.Decimal
	Quantity            decimal.Decimal
	CumulativeQuantity  decimal.Decimal
	ExecutionNotifiedAt *time.Time
	TradeSignalID       string
	ExchangeUpdatedAt   time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FillPrice returns the best known execution price.
func (o ExchangeOrder) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// FilledQuantity returns the executed quantity, falling back to the order size.
func (o ExchangeOrder) FilledQuantity() decimal.Decimal {
	if o.CumulativeQuantity.IsPositive() {
		return o.CumulativeQuantity
	}
	return o.Quantity
}

// Event sources feeding the dedup ledger.
const (
	SourceREST   = "rest"
	SourceStream = "stream"
)

// ExchangeEvent is one observed order/fill update pulled from the exchange.
type ExchangeEvent struct {
	Source             string
	EventID            string // optional immutable id assigned by the exchange
	ExchangeOrderID    string
	ClientOrderID      string
	Symbol             string
	Side               Side
	OrderType          string
	Status             OrderStatus
	Price              decimal.Decimal
	AvgPrice           decimal.Decimal
	StopPrice          decimal.Decimal
	Quantity           decimal.Decimal
	CumulativeQuantity decimal.Decimal
	ReduceOnly         bool
	UpdateTime         time.Time
}

// DedupKey derives the natural key of the event from its immutable identity.
func (e ExchangeEvent) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return fmt.Sprintf("%s:%d:%s", e.ExchangeOrderID, e.UpdateTime.UnixMilli(), e.Status)
}

// -----------------------------------------------------------------------------
// Risk inputs
// -----------------------------------------------------------------------------

// OrderRequest is the order a signal would place, as seen by the risk guard.
type OrderRequest struct {
	Symbol                     string
	Side                       Side
	Price                      decimal.Decimal
	Quantity                   decimal.Decimal
	IsMargin                   bool
	Leverage                   int
	TradeOnMarginFromWatchlist bool
}

// Notional returns price * quantity.
func (r OrderRequest) Notional() decimal.Decimal {
	return r.Price.Mul(r.Quantity)
}

// AccountMetrics are the account figures the risk guard evaluates against.
type AccountMetrics struct {
	Equity              decimal.Decimal
	TotalMarginExposure decimal.Decimal
	DailyLossPct        decimal.Decimal // positive when the account is down on the day
}

// AccountState is the exchange account snapshot returned by the execution collaborator.
type AccountState struct {
	Equity              decimal.Decimal
	TotalMarginExposure decimal.Decimal
	DailyPnL            decimal.Decimal
}

// Metrics converts an account snapshot into risk inputs.
func (a AccountState) Metrics() AccountMetrics {
	m := AccountMetrics{
		Equity:              a.Equity,
		TotalMarginExposure: a.TotalMarginExposure,
	}
	// Loss is measured against the equity at the start of the day.
	start := a.Equity.Sub(a.DailyPnL)
	if a.DailyPnL.IsNegative() && start.IsPositive() {
		m.DailyLossPct = a.DailyPnL.Neg().Div(start).Mul(decimal.NewFromInt(100))
	}
	return m
}

// -----------------------------------------------------------------------------
// Execution collaborator
// -----------------------------------------------------------------------------

// PlaceOrderRequest is sent to the execution collaborator.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	OrderType     string
	Price         decimal.Decimal // zero for market orders
	StopPrice     decimal.Decimal // protective orders only
	Quantity      decimal.Decimal
	Leverage      int
	IsMargin      bool
	ReduceOnly    bool
}

// PlaceOrderResult is the exchange acknowledgement of a placed order.
type PlaceOrderResult struct {
	OrderID string
	Status  OrderStatus
}

// -----------------------------------------------------------------------------
// Watchlist and journal
// -----------------------------------------------------------------------------

// WatchlistItem holds per-symbol trading switches.
type WatchlistItem struct {
	Symbol           string          `yaml:"symbol"`
	StrategyKey      string          `yaml:"strategy_key"`
	AlertEnabled     bool            `yaml:"alert_enabled"`
	BuyAlertEnabled  bool            `yaml:"buy_alert_enabled"`
	SellAlertEnabled bool            `yaml:"sell_alert_enabled"`
	TradeEnabled     bool            `yaml:"trade_enabled"`
	TradeOnMargin    bool            `yaml:"trade_on_margin"`
	Leverage         int             `yaml:"leverage"`
	AmountUSD        decimal.Decimal `yaml:"amount_usd"`
}

// Flags returns the alert switches of the item.
func (w WatchlistItem) Flags() AlertFlags {
	return AlertFlags{
		AlertEnabled:     w.AlertEnabled,
		BuyAlertEnabled:  w.BuyAlertEnabled,
		SellAlertEnabled: w.SellAlertEnabled,
	}
}

// Decision stages recorded in the journal.
const (
	StageThrottle  = "throttle"
	StageRisk      = "risk"
	StageIntent    = "intent"
	StageExecution = "execution"
	StageReconcile = "reconcile"
)

// Decision is one append-only journal row describing what the core decided.
type Decision struct {
	SignalID    string
	Symbol      string
	StrategyKey string
	Side        Side
	Stage       string
	Outcome     string
	Reason      string
	Message     string
	At          time.Time
}
