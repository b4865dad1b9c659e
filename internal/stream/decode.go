package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/model"
)

// Event types of the futures user-data stream.
const (
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	eventListenKeyExpired = "listenKeyExpired"
)

// envelope is the common header of user-data messages.
type envelope struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

// orderTradeUpdate is the ORDER_TRADE_UPDATE payload. Keys differing only
// in case must all be declared, since encoding/json matches case-insensitively.
type orderTradeUpdate struct {
	Event           string      `json:"e"`
	EventTime       int64       `json:"E"`
	TransactionTime int64       `json:"T"`
	Order           orderUpdate `json:"o"`
}

type orderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Type          string `json:"o"`
	OrigType      string `json:"ot"`
	Quantity      string `json:"q"`
	Price         string `json:"p"`
	AvgPrice      string `json:"ap"`
	ActivatePrice string `json:"AP"`
	StopPrice     string `json:"sp"`
	ExecutionType string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	CumulativeQty string `json:"z"`
	TradeTime     int64  `json:"T"`
	TradeID       int64  `json:"t"`
	ReduceOnly    bool   `json:"R"`
}

// decoded is the result of decoding one stream message.
type decoded struct {
	Event      *model.ExchangeEvent // nil for messages that carry no order update
	KeyExpired bool
}

// decode parses one user-data message. Unknown event types decode to an
// empty result.
func decode(data []byte) (decoded, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return decoded{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case eventListenKeyExpired:
		return decoded{KeyExpired: true}, nil
	case eventOrderTradeUpdate:
		var msg orderTradeUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return decoded{}, fmt.Errorf("decode order update: %w", err)
		}
		ev, err := msg.toEvent()
		if err != nil {
			return decoded{}, err
		}
		return decoded{Event: &ev}, nil
	default:
		return decoded{}, nil
	}
}

func (m orderTradeUpdate) toEvent() (model.ExchangeEvent, error) {
	o := m.Order
	if o.OrderID == 0 {
		return model.ExchangeEvent{}, fmt.Errorf("order update without order id")
	}

	orderType := o.Type
	if o.OrigType != "" {
		orderType = o.OrigType
	}

	updated := o.TradeTime
	if updated == 0 {
		updated = m.TransactionTime
	}
	if updated == 0 {
		updated = m.EventTime
	}

	orderID := strconv.FormatInt(o.OrderID, 10)
	ev := model.ExchangeEvent{
		Source:             model.SourceStream,
		ExchangeOrderID:    orderID,
		ClientOrderID:      o.ClientOrderID,
		Symbol:             o.Symbol,
		Side:               model.Side(o.Side),
		OrderType:          orderType,
		Status:             orderStatus(o.Status),
		Price:              parseDecimal(o.Price),
		AvgPrice:           parseDecimal(o.AvgPrice),
		StopPrice:          parseDecimal(o.StopPrice),
		Quantity:           parseDecimal(o.Quantity),
		CumulativeQuantity: parseDecimal(o.CumulativeQty),
		ReduceOnly:         o.ReduceOnly,
		UpdateTime:         time.UnixMilli(updated).UTC(),
	}
	// Trade executions carry an immutable trade id.
	if o.ExecutionType == "TRADE" && o.TradeID != 0 {
		ev.EventID = orderID + ":" + strconv.FormatInt(o.TradeID, 10)
	}
	return ev, nil
}

func orderStatus(s string) model.OrderStatus {
	switch st := model.OrderStatus(s); st {
	case model.OrderStatusNew, model.OrderStatusPartiallyFilled, model.OrderStatusFilled,
		model.OrderStatusCanceled, model.OrderStatusRejected, model.OrderStatusExpired:
		return st
	}
	if s == "EXPIRED_IN_MATCH" {
		return model.OrderStatusExpired
	}
	return model.OrderStatusUnknown
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
