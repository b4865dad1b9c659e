package exchange

import (
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/model"
)

// parseDecimal returns zero for empty or malformed exchange strings.
func parseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// msToTime converts a Binance millisecond timestamp. Zero stays zero.
func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// toOrderStatus maps Binance statuses onto model statuses.
func toOrderStatus(s futures.OrderStatusType) model.OrderStatus {
	switch model.OrderStatus(s) {
	case model.OrderStatusNew, model.OrderStatusPartiallyFilled, model.OrderStatusFilled,
		model.OrderStatusCanceled, model.OrderStatusRejected, model.OrderStatusExpired:
		return model.OrderStatus(s)
	}
	if s == "EXPIRED_IN_MATCH" {
		return model.OrderStatusExpired
	}
	return model.OrderStatusUnknown
}

// orderToEvent converts a REST order listing row into an ExchangeEvent.
func orderToEvent(o *futures.Order) model.ExchangeEvent {
	orderType := string(o.Type)
	if o.OrigType != "" {
		orderType = string(o.OrigType)
	}
	return model.ExchangeEvent{
		Source:             model.SourceREST,
		ExchangeOrderID:    strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:      o.ClientOrderID,
		Symbol:             o.Symbol,
		Side:               model.Side(o.Side),
		OrderType:          orderType,
		Status:             toOrderStatus(o.Status),
		Price:              parseDecimal(o.Price),
		AvgPrice:           parseDecimal(o.AvgPrice),
		StopPrice:          parseDecimal(o.StopPrice),
		Quantity:           parseDecimal(o.OrigQuantity),
		CumulativeQuantity: parseDecimal(o.ExecutedQuantity),
		ReduceOnly:         o.ReduceOnly,
		UpdateTime:         msToTime(o.UpdateTime),
	}
}

// formatDecimal renders d with at most places decimals, rounding toward zero.
func formatDecimal(d decimal.Decimal, places int32) string {
	if places < 0 {
		return d.String()
	}
	return d.Truncate(places).StringFixed(places)
}

// precision holds per-symbol decimal places from exchange info.
type precision struct {
	Price    int32
	Quantity int32
}

// dailyPnL sums today's realized income (PnL, funding, commission) since
// UTC midnight.
func dailyPnL(history []*futures.IncomeHistory) decimal.Decimal {
	total := decimal.Zero
	for _, h := range history {
		switch h.IncomeType {
		case "REALIZED_PNL", "FUNDING_FEE", "COMMISSION":
			total = total.Add(parseDecimal(h.Income))
		}
	}
	return total
}

// startOfDay returns UTC midnight of t's day.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
