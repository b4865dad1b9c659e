package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/model"
)

func TestOrderFromEvent(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	ev := model.ExchangeEvent{
		ExchangeOrderID: "2002",
		ClientOrderID:   "c-1",
		Symbol:          "ETHUSDT",
		Side:            model.SideSell,
		OrderType:       model.OrderTypeStopMarket,
		Status:          model.OrderStatusNew,
		StopPrice:       decimal.NewFromInt(2900),
		Quantity:        decimal.NewFromInt(1),
		UpdateTime:      ts,
	}

	o := orderFromEvent(ev)
	if o.Role != model.RoleStopLoss {
		t.Errorf("Role = %s, want %s", o.Role, model.RoleStopLoss)
	}
	if !o.ExchangeUpdatedAt.Equal(ts) {
		t.Errorf("ExchangeUpdatedAt = %v, want %v", o.ExchangeUpdatedAt, ts)
	}
	if o.ClientOrderID != "c-1" {
		t.Errorf("ClientOrderID = %q, want c-1", o.ClientOrderID)
	}
}

func TestOrderFromEvent_ReduceOnlyClose(t *testing.T) {
	ev := model.ExchangeEvent{
		ExchangeOrderID: "2003",
		Symbol:          "ETHUSDT",
		Side:            model.SideSell,
		OrderType:       model.OrderTypeMarket,
		Status:          model.OrderStatusFilled,
		ReduceOnly:      true,
	}
	if got := orderFromEvent(ev).Role; got != model.RoleExit {
		t.Errorf("Role = %s, want %s", got, model.RoleExit)
	}
}

func TestMergeEvent(t *testing.T) {
	cur := model.ExchangeOrder{
		ExchangeOrderID:    "1001",
		Status:             model.OrderStatusPartiallyFilled,
		Price:              decimal.NewFromInt(100),
		Quantity:           decimal.NewFromInt(2),
		CumulativeQuantity: decimal.NewFromInt(1),
	}
	ev := model.ExchangeEvent{
		ExchangeOrderID:    "1001",
		ClientOrderID:      "c-9",
		Status:             model.OrderStatusFilled,
		AvgPrice:           decimal.RequireFromString("100.5"),
		CumulativeQuantity: decimal.NewFromInt(2),
		UpdateTime:         time.Date(2024, 1, 15, 12, 0, 1, 0, time.UTC),
	}

	got := mergeEvent(cur, ev)
	if got.Status != model.OrderStatusFilled {
		t.Errorf("Status = %s, want FILLED", got.Status)
	}
	if !got.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Price = %s, want 100 (zero event price must not overwrite)", got.Price)
	}
	if !got.FillPrice().Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("FillPrice() = %s, want 100.5", got.FillPrice())
	}
	if !got.CumulativeQuantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("CumulativeQuantity = %s, want 2", got.CumulativeQuantity)
	}
	if got.ClientOrderID != "c-9" {
		t.Errorf("ClientOrderID = %q, want c-9", got.ClientOrderID)
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Error("nullIfEmpty(\"\") should be nil")
	}
	if p := nullIfEmpty("x"); p == nil || *p != "x" {
		t.Errorf("nullIfEmpty(\"x\") = %v", p)
	}
	if nullTime(time.Time{}) != nil {
		t.Error("nullTime(zero) should be nil")
	}
}
