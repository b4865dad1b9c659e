package stream

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/signal-exec/internal/model"
)

const tradeUpdate = `{
  "e": "ORDER_TRADE_UPDATE",
  "E": 1705320000100,
  "T": 1705320000090,
  "o": {
    "s": "BTCUSDT", "c": "3f6c2a1e-key", "S": "BUY", "o": "MARKET", "f": "GTC",
    "q": "0.002", "p": "0", "ap": "42000.5", "sp": "0", "x": "TRADE", "X": "FILLED",
    "i": 8886774, "l": "0.002", "z": "0.002", "L": "42000.5", "N": "USDT", "n": "0.03",
    "T": 1705320000000, "t": 99, "b": "0", "a": "0", "m": false, "R": false,
    "wt": "CONTRACT_PRICE", "ot": "MARKET", "ps": "BOTH", "cp": false,
    "AP": "7476.89", "cr": "5.0", "rp": "0"
  }
}`

func TestDecode_OrderTradeUpdate(t *testing.T) {
	d, err := decode([]byte(tradeUpdate))
	require.NoError(t, err)
	require.NotNil(t, d.Event)
	assert.False(t, d.KeyExpired)

	ev := d.Event
	assert.Equal(t, model.SourceStream, ev.Source)
	assert.Equal(t, "8886774:99", ev.EventID)
	assert.Equal(t, "8886774", ev.ExchangeOrderID)
	assert.Equal(t, "3f6c2a1e-key", ev.ClientOrderID)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, model.SideBuy, ev.Side)
	assert.Equal(t, model.OrderTypeMarket, ev.OrderType)
	assert.Equal(t, model.OrderStatusFilled, ev.Status)
	assert.True(t, ev.AvgPrice.Equal(decimal.RequireFromString("42000.5")), "AP must not overwrite ap, got %s", ev.AvgPrice)
	assert.True(t, ev.CumulativeQuantity.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, int64(1705320000000), ev.UpdateTime.UnixMilli())
}

func TestDecode_NewOrderHasNoEventID(t *testing.T) {
	msg := `{"e":"ORDER_TRADE_UPDATE","E":1705320000100,"T":1705320000090,
		"o":{"s":"BTCUSDT","c":"k","S":"SELL","o":"STOP_MARKET","ot":"STOP_MARKET","q":"0.002","sp":"41160",
		"x":"NEW","X":"NEW","i":555,"z":"0","T":1705320000080,"t":0,"R":true}}`

	d, err := decode([]byte(msg))
	require.NoError(t, err)
	require.NotNil(t, d.Event)
	assert.Empty(t, d.Event.EventID)
	assert.Equal(t, "555:1705320000080:NEW", d.Event.DedupKey())
	assert.True(t, d.Event.ReduceOnly)
	assert.Equal(t, model.RoleStopLoss, model.RoleFor(d.Event.OrderType, d.Event.ReduceOnly))
}

func TestDecode_ListenKeyExpired(t *testing.T) {
	d, err := decode([]byte(`{"e":"listenKeyExpired","E":1576653824250,"listenKey":"abc"}`))
	require.NoError(t, err)
	assert.True(t, d.KeyExpired)
	assert.Nil(t, d.Event)
}

func TestDecode_IgnoresOtherEvents(t *testing.T) {
	d, err := decode([]byte(`{"e":"ACCOUNT_UPDATE","E":1564745798939,"T":1564745798938,"a":{"m":"ORDER"}}`))
	require.NoError(t, err)
	assert.Nil(t, d.Event)
	assert.False(t, d.KeyExpired)
}

func TestDecode_Errors(t *testing.T) {
	_, err := decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = decode([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT"}}`))
	assert.Error(t, err, "an update without order id is rejected")
}
