package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store/memory"
)

type journal struct{ rows []model.Decision }

func (j *journal) Record(d model.Decision) { j.rows = append(j.rows, d) }

func seed(mem *memory.Store, key string, status model.IntentStatus, age time.Duration, orderID string) {
	created := time.Now().Add(-age)
	mem.PutIntent(model.OrderIntent{
		IdempotencyKey: key,
		SignalID:       "sig-" + key,
		Symbol:         "BTCUSDT",
		Side:           model.SideBuy,
		Status:         status,
		OrderID:        orderID,
		CreatedAt:      created,
		UpdatedAt:      created,
	})
}

func TestSweep_MarksMissingOrder(t *testing.T) {
	mem := memory.New()
	seed(mem, "k1", model.IntentPending, 10*time.Minute, "")
	j := &journal{}
	s := New(config.ReconcileConfig{}, mem, mem, j, nil)
	ctx := context.Background()

	marked, unresolved, err := s.Run(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 0, unresolved)

	in, err := mem.GetIntent(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.IntentOrderFailed, in.Status)
	assert.Equal(t, model.ErrMsgMissingExchangeOrder, in.ErrorMessage)

	require.Len(t, j.rows, 1)
	assert.Equal(t, model.StageReconcile, j.rows[0].Stage)

	marked, unresolved, err = s.Run(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, marked, "second run is a no-op")
	assert.Zero(t, unresolved)
	assert.Len(t, j.rows, 1)
}

func TestSweep_RespectsGracePeriod(t *testing.T) {
	mem := memory.New()
	seed(mem, "fresh", model.IntentPending, time.Minute, "")
	s := New(config.ReconcileConfig{}, mem, mem, nil, nil)

	res, err := s.Sweep(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, res.Checked)

	in, err := mem.GetIntent(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.IntentPending, in.Status)
}

func TestSweep_HealsPendingWithOrder(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	seed(mem, "k2", model.IntentPending, 10*time.Minute, "")
	require.NoError(t, mem.RecordOrder(ctx, model.ExchangeOrder{
		ExchangeOrderID: "9001",
		ClientOrderID:   "k2",
		Symbol:          "BTCUSDT",
		Side:            model.SideBuy,
		Role:            model.RoleEntry,
		Status:          model.OrderStatusNew,
	}))

	s := New(config.ReconcileConfig{}, mem, mem, nil, nil)
	res, err := s.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Healed)
	assert.Zero(t, res.Marked)

	in, err := mem.GetIntent(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, model.IntentOrderPlaced, in.Status)
	assert.Equal(t, "9001", in.OrderID)
}

func TestSweep_PlacedWithoutOrderFails(t *testing.T) {
	mem := memory.New()
	seed(mem, "k3", model.IntentOrderPlaced, 10*time.Minute, "ghost")
	s := New(config.ReconcileConfig{}, mem, mem, nil, nil)

	res, err := s.Sweep(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Marked)

	in, err := mem.GetIntent(context.Background(), "k3")
	require.NoError(t, err)
	assert.Equal(t, model.IntentOrderFailed, in.Status)
}

func TestSweep_MatchBySignalID(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	seed(mem, "k4", model.IntentPending, 10*time.Minute, "")
	require.NoError(t, mem.RecordOrder(ctx, model.ExchangeOrder{
		ExchangeOrderID: "9002",
		TradeSignalID:   "sig-k4",
		Role:            model.RoleEntry,
	}))

	s := New(config.ReconcileConfig{}, mem, mem, nil, nil)
	res, err := s.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Healed)
}

func TestSweep_Cancelled(t *testing.T) {
	mem := memory.New()
	seed(mem, "k5", model.IntentPending, 10*time.Minute, "")
	s := New(config.ReconcileConfig{}, mem, mem, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Sweep(ctx, 5*time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	in, err := mem.GetIntent(context.Background(), "k5")
	require.NoError(t, err)
	assert.Equal(t, model.IntentPending, in.Status, "nothing is half-updated")
}

func TestSweep_BatchLimit(t *testing.T) {
	mem := memory.New()
	for _, k := range []string{"a", "b", "c"} {
		seed(mem, k, model.IntentPending, 10*time.Minute, "")
	}
	s := New(config.ReconcileConfig{BatchLimit: 2}, mem, mem, nil, nil)

	res, err := s.Sweep(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Marked)
	assert.Equal(t, 1, res.Unresolved)

	res, err = s.Sweep(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Marked)
	assert.Zero(t, res.Unresolved)
}

func TestSweep_NegativeGrace(t *testing.T) {
	s := New(config.ReconcileConfig{}, memory.New(), memory.New(), nil, nil)
	_, err := s.Sweep(context.Background(), -time.Second)
	assert.Error(t, err)
}
