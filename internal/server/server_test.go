package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/orchestrator"
	"github.com/rickgao/signal-exec/internal/risk"
)

type fakeSignals struct {
	got      []model.Signal
	forced   []model.ThrottleKey
	out      orchestrator.Outcome
	err      error
	forceErr error
}

func (f *fakeSignals) HandleSignal(_ context.Context, sig model.Signal) (orchestrator.Outcome, error) {
	if err := model.Validate(sig); err != nil {
		return orchestrator.Outcome{}, err
	}
	f.got = append(f.got, sig)
	return f.out, f.err
}

func (f *fakeSignals) ForceNext(_ context.Context, key model.ThrottleKey) error {
	f.forced = append(f.forced, key)
	return f.forceErr
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

func newTestServer(db Pinger, sig *fakeSignals, opts ...Option) *Server {
	guard := risk.NewGuard(config.RiskConfig{
		MaxLeverage:               5,
		MaxEquityPerTradePct:      50,
		MaxTotalMarginExposurePct: 80,
		MinLiquidationBufferPct:   5,
		MaxDailyLossPct:           10,
		GlobalTradingEnabled:      true,
		MaintenanceMarginRate:     0.005,
	})
	return New(0, db, sig, guard, nil, opts...)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(fakeDB{}, &fakeSignals{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)

	rec = do(t, newTestServer(fakeDB{err: errors.New("connection refused")}, &fakeSignals{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestHealth_Components(t *testing.T) {
	connected := false
	s := newTestServer(nil, &fakeSignals{},
		WithStatus("exchange_breaker", func() any { return "closed" }),
		WithStatus("user_stream", func() any { return map[string]any{"connected": connected, "buffered": 3} }),
	)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Components map[string]json.RawMessage `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.JSONEq(t, `"closed"`, string(resp.Components["exchange_breaker"]))
	assert.JSONEq(t, `{"connected":false,"buffered":3}`, string(resp.Components["user_stream"]))

	// Reports are taken per request.
	connected = true
	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Contains(t, rec.Body.String(), `"connected":true`)
}

func TestPostSignal(t *testing.T) {
	sig := &fakeSignals{out: orchestrator.Outcome{Status: orchestrator.StatusPlaced, OrderID: "7001"}}
	s := newTestServer(nil, sig)

	rec := do(t, s, http.MethodPost, "/v1/signals",
		`{"id":"sig-1","symbol":"BTCUSDT","strategy_key":"swing","side":"BUY","price":"42000.5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out orchestrator.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, orchestrator.StatusPlaced, out.Status)
	assert.Equal(t, "7001", out.OrderID)

	require.Len(t, sig.got, 1)
	assert.Equal(t, "42000.5", sig.got[0].Price.String())
}

func TestPostSignal_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"malformed json", `{"id":`, nil, http.StatusBadRequest},
		{"unknown field", `{"id":"a","bogus":1}`, nil, http.StatusBadRequest},
		{"validation", `{"id":"sig-1","symbol":"BTCUSDT","strategy_key":"swing","side":"HOLD","price":"1"}`, nil, http.StatusBadRequest},
		{"unknown symbol", `{"id":"sig-1","symbol":"BTCUSDT","strategy_key":"swing","side":"BUY","price":"1"}`, model.ErrUnknownSymbol, http.StatusUnprocessableEntity},
		{"store failure", `{"id":"sig-1","symbol":"BTCUSDT","strategy_key":"swing","side":"BUY","price":"1"}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(nil, &fakeSignals{err: tt.err})
			rec := do(t, s, http.MethodPost, "/v1/signals", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestPostSignal_InternalErrorHidesDetail(t *testing.T) {
	s := newTestServer(nil, &fakeSignals{err: errors.New("password=hunter2")})
	rec := do(t, s, http.MethodPost, "/v1/signals",
		`{"id":"sig-1","symbol":"BTCUSDT","strategy_key":"swing","side":"BUY","price":"1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestPostRiskCheck(t *testing.T) {
	s := newTestServer(nil, &fakeSignals{})

	rec := do(t, s, http.MethodPost, "/v1/risk/check", `{
		"symbol":"BTCUSDT","side":"BUY","price":"50000","quantity":"0.01",
		"is_margin":true,"leverage":10,"trade_on_margin_from_watchlist":true,
		"account_equity":"10000","total_margin_exposure":"0","daily_loss_pct":"0"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp risk.AssessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, risk.ReasonBlocked, resp.ReasonCode)

	rec = do(t, s, http.MethodPost, "/v1/risk/check", `{
		"symbol":"BTCUSDT","side":"BUY","price":"50000","quantity":"0.01",
		"is_margin":true,"leverage":10,"trade_on_margin_from_watchlist":false,
		"account_equity":"10000","total_margin_exposure":"0","daily_loss_pct":"0"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)

	rec = do(t, s, http.MethodPost, "/v1/risk/check", `{"symbol":"BTCUSDT","side":"BUY","price":"0","quantity":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "price")
}

func TestPostForce(t *testing.T) {
	sig := &fakeSignals{}
	s := newTestServer(nil, sig)

	rec := do(t, s, http.MethodPost, "/v1/throttle/force", `{"symbol":"BTCUSDT","strategy_key":"swing","side":"SELL"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, sig.forced, 1)
	assert.Equal(t, model.ThrottleKey{Symbol: "BTCUSDT", StrategyKey: "swing", Side: model.SideSell}, sig.forced[0])

	sig.forceErr = model.NewValidationError("side must be BUY or SELL", "side")
	rec = do(t, s, http.MethodPost, "/v1/throttle/force", `{"symbol":"BTCUSDT","strategy_key":"swing","side":"HOLD"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(nil, &fakeSignals{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
