package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/version"
)

func TestWebhook_Send(t *testing.T) {
	var got payload
	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	require.NoError(t, w.Send(context.Background(), "BTCUSDT BUY filled @ 42000"))

	assert.Equal(t, "BTCUSDT BUY filled @ 42000", got.Content)
	assert.Equal(t, version.UserAgent(), userAgent)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithRetries(2, time.Millisecond))
	require.NoError(t, w.Send(context.Background(), "hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhook_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad webhook token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithRetries(3, time.Millisecond))
	err := w.Send(context.Background(), "hello")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "bad webhook token")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithRetries(1, time.Millisecond))
	err := w.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFromConfig(t *testing.T) {
	_, isLog := FromConfig(config.NotifyConfig{}, nil).(*Log)
	assert.True(t, isLog)

	_, isWebhook := FromConfig(config.NotifyConfig{WebhookURL: "https://example.com/hook", Timeout: time.Second}, nil).(*Webhook)
	assert.True(t, isWebhook)
}

func TestLog_Send(t *testing.T) {
	assert.NoError(t, NewLog(nil).Send(context.Background(), "hello"))
}
