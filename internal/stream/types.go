package stream

import (
	"errors"
	"strings"
	"time"

	"github.com/rickgao/signal-exec/internal/config"
)

var (
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrKeyExpired      = errors.New("listen key expired")
)

// TimestampedMessage is one data frame and the time it was read.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL          string        // dial URL, listen key included
	PingTimeout  time.Duration // silence allowed between pings
	WriteTimeout time.Duration // deadline for pong and close frames
	BufferSize   int           // Messages channel capacity
}

// DefaultClientConfig returns the client defaults. Binance pings every
// three minutes.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingTimeout:  10 * time.Minute,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ListenerConfig configures the user-data Listener.
type ListenerConfig struct {
	BaseURL           string        // e.g. wss://fstream.binance.com
	KeepaliveInterval time.Duration // Listen key keepalive period
	ReconnectBaseWait time.Duration // First reconnect wait
	ReconnectMaxWait  time.Duration // Reconnect wait cap
	BufferSize        int           // Initial event buffer capacity
	MaxBuffered       int           // Oldest events are dropped beyond this (0 = unbounded)
	BatchSize         int           // Max events returned per FetchEvents (0 = all)
}

// DefaultListenerConfig returns sensible defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		BaseURL:           config.DefaultStreamURL,
		KeepaliveInterval: 30 * time.Minute,
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  time.Minute,
		BufferSize:        1000,
		BatchSize:         500,
	}
}

// ListenerConfigFrom builds a ListenerConfig from the process config.
func ListenerConfigFrom(ex config.ExchangeConfig, sync config.SyncConfig) ListenerConfig {
	cfg := DefaultListenerConfig()
	if ex.StreamURL != "" {
		cfg.BaseURL = ex.StreamURL
	}
	if sync.BufferSize > 0 {
		cfg.BufferSize = sync.BufferSize
		cfg.MaxBuffered = sync.BufferSize * 100
	}
	if sync.BatchSize > 0 {
		cfg.BatchSize = sync.BatchSize
	}
	return cfg
}

// streamURL returns the dial URL for listenKey.
func (c ListenerConfig) streamURL(listenKey string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/ws/" + listenKey
}
