package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/signal-exec/internal/buffer"
	"github.com/rickgao/signal-exec/internal/metrics"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/retry"
)

// ListenKeys manages user-data listen keys.
type ListenKeys interface {
	StartListenKey(ctx context.Context) (string, error)
	KeepaliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// Listener keeps one user-data stream alive and buffers its order events.
type Listener struct {
	cfg    ListenerConfig
	keys   ListenKeys
	logger *slog.Logger

	events *buffer.Growable[model.ExchangeEvent]

	// dial is swapped in tests.
	dial func(ctx context.Context, url string) (Client, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	connected  bool
	reconnects int64
	decodeErrs int64
}

// NewListener creates a Listener. Call Start to begin streaming.
func NewListener(cfg ListenerConfig, keys ListenKeys, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultListenerConfig()
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = cfg.ReconnectBaseWait
	}
	l := &Listener{
		cfg:    cfg,
		keys:   keys,
		logger: logger.With("component", "user_stream"),
		events: buffer.New[model.ExchangeEvent](cfg.BufferSize, cfg.MaxBuffered),
	}
	l.dial = l.dialClient
	return l
}

// Start runs the stream in the background. Connection failures are retried
// forever; Start itself never blocks on the network.
func (l *Listener) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run()

	l.logger.Info("user stream listener started", "base_url", l.cfg.BaseURL)
	return nil
}

// Stop ends the stream and waits for the background loop.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("user stream listener stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchEvents drains buffered events, oldest first, up to the batch size.
func (l *Listener) FetchEvents(_ context.Context) ([]model.ExchangeEvent, error) {
	return l.events.DrainTo(l.cfg.BatchSize), nil
}

func (l *Listener) run() {
	defer l.wg.Done()

	wait := l.cfg.ReconnectBaseWait
	for {
		started := time.Now()
		err := l.session(l.ctx)
		if l.ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		l.reconnects++
		l.mu.Unlock()
		metrics.StreamReconnects.Inc()

		// A session that stayed up for a while resets the backoff.
		if time.Since(started) > l.cfg.ReconnectMaxWait {
			wait = l.cfg.ReconnectBaseWait
		}

		backoff := retry.Jitter(wait)
		l.logger.Warn("user stream disconnected", "error", err, "retry_in", backoff)

		select {
		case <-l.ctx.Done():
			return
		case <-time.After(backoff):
		}

		wait *= 2
		if wait > l.cfg.ReconnectMaxWait {
			wait = l.cfg.ReconnectMaxWait
		}
	}
}

// session runs one listen key and connection until either fails.
func (l *Listener) session(ctx context.Context) error {
	key, err := l.keys.StartListenKey(ctx)
	if err != nil {
		return fmt.Errorf("start listen key: %w", err)
	}

	c, err := l.dial(ctx, l.cfg.streamURL(key))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	l.setConnected(true)
	defer l.setConnected(false)
	l.logger.Info("user stream connected")

	keepalive := time.NewTicker(l.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.keys.CloseListenKey(closeCtx, key); err != nil {
				l.logger.Debug("close listen key failed", "error", err)
			}
			cancel()
			return ctx.Err()

		case <-keepalive.C:
			if err := l.keys.KeepaliveListenKey(ctx, key); err != nil {
				return fmt.Errorf("keepalive listen key: %w", err)
			}
			l.logger.Debug("listen key kept alive")

		case err := <-c.Errors():
			return err

		case msg := <-c.Messages():
			if err := l.handle(msg); err != nil {
				return err
			}
		}
	}
}

// handle decodes one message. Only an expired key ends the session.
func (l *Listener) handle(msg TimestampedMessage) error {
	d, err := decode(msg.Data)
	if err != nil {
		l.mu.Lock()
		l.decodeErrs++
		l.mu.Unlock()
		metrics.EventsIngested.WithLabelValues(model.SourceStream, "decode_error").Inc()
		l.logger.Warn("undecodable stream message", "error", err)
		return nil
	}
	if d.KeyExpired {
		return ErrKeyExpired
	}
	if d.Event != nil {
		l.events.Send(*d.Event)
	}
	return nil
}

func (l *Listener) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()

	if v {
		metrics.StreamConnected.Set(1)
	} else {
		metrics.StreamConnected.Set(0)
	}
}

func (l *Listener) dialClient(ctx context.Context, url string) (Client, error) {
	cfg := DefaultClientConfig()
	cfg.URL = url
	c := NewClient(cfg, l.logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Stats summarizes listener activity.
type Stats struct {
	Connected    bool  `json:"connected"`
	Reconnects   int64 `json:"reconnects"`
	DecodeErrors int64 `json:"decode_errors"`
	Buffered     int   `json:"buffered"`
	Dropped      int64 `json:"dropped"`
}

// Stats returns current counters.
func (l *Listener) Stats() Stats {
	l.mu.RLock()
	s := Stats{
		Connected:    l.connected,
		Reconnects:   l.reconnects,
		DecodeErrors: l.decodeErrs,
	}
	l.mu.RUnlock()

	b := l.events.Stats()
	s.Buffered = b.Count
	s.Dropped = b.Dropped
	return s
}

