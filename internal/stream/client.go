package stream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	maxMessageBytes  = 1 << 20
)

// Client is one user-data WebSocket connection. It only reads; the exchange
// talks to it through pushed events and control frames.
type Client interface {
	Connect(ctx context.Context) error
	Close() error

	// Messages delivers every data frame with its receive time.
	Messages() <-chan TimestampedMessage

	// Errors delivers the error that ended the connection, at most once.
	Errors() <-chan error

	IsConnected() bool
}

// wsClient keeps the connection alive by answering the exchange's pings.
// Each ping or pong pushes the read deadline out by PingTimeout, so a
// connection that goes quiet fails its next read with ErrStaleConnection.
type wsClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	messages chan TimestampedMessage
	errs     chan error
	done     chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	connected atomic.Bool
}

// NewClient creates a Client for cfg.URL. Call Connect to dial.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsClient{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageBytes)

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
	}
	conn.SetPingHandler(func(data string) error {
		if err := extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error { return extend() })
	if err := extend(); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected.Store(true)
	go c.readLoop(conn)

	c.logger.Debug("websocket connected")
	return nil
}

// Close sends a close frame and drops the connection. It is safe to call
// more than once.
func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.connected.Store(false)
	close(c.done)
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	return conn.Close()
}

func (c *wsClient) Messages() <-chan TimestampedMessage { return c.messages }

func (c *wsClient) Errors() <-chan error { return c.errs }

func (c *wsClient) IsConnected() bool { return c.connected.Load() }

func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			select {
			case <-c.done:
			default:
				c.fail(err)
			}
			return
		}

		// Order updates must not be lost, so block instead of dropping.
		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}:
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) fail(err error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.logger.Warn("no ping within timeout, connection stale", "timeout", c.cfg.PingTimeout)
		err = ErrStaleConnection
	}
	select {
	case c.errs <- err:
	default:
	}
}
