package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/retry"
	"github.com/rickgao/signal-exec/internal/version"
)

// Notifier sends a message to a human.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// HTTPError is a non-2xx webhook response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors and rate limiting.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Webhook posts messages to an HTTP endpoint.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// Option configures a Webhook.
type Option func(*Webhook)

// NewWebhook creates a webhook notifier for url.
func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) {
		w.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) Option {
	return func(w *Webhook) {
		w.maxRetries = max
		w.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Webhook) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(w *Webhook) {
		w.httpClient = hc
	}
}

type payload struct {
	Content string `json:"content"`
}

// Send posts text to the webhook, retrying transient failures.
func (w *Webhook) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(payload{Content: text})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	policy := retry.Policy{MaxAttempts: w.maxRetries + 1, Backoff: w.retryBackoff}
	return retry.Do(ctx, policy, isRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			w.logger.Debug("retrying webhook", "attempt", attempt)
		}
		return w.post(ctx, body)
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	// Transport failures, except a cancelled caller.
	return !errors.Is(err, context.Canceled)
}

// Log writes messages to a logger instead of delivering them.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Send logs text at info level.
func (l *Log) Send(_ context.Context, text string) error {
	l.logger.Info("notification", "text", text)
	return nil
}

// FromConfig returns a Webhook when a URL is configured and a Log otherwise.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if cfg.WebhookURL == "" {
		return NewLog(logger)
	}
	return NewWebhook(cfg.WebhookURL,
		WithTimeout(cfg.Timeout),
		WithRetries(cfg.MaxRetries, 500*time.Millisecond),
		WithLogger(logger),
	)
}
