package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/model"
)

// Config is the root configuration for an orchestrator instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Database   DBConfig         `yaml:"database"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Risk       RiskConfig       `yaml:"risk"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Protection ProtectionConfig `yaml:"protection"`
	Sync       SyncConfig       `yaml:"sync"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Notify     NotifyConfig     `yaml:"notify"`
	Journal    JournalConfig    `yaml:"journal"`
	Watchlist  WatchlistConfig  `yaml:"watchlist"`
	Server     ServerConfig     `yaml:"server"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ExchangeConfig holds Binance futures API settings.
type ExchangeConfig struct {
	APIKey    string        `yaml:"api_key"`
	SecretKey string        `yaml:"secret_key"`
	Testnet   bool          `yaml:"testnet"`
	StreamURL string        `yaml:"stream_url"` // user-data WebSocket base URL
	Timeout   time.Duration `yaml:"timeout"`    // per-call deadline
	Lookback  time.Duration `yaml:"lookback"`   // REST order listing window
	ListLimit int           `yaml:"list_limit"` // orders fetched per symbol per listing
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around exchange REST calls.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio"`
	MinRequests  uint32        `yaml:"min_requests"`
}

// RiskConfig holds the process-wide risk thresholds. Percentages are
// percent points. There are no defaults: every threshold must be set.
type RiskConfig struct {
	MaxLeverage               int     `yaml:"max_leverage"`
	MaxEquityPerTradePct      float64 `yaml:"max_equity_per_trade_pct"`
	MaxTotalMarginExposurePct float64 `yaml:"max_total_margin_exposure_pct"`
	MinLiquidationBufferPct   float64 `yaml:"min_liquidation_buffer_pct"`
	MaxDailyLossPct           float64 `yaml:"max_daily_loss_pct"`
	GlobalTradingEnabled      bool    `yaml:"global_trading_enabled"`
	// MaintenanceMarginRate estimates the liquidation distance of a new
	// margin position (0.005 = 0.5%).
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate"`
}

// ThrottleConfig configures the signal throttle gate.
type ThrottleConfig struct {
	MinPriceChangePct float64       `yaml:"min_price_change_pct"`
	Cooldown          time.Duration `yaml:"cooldown"`
}

// MinPriceChange returns the threshold as a fraction (0.5% -> 0.005).
func (c ThrottleConfig) MinPriceChange() decimal.Decimal {
	return decimal.NewFromFloat(c.MinPriceChangePct).Div(decimal.NewFromInt(100))
}

// ExecutionConfig bounds calls to the execution collaborator.
type ExecutionConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	OrderType        string        `yaml:"order_type"`
	DefaultAmountUSD float64       `yaml:"default_amount_usd"`
}

// ProtectionConfig configures protective orders after entry fills.
type ProtectionConfig struct {
	Enabled       bool    `yaml:"enabled"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
}

// SyncConfig configures the exchange sync ingester.
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	StreamEnabled bool          `yaml:"stream_enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
}

// ReconcileConfig configures the reconciliation sweeper.
type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period"`
	BatchLimit  int           `yaml:"batch_limit"`
}

// NotifyConfig configures the notification collaborator.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"` // empty = log only
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// JournalConfig configures the decision journal writer.
type JournalConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// WatchlistConfig configures the watchlist registry.
type WatchlistConfig struct {
	FromDatabase    bool                  `yaml:"from_database"`
	RefreshInterval time.Duration         `yaml:"refresh_interval"`
	Items           []model.WatchlistItem `yaml:"items"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}
