package config

import (
	"time"

	"github.com/rickgao/signal-exec/internal/model"
)

// Default values for optional configuration fields. Risk thresholds have
// no defaults on purpose and are rejected by Validate when unset.
const (
	DefaultDBPort                = 5432
	DefaultDBSSLMode             = "prefer"
	DefaultMaxConns              = 10
	DefaultMinConns              = 2
	DefaultStreamURL             = "wss://fstream.binance.com"
	DefaultTestnetStreamURL      = "wss://stream.binancefuture.com"
	DefaultExchangeTimeout       = 10 * time.Second
	DefaultExchangeLookback      = 24 * time.Hour
	DefaultExchangeListLimit     = 500
	DefaultBreakerMaxRequests    = 3
	DefaultBreakerInterval       = 5 * time.Second
	DefaultBreakerTimeout        = 30 * time.Second
	DefaultBreakerFailureRatio   = 0.6
	DefaultBreakerMinRequests    = 3
	DefaultMaintenanceMarginRate = 0.005
	DefaultThrottleCooldown      = 5 * time.Minute
	DefaultMaxAttempts           = 3
	DefaultRetryBackoff          = 500 * time.Millisecond
	DefaultCallTimeout           = 10 * time.Second
	DefaultOrderType             = model.OrderTypeMarket
	DefaultAmountUSD             = 100.0
	DefaultStopLossPct           = 2.0
	DefaultTakeProfitPct         = 4.0
	DefaultSyncInterval          = 15 * time.Second
	DefaultSyncTimeout           = 60 * time.Second
	DefaultSyncBufferSize        = 1000
	DefaultSyncBatchSize         = 500
	DefaultReconcileInterval     = 1 * time.Minute
	DefaultGracePeriod           = 5 * time.Minute
	DefaultReconcileBatchLimit   = 500
	DefaultNotifyTimeout         = 10 * time.Second
	DefaultNotifyMaxRetries      = 3
	DefaultJournalBatchSize      = 200
	DefaultJournalFlushInterval  = 1 * time.Second
	DefaultJournalBufferSize     = 1000
	DefaultWatchlistRefresh      = 1 * time.Minute
	DefaultServerPort            = 8080
)

func (c *Config) applyDefaults() {
	applyDBDefaults(&c.Database)

	// Exchange defaults
	if c.Exchange.StreamURL == "" {
		c.Exchange.StreamURL = DefaultStreamURL
		if c.Exchange.Testnet {
			c.Exchange.StreamURL = DefaultTestnetStreamURL
		}
	}
	if c.Exchange.Timeout == 0 {
		c.Exchange.Timeout = DefaultExchangeTimeout
	}
	if c.Exchange.Lookback == 0 {
		c.Exchange.Lookback = DefaultExchangeLookback
	}
	if c.Exchange.ListLimit == 0 {
		c.Exchange.ListLimit = DefaultExchangeListLimit
	}
	applyBreakerDefaults(&c.Exchange.Breaker)

	// The only risk field with a default is an estimate, not a threshold.
	if c.Risk.MaintenanceMarginRate == 0 {
		c.Risk.MaintenanceMarginRate = DefaultMaintenanceMarginRate
	}

	// Throttle defaults
	if c.Throttle.Cooldown == 0 {
		c.Throttle.Cooldown = DefaultThrottleCooldown
	}

	// Execution defaults
	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = DefaultMaxAttempts
	}
	if c.Execution.RetryBackoff == 0 {
		c.Execution.RetryBackoff = DefaultRetryBackoff
	}
	if c.Execution.CallTimeout == 0 {
		c.Execution.CallTimeout = DefaultCallTimeout
	}
	if c.Execution.OrderType == "" {
		c.Execution.OrderType = DefaultOrderType
	}
	if c.Execution.DefaultAmountUSD == 0 {
		c.Execution.DefaultAmountUSD = DefaultAmountUSD
	}

	// Protection defaults
	if c.Protection.StopLossPct == 0 {
		c.Protection.StopLossPct = DefaultStopLossPct
	}
	if c.Protection.TakeProfitPct == 0 {
		c.Protection.TakeProfitPct = DefaultTakeProfitPct
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultSyncInterval
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = DefaultSyncTimeout
	}
	if c.Sync.BufferSize == 0 {
		c.Sync.BufferSize = DefaultSyncBufferSize
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = DefaultSyncBatchSize
	}

	// Reconcile defaults
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = DefaultReconcileInterval
	}
	if c.Reconcile.GracePeriod == 0 {
		c.Reconcile.GracePeriod = DefaultGracePeriod
	}
	if c.Reconcile.BatchLimit == 0 {
		c.Reconcile.BatchLimit = DefaultReconcileBatchLimit
	}

	// Notify defaults
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = DefaultNotifyTimeout
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = DefaultNotifyMaxRetries
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultJournalBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultJournalFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}

	// Watchlist defaults
	if c.Watchlist.RefreshInterval == 0 {
		c.Watchlist.RefreshInterval = DefaultWatchlistRefresh
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

func applyBreakerDefaults(b *BreakerConfig) {
	if b.MaxRequests == 0 {
		b.MaxRequests = DefaultBreakerMaxRequests
	}
	if b.Interval == 0 {
		b.Interval = DefaultBreakerInterval
	}
	if b.Timeout == 0 {
		b.Timeout = DefaultBreakerTimeout
	}
	if b.FailureRatio == 0 {
		b.FailureRatio = DefaultBreakerFailureRatio
	}
	if b.MinRequests == 0 {
		b.MinRequests = DefaultBreakerMinRequests
	}
}
