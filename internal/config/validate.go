package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/signal-exec/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if err := c.Risk.Validate(); err != nil {
		return err
	}

	if c.Throttle.MinPriceChangePct < 0 {
		return fmt.Errorf("throttle.min_price_change_pct must be >= 0, got %v", c.Throttle.MinPriceChangePct)
	}
	if c.Throttle.Cooldown < 0 {
		return errors.New("throttle.cooldown must be >= 0")
	}

	if c.Execution.MaxAttempts < 1 {
		return errors.New("execution.max_attempts must be >= 1")
	}
	if c.Execution.MaxAttempts > 10 {
		return fmt.Errorf("execution.max_attempts must be <= 10, got %d", c.Execution.MaxAttempts)
	}
	if c.Execution.CallTimeout <= 0 {
		return errors.New("execution.call_timeout must be > 0")
	}
	switch c.Execution.OrderType {
	case model.OrderTypeMarket, model.OrderTypeLimit:
	default:
		return fmt.Errorf("execution.order_type must be MARKET or LIMIT, got %q", c.Execution.OrderType)
	}
	if c.Execution.DefaultAmountUSD <= 0 {
		return errors.New("execution.default_amount_usd must be > 0")
	}

	if c.Protection.Enabled {
		if c.Protection.StopLossPct <= 0 || c.Protection.StopLossPct >= 100 {
			return fmt.Errorf("protection.stop_loss_pct must be in (0, 100), got %v", c.Protection.StopLossPct)
		}
		if c.Protection.TakeProfitPct <= 0 {
			return fmt.Errorf("protection.take_profit_pct must be > 0, got %v", c.Protection.TakeProfitPct)
		}
	}

	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be > 0")
	}
	if c.Sync.BufferSize < 1 {
		return errors.New("sync.buffer_size must be >= 1")
	}
	if c.Reconcile.GracePeriod <= 0 {
		return errors.New("reconcile.grace_period must be > 0")
	}
	if c.Reconcile.BatchLimit < 1 {
		return errors.New("reconcile.batch_limit must be >= 1")
	}

	if c.Notify.WebhookURL != "" && !strings.HasPrefix(c.Notify.WebhookURL, "https://") && !strings.HasPrefix(c.Notify.WebhookURL, "http://") {
		return errors.New("notify.webhook_url must be an http(s) URL")
	}

	if c.Journal.BatchSize < 1 {
		return errors.New("journal.batch_size must be >= 1")
	}
	if c.Journal.BufferSize < 1 {
		return errors.New("journal.buffer_size must be >= 1")
	}

	for i, item := range c.Watchlist.Items {
		if item.Symbol == "" {
			return fmt.Errorf("watchlist.items[%d].symbol is required", i)
		}
		if item.Leverage < 0 {
			return fmt.Errorf("watchlist.items[%d].leverage must be >= 0", i)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	return nil
}

// Validate checks the risk thresholds. An invalid value aborts startup.
func (r RiskConfig) Validate() error {
	if r.MaxLeverage < 1 {
		return fmt.Errorf("risk.max_leverage must be >= 1, got %d", r.MaxLeverage)
	}
	if err := pctInRange("risk.max_equity_per_trade_pct", r.MaxEquityPerTradePct); err != nil {
		return err
	}
	if err := pctInRange("risk.max_total_margin_exposure_pct", r.MaxTotalMarginExposurePct); err != nil {
		return err
	}
	if r.MinLiquidationBufferPct < 0 || r.MinLiquidationBufferPct >= 100 {
		return fmt.Errorf("risk.min_liquidation_buffer_pct must be in [0, 100), got %v", r.MinLiquidationBufferPct)
	}
	if err := pctInRange("risk.max_daily_loss_pct", r.MaxDailyLossPct); err != nil {
		return err
	}
	if r.MaintenanceMarginRate < 0 || r.MaintenanceMarginRate >= 1 {
		return fmt.Errorf("risk.maintenance_margin_rate must be in [0, 1), got %v", r.MaintenanceMarginRate)
	}
	return nil
}

func pctInRange(name string, v float64) error {
	if v <= 0 || v > 100 {
		return fmt.Errorf("%s must be in (0, 100], got %v", name, v)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
