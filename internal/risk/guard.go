// Package risk checks an order against the process-wide risk thresholds.
//
// Guard.Check is pure: it reads only its arguments and the immutable
// thresholds supplied at construction, so it is safe for concurrent use.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/model"
)

// ReasonBlocked is the reason code of every blocked decision.
const ReasonBlocked = "RISK_GUARD_BLOCKED"

// Rules identify which threshold blocked an order.
const (
	RuleKillSwitch     = "global_trading_enabled"
	RuleEquity         = "account_equity"
	RuleLeverage       = "max_leverage"
	RuleEquityPerTrade = "max_equity_per_trade_pct"
	RuleMarginExposure = "max_total_margin_exposure_pct"
	RuleLiquidation    = "min_liquidation_buffer_pct"
	RuleDailyLoss      = "max_daily_loss_pct"
)

var hundred = decimal.NewFromInt(100)

// Decision is the result of a risk check.
type Decision struct {
	Allowed    bool
	ReasonCode string // empty when allowed
	Rule       string
	Message    string
	// EffectiveMargin is false when the request was evaluated as spot,
	// including margin requests coerced because the watchlist forbids margin.
	EffectiveMargin bool
}

// Guard evaluates orders against fixed thresholds.
type Guard struct {
	maxLeverage         int
	maxEquityPerTrade   decimal.Decimal
	maxMarginExposure   decimal.Decimal
	minLiquidationBuf   decimal.Decimal
	maxDailyLoss        decimal.Decimal
	maintenanceMargin   decimal.Decimal
	globalTradingEnable bool
}

// NewGuard creates a guard from validated thresholds.
func NewGuard(cfg config.RiskConfig) *Guard {
	return &Guard{
		maxLeverage:         cfg.MaxLeverage,
		maxEquityPerTrade:   decimal.NewFromFloat(cfg.MaxEquityPerTradePct),
		maxMarginExposure:   decimal.NewFromFloat(cfg.MaxTotalMarginExposurePct),
		minLiquidationBuf:   decimal.NewFromFloat(cfg.MinLiquidationBufferPct),
		maxDailyLoss:        decimal.NewFromFloat(cfg.MaxDailyLossPct),
		maintenanceMargin:   decimal.NewFromFloat(cfg.MaintenanceMarginRate),
		globalTradingEnable: cfg.GlobalTradingEnabled,
	}
}

// Check returns whether req may be placed given the account metrics.
func (g *Guard) Check(req model.OrderRequest, acct model.AccountMetrics) Decision {
	d := Decision{
		Allowed:         true,
		EffectiveMargin: req.IsMargin && req.TradeOnMarginFromWatchlist,
	}

	if !g.globalTradingEnable {
		return d.block(RuleKillSwitch, "global trading is disabled")
	}

	if d.EffectiveMargin {
		if rule, msg := g.checkMargin(req, acct); rule != "" {
			return d.block(rule, msg)
		}
	}

	if acct.DailyLossPct.GreaterThan(g.maxDailyLoss) {
		return d.block(RuleDailyLoss, fmt.Sprintf("daily loss %s%% exceeds max %s%%",
			acct.DailyLossPct.StringFixed(2), g.maxDailyLoss))
	}

	return d
}

func (g *Guard) checkMargin(req model.OrderRequest, acct model.AccountMetrics) (rule, msg string) {
	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if leverage > g.maxLeverage {
		return RuleLeverage, fmt.Sprintf("leverage %dx exceeds max %dx", leverage, g.maxLeverage)
	}

	if !acct.Equity.IsPositive() {
		return RuleEquity, fmt.Sprintf("account equity %s is not positive", acct.Equity)
	}

	lev := decimal.NewFromInt(int64(leverage))
	tradeMargin := req.Notional().Div(lev)

	positionPct := tradeMargin.Div(acct.Equity).Mul(hundred)
	if positionPct.GreaterThan(g.maxEquityPerTrade) {
		return RuleEquityPerTrade, fmt.Sprintf("position uses %s%% of equity, max %s%%",
			positionPct.StringFixed(2), g.maxEquityPerTrade)
	}

	exposurePct := acct.TotalMarginExposure.Add(tradeMargin).Div(acct.Equity).Mul(hundred)
	if exposurePct.GreaterThan(g.maxMarginExposure) {
		return RuleMarginExposure, fmt.Sprintf("total margin exposure would be %s%% of equity, max %s%%",
			exposurePct.StringFixed(2), g.maxMarginExposure)
	}

	buffer := LiquidationBufferPct(leverage, g.maintenanceMargin)
	if buffer.LessThan(g.minLiquidationBuf) {
		return RuleLiquidation, fmt.Sprintf("liquidation buffer %s%% below min %s%%",
			buffer.StringFixed(2), g.minLiquidationBuf)
	}

	return "", ""
}

// LiquidationBufferPct estimates the adverse price move, in percent, that
// liquidates an isolated position opened at the given leverage.
func LiquidationBufferPct(leverage int, maintenanceMarginRate decimal.Decimal) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	return inv.Sub(maintenanceMarginRate).Mul(hundred)
}

func (d Decision) block(rule, msg string) Decision {
	d.Allowed = false
	d.ReasonCode = ReasonBlocked
	d.Rule = rule
	d.Message = msg
	return d
}
