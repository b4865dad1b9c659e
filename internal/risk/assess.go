package risk

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/model"
)

// AssessRequest is the input of a collaborator-facing risk check.
type AssessRequest struct {
	Symbol                     string          `json:"symbol" validate:"required"`
	Side                       model.Side      `json:"side" validate:"required,oneof=BUY SELL"`
	Price                      decimal.Decimal `json:"price" validate:"gt=0"`
	Quantity                   decimal.Decimal `json:"quantity" validate:"gt=0"`
	IsMargin                   bool            `json:"is_margin"`
	Leverage                   int             `json:"leverage" validate:"gte=0"`
	TradeOnMarginFromWatchlist bool            `json:"trade_on_margin_from_watchlist"`
	AccountEquity              decimal.Decimal `json:"account_equity"`
	TotalMarginExposure        decimal.Decimal `json:"total_margin_exposure" validate:"gte=0"`
	DailyLossPct               decimal.Decimal `json:"daily_loss_pct" validate:"gte=0"`
}

// AssessResponse is the result of Assess.
type AssessResponse struct {
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reason_code,omitempty"`
	Rule       string `json:"rule,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Assess validates req and runs the guard on it. A malformed request
// returns a *model.ValidationError.
func (g *Guard) Assess(req AssessRequest) (AssessResponse, error) {
	if err := model.Validate(req); err != nil {
		return AssessResponse{}, err
	}

	order := model.OrderRequest{
		Symbol:                     req.Symbol,
		Side:                       req.Side,
		Price:                      req.Price,
		Quantity:                   req.Quantity,
		IsMargin:                   req.IsMargin,
		Leverage:                   req.Leverage,
		TradeOnMarginFromWatchlist: req.TradeOnMarginFromWatchlist,
	}
	acct := model.AccountMetrics{
		Equity:              req.AccountEquity,
		TotalMarginExposure: req.TotalMarginExposure,
		DailyLossPct:        req.DailyLossPct,
	}

	d := g.Check(order, acct)
	return AssessResponse{
		Allowed:    d.Allowed,
		ReasonCode: d.ReasonCode,
		Rule:       d.Rule,
		Message:    d.Message,
	}, nil
}
