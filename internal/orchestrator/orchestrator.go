package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/intent"
	"github.com/rickgao/signal-exec/internal/metrics"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/notify"
	"github.com/rickgao/signal-exec/internal/placement"
	"github.com/rickgao/signal-exec/internal/risk"
	"github.com/rickgao/signal-exec/internal/store"
	"github.com/rickgao/signal-exec/internal/throttle"
)

// Outcome statuses.
const (
	StatusSuppressed = "SUPPRESSED"
	StatusAlertOnly  = "ALERT_ONLY"
	StatusBlocked    = "BLOCKED"
	StatusDuplicate  = "DUPLICATE"
	StatusPlaced     = "PLACED"
	StatusPending    = "PENDING" // placement unconfirmed; reconciliation settles the intent
	StatusFailed     = "FAILED"
)

// Reasons not produced by the gate, guard or classifier.
const (
	ReasonTradeDisabled      = "TRADE_DISABLED"
	ReasonAccountUnavailable = "ACCOUNT_STATE_UNAVAILABLE"
	ReasonZeroQuantity       = "ZERO_QUANTITY"
	ReasonDuplicateIntent    = "DUPLICATE_INTENT"
)

// Watchlist supplies per-symbol settings.
type Watchlist interface {
	Get(symbol string) (model.WatchlistItem, error)
}

// Account supplies the account snapshot for risk checks.
type Account interface {
	AccountState(ctx context.Context) (model.AccountState, error)
}

// Journal receives decision rows.
type Journal interface {
	Record(d model.Decision)
}

// Outcome is the result of handling one signal.
type Outcome struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	IntentKey string `json:"intent_key,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

// Deps are the collaborators of an Orchestrator. Journal may be nil.
type Deps struct {
	Watchlist Watchlist
	Gate      *throttle.Gate
	Guard     *risk.Guard
	Account   Account
	Intents   *intent.Store
	Orders    store.Orders
	Executor  *placement.Executor
	Notifier  notify.Notifier
	Journal   Journal
}

// Orchestrator handles signals.
type Orchestrator struct {
	cfg    config.ExecutionConfig
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(cfg config.ExecutionConfig, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OrderType == "" {
		cfg.OrderType = config.DefaultOrderType
	}
	if cfg.DefaultAmountUSD <= 0 {
		cfg.DefaultAmountUSD = config.DefaultAmountUSD
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, now: time.Now}
}

// HandleSignal runs sig through the pipeline. A malformed signal returns a
// *model.ValidationError and an unknown symbol wraps model.ErrUnknownSymbol;
// both are rejected before any state changes. Failures after that point are
// reported in the Outcome, not as an error, unless the intent store itself
// fails.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig model.Signal) (Outcome, error) {
	if err := model.Validate(sig); err != nil {
		metrics.SignalsTotal.WithLabelValues("invalid").Inc()
		return Outcome{}, err
	}
	if sig.Time.IsZero() {
		sig.Time = o.now().UTC()
	}

	item, err := o.deps.Watchlist.Get(sig.Symbol)
	if err != nil {
		metrics.SignalsTotal.WithLabelValues("unknown_symbol").Inc()
		return Outcome{}, err
	}

	out, err := o.handle(ctx, sig, item)
	if err != nil {
		metrics.SignalsTotal.WithLabelValues("error").Inc()
		return out, err
	}
	metrics.SignalsTotal.WithLabelValues(out.Status).Inc()
	return out, nil
}

func (o *Orchestrator) handle(ctx context.Context, sig model.Signal, item model.WatchlistItem) (Outcome, error) {
	log := o.logger.With("signal_id", sig.ID, "symbol", sig.Symbol, "side", sig.Side)

	// A signal that already owns an intent was acted on. The insert below
	// still arbitrates concurrent deliveries.
	key := intent.KeyFor(sig.ID)
	existing, err := o.deps.Intents.Get(ctx, key)
	switch {
	case err == nil:
		return o.duplicate(sig, key, existing), nil
	case !errors.Is(err, model.ErrNotFound):
		return Outcome{}, fmt.Errorf("look up intent: %w", err)
	}

	// Throttle
	gate, err := o.deps.Gate.Evaluate(ctx, sig, item.Flags())
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate throttle: %w", err)
	}
	metrics.ThrottleDecisions.WithLabelValues(gate.Reason).Inc()
	if !gate.Emit {
		log.Debug("signal suppressed", "reason", gate.Reason)
		o.record(sig, model.StageThrottle, StatusSuppressed, gate.Reason, "")
		return Outcome{Status: StatusSuppressed, Reason: gate.Reason}, nil
	}
	o.record(sig, model.StageThrottle, "EMITTED", gate.Reason, "price "+sig.Price.String())

	// Alert, once per emission.
	if gate.Reason != throttle.ReasonRedelivery {
		if err := o.deps.Notifier.Send(ctx, alertMessage(sig, gate.Reason)); err != nil {
			log.Error("signal alert failed", "error", err)
		}
	}
	if !item.TradeEnabled {
		o.record(sig, model.StageThrottle, StatusAlertOnly, ReasonTradeDisabled, "")
		return Outcome{Status: StatusAlertOnly, Reason: gate.Reason}, nil
	}

	// Sizing
	req := o.orderRequest(sig, item)
	if !req.Quantity.IsPositive() {
		o.record(sig, model.StageRisk, StatusFailed, ReasonZeroQuantity, "")
		return Outcome{Status: StatusFailed, Reason: ReasonZeroQuantity}, nil
	}

	// Risk
	acctCtx, cancel := o.callContext(ctx)
	acct, err := o.deps.Account.AccountState(acctCtx)
	cancel()
	if err != nil {
		log.Error("account state unavailable", "error", err)
		o.record(sig, model.StageRisk, StatusFailed, ReasonAccountUnavailable, err.Error())
		return Outcome{Status: StatusFailed, Reason: ReasonAccountUnavailable, Message: err.Error()}, nil
	}

	decision := o.deps.Guard.Check(req, acct.Metrics())
	if !decision.Allowed {
		metrics.RiskBlocks.WithLabelValues(decision.Rule).Inc()
		log.Warn("order blocked by risk guard",
			"rule", decision.Rule,
			"message", decision.Message,
		)
		o.record(sig, model.StageRisk, StatusBlocked, decision.ReasonCode, decision.Message)
		return Outcome{Status: StatusBlocked, Reason: decision.ReasonCode, Message: decision.Message}, nil
	}

	// Intent
	in, created, err := o.deps.Intents.CreateOrGet(ctx, key, sig.ID, sig.Symbol, sig.Side)
	if err != nil {
		return Outcome{}, err
	}
	if !created {
		return o.duplicate(sig, key, in), nil
	}

	return o.place(ctx, log, sig, key, req, decision.EffectiveMargin)
}

func (o *Orchestrator) duplicate(sig model.Signal, key string, in model.OrderIntent) Outcome {
	o.record(sig, model.StageIntent, StatusDuplicate, ReasonDuplicateIntent, string(in.Status))
	return Outcome{
		Status:    StatusDuplicate,
		Reason:    ReasonDuplicateIntent,
		IntentKey: key,
		OrderID:   in.OrderID,
	}
}

// place submits the entry order for a freshly created intent.
func (o *Orchestrator) place(ctx context.Context, log *slog.Logger, sig model.Signal, key string, req model.OrderRequest, margin bool) (Outcome, error) {
	placeReq := model.PlaceOrderRequest{
		ClientOrderID: key,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     o.cfg.OrderType,
		Quantity:      req.Quantity,
	}
	if o.cfg.OrderType == model.OrderTypeLimit {
		placeReq.Price = req.Price
	}
	if margin {
		placeReq.IsMargin = true
		placeReq.Leverage = req.Leverage
	}

	res, placeErr := o.deps.Executor.Place(ctx, model.RoleEntry, placeReq)
	if placeErr != nil && res.Unresolved {
		log.Warn("order placement unresolved",
			"idempotency_key", key,
			"reason", res.Reason,
			"attempts", res.Attempts,
			"error", placeErr,
		)
		o.record(sig, model.StageExecution, StatusPending, res.Reason, placeErr.Error())
		return Outcome{Status: StatusPending, Reason: res.Reason, Message: placeErr.Error(), IntentKey: key}, nil
	}
	if placeErr != nil {
		if _, err := o.deps.Intents.MarkFailed(ctx, key, res.Reason); err != nil {
			return Outcome{}, err
		}
		log.Error("order placement failed",
			"idempotency_key", key,
			"reason", res.Reason,
			"attempts", res.Attempts,
			"error", placeErr,
		)
		o.record(sig, model.StageExecution, StatusFailed, res.Reason, placeErr.Error())
		return Outcome{Status: StatusFailed, Reason: res.Reason, Message: placeErr.Error(), IntentKey: key}, nil
	}

	order := model.ExchangeOrder{
		ExchangeOrderID: res.Order.OrderID,
		ClientOrderID:   key,
		Symbol:          placeReq.Symbol,
		Side:            placeReq.Side,
		OrderType:       placeReq.OrderType,
		Role:            model.RoleEntry,
		Status:          res.Order.Status,
		Price:           req.Price,
		Quantity:        placeReq.Quantity,
		TradeSignalID:   sig.ID,
	}
	if err := o.deps.Orders.RecordOrder(ctx, order); err != nil {
		// The ingester and the sweeper still find the order by client order id.
		log.Error("record entry order failed", "order_id", res.Order.OrderID, "error", err)
	}
	if _, err := o.deps.Intents.MarkPlaced(ctx, key, res.Order.OrderID); err != nil {
		return Outcome{}, err
	}

	log.Info("order placed",
		"idempotency_key", key,
		"order_id", res.Order.OrderID,
		"quantity", placeReq.Quantity.String(),
		"attempts", res.Attempts,
		"recovered", res.Recovered,
	)
	o.record(sig, model.StageExecution, StatusPlaced, "", "order "+res.Order.OrderID)
	return Outcome{Status: StatusPlaced, IntentKey: key, OrderID: res.Order.OrderID}, nil
}

// orderRequest sizes the order from the watchlist amount, falling back to
// the configured default.
func (o *Orchestrator) orderRequest(sig model.Signal, item model.WatchlistItem) model.OrderRequest {
	amount := item.AmountUSD
	if !amount.IsPositive() {
		amount = decimal.NewFromFloat(o.cfg.DefaultAmountUSD)
	}
	leverage := sig.Leverage
	if leverage == 0 {
		leverage = item.Leverage
	}
	return model.OrderRequest{
		Symbol:                     sig.Symbol,
		Side:                       sig.Side,
		Price:                      sig.Price,
		Quantity:                   amount.Div(sig.Price),
		IsMargin:                   sig.IsMargin,
		Leverage:                   leverage,
		TradeOnMarginFromWatchlist: item.TradeOnMargin,
	}
}

// ForceNext arms the one-shot force flag for key.
func (o *Orchestrator) ForceNext(ctx context.Context, key model.ThrottleKey) error {
	if key.Symbol == "" || key.StrategyKey == "" || !key.Side.Valid() {
		return model.NewValidationError("symbol, strategy_key and side are required", "symbol", "strategy_key", "side")
	}
	if _, err := o.deps.Watchlist.Get(key.Symbol); err != nil {
		return err
	}
	return o.deps.Gate.Force(ctx, key)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) record(sig model.Signal, stage, outcome, reason, msg string) {
	if o.deps.Journal == nil {
		return
	}
	o.deps.Journal.Record(model.Decision{
		SignalID:    sig.ID,
		Symbol:      sig.Symbol,
		StrategyKey: sig.StrategyKey,
		Side:        sig.Side,
		Stage:       stage,
		Outcome:     outcome,
		Reason:      reason,
		Message:     msg,
		At:          o.now().UTC(),
	})
}

func alertMessage(sig model.Signal, reason string) string {
	msg := fmt.Sprintf("%s %s signal @ %s [%s, %s]", sig.Symbol, sig.Side, sig.Price, sig.StrategyKey, reason)
	if sig.Source != "" {
		msg += " via " + sig.Source
	}
	return msg
}
