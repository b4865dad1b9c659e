package ingest

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
	"github.com/rickgao/signal-exec/internal/store"
)

// Source supplies a batch of exchange events.
type Source interface {
	FetchEvents(ctx context.Context) ([]model.ExchangeEvent, error)
}

// Journal receives decision rows.
type Journal interface {
	Record(d model.Decision)
}

// Report counts what one Ingest or RunCycle call did.
type Report struct {
	Fetched    int
	Applied    int
	Duplicates int
	Stale      int
	Errors     int
	Settled    int
	Protective int
	Notified   int
}

func (r *Report) add(o Report) {
	r.Fetched += o.Fetched
	r.Applied += o.Applied
	r.Duplicates += o.Duplicates
	r.Stale += o.Stale
	r.Errors += o.Errors
	r.Settled += o.Settled
	r.Protective += o.Protective
	r.Notified += o.Notified
}

// Config configures an Ingester.
type Config struct {
	Protection config.ProtectionConfig
	BatchSize  int // max unnotified fills settled per cycle
}

// Ingester is the exchange sync ingester.
type Ingester struct {
	cfg      Config
	orders   store.Orders
	intents  *intent.Store
	executor *placement.Executor
	notifier notify.Notifier
	journal  Journal
	sources  []Source
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Ingester. journal may be nil.
func New(
	cfg Config,
	orders store.Orders,
	intents *intent.Store,
	executor *placement.Executor,
	notifier notify.Notifier,
	journal Journal,
	logger *slog.Logger,
	sources ...Source,
) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Ingester{
		cfg:      cfg,
		orders:   orders,
		intents:  intents,
		executor: executor,
		notifier: notifier,
		journal:  journal,
		sources:  sources,
		logger:   logger,
		now:      time.Now,
	}
}

// Run performs one cycle; it satisfies poller.Task.
func (ing *Ingester) Run(ctx context.Context) error {
	_, err := ing.RunCycle(ctx)
	return err
}

// RunCycle pulls every source, ingests the events and settles any filled
// entry orders still waiting for protection or notification.
func (ing *Ingester) RunCycle(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)

	for _, src := range ing.sources {
		events, err := src.FetchEvents(ctx)
		if err != nil {
			ing.logger.Warn("fetch events failed", "error", err)
			errs = append(errs, err)
		}
		report.Fetched += len(events)
		if len(events) == 0 {
			continue
		}

		r, err := ing.Ingest(ctx, events)
		report.add(r)
		if err != nil {
			return report, err
		}
	}

	r, err := ing.settlePending(ctx)
	report.add(r)
	if err != nil {
		return report, err
	}

	if report.Applied+report.Settled > 0 {
		ing.logger.Info("sync cycle complete",
			"fetched", report.Fetched,
			"applied", report.Applied,
			"duplicates", report.Duplicates,
			"stale", report.Stale,
			"settled", report.Settled,
			"protective", report.Protective,
			"notified", report.Notified,
		)
	}

	if len(errs) > 0 && len(errs) == len(ing.sources) {
		return report, fmt.Errorf("all sources failed: %w", errors.Join(errs...))
	}
	return report, nil
}

// Ingest applies events in order. A failing event is counted and skipped;
// only cancellation stops the batch.
func (ing *Ingester) Ingest(ctx context.Context, events []model.ExchangeEvent) (Report, error) {
	var report Report

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := ing.orders.ApplyEvent(ctx, ev)
		switch {
		case err != nil:
			report.Errors++
			metrics.EventsIngested.WithLabelValues(ev.Source, "error").Inc()
			ing.logger.Error("apply event failed",
				"source", ev.Source,
				"order_id", ev.ExchangeOrderID,
				"dedup_key", ev.DedupKey(),
				"error", err,
			)
			continue
		case res.Duplicate:
			report.Duplicates++
			metrics.EventsIngested.WithLabelValues(ev.Source, "duplicate").Inc()
			continue
		case res.Stale:
			report.Stale++
			metrics.EventsIngested.WithLabelValues(ev.Source, "stale").Inc()
			continue
		}

		report.Applied++
		metrics.EventsIngested.WithLabelValues(ev.Source, "applied").Inc()

		if res.NewlyFilled && res.Order.Role == model.RoleEntry {
			owned, err := ing.owned(ctx, res.Order)
			if err != nil {
				// Left for the next cycle's settle pass.
				ing.logger.Error("look up fill owner failed", "order_id", res.Order.ExchangeOrderID, "error", err)
				report.Errors++
				continue
			}
			if !owned {
				ing.logger.Debug("ignoring fill of foreign order",
					"order_id", res.Order.ExchangeOrderID,
					"client_order_id", res.Order.ClientOrderID,
				)
				continue
			}
			r, err := ing.settle(ctx, res.Order)
			report.add(r)
			if err != nil {
				// Left for the next cycle's settle pass.
				ing.logger.Error("settle fill failed", "order_id", res.Order.ExchangeOrderID, "error", err)
				report.Errors++
			}
		}
	}
	return report, nil
}

// owned reports whether order was placed for a signal, either recorded with
// its signal id or carrying an intent key as client order id.
func (ing *Ingester) owned(ctx context.Context, order model.ExchangeOrder) (bool, error) {
	if order.TradeSignalID != "" {
		return true, nil
	}
	if order.ClientOrderID == "" {
		return false, nil
	}
	_, err := ing.intents.Get(ctx, order.ClientOrderID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// settlePending settles filled entries whose notification is still unclaimed.
func (ing *Ingester) settlePending(ctx context.Context) (Report, error) {
	var report Report

	fills, err := ing.orders.ListUnnotifiedFills(ctx, ing.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list unnotified fills: %w", err)
	}

	for _, o := range fills {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r, err := ing.settle(ctx, o)
		report.add(r)
		if err != nil {
			ing.logger.Error("settle fill failed", "order_id", o.ExchangeOrderID, "error", err)
			report.Errors++
		}
	}
	return report, nil
}

// settle protects and announces one filled entry order.
func (ing *Ingester) settle(ctx context.Context, entry model.ExchangeOrder) (Report, error) {
	report := Report{Settled: 1}

	var placed []model.ExchangeOrder
	if ing.cfg.Protection.Enabled {
		for _, role := range []model.OrderRole{model.RoleStopLoss, model.RoleTakeProfit} {
			o, err := ing.protect(ctx, entry, role)
			if err != nil {
				return report, err
			}
			if o != nil {
				placed = append(placed, *o)
				report.Protective++
			}
		}
	}

	claimed, err := ing.orders.ClaimNotification(ctx, entry.ExchangeOrderID, ing.now())
	if err != nil {
		return report, fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		return report, nil
	}

	if err := ing.notifier.Send(ctx, fillMessage(entry, placed)); err != nil {
		metrics.FillNotifications.WithLabelValues("failed").Inc()
		// Release with a fresh context so a cancelled cycle still frees the marker.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := ing.orders.ReleaseNotification(relCtx, entry.ExchangeOrderID); relErr != nil {
			return report, fmt.Errorf("release notification after send failure (%v): %w", err, relErr)
		}
		return report, fmt.Errorf("send fill notification: %w", err)
	}

	metrics.FillNotifications.WithLabelValues("sent").Inc()
	report.Notified++
	return report, nil
}

// protect places the protective order for role unless its intent already
// exists. It returns the recorded order, or nil when nothing was placed.
func (ing *Ingester) protect(ctx context.Context, entry model.ExchangeOrder, role model.OrderRole) (*model.ExchangeOrder, error) {
	req, ok := ing.protectiveRequest(entry, role)
	if !ok {
		ing.logger.Warn("cannot price protective order",
			"order_id", entry.ExchangeOrderID,
			"role", role,
		)
		return nil, nil
	}

	signalID := entry.ExchangeOrderID + ":" + string(role)
	in, created, err := ing.intents.CreateOrGet(ctx, req.ClientOrderID, signalID, req.Symbol, req.Side)
	if err != nil {
		return nil, err
	}
	if !created {
		ing.logger.Debug("protective order already attempted",
			"parent_order_id", entry.ExchangeOrderID,
			"role", role,
			"status", in.Status,
		)
		return nil, nil
	}

	res, placeErr := ing.executor.Place(ctx, role, req)
	if placeErr != nil && res.Unresolved {
		// The intent stays PENDING; the sweeper settles it against the
		// exchange's order listing.
		ing.logger.Warn("protective order unresolved",
			"parent_order_id", entry.ExchangeOrderID,
			"role", role,
			"reason", res.Reason,
			"error", placeErr,
		)
		ing.record(entry, role, "UNRESOLVED", res.Reason, placeErr.Error())
		return nil, nil
	}
	if placeErr != nil {
		if _, err := ing.intents.MarkFailed(ctx, req.ClientOrderID, res.Reason); err != nil {
			return nil, err
		}
		ing.record(entry, role, "FAILED", res.Reason, placeErr.Error())
		return nil, nil
	}

	o := model.ExchangeOrder{
		ExchangeOrderID: res.Order.OrderID,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Role:            role,
		ParentOrderID:   entry.ExchangeOrderID,
		Status:          res.Order.Status,
		StopPrice:       req.StopPrice,
		Quantity:        req.Quantity,
		TradeSignalID:   signalID,
	}
	if err := ing.orders.RecordOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("record protective order: %w", err)
	}
	if _, err := ing.intents.MarkPlaced(ctx, req.ClientOrderID, res.Order.OrderID); err != nil {
		return nil, err
	}

	ing.record(entry, role, "PLACED", "", "stop "+req.StopPrice.String())
	ing.logger.Info("protective order placed",
		"parent_order_id", entry.ExchangeOrderID,
		"role", role,
		"order_id", res.Order.OrderID,
		"stop_price", req.StopPrice.String(),
	)
	return &o, nil
}

// protectiveRequest prices a reduce-only exit on the opposite side.
func (ing *Ingester) protectiveRequest(entry model.ExchangeOrder, role model.OrderRole) (model.PlaceOrderRequest, bool) {
	fill := entry.FillPrice()
	qty := entry.FilledQuantity()
	if !fill.IsPositive() || !qty.IsPositive() || !entry.Side.Valid() {
		return model.PlaceOrderRequest{}, false
	}

	var (
		pct       float64
		orderType string
	)
	switch role {
	case model.RoleStopLoss:
		pct, orderType = ing.cfg.Protection.StopLossPct, model.OrderTypeStopMarket
	case model.RoleTakeProfit:
		pct, orderType = ing.cfg.Protection.TakeProfitPct, model.OrderTypeTakeProfitMarket
	default:
		return model.PlaceOrderRequest{}, false
	}
	if pct <= 0 {
		return model.PlaceOrderRequest{}, false
	}

	return model.PlaceOrderRequest{
		ClientOrderID: intent.ProtectiveKey(entry.ExchangeOrderID, role),
		Symbol:        entry.Symbol,
		Side:          entry.Side.Opposite(),
		OrderType:     orderType,
		StopPrice:     ProtectivePrice(entry.Side, role, fill, pct),
		Quantity:      qty,
		ReduceOnly:    true,
	}, true
}

// ProtectivePrice returns the trigger price for a protective order on a
// position opened on side at fill. A long position stops below and takes
// profit above the fill; a short one the reverse.
func ProtectivePrice(side model.Side, role model.OrderRole, fill decimal.Decimal, pct float64) decimal.Decimal {
	offset := fill.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	below := role == model.RoleStopLoss
	if side == model.SideSell {
		below = !below
	}
	if below {
		return fill.Sub(offset)
	}
	return fill.Add(offset)
}

func (ing *Ingester) record(entry model.ExchangeOrder, role model.OrderRole, outcome, reason, msg string) {
	if ing.journal == nil {
		return
	}
	ing.journal.Record(model.Decision{
		SignalID: entry.TradeSignalID,
		Symbol:   entry.Symbol,
		Side:     entry.Side,
		Stage:    model.StageExecution,
		Outcome:  outcome,
		Reason:   reason,
		Message:  fmt.Sprintf("%s for %s: %s", role, entry.ExchangeOrderID, msg),
		At:       ing.now().UTC(),
	})
}

func fillMessage(entry model.ExchangeOrder, protective []model.ExchangeOrder) string {
	msg := fmt.Sprintf("%s %s filled: %s @ %s (order %s)",
		entry.Symbol, entry.Side, entry.FilledQuantity(), entry.FillPrice(), entry.ExchangeOrderID)
	for _, p := range protective {
		msg += fmt.Sprintf("\n%s %s @ %s (order %s)", p.Role, p.Side, p.StopPrice, p.ExchangeOrderID)
	}
	return msg
}
