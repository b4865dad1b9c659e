package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Signal path
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_signals_total",
			Help: "Signals handled by final outcome",
		},
		[]string{"outcome"},
	)
	ThrottleDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_throttle_decisions_total",
			Help: "Throttle gate decisions by reason",
		},
		[]string{"reason"},
	)
	RiskBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_risk_blocks_total",
			Help: "Orders blocked by the risk guard, by rule",
		},
		[]string{"rule"},
	)
	OrderPlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_order_placements_total",
			Help: "Order placement attempts by role and result",
		},
		[]string{"role", "result"},
	)

	// Exchange
	ExchangeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_exchange_requests_total",
			Help: "Exchange REST requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
	ExchangeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_exec_exchange_request_duration_seconds",
			Help:    "Duration of exchange REST requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	StreamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signal_exec_stream_connected",
			Help: "1 when the user-data stream is connected",
		},
	)
	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_exec_stream_reconnects_total",
			Help: "User-data stream reconnect attempts",
		},
	)

	// Ingestion
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_events_ingested_total",
			Help: "Exchange events by source and result (applied, duplicate, stale, error)",
		},
		[]string{"source", "result"},
	)
	FillNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_fill_notifications_total",
			Help: "Fill notifications by result",
		},
		[]string{"result"},
	)

	// Reconciliation
	ReconcileMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_exec_reconcile_marked_total",
			Help: "Intents marked ORDER_FAILED for a missing exchange order",
		},
	)
	ReconcileHealed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_exec_reconcile_healed_total",
			Help: "PENDING intents moved to ORDER_PLACED after finding their order",
		},
	)
	ReconcileUnresolved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signal_exec_reconcile_unresolved",
			Help: "Stale intents still lacking an exchange order after the last sweep",
		},
	)

	// Background tasks
	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_task_runs_total",
			Help: "Periodic task runs by task and result",
		},
		[]string{"task", "result"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_exec_task_duration_seconds",
			Help:    "Duration of periodic task runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	// Journal
	JournalRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_journal_rows_total",
			Help: "Decision journal rows by result (written, dropped, error)",
		},
		[]string{"result"},
	)

	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_exec_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_exec_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SignalsTotal,
			ThrottleDecisions,
			RiskBlocks,
			OrderPlacements,
			ExchangeRequests,
			ExchangeRequestDuration,
			StreamConnected,
			StreamReconnects,
			EventsIngested,
			FillNotifications,
			ReconcileMarked,
			ReconcileHealed,
			ReconcileUnresolved,
			TaskRuns,
			TaskDuration,
			JournalRows,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
