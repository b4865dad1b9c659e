package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/signal-exec/internal/buffer"
	"github.com/rickgao/signal-exec/internal/metrics"
	"github.com/rickgao/signal-exec/internal/model"
)

// BatchSender is the subset of *pgxpool.Pool the writer needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// DecisionWriter consumes decisions from its buffer and writes them to the
// signal_decisions table.
type DecisionWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *buffer.Growable[model.Decision]
	db    BatchSender

	// Batching
	batch       []decisionRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewDecisionWriter creates a new DecisionWriter reading from input.
func NewDecisionWriter(
	cfg WriterConfig,
	input *buffer.Growable[model.Decision],
	db BatchSender,
	logger *slog.Logger,
) *DecisionWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &DecisionWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]decisionRow, 0, cfg.BatchSize),
	}
}

// Record queues a decision without blocking. A zero At is stamped with the
// current time.
func (w *DecisionWriter) Record(d model.Decision) {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	if !w.input.Send(d) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		metrics.JournalRows.WithLabelValues("dropped").Inc()
	}
}

// Start begins consuming decisions and writing to the database.
func (w *DecisionWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("decision writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input, drains what is left and flushes it.
func (w *DecisionWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping decision writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("decision writer stopped")
	case <-ctx.Done():
		w.logger.Warn("decision writer stop timed out")
	}

	for _, d := range w.input.DrainTo(0) {
		w.append(d)
	}
	w.flushContext(ctx)

	return nil
}

// Stats returns current metrics.
func (w *DecisionWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	m := w.metrics
	m.Dropped += w.input.Stats().Dropped
	return m
}

func (w *DecisionWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		d, ok := w.input.ReceiveContext(w.ctx)
		if !ok {
			return
		}
		if w.append(d) {
			w.flush()
		}
	}
}

func (w *DecisionWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// append adds d to the batch and reports whether the batch is full.
func (w *DecisionWriter) append(d model.Decision) bool {
	row := transform(d)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func transform(d model.Decision) decisionRow {
	return decisionRow{
		SignalID:    d.SignalID,
		Symbol:      d.Symbol,
		StrategyKey: d.StrategyKey,
		Side:        string(d.Side),
		Stage:       d.Stage,
		Outcome:     d.Outcome,
		Reason:      d.Reason,
		Message:     d.Message,
		DecidedAt:   d.At.UTC(),
	}
}

func (w *DecisionWriter) flush() {
	w.flushContext(w.ctx)
}

// flushContext writes the current batch. Failed batches are logged and
// discarded; the journal is best effort.
func (w *DecisionWriter) flushContext(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]decisionRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if ctx.Err() != nil {
		// Shutdown flush after the run context is gone.
		ctx = context.Background()
	}

	start := time.Now()
	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		metrics.JournalRows.WithLabelValues("error").Add(float64(len(batch)))
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()
	metrics.JournalRows.WithLabelValues("written").Add(float64(len(batch)))

	w.logger.Debug("flushed decisions",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

func (w *DecisionWriter) batchInsert(ctx context.Context, rows []decisionRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO signal_decisions (signal_id, symbol, strategy_key, side, stage, outcome, reason, message, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.SignalID, r.Symbol, r.StrategyKey, r.Side, r.Stage, r.Outcome, r.Reason, r.Message, r.DecidedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
