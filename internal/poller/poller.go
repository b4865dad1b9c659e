package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/signal-exec/internal/metrics"
)

// Task is one unit of periodic work.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc is a function adapter for Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Config holds poller configuration.
type Config struct {
	Name     string        // Task name used in logs and metrics
	Interval time.Duration // Run interval
	Timeout  time.Duration // Per-run timeout (0 = none)
}

const defaultInterval = time.Minute

// Stats are cumulative run counters.
type Stats struct {
	Runs     int64
	Failures int64
}

// Poller runs a Task immediately and then on every interval. Runs never
// overlap.
type Poller struct {
	cfg    Config
	task   Task
	logger *slog.Logger

	runs     atomic.Int64
	failures atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, task Task, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Poller{
		cfg:    cfg,
		task:   task,
		logger: logger.With("task", cfg.Name),
	}
}

// Start begins the run loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"timeout", p.cfg.Timeout,
	)

	return nil
}

// Stop cancels the loop, interrupting a run in progress, and waits for it.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns run counters.
func (p *Poller) Stats() Stats {
	return Stats{Runs: p.runs.Load(), Failures: p.failures.Load()}
}

// run is the main loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start.
	p.runOnce()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runOnce()
		}
	}
}

// runOnce executes the task with the per-run timeout.
func (p *Poller) runOnce() {
	ctx := p.ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.task.Run(ctx)
	elapsed := time.Since(start)

	p.runs.Add(1)
	metrics.TaskDuration.WithLabelValues(p.cfg.Name).Observe(elapsed.Seconds())

	if err != nil {
		p.failures.Add(1)
		metrics.TaskRuns.WithLabelValues(p.cfg.Name, "error").Inc()
		if p.ctx.Err() != nil {
			p.logger.Debug("run interrupted by shutdown", "error", err)
			return
		}
		p.logger.Warn("run failed", "error", err, "duration", elapsed)
		return
	}

	metrics.TaskRuns.WithLabelValues(p.cfg.Name, "ok").Inc()
	p.logger.Debug("run complete", "duration", elapsed)
}
