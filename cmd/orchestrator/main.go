package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/signal-exec/internal/buffer"
	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/database"
	"github.com/rickgao/signal-exec/internal/exchange"
	"github.com/rickgao/signal-exec/internal/ingest"
	"github.com/rickgao/signal-exec/internal/intent"
	"github.com/rickgao/signal-exec/internal/metrics"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/notify"
	"github.com/rickgao/signal-exec/internal/orchestrator"
	"github.com/rickgao/signal-exec/internal/placement"
	"github.com/rickgao/signal-exec/internal/poller"
	"github.com/rickgao/signal-exec/internal/reconcile"
	"github.com/rickgao/signal-exec/internal/risk"
	"github.com/rickgao/signal-exec/internal/server"
	"github.com/rickgao/signal-exec/internal/store/postgres"
	"github.com/rickgao/signal-exec/internal/stream"
	"github.com/rickgao/signal-exec/internal/throttle"
	"github.com/rickgao/signal-exec/internal/version"
	"github.com/rickgao/signal-exec/internal/watchlist"
	"github.com/rickgao/signal-exec/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(*configPath, logger); err != nil {
		logger.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

func run(configPath string, logger *slog.Logger) error {
	// Invalid risk thresholds abort here.
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"testnet", cfg.Exchange.Testnet,
		"global_trading_enabled", cfg.Risk.GlobalTradingEnabled,
		"stream_enabled", cfg.Sync.StreamEnabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	metrics.Register()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	db := postgres.New(pool, logger)
	logger.Info("database connected")

	// Decision journal
	journalBuf := buffer.New[model.Decision](cfg.Journal.BufferSize, cfg.Journal.BufferSize*100)
	journal := writer.NewDecisionWriter(writer.ConfigFrom(cfg.Journal), journalBuf, pool, logger)
	if err := journal.Start(ctx); err != nil {
		return fmt.Errorf("start journal: %w", err)
	}
	defer stopWithTimeout(logger, "journal", journal.Stop)

	// Watchlist
	registry := watchlist.NewRegistry(
		watchlist.SourceFor(cfg.Watchlist, watchlist.StoreSource{Store: db}),
		cfg.Watchlist.RefreshInterval,
		logger,
	)
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start watchlist: %w", err)
	}
	defer stopWithTimeout(logger, "watchlist", registry.Stop)
	logger.Info("watchlist loaded", "symbols", registry.Len())

	// Exchange
	adapter := exchange.New(cfg.Exchange,
		exchange.WithSymbols(registry.Symbols),
		exchange.WithListLimit(cfg.Exchange.ListLimit),
		exchange.WithLogger(logger),
	)
	notifier := notify.FromConfig(cfg.Notify, logger)
	executor := placement.NewExecutor(adapter, cfg.Execution, logger)
	intents := intent.NewStore(db, logger)

	health := []server.Option{
		server.WithStatus("exchange_breaker", func() any { return adapter.BreakerState() }),
	}

	sources := []ingest.Source{adapter}
	if cfg.Sync.StreamEnabled {
		listener := stream.NewListener(stream.ListenerConfigFrom(cfg.Exchange, cfg.Sync), adapter, logger)
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("start user stream: %w", err)
		}
		defer stopWithTimeout(logger, "user stream", listener.Stop)
		sources = append(sources, listener)
		health = append(health, server.WithStatus("user_stream", func() any { return listener.Stats() }))
	}

	// Exchange sync ingester
	ingester := ingest.New(
		ingest.Config{Protection: cfg.Protection, BatchSize: cfg.Sync.BatchSize},
		db, intents, executor, notifier, journal, logger, sources...,
	)
	syncPoller := poller.New(poller.Config{
		Name:     "exchange_sync",
		Interval: cfg.Sync.Interval,
		Timeout:  cfg.Sync.Timeout,
	}, ingester, logger)
	if err := syncPoller.Start(ctx); err != nil {
		return fmt.Errorf("start sync poller: %w", err)
	}
	defer stopWithTimeout(logger, "sync poller", syncPoller.Stop)

	// Reconciliation sweeper
	sweeper := reconcile.New(cfg.Reconcile, db, db, journal, logger)
	sweepPoller := poller.New(poller.Config{
		Name:     "reconcile",
		Interval: cfg.Reconcile.Interval,
		Timeout:  cfg.Reconcile.Interval,
	}, poller.TaskFunc(sweeper.RunTask), logger)
	if err := sweepPoller.Start(ctx); err != nil {
		return fmt.Errorf("start reconcile poller: %w", err)
	}
	defer stopWithTimeout(logger, "reconcile poller", sweepPoller.Stop)

	// Signal path
	guard := risk.NewGuard(cfg.Risk)
	orch := orchestrator.New(cfg.Execution, orchestrator.Deps{
		Watchlist: registry,
		Gate:      throttle.NewGate(db, cfg.Throttle, logger),
		Guard:     guard,
		Account:   adapter,
		Intents:   intents,
		Orders:    db,
		Executor:  executor,
		Notifier:  notifier,
		Journal:   journal,
	}, logger)

	srv := server.New(cfg.Server.Port, db, orch, guard, logger, health...)

	logger.Info("orchestrator running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// stopWithTimeout runs a component's Stop with a fresh deadline; the main
// context is already cancelled by the time deferred stops run.
func stopWithTimeout(logger *slog.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn("component did not stop cleanly", "component", name, "error", err)
	}
}
