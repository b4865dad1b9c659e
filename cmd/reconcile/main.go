// reconcile runs one reconciliation sweep and exits 0 only when no stale
// intent is left without an exchange order.
//
// Usage: reconcile -config configs/orchestrator.local.yaml -grace 5m
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

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/database"
	"github.com/rickgao/signal-exec/internal/reconcile"
	"github.com/rickgao/signal-exec/internal/store/postgres"
	"github.com/rickgao/signal-exec/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.local.yaml", "path to config file")
	grace := flag.Duration("grace", reconcile.DefaultGracePeriod, "only intents older than this are swept")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	unresolved, err := run(*configPath, *grace, logger)
	if err != nil {
		logger.Error("reconcile failed", "error", err)
		os.Exit(2)
	}
	if unresolved > 0 {
		os.Exit(1)
	}
}

func run(configPath string, grace time.Duration, logger *slog.Logger) (int, error) {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return 0, fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	db := postgres.New(pool, logger)
	sweeper := reconcile.New(cfg.Reconcile, db, db, nil, logger)

	logger.Info("starting reconciliation sweep", "version", version.String(), "grace", grace)
	res, err := sweeper.Sweep(ctx, grace)
	if err != nil {
		return 0, err
	}

	fmt.Printf("checked=%d marked=%d healed=%d unresolved=%d\n",
		res.Checked, res.Marked, res.Healed, res.Unresolved)
	return res.Unresolved, nil
}
