// streamtest connects to the Binance futures user-data stream and prints
// decoded order events to the console.
// Usage: go run ./cmd/streamtest --config configs/orchestrator.local.yaml
//
// Required environment variables (referenced from the config file):
//
//	BINANCE_API_KEY    - API key with futures permission
//	BINANCE_SECRET_KEY - Matching secret key
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/exchange"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config; risk thresholds are irrelevant here
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
		logger.Error("API credentials required for the user-data stream",
			"api_key_set", cfg.Exchange.APIKey != "",
			"secret_key_set", cfg.Exchange.SecretKey != "",
		)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	adapter := exchange.New(cfg.Exchange, exchange.WithLogger(logger))

	listenerCfg := stream.ListenerConfigFrom(cfg.Exchange, cfg.Sync)
	listener := stream.NewListener(listenerCfg, adapter, logger)

	logger.Info("starting user-data stream", "url", listenerCfg.BaseURL, "testnet", cfg.Exchange.Testnet)
	if err := listener.Start(ctx); err != nil {
		logger.Error("failed to start listener", "error", err)
		os.Exit(1)
	}

	go printEvents(ctx, listener, *verbose, logger)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := listener.Stats()
				logger.Info("stats",
					"connected", st.Connected,
					"reconnects", st.Reconnects,
					"decode_errors", st.DecodeErrors,
					"buffered", st.Buffered,
					"dropped", st.Dropped,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := listener.Stop(shutdownCtx); err != nil {
		logger.Warn("listener stop", "error", err)
	}

	logger.Info("shutdown complete")
}

func printEvents(ctx context.Context, src *stream.Listener, verbose bool, logger *slog.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := src.FetchEvents(ctx)
			if err != nil {
				logger.Warn("fetch events", "error", err)
				continue
			}
			for _, ev := range events {
				printEvent(ev, verbose)
			}
		}
	}
}

func printEvent(ev model.ExchangeEvent, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Printf("[ORDER] %s\n", data)
		return
	}
	fmt.Printf("[ORDER] %s %s %s %s status=%s qty=%s/%s avg=%s key=%s\n",
		ev.Symbol, ev.Side, ev.OrderType, ev.ExchangeOrderID, ev.Status,
		ev.CumulativeQuantity, ev.Quantity, ev.AvgPrice, ev.DedupKey())
}
