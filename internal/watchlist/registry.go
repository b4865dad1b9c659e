package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/signal-exec/internal/config"
	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/poller"
)

// Registry is the in-memory watchlist.
type Registry struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	items    map[string]model.WatchlistItem
	loadedAt time.Time

	poller *poller.Poller
}

// NewRegistry creates a registry over source. interval <= 0 disables
// background refresh.
func NewRegistry(source Source, interval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source:   source,
		interval: interval,
		logger:   logger,
		items:    make(map[string]model.WatchlistItem),
	}
}

// SourceFor picks the configured source.
func SourceFor(cfg config.WatchlistConfig, db Source) Source {
	if cfg.FromDatabase && db != nil {
		return db
	}
	return Static(cfg.Items)
}

// Start loads the watchlist (blocking) and begins background refresh.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("initial watchlist load: %w", err)
	}

	if r.interval > 0 {
		r.poller = poller.New(poller.Config{
			Name:     "watchlist",
			Interval: r.interval,
			Timeout:  r.interval,
		}, poller.TaskFunc(r.Refresh), r.logger)
		if err := r.poller.Start(ctx); err != nil {
			return fmt.Errorf("start watchlist refresh: %w", err)
		}
	}

	r.logger.Info("watchlist registry started", "symbols", r.Len())
	return nil
}

// Stop halts background refresh.
func (r *Registry) Stop(ctx context.Context) error {
	if r.poller == nil {
		return nil
	}
	return r.poller.Stop(ctx)
}

// Refresh reloads every item from the source and swaps the in-memory set.
func (r *Registry) Refresh(ctx context.Context) error {
	items, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}

	next := make(map[string]model.WatchlistItem, len(items))
	for _, item := range items {
		if item.Symbol == "" {
			continue
		}
		next[item.Symbol] = item
	}

	r.mu.Lock()
	added, removed, changed := diff(r.items, next)
	r.items = next
	r.loadedAt = time.Now()
	r.mu.Unlock()

	if len(added)+len(removed)+len(changed) > 0 {
		r.logger.Info("watchlist changed",
			"added", added,
			"removed", removed,
			"changed", changed,
		)
	}
	return nil
}

// Get returns the item for symbol or an error wrapping model.ErrUnknownSymbol.
func (r *Registry) Get(symbol string) (model.WatchlistItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[symbol]
	if !ok {
		return model.WatchlistItem{}, fmt.Errorf("%w: %s", model.ErrUnknownSymbol, symbol)
	}
	return item, nil
}

// Symbols returns the watched symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.items))
	for symbol := range r.items {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of watched symbols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// LoadedAt returns when the last successful refresh finished.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

func diff(old, next map[string]model.WatchlistItem) (added, removed, changed []string) {
	for symbol, item := range next {
		prev, ok := old[symbol]
		switch {
		case !ok:
			added = append(added, symbol)
		case !sameItem(prev, item):
			changed = append(changed, symbol)
		}
	}
	for symbol := range old {
		if _, ok := next[symbol]; !ok {
			removed = append(removed, symbol)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

func sameItem(a, b model.WatchlistItem) bool {
	return a.StrategyKey == b.StrategyKey &&
		a.Flags() == b.Flags() &&
		a.TradeEnabled == b.TradeEnabled &&
		a.TradeOnMargin == b.TradeOnMargin &&
		a.Leverage == b.Leverage &&
		a.AmountUSD.Equal(b.AmountUSD)
}
