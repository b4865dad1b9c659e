package watchlist

import (
	"context"

	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/store"
)

// Source loads the full watchlist.
type Source interface {
	Load(ctx context.Context) ([]model.WatchlistItem, error)
}

// Static serves a fixed item list, typically from config.
type Static []model.WatchlistItem

// Load returns a copy of the items.
func (s Static) Load(context.Context) ([]model.WatchlistItem, error) {
	out := make([]model.WatchlistItem, len(s))
	copy(out, s)
	return out, nil
}

// StoreSource reads items through store.Watchlist.
type StoreSource struct {
	Store store.Watchlist
}

// Load returns the items currently stored.
func (s StoreSource) Load(ctx context.Context) ([]model.WatchlistItem, error) {
	return s.Store.ListWatchlist(ctx)
}
