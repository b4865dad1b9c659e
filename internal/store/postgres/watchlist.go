package postgres

import (
	"context"
	"fmt"

	"github.com/rickgao/signal-exec/internal/model"
)

// ListWatchlist returns every watchlist item ordered by symbol.
func (s *Store) ListWatchlist(ctx context.Context) ([]model.WatchlistItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, strategy_key, alert_enabled, buy_alert_enabled, sell_alert_enabled,
		       trade_enabled, trade_on_margin, leverage, amount_usd::text
		FROM watchlist_items
		ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query watchlist: %w", err)
	}
	defer rows.Close()

	var out []model.WatchlistItem
	for rows.Next() {
		var (
			item   model.WatchlistItem
			amount string
		)
		if err := rows.Scan(&item.Symbol, &item.StrategyKey, &item.AlertEnabled, &item.BuyAlertEnabled,
			&item.SellAlertEnabled, &item.TradeEnabled, &item.TradeOnMargin, &item.Leverage, &amount); err != nil {
			return nil, fmt.Errorf("scan watchlist item: %w", err)
		}
		if item.AmountUSD, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("parse amount_usd for %s: %w", item.Symbol, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
