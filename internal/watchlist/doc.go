// Package watchlist holds the per-symbol trading switches in memory.
//
// Items come from the watchlist_items table or from static config. The
// registry loads them once at Start and then refreshes on an interval,
// logging symbols that were added, removed or changed.
package watchlist
