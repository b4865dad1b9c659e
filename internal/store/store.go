// Package store defines the durable storage contracts of the execution core.
//
// Correctness of at-most-once placement rests on the store, never on
// in-process locks: CreateIntent must be an atomic insert-or-fetch under a
// unique key, UpdateThrottle must serialize per (symbol, strategy), and
// ApplyEvent must record the dedup ledger entry and the order update in one
// transaction. The postgres package implements these contracts for
// production; the memory package emulates them for tests.
package store

import (
	"context"
	"time"

	"github.com/rickgao/signal-exec/internal/model"
)

// Intents persists OrderIntents.
type Intents interface {
	// CreateIntent inserts in with status PENDING. When the idempotency key
	// already exists it returns the stored row and created=false.
	CreateIntent(ctx context.Context, in model.OrderIntent) (intent model.OrderIntent, created bool, err error)

	// GetIntent returns model.ErrNotFound when the key is unknown.
	GetIntent(ctx context.Context, key string) (model.OrderIntent, error)

	// TransitionIntent moves the intent to status to. Re-applying a status,
	// or leaving a terminal status, returns the unchanged row with
	// changed=false. Illegal moves return model.ErrInvalidTransition.
	TransitionIntent(ctx context.Context, key string, to model.IntentStatus, orderID, errMsg string) (intent model.OrderIntent, changed bool, err error)

	// ListStaleIntents returns open intents created before cutoff, oldest first.
	ListStaleIntents(ctx context.Context, cutoff time.Time, limit int) ([]model.OrderIntent, error)

	// CountUnresolved counts open intents created before cutoff that have no
	// matching exchange order.
	CountUnresolved(ctx context.Context, cutoff time.Time) (int, error)
}

// ThrottlePair holds both side rows of one (symbol, strategy). A nil
// entry means no row exists yet.
type ThrottlePair struct {
	Buy  *model.ThrottleState
	Sell *model.ThrottleState
}

// Side returns the row for side.
func (p ThrottlePair) Side(side model.Side) *model.ThrottleState {
	if side == model.SideSell {
		return p.Sell
	}
	return p.Buy
}

// ThrottleFunc decides on a locked ThrottlePair. A non-nil state is
// written back; nil leaves storage untouched.
type ThrottleFunc func(pair ThrottlePair) (*model.ThrottleState, error)

// Throttle persists SignalThrottleState rows.
type Throttle interface {
	// UpdateThrottle runs fn while holding the per (symbol, strategy) lock.
	UpdateThrottle(ctx context.Context, symbol, strategyKey string, fn ThrottleFunc) error

	// SetForceNext arms the one-shot force flag for key, creating the row
	// when needed.
	SetForceNext(ctx context.Context, key model.ThrottleKey) error
}

// ApplyResult reports what ApplyEvent did with an event.
type ApplyResult struct {
	Duplicate   bool // ledger already held the event; nothing changed
	Stale       bool // older than the stored order; ledger recorded, order untouched
	NewlyFilled bool // the order moved to FILLED with this event
	Order       model.ExchangeOrder
}

// Orders persists ExchangeOrders and the dedup ledger.
type Orders interface {
	// ApplyEvent records the event in the dedup ledger and applies it to the
	// matching order inside one transaction.
	ApplyEvent(ctx context.Context, ev model.ExchangeEvent) (ApplyResult, error)

	// RecordOrder upserts an order placed by this process.
	RecordOrder(ctx context.Context, o model.ExchangeOrder) error

	// GetOrder returns model.ErrNotFound when the order is unknown.
	GetOrder(ctx context.Context, exchangeOrderID string) (model.ExchangeOrder, error)

	// FindOrderForIntent looks up the exchange order of an intent by order
	// id, then client order id, then signal id. It returns nil when none
	// exists.
	FindOrderForIntent(ctx context.Context, in model.OrderIntent) (*model.ExchangeOrder, error)

	// ListUnnotifiedFills returns filled ENTRY orders whose fill
	// notification has not been claimed.
	ListUnnotifiedFills(ctx context.Context, limit int) ([]model.ExchangeOrder, error)

	// ClaimNotification sets execution_notified_at if it is still unset and
	// reports whether this caller won the claim.
	ClaimNotification(ctx context.Context, exchangeOrderID string, at time.Time) (bool, error)

	// ReleaseNotification clears a claim after a failed send.
	ReleaseNotification(ctx context.Context, exchangeOrderID string) error
}

// Watchlist reads watchlist items.
type Watchlist interface {
	ListWatchlist(ctx context.Context) ([]model.WatchlistItem, error)
}
