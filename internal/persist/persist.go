// Package persist defines the boundary to the persistent
// principal→symbol subscription store: the data plane depends only on
// this interface, never on a specific row-store driver.
package persist

import (
	"context"

	"github.com/yitech/marketfeed/internal/market"
)

// SubscriptionStore mirrors which principals want which symbols across
// process restarts. Subscriptions are soft-deleted: Unsubscribe flips
// is_active rather than removing the row, so re-subscribing is a cheap
// reactivation and history (last_active_at) survives.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, principal market.Principal, symbol market.Symbol) error
	Unsubscribe(ctx context.Context, principal market.Principal, symbol market.Symbol) error
	UserSubscriptions(ctx context.Context, principal market.Principal) ([]market.Symbol, error)

	// ActiveSymbols returns every symbol with at least one active
	// subscriber. When useCache is true and the last refresh is under
	// 60s old, the cached view is returned without hitting the store.
	ActiveSymbols(ctx context.Context, useCache bool) ([]market.Symbol, error)

	SubscriberCount(ctx context.Context, symbol market.Symbol) (int, error)

	// CanUnsubscribeFromUpstream reports whether symbol has zero active
	// subscribers and is therefore safe to drop from the upstream feed.
	CanUnsubscribeFromUpstream(ctx context.Context, symbol market.Symbol) (bool, error)

	Close() error
}
