// Package cache provides the reconstruction cache: a request-scoped map of
// fully loaded subscriptions carried in a context.
//
// A scope is opened with Enter and closed with the returned release function.
// Entering again inside an open scope reuses it; only the outermost release
// clears it. A scope belongs to one request and must not be shared between
// goroutines.
package cache

import (
	"context"

	"orchestrator/internal/subscription/models"
	id "orchestrator/pkg/domain"
)

type scopeKey struct{}

type scope struct {
	entries map[id.SubscriptionID]*models.Subscription
	hits    int
	misses  int
	closed  bool
}

func from(ctx context.Context) (*scope, bool) {
	sc, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok || sc.closed {
		return nil, false
	}
	return sc, true
}

// Enter opens a scope, or joins the one already in ctx. Always call release,
// typically with defer.
func Enter(ctx context.Context) (context.Context, func()) {
	if _, ok := from(ctx); ok {
		return ctx, func() {}
	}
	sc := &scope{entries: map[id.SubscriptionID]*models.Subscription{}}
	return context.WithValue(ctx, scopeKey{}, sc), func() {
		clear(sc.entries)
		sc.closed = true
	}
}

// Active reports whether ctx carries an open scope.
func Active(ctx context.Context) bool {
	_, ok := from(ctx)
	return ok
}

// Get returns the cached subscription when ctx carries a scope holding it.
func Get(ctx context.Context, subID id.SubscriptionID) (*models.Subscription, bool) {
	sc, ok := from(ctx)
	if !ok {
		return nil, false
	}
	sub, ok := sc.entries[subID]
	if ok {
		sc.hits++
	} else {
		sc.misses++
	}
	return sub, ok
}

// Put stores a whole subscription in the scope. Without a scope it is a no-op.
func Put(ctx context.Context, sub *models.Subscription) {
	if sc, ok := from(ctx); ok {
		sc.entries[sub.ID] = sub
	}
}

// Invalidate drops one entry from the scope.
func Invalidate(ctx context.Context, subID id.SubscriptionID) {
	if sc, ok := from(ctx); ok {
		delete(sc.entries, subID)
	}
}

// Stats reports lookups served and missed by the scope in ctx.
func Stats(ctx context.Context) (hits, misses int) {
	if sc, ok := from(ctx); ok {
		return sc.hits, sc.misses
	}
	return 0, 0
}
