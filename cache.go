package gatekeeper

import "context"

// Cache stores resolved effective sets per user. Implementations live in
// the cache package. The engine invalidates synchronously after every
// committed mutation.
type Cache interface {
	// Get returns a cached effective set, if available.
	Get(ctx context.Context, userID string) (*EffectiveSet, bool)

	// Set stores an effective set.
	Set(ctx context.Context, userID string, set *EffectiveSet)

	// Invalidate removes the cached sets of the given users.
	Invalidate(ctx context.Context, userIDs ...string)

	// InvalidateAll removes every cached set.
	InvalidateAll(ctx context.Context)
}
