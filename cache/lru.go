package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xraph/gatekeeper"
)

// Compile-time interface check.
var _ gatekeeper.Cache = (*LRU)(nil)

// LRU is a size-bounded in-process cache that evicts the least recently
// used user once full and expires entries after a fixed TTL.
type LRU struct {
	cache *lru.LRU[string, *gatekeeper.EffectiveSet]
}

// NewLRU creates an LRU cache holding at most size users for ttl.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LRU{cache: lru.NewLRU[string, *gatekeeper.EffectiveSet](size, nil, ttl)}
}

// Get returns a user's cached effective set. A set whose earliest
// assignment expiry has passed is dropped.
func (c *LRU) Get(_ context.Context, userID string) (*gatekeeper.EffectiveSet, bool) {
	set, ok := c.cache.Get(userID)
	if !ok {
		return nil, false
	}
	if !set.Fresh(time.Now()) {
		c.cache.Remove(userID)
		return nil, false
	}
	return set, true
}

// Set stores a user's effective set.
func (c *LRU) Set(_ context.Context, userID string, set *gatekeeper.EffectiveSet) {
	c.cache.Add(userID, set)
}

// Invalidate removes the cached sets of the given users.
func (c *LRU) Invalidate(_ context.Context, userIDs ...string) {
	for _, u := range userIDs {
		c.cache.Remove(u)
	}
}

// InvalidateAll removes every cached set.
func (c *LRU) InvalidateAll(_ context.Context) {
	c.cache.Purge()
}

// Len returns the number of cached users.
func (c *LRU) Len() int { return c.cache.Len() }
