// Package cache provides Cache implementations for gatekeeper effective
// sets: a bounded in-process map, an expirable LRU and a shared Redis
// cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/gatekeeper"
)

// Compile-time interface check.
var _ gatekeeper.Cache = (*Memory)(nil)

// Memory is an in-memory cache with TTL-based expiration.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	maxSize int
}

type entry struct {
	set       *gatekeeper.EffectiveSet
	expiresAt time.Time
}

// MemoryOption configures the memory cache.
type MemoryOption func(*Memory)

// WithTTL sets the cache entry time-to-live.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = ttl }
}

// WithMaxSize sets the maximum number of cached users.
func WithMaxSize(n int) MemoryOption {
	return func(m *Memory) { m.maxSize = n }
}

// NewMemory creates a new in-memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*entry),
		ttl:     time.Minute,
		maxSize: 10000,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a user's cached effective set.
func (m *Memory) Get(_ context.Context, userID string) (*gatekeeper.EffectiveSet, bool) {
	m.mu.RLock()
	e, ok := m.entries[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.entries[userID]; ok && cur == e {
			delete(m.entries, userID)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.set, true
}

// Set stores a user's effective set. The entry expires after the TTL or
// when the set's earliest assignment expiry passes, whichever comes first.
func (m *Memory) Set(_ context.Context, userID string, set *gatekeeper.EffectiveSet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[userID]; !exists && len(m.entries) >= m.maxSize {
		m.evictExpired()
		if len(m.entries) >= m.maxSize {
			m.evictOne()
		}
	}

	m.entries[userID] = &entry{
		set:       set,
		expiresAt: expiry(time.Now(), m.ttl, set),
	}
}

// Invalidate removes the cached sets of the given users.
func (m *Memory) Invalidate(_ context.Context, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range userIDs {
		delete(m.entries, u)
	}
}

// InvalidateAll removes every cached set.
func (m *Memory) InvalidateAll(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

// Len returns the number of cached users, expired entries included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// evictExpired removes all expired entries. Must hold write lock.
func (m *Memory) evictExpired() {
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// evictOne removes the entry closest to expiry. Must hold write lock.
func (m *Memory) evictOne() {
	var (
		victim string
		first  time.Time
	)
	for k, e := range m.entries {
		if victim == "" || e.expiresAt.Before(first) {
			victim, first = k, e.expiresAt
		}
	}
	delete(m.entries, victim)
}

// expiry caps now+ttl at the set's ValidUntil.
func expiry(now time.Time, ttl time.Duration, set *gatekeeper.EffectiveSet) time.Time {
	at := now.Add(ttl)
	if set != nil && set.ValidUntil != nil && set.ValidUntil.Before(at) {
		at = *set.ValidUntil
	}
	return at
}
