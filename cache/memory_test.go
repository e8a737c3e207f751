package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/gatekeeper"
)

func newSet(userID string) *gatekeeper.EffectiveSet {
	return &gatekeeper.EffectiveSet{UserID: userID, ComputedAt: time.Now()}
}

func TestMemoryCacheHitMiss(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(WithTTL(time.Minute))

	if _, ok := c.Get(ctx, "u1"); ok {
		t.Fatal("expected cache miss")
	}

	c.Set(ctx, "u1", newSet("u1"))
	got, ok := c.Get(ctx, "u1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.UserID != "u1" {
		t.Fatalf("unexpected set for %q", got.UserID)
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(WithTTL(1 * time.Millisecond))

	c.Set(ctx, "u1", newSet("u1"))
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(ctx, "u1"); ok {
		t.Fatal("expected cache miss after TTL expiry")
	}
	if c.Len() != 0 {
		t.Fatal("expired entry not dropped on read")
	}
}

func TestMemoryCacheHonoursValidUntil(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(WithTTL(time.Hour))

	set := newSet("u1")
	until := time.Now().Add(2 * time.Millisecond)
	set.ValidUntil = &until
	c.Set(ctx, "u1", set)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(ctx, "u1"); ok {
		t.Fatal("set served past its earliest assignment expiry")
	}
}

func TestMemoryCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	c.Set(ctx, "u1", newSet("u1"))
	c.Set(ctx, "u2", newSet("u2"))
	c.Set(ctx, "u3", newSet("u3"))

	c.Invalidate(ctx, "u1", "u2")

	if _, ok := c.Get(ctx, "u1"); ok {
		t.Fatal("u1 should be invalidated")
	}
	if _, ok := c.Get(ctx, "u2"); ok {
		t.Fatal("u2 should be invalidated")
	}
	if _, ok := c.Get(ctx, "u3"); !ok {
		t.Fatal("u3 should still be cached")
	}

	c.InvalidateAll(ctx)
	if c.Len() != 0 {
		t.Fatal("expected empty cache")
	}
}

func TestMemoryCacheMaxSize(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(WithMaxSize(2))

	for i := range 5 {
		u := fmt.Sprintf("u%d", i)
		c.Set(ctx, u, newSet(u))
	}

	if n := c.Len(); n > 2 {
		t.Fatalf("expected max 2 entries, got %d", n)
	}
	if _, ok := c.Get(ctx, "u4"); !ok {
		t.Fatal("latest entry should be cached")
	}
}

func TestMemoryCacheBehindEngine(t *testing.T) {
	testCacheBehindEngine(t, NewMemory())
}
