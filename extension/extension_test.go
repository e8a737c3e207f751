package extension

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/cache"
	"github.com/xraph/gatekeeper/store/memory"
)

func TestNewAppliesDefaultsAndOptions(t *testing.T) {
	e := New(WithDisableMigrate())
	if e.Name() != ExtensionName {
		t.Fatalf("unexpected name %q", e.Name())
	}
	if !e.config.DisableMigrate || e.config.CacheSize != 10000 {
		t.Fatalf("unexpected config %+v", e.config)
	}

	cfg := e.config.engineConfig()
	if cfg.DirectGrantMode != gatekeeper.DirectGrantReplace || cfg.CacheTTL != time.Minute {
		t.Fatalf("unexpected engine config %+v", cfg)
	}
}

func TestLifecycleBeforeRegister(t *testing.T) {
	e := New()
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail before register")
	}
	if err := e.Health(context.Background()); err == nil {
		t.Fatal("expected health to fail before register")
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestResolveCache(t *testing.T) {
	explicit := cache.NewMemory()
	if got := New(WithCache(explicit)).resolveCache(nil, nil); got != explicit {
		t.Fatal("explicit cache should win")
	}

	cfg := DefaultConfig()
	cfg.DisableCache = true
	if got := New(WithConfig(cfg)).resolveCache(nil, nil); got != nil {
		t.Fatal("disabled cache should resolve to nil")
	}

	if _, ok := New().resolveCache(nil, nil).(*cache.LRU); !ok {
		t.Fatal("default cache should be the in-process LRU")
	}
}

func TestResolveExplicitStore(t *testing.T) {
	s := memory.New()
	got, err := New(WithStore(s)).resolveStore(nil)
	if err != nil || got != s {
		t.Fatalf("expected explicit store, got %v %v", got, err)
	}
}

func TestGroveStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := groveStore("oracle", nil); err == nil {
		t.Fatal("expected unknown grove driver to fail")
	}
	if e := New(WithGroveDriver("sqlite")); e.config.GroveDriver != "sqlite" {
		t.Fatalf("unexpected grove driver %q", e.config.GroveDriver)
	}
}
