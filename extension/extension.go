// Package extension provides a Forge extension entry point for gatekeeper.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/cache"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/plugin/metrics"
	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/store/mongo"
	"github.com/xraph/gatekeeper/store/postgres"
	"github.com/xraph/gatekeeper/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "gatekeeper"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Hierarchical RBAC permission engine with scoped grants and audit"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts gatekeeper as a Forge extension.
type Extension struct {
	config     Config
	eng        *gatekeeper.Engine
	store      store.Store
	cache      gatekeeper.Cache
	logger     *slog.Logger
	engineOpts []gatekeeper.Option
	plugins    []plugin.Plugin
}

// New creates a gatekeeper Forge extension with the given options.
func New(opts ...ExtOption) *Extension {
	e := &Extension{config: DefaultConfig()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the extension name.
func (e *Extension) Name() string { return ExtensionName }

// Description returns the extension description.
func (e *Extension) Description() string { return ExtensionDescription }

// Version returns the extension version.
func (e *Extension) Version() string { return ExtensionVersion }

// Dependencies returns the list of extension names this extension depends on.
func (e *Extension) Dependencies() []string { return []string{} }

// Engine returns the underlying engine.
func (e *Extension) Engine() *gatekeeper.Engine { return e.eng }

// Register implements [forge.Extension]. It initializes the engine and
// registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.init(fapp); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*gatekeeper.Engine, error) {
		return e.eng, nil
	}); err != nil {
		return fmt.Errorf("gatekeeper: register engine in container: %w", err)
	}

	return nil
}

func (e *Extension) init(fapp forge.App) error {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := e.resolveStore(fapp)
	if err != nil {
		return err
	}

	opts := make([]gatekeeper.Option, 0, len(e.engineOpts)+len(e.plugins)+5)
	opts = append(opts,
		gatekeeper.WithLogger(logger),
		gatekeeper.WithStore(s),
		gatekeeper.WithConfig(e.config.engineConfig()),
	)
	if ch := e.resolveCache(fapp, logger); ch != nil {
		opts = append(opts, gatekeeper.WithCache(ch))
	}
	if e.config.Metrics {
		opts = append(opts, gatekeeper.WithPlugin(metrics.New(prometheus.DefaultRegisterer)))
	}
	for _, x := range e.plugins {
		opts = append(opts, gatekeeper.WithPlugin(x))
	}
	// User-provided options go last so they can override the above.
	opts = append(opts, e.engineOpts...)

	eng, err := gatekeeper.NewEngine(opts...)
	if err != nil {
		return fmt.Errorf("gatekeeper: create engine: %w", err)
	}
	e.eng = eng
	return nil
}

// resolveStore prefers an explicit store, then a store.Store from the
// container, then a grove-backed store over the container's *grove.DB.
func (e *Extension) resolveStore(fapp forge.App) (store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	if s, err := forge.Inject[store.Store](fapp.Container()); err == nil {
		return s, nil
	}
	if e.config.GroveDriver != "" {
		db, err := forge.Inject[*grove.DB](fapp.Container())
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: resolve grove database: %w", err)
		}
		return groveStore(e.config.GroveDriver, db)
	}
	return nil, errors.New("gatekeeper: no store configured")
}

// groveStore wraps db in the store for its driver.
func groveStore(driver string, db *grove.DB) (store.Store, error) {
	switch driver {
	case "mongo":
		return mongo.New(db), nil
	case "postgres":
		return postgres.New(db), nil
	case "sqlite":
		return sqlite.New(db), nil
	default:
		return nil, fmt.Errorf("gatekeeper: unknown grove driver %q (want mongo, postgres or sqlite)", driver)
	}
}

func (e *Extension) resolveCache(fapp forge.App, logger *slog.Logger) gatekeeper.Cache {
	switch {
	case e.cache != nil:
		return e.cache
	case e.config.DisableCache:
		return nil
	case e.config.SharedCache:
		if client, err := forge.Inject[*redis.Client](fapp.Container()); err == nil {
			return cache.NewRedis(client, cache.WithRedisTTL(e.config.CacheTTL), cache.WithRedisLogger(logger))
		}
		logger.Warn("gatekeeper: shared cache requested but no redis client registered; using in-process cache")
	}
	return cache.NewLRU(e.config.CacheSize, e.config.CacheTTL)
}

// Start runs migrations if enabled and starts the engine.
func (e *Extension) Start(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("gatekeeper: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.eng.Store().Migrate(ctx); err != nil {
			return fmt.Errorf("gatekeeper: migration failed: %w", err)
		}
	}

	return e.eng.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (e *Extension) Stop(ctx context.Context) error {
	if e.eng == nil {
		return nil
	}
	return e.eng.Stop(ctx)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("gatekeeper: extension not initialized")
	}
	return e.eng.Store().Ping(ctx)
}
