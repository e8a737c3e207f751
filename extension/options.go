package extension

import (
	"log/slog"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/store"
)

// ExtOption configures the gatekeeper Forge extension.
type ExtOption func(*Extension)

// WithStore sets the persistence backend.
func WithStore(s store.Store) ExtOption {
	return func(e *Extension) {
		e.store = s
	}
}

// WithCache overrides the cache the extension would build from Config.
func WithCache(c gatekeeper.Cache) ExtOption {
	return func(e *Extension) {
		e.cache = c
	}
}

// WithConfig sets the extension configuration.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) {
		e.config = cfg
	}
}

// WithEngineOptions adds engine-level options.
func WithEngineOptions(opts ...gatekeeper.Option) ExtOption {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opts...)
	}
}

// WithPlugin registers a lifecycle hook plugin.
func WithPlugin(x plugin.Plugin) ExtOption {
	return func(e *Extension) {
		e.plugins = append(e.plugins, x)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ExtOption {
	return func(e *Extension) {
		e.logger = l
	}
}

// WithDisableMigrate disables auto-migration on start.
func WithDisableMigrate() ExtOption {
	return func(e *Extension) {
		e.config.DisableMigrate = true
	}
}

// WithGroveDriver builds the store from the container's *grove.DB using
// the named driver: "mongo", "postgres" or "sqlite".
func WithGroveDriver(driver string) ExtOption {
	return func(e *Extension) {
		e.config.GroveDriver = driver
	}
}
