package gatekeeper

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/store"
)

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithStore sets the composite store.
func WithStore(s store.Store) Option { return func(e *Engine) { e.store = s } }

// WithCache sets the effective-set cache.
func WithCache(c Cache) Option { return func(e *Engine) { e.cache = c } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithConfig sets the engine configuration.
func WithConfig(c Config) Option { return func(e *Engine) { e.config = c } }

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithClock overrides the time source used for expiry checks and audit
// timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithAuditArchiver copies entries to a before PurgeAudit deletes them.
func WithAuditArchiver(a AuditArchiver) Option { return func(e *Engine) { e.archiver = a } }

// WithPlugin registers a plugin with the engine.
func WithPlugin(x plugin.Plugin) Option {
	return func(e *Engine) {
		if e.plugins == nil {
			e.plugins = plugin.NewRegistry(e.logger)
		}
		e.plugins.Register(x)
	}
}
