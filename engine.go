package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/store"
)

const tracerName = "github.com/xraph/gatekeeper"

// Engine is the central permission engine. It owns the store, the
// effective-set cache and the role-forest snapshot, writes the audit
// ledger and fires plugin hooks.
type Engine struct {
	store   store.Store
	cache   Cache
	plugins *plugin.Registry
	logger  *slog.Logger
	config  Config
	tracer  trace.Tracer
	now     func() time.Time

	archiver AuditArchiver

	// Role-forest snapshot. graphGen changes on every reset so a build
	// that started earlier never gets published.
	graph    atomic.Pointer[graph]
	graphMu  sync.Mutex
	graphGen atomic.Uint64
	graphs   singleflight.Group

	// gen changes after every committed mutation. Cache fills made under
	// an older generation are dropped.
	gen    atomic.Uint64
	fillMu sync.RWMutex
	sets   singleflight.Group
}

// NewEngine creates a new engine with the given options.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger: slog.Default(),
		config: DefaultConfig(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		return nil, errors.New("gatekeeper: store is required")
	}
	e.config = e.config.withDefaults()
	return e, nil
}

// Store returns the underlying composite store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry (may be nil).
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Start checks the store and warms the role-forest snapshot.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return translate(err)
	}
	_, err := e.snapshot(ctx)
	return translate(err)
}

// Stop notifies plugins of shutdown.
func (e *Engine) Stop(ctx context.Context) error {
	if e.plugins != nil {
		e.plugins.EmitShutdown(ctx)
	}
	return nil
}

// Evaluate decides whether req.UserID may perform req.Action on
// req.ResourceType at req.Scope. This is the hot path.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "gatekeeper.Evaluate")
	defer span.End()

	if req == nil {
		return nil, fail(span, fmt.Errorf("%w: nil request", ErrMalformedRequest))
	}
	span.SetAttributes(
		attribute.String("gatekeeper.user_id", req.UserID),
		attribute.String("gatekeeper.resource_type", req.ResourceType),
		attribute.String("gatekeeper.action", req.Action),
		attribute.String("gatekeeper.scope", string(req.Scope)),
	)
	if err := validateStruct(req); err != nil {
		return nil, fail(span, err)
	}

	if e.plugins != nil {
		e.plugins.EmitBeforeEvaluate(ctx, req)
	}

	gen := e.gen.Load()
	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, fail(span, translate(err))
	}
	if !g.knownPair(req.ResourceType, req.Action) {
		return nil, fail(span, fmt.Errorf("%w: %s:%s", ErrUnknownResource, req.ResourceType, req.Action))
	}

	set, err := e.effectiveSet(ctx, g, req.UserID, gen)
	if err != nil {
		return nil, fail(span, translate(err))
	}

	dec := decide(g, set, req, conditionContext(ctx, req))
	dec.EvalTimeNs = time.Since(start).Nanoseconds()
	span.SetAttributes(
		attribute.Bool("gatekeeper.allowed", dec.Allowed),
		attribute.String("gatekeeper.reason", dec.Reason),
	)

	if e.plugins != nil {
		e.plugins.EmitAfterEvaluate(ctx, req, dec)
	}
	return dec, nil
}

// Enforce returns ErrAccessDenied, wrapped with the reason, if the
// request is not allowed.
func (e *Engine) Enforce(ctx context.Context, req *Request) error {
	dec, err := e.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		return fmt.Errorf("%w: %s", ErrAccessDenied, dec.Reason)
	}
	return nil
}

// ResolveEffectiveSet returns every active permission the user holds
// after inheritance and the direct overlay. Denials appear with
// IsGranted=false; conditional entries are flagged, not evaluated.
func (e *Engine) ResolveEffectiveSet(ctx context.Context, userID string) ([]EffectivePermission, error) {
	ctx, span := e.tracer.Start(ctx, "gatekeeper.ResolveEffectiveSet",
		trace.WithAttributes(attribute.String("gatekeeper.user_id", userID)))
	defer span.End()

	if userID == "" {
		return nil, fail(span, fmt.Errorf("%w: empty user id", ErrMalformedRequest))
	}
	gen := e.gen.Load()
	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, fail(span, translate(err))
	}
	set, err := e.effectiveSet(ctx, g, userID, gen)
	if err != nil {
		return nil, fail(span, translate(err))
	}
	return activeEntries(g, set.Entries), nil
}

// snapshot returns the current role-forest snapshot, rebuilding it when
// it was reset or is older than CacheTTL.
func (e *Engine) snapshot(ctx context.Context) (*graph, error) {
	if g := e.graph.Load(); g != nil && e.now().Sub(g.builtAt) < e.config.CacheTTL {
		return g, nil
	}
	gg := e.graphGen.Load()
	v, err, _ := e.graphs.Do(strconv.FormatUint(gg, 10), func() (any, error) {
		g, err := buildGraph(ctx, e.store, e.now())
		if err != nil {
			return nil, err
		}
		e.graphMu.Lock()
		if e.graphGen.Load() == gg {
			e.graph.Store(g)
		}
		e.graphMu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph), nil //nolint:errcheck // singleflight returns what the closure built
}

// effectiveSet serves a user's set from the cache or computes it.
// Concurrent computations for the same user and generation collapse into
// one; the result is cached only if no mutation committed meanwhile.
func (e *Engine) effectiveSet(ctx context.Context, g *graph, userID string, gen uint64) (*EffectiveSet, error) {
	if e.cache != nil {
		if set, ok := e.cache.Get(ctx, userID); ok && set.Fresh(e.now()) {
			return set, nil
		}
	}
	v, err, _ := e.sets.Do(userID+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		set, err := e.resolveSet(ctx, g, userID)
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			e.fillMu.RLock()
			if e.gen.Load() == gen {
				e.cache.Set(ctx, userID, set)
			}
			e.fillMu.RUnlock()
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EffectiveSet), nil //nolint:errcheck // singleflight returns what the closure built
}

// ──────────────────────────────────────────────────
// Mutations
// ──────────────────────────────────────────────────

// change describes a committed mutation: its audit record, the cache
// entries it invalidates and the plugin hook to fire.
type change struct {
	entityType string
	entityID   string
	action     string
	before     any
	after      any

	users []string // users whose effective sets changed
	all   bool     // every cached set is stale
	graph bool     // roles, role grants or catalog changed

	notify func(ctx context.Context, r *plugin.Registry)
	entry  *audit.Entry
}

// commit runs fn in a transaction and appends the audit entry for the
// change it returns in the same transaction. A nil change means nothing
// happened: no audit entry, no invalidation. Invalidation completes
// before commit returns.
func (e *Engine) commit(ctx context.Context, op string, fn func(ctx context.Context, tx store.Store) (*change, error)) error {
	ctx, span := e.tracer.Start(ctx, "gatekeeper."+op)
	defer span.End()

	var ch *change
	err := e.store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		c, err := fn(ctx, tx)
		if err != nil || c == nil {
			return err
		}
		actorID, actorIP := actorFromContext(ctx)
		c.entry = &audit.Entry{
			ID:         id.NewAuditID(),
			EntityType: c.entityType,
			EntityID:   c.entityID,
			Action:     c.action,
			ActorID:    actorID,
			ActorIP:    actorIP,
			Before:     audit.Snapshot(c.before),
			After:      audit.Snapshot(c.after),
			CreatedAt:  e.now().UTC(),
		}
		if err := tx.AppendAudit(ctx, c.entry); err != nil {
			return err
		}
		ch = c
		return nil
	})
	if err != nil {
		return fail(span, translate(err))
	}
	if ch == nil {
		return nil
	}

	e.invalidate(ctx, ch)
	span.SetAttributes(
		attribute.String("gatekeeper.entity_type", ch.entityType),
		attribute.String("gatekeeper.entity_id", ch.entityID),
	)
	e.logger.Debug("gatekeeper: mutation committed",
		slog.String("op", op),
		slog.String("entity_type", ch.entityType),
		slog.String("entity_id", ch.entityID),
		slog.String("action", ch.action),
	)

	if e.plugins != nil {
		e.plugins.EmitAuditRecorded(ctx, ch.entry)
		if ch.notify != nil {
			ch.notify(ctx, e.plugins)
		}
	}
	return nil
}

// invalidate drops the snapshot and cached sets affected by ch. Holding
// fillMu while bumping gen makes in-flight fills observe the new
// generation before they can write.
func (e *Engine) invalidate(ctx context.Context, ch *change) {
	if ch.graph {
		e.graphMu.Lock()
		e.graphGen.Add(1)
		e.graph.Store(nil)
		e.graphMu.Unlock()
	}

	e.fillMu.Lock()
	defer e.fillMu.Unlock()
	e.gen.Add(1)
	if e.cache == nil {
		return
	}
	if ch.all {
		e.cache.InvalidateAll(ctx)
		return
	}
	if len(ch.users) > 0 {
		e.cache.Invalidate(ctx, ch.users...)
	}
}

// fail records err on span and returns it.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
