package plugin

import (
	"context"
	"log/slog"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/template"
)

// entry pairs a hook with the plugin name for logging.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered plugins and dispatches lifecycle events.
// It type-caches plugins at registration time so emit calls iterate
// only over plugins implementing the relevant hook.
type Registry struct {
	plugins []Plugin
	logger  *slog.Logger

	beforeEvaluate     []entry[BeforeEvaluate]
	afterEvaluate      []entry[AfterEvaluate]
	permissionCreated  []entry[PermissionCreated]
	permissionUpdated  []entry[PermissionUpdated]
	permissionDeleted  []entry[PermissionDeleted]
	roleCreated        []entry[RoleCreated]
	roleUpdated        []entry[RoleUpdated]
	roleDeleted        []entry[RoleDeleted]
	permissionGranted  []entry[PermissionGranted]
	permissionRevoked  []entry[PermissionRevoked]
	roleAssigned       []entry[RoleAssigned]
	roleUnassigned     []entry[RoleUnassigned]
	directGrantWritten []entry[DirectGrantWritten]
	directGrantRevoked []entry[DirectGrantRevoked]
	templateApplied    []entry[TemplateApplied]
	auditRecorded      []entry[AuditRecorded]
	shutdown           []entry[Shutdown]
}

// NewRegistry creates a plugin registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// cache appends p to list when it implements H.
func cache[H any](list []entry[H], name string, p Plugin) []entry[H] {
	if h, ok := p.(H); ok {
		return append(list, entry[H]{name, h})
	}
	return list
}

// Register adds a plugin and type-asserts it into all applicable
// hook caches. Plugins are notified in registration order.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
	name := p.Name()

	r.beforeEvaluate = cache(r.beforeEvaluate, name, p)
	r.afterEvaluate = cache(r.afterEvaluate, name, p)
	r.permissionCreated = cache(r.permissionCreated, name, p)
	r.permissionUpdated = cache(r.permissionUpdated, name, p)
	r.permissionDeleted = cache(r.permissionDeleted, name, p)
	r.roleCreated = cache(r.roleCreated, name, p)
	r.roleUpdated = cache(r.roleUpdated, name, p)
	r.roleDeleted = cache(r.roleDeleted, name, p)
	r.permissionGranted = cache(r.permissionGranted, name, p)
	r.permissionRevoked = cache(r.permissionRevoked, name, p)
	r.roleAssigned = cache(r.roleAssigned, name, p)
	r.roleUnassigned = cache(r.roleUnassigned, name, p)
	r.directGrantWritten = cache(r.directGrantWritten, name, p)
	r.directGrantRevoked = cache(r.directGrantRevoked, name, p)
	r.templateApplied = cache(r.templateApplied, name, p)
	r.auditRecorded = cache(r.auditRecorded, name, p)
	r.shutdown = cache(r.shutdown, name, p)
}

// Plugins returns all registered plugins.
func (r *Registry) Plugins() []Plugin { return r.plugins }

// emit calls fn for every cached hook and logs failures.
func emit[H any](r *Registry, list []entry[H], hook string, fn func(H) error) {
	for _, e := range list {
		if err := fn(e.hook); err != nil {
			r.logHookError(hook, e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Evaluation emitters
// ──────────────────────────────────────────────────

// EmitBeforeEvaluate notifies all plugins that implement BeforeEvaluate.
func (r *Registry) EmitBeforeEvaluate(ctx context.Context, req any) {
	emit(r, r.beforeEvaluate, "OnBeforeEvaluate", func(h BeforeEvaluate) error {
		return h.OnBeforeEvaluate(ctx, req)
	})
}

// EmitAfterEvaluate notifies all plugins that implement AfterEvaluate.
func (r *Registry) EmitAfterEvaluate(ctx context.Context, req, decision any) {
	emit(r, r.afterEvaluate, "OnAfterEvaluate", func(h AfterEvaluate) error {
		return h.OnAfterEvaluate(ctx, req, decision)
	})
}

// ──────────────────────────────────────────────────
// Catalog emitters
// ──────────────────────────────────────────────────

// EmitPermissionCreated notifies all plugins that implement PermissionCreated.
func (r *Registry) EmitPermissionCreated(ctx context.Context, p *permission.Permission) {
	emit(r, r.permissionCreated, "OnPermissionCreated", func(h PermissionCreated) error {
		return h.OnPermissionCreated(ctx, p)
	})
}

// EmitPermissionUpdated notifies all plugins that implement PermissionUpdated.
func (r *Registry) EmitPermissionUpdated(ctx context.Context, p *permission.Permission) {
	emit(r, r.permissionUpdated, "OnPermissionUpdated", func(h PermissionUpdated) error {
		return h.OnPermissionUpdated(ctx, p)
	})
}

// EmitPermissionDeleted notifies all plugins that implement PermissionDeleted.
func (r *Registry) EmitPermissionDeleted(ctx context.Context, permID id.PermissionID) {
	emit(r, r.permissionDeleted, "OnPermissionDeleted", func(h PermissionDeleted) error {
		return h.OnPermissionDeleted(ctx, permID)
	})
}

// ──────────────────────────────────────────────────
// Role emitters
// ──────────────────────────────────────────────────

// EmitRoleCreated notifies all plugins that implement RoleCreated.
func (r *Registry) EmitRoleCreated(ctx context.Context, rl *role.Role) {
	emit(r, r.roleCreated, "OnRoleCreated", func(h RoleCreated) error {
		return h.OnRoleCreated(ctx, rl)
	})
}

// EmitRoleUpdated notifies all plugins that implement RoleUpdated.
func (r *Registry) EmitRoleUpdated(ctx context.Context, rl *role.Role) {
	emit(r, r.roleUpdated, "OnRoleUpdated", func(h RoleUpdated) error {
		return h.OnRoleUpdated(ctx, rl)
	})
}

// EmitRoleDeleted notifies all plugins that implement RoleDeleted.
func (r *Registry) EmitRoleDeleted(ctx context.Context, roleID id.RoleID) {
	emit(r, r.roleDeleted, "OnRoleDeleted", func(h RoleDeleted) error {
		return h.OnRoleDeleted(ctx, roleID)
	})
}

// EmitPermissionGranted notifies all plugins that implement PermissionGranted.
func (r *Registry) EmitPermissionGranted(ctx context.Context, g *role.Grant) {
	emit(r, r.permissionGranted, "OnPermissionGranted", func(h PermissionGranted) error {
		return h.OnPermissionGranted(ctx, g)
	})
}

// EmitPermissionRevoked notifies all plugins that implement PermissionRevoked.
func (r *Registry) EmitPermissionRevoked(ctx context.Context, roleID id.RoleID, permID id.PermissionID) {
	emit(r, r.permissionRevoked, "OnPermissionRevoked", func(h PermissionRevoked) error {
		return h.OnPermissionRevoked(ctx, roleID, permID)
	})
}

// ──────────────────────────────────────────────────
// User emitters
// ──────────────────────────────────────────────────

// EmitRoleAssigned notifies all plugins that implement RoleAssigned.
func (r *Registry) EmitRoleAssigned(ctx context.Context, a *assignment.Assignment) {
	emit(r, r.roleAssigned, "OnRoleAssigned", func(h RoleAssigned) error {
		return h.OnRoleAssigned(ctx, a)
	})
}

// EmitRoleUnassigned notifies all plugins that implement RoleUnassigned.
func (r *Registry) EmitRoleUnassigned(ctx context.Context, a *assignment.Assignment) {
	emit(r, r.roleUnassigned, "OnRoleUnassigned", func(h RoleUnassigned) error {
		return h.OnRoleUnassigned(ctx, a)
	})
}

// EmitDirectGrantWritten notifies all plugins that implement DirectGrantWritten.
func (r *Registry) EmitDirectGrantWritten(ctx context.Context, g *grant.Grant) {
	emit(r, r.directGrantWritten, "OnDirectGrantWritten", func(h DirectGrantWritten) error {
		return h.OnDirectGrantWritten(ctx, g)
	})
}

// EmitDirectGrantRevoked notifies all plugins that implement DirectGrantRevoked.
func (r *Registry) EmitDirectGrantRevoked(ctx context.Context, userID string, permID id.PermissionID) {
	emit(r, r.directGrantRevoked, "OnDirectGrantRevoked", func(h DirectGrantRevoked) error {
		return h.OnDirectGrantRevoked(ctx, userID, permID)
	})
}

// ──────────────────────────────────────────────────
// Template and audit emitters
// ──────────────────────────────────────────────────

// EmitTemplateApplied notifies all plugins that implement TemplateApplied.
func (r *Registry) EmitTemplateApplied(ctx context.Context, t *template.Template, target template.TargetType, targetID string) {
	emit(r, r.templateApplied, "OnTemplateApplied", func(h TemplateApplied) error {
		return h.OnTemplateApplied(ctx, t, target, targetID)
	})
}

// EmitAuditRecorded notifies all plugins that implement AuditRecorded.
func (r *Registry) EmitAuditRecorded(ctx context.Context, e *audit.Entry) {
	emit(r, r.auditRecorded, "OnAuditRecorded", func(h AuditRecorded) error {
		return h.OnAuditRecorded(ctx, e)
	})
}

// ──────────────────────────────────────────────────
// Shutdown emitter
// ──────────────────────────────────────────────────

// EmitShutdown notifies all plugins that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, r.shutdown, "OnShutdown", func(h Shutdown) error {
		return h.OnShutdown(ctx)
	})
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the pipeline.
func (r *Registry) logHookError(hook, pluginName string, err error) {
	r.logger.Warn("plugin hook error",
		slog.String("hook", hook),
		slog.String("plugin", pluginName),
		slog.String("error", err.Error()),
	)
}
