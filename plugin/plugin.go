// Package plugin defines the plugin system for gatekeeper.
// Plugins are notified of lifecycle events (decision evaluated, role
// created, grant written, etc.) and can react with logging, metrics or
// tracing.
//
// Each lifecycle hook is a separate interface so plugins opt in only
// to the events they care about.
package plugin

import (
	"context"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/template"
)

// Plugin is the base interface all plugins must implement.
type Plugin interface {
	// Name returns a unique human-readable name for the plugin.
	Name() string
}

// ──────────────────────────────────────────────────
// Evaluation hooks
// ──────────────────────────────────────────────────

// BeforeEvaluate is called before a request is evaluated.
// The req parameter is *gatekeeper.Request (passed as any to avoid an
// import cycle).
type BeforeEvaluate interface {
	OnBeforeEvaluate(ctx context.Context, req any) error
}

// AfterEvaluate is called after a decision is produced.
// The req parameter is *gatekeeper.Request; decision is *gatekeeper.Decision.
type AfterEvaluate interface {
	OnAfterEvaluate(ctx context.Context, req, decision any) error
}

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

// PermissionCreated is called after a permission is created.
type PermissionCreated interface {
	OnPermissionCreated(ctx context.Context, p *permission.Permission) error
}

// PermissionUpdated is called after a permission is edited, activated or
// deactivated.
type PermissionUpdated interface {
	OnPermissionUpdated(ctx context.Context, p *permission.Permission) error
}

// PermissionDeleted is called after a permission is deleted.
type PermissionDeleted interface {
	OnPermissionDeleted(ctx context.Context, permID id.PermissionID) error
}

// ──────────────────────────────────────────────────
// Role hooks
// ──────────────────────────────────────────────────

// RoleCreated is called after a role is created.
type RoleCreated interface {
	OnRoleCreated(ctx context.Context, r *role.Role) error
}

// RoleUpdated is called after a role is updated or re-parented.
type RoleUpdated interface {
	OnRoleUpdated(ctx context.Context, r *role.Role) error
}

// RoleDeleted is called after a role is deleted.
type RoleDeleted interface {
	OnRoleDeleted(ctx context.Context, roleID id.RoleID) error
}

// PermissionGranted is called after a permission is granted to a role.
type PermissionGranted interface {
	OnPermissionGranted(ctx context.Context, g *role.Grant) error
}

// PermissionRevoked is called after a permission is revoked from a role.
type PermissionRevoked interface {
	OnPermissionRevoked(ctx context.Context, roleID id.RoleID, permID id.PermissionID) error
}

// ──────────────────────────────────────────────────
// User hooks
// ──────────────────────────────────────────────────

// RoleAssigned is called after a role is assigned to a user.
type RoleAssigned interface {
	OnRoleAssigned(ctx context.Context, a *assignment.Assignment) error
}

// RoleUnassigned is called after a role is taken from a user.
type RoleUnassigned interface {
	OnRoleUnassigned(ctx context.Context, a *assignment.Assignment) error
}

// DirectGrantWritten is called after a direct grant or denial is written.
type DirectGrantWritten interface {
	OnDirectGrantWritten(ctx context.Context, g *grant.Grant) error
}

// DirectGrantRevoked is called after a direct record is removed.
type DirectGrantRevoked interface {
	OnDirectGrantRevoked(ctx context.Context, userID string, permID id.PermissionID) error
}

// ──────────────────────────────────────────────────
// Template and audit hooks
// ──────────────────────────────────────────────────

// TemplateApplied is called after a template is copied onto a target.
type TemplateApplied interface {
	OnTemplateApplied(ctx context.Context, t *template.Template, target template.TargetType, targetID string) error
}

// AuditRecorded is called after a mutation commits with its audit entry.
type AuditRecorded interface {
	OnAuditRecorded(ctx context.Context, e *audit.Entry) error
}

// ──────────────────────────────────────────────────
// Shutdown hook
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
