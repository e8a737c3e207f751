package role

import (
	"context"

	"github.com/xraph/gatekeeper/id"
)

// Store defines persistence operations for roles and role grants.
type Store interface {
	// CreateRole persists a new role. Version is set to 1.
	CreateRole(ctx context.Context, r *Role) error

	// GetRole retrieves a role by ID.
	GetRole(ctx context.Context, roleID id.RoleID) (*Role, error)

	// GetRoleByName retrieves a role by its unique name.
	GetRoleByName(ctx context.Context, name string) (*Role, error)

	// UpdateRole persists r if the stored version equals r.Version, then
	// increments r.Version. A mismatch returns store.ErrConflict.
	UpdateRole(ctx context.Context, r *Role) error

	// DeleteRole removes a role and its grants.
	DeleteRole(ctx context.Context, roleID id.RoleID) error

	// ListRoles returns roles matching the filter ordered by level, then name.
	ListRoles(ctx context.Context, filter *ListFilter) ([]*Role, error)

	// CountRoles returns the number of roles matching the filter.
	CountRoles(ctx context.Context, filter *ListFilter) (int64, error)

	// ListChildRoles returns direct children of a role.
	ListChildRoles(ctx context.Context, parentID id.RoleID) ([]*Role, error)

	// UpsertRoleGrant creates the (role, permission) grant or replaces its
	// override, source and grantor.
	UpsertRoleGrant(ctx context.Context, g *Grant) error

	// GetRoleGrant returns the grant of permID on roleID.
	GetRoleGrant(ctx context.Context, roleID id.RoleID, permID id.PermissionID) (*Grant, error)

	// DeleteRoleGrant removes the grant and reports whether one existed.
	DeleteRoleGrant(ctx context.Context, roleID id.RoleID, permID id.PermissionID) (bool, error)

	// ListRoleGrants returns the grants owned by a role.
	ListRoleGrants(ctx context.Context, roleID id.RoleID) ([]*Grant, error)

	// ListAllRoleGrants returns every role grant.
	ListAllRoleGrants(ctx context.Context) ([]*Grant, error)

	// ListRoleGrantsByPermission returns the grants referencing a permission.
	ListRoleGrantsByPermission(ctx context.Context, permID id.PermissionID) ([]*Grant, error)
}
