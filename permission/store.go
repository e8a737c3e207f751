package permission

import (
	"context"

	"github.com/xraph/gatekeeper/id"
)

// Store defines persistence operations for the permission catalog.
type Store interface {
	// CreatePermission persists a new permission. Version is set to 1.
	CreatePermission(ctx context.Context, p *Permission) error

	// GetPermission retrieves a permission by ID.
	GetPermission(ctx context.Context, permID id.PermissionID) (*Permission, error)

	// GetPermissionByName retrieves a permission by its unique name.
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)

	// FindActivePermission returns the active permission with the given
	// identity triple, if any.
	FindActivePermission(ctx context.Context, resourceType, action, sc string) (*Permission, error)

	// UpdatePermission persists p if the stored version equals p.Version,
	// then increments p.Version. A mismatch returns store.ErrConflict.
	UpdatePermission(ctx context.Context, p *Permission) error

	// DeletePermission removes a permission by ID.
	DeletePermission(ctx context.Context, permID id.PermissionID) error

	// ListPermissions returns permissions matching the filter, ordered by
	// resource type, action and name.
	ListPermissions(ctx context.Context, filter *ListFilter) ([]*Permission, error)

	// CountPermissions returns the number of permissions matching the filter.
	CountPermissions(ctx context.Context, filter *ListFilter) (int64, error)
}
