package assignment

import (
	"context"
	"time"

	"github.com/xraph/gatekeeper/id"
)

// Store defines persistence operations for role assignments.
type Store interface {
	// UpsertAssignment creates the (user, role) assignment or replaces its
	// expiry and assigner.
	UpsertAssignment(ctx context.Context, a *Assignment) error

	// GetAssignment returns the assignment of roleID to userID.
	GetAssignment(ctx context.Context, userID string, roleID id.RoleID) (*Assignment, error)

	// DeleteAssignment removes the assignment and reports whether one existed.
	DeleteAssignment(ctx context.Context, userID string, roleID id.RoleID) (bool, error)

	// ListAssignments returns assignments matching the filter.
	ListAssignments(ctx context.Context, filter *ListFilter) ([]*Assignment, error)

	// ListUsersForRoles returns the distinct users holding any of roleIDs.
	ListUsersForRoles(ctx context.Context, roleIDs []id.RoleID) ([]string, error)

	// DeleteExpiredAssignments removes assignments that expired before now
	// and returns the removed rows.
	DeleteExpiredAssignments(ctx context.Context, now time.Time) ([]*Assignment, error)
}
