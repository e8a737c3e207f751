package grant

import (
	"context"

	"github.com/xraph/gatekeeper/id"
)

// Store defines persistence operations for direct user grants.
type Store interface {
	// UpsertUserGrant creates the (user, permission) record or replaces it.
	UpsertUserGrant(ctx context.Context, g *Grant) error

	// GetUserGrant returns the direct record of permID for userID.
	GetUserGrant(ctx context.Context, userID string, permID id.PermissionID) (*Grant, error)

	// DeleteUserGrant removes the record and reports whether one existed.
	DeleteUserGrant(ctx context.Context, userID string, permID id.PermissionID) (bool, error)

	// ListUserGrants returns direct records matching the filter.
	ListUserGrants(ctx context.Context, filter *ListFilter) ([]*Grant, error)

	// GetUserRevision returns the user's current revision, 0 if the user
	// has never been mutated.
	GetUserRevision(ctx context.Context, userID string) (int64, error)

	// BumpUserRevision advances the revision from expected to expected+1.
	// If the stored revision differs it returns store.ErrConflict.
	BumpUserRevision(ctx context.Context, userID string, expected int64) (int64, error)
}
