package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store"
)

// AssignRoleInput is the input to AssignRole.
type AssignRoleInput struct {
	UserID    string     `json:"user_id" validate:"required,max=128"`
	RoleID    id.RoleID  `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// ExpectedRevision is the user revision the caller last read.
	ExpectedRevision int64 `json:"expected_revision"`
}

// DirectGrantInput is the input to GrantDirect.
type DirectGrantInput struct {
	UserID           string          `json:"user_id" validate:"required,max=128"`
	PermissionID     id.PermissionID `json:"permission_id"`
	Scope            scope.Scope     `json:"scope" validate:"required,scope"`
	Polarity         grant.Polarity  `json:"polarity" validate:"required,oneof=grant deny"`
	Reason           string          `json:"reason,omitempty" validate:"max=1024"`
	ExpectedRevision int64           `json:"expected_revision"`
}

// expired is the after snapshot of PruneExpiredAssignments.
type expired struct {
	Before  time.Time `json:"before"`
	Removed int64     `json:"removed"`
}

// AssignRole gives a user a role, optionally until ExpiresAt.
// Re-assigning replaces the expiry and assigner.
func (e *Engine) AssignRole(ctx context.Context, in AssignRoleInput) (*assignment.Assignment, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	var a *assignment.Assignment
	err := e.commit(ctx, "AssignRole", func(ctx context.Context, tx store.Store) (*change, error) {
		if _, err := tx.GetRole(ctx, in.RoleID); err != nil {
			return nil, notFound(err, ErrRoleNotFound)
		}
		if err := checkRevision(ctx, tx, in.UserID, in.ExpectedRevision); err != nil {
			return nil, err
		}
		previous, err := tx.GetAssignment(ctx, in.UserID, in.RoleID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		actorID, _ := actorFromContext(ctx)
		a = &assignment.Assignment{
			ID:         id.NewAssignmentID(),
			UserID:     in.UserID,
			RoleID:     in.RoleID,
			AssignedAt: e.now().UTC(),
			AssignedBy: actorID,
			ExpiresAt:  in.ExpiresAt,
		}
		if err := tx.UpsertAssignment(ctx, a); err != nil {
			return nil, err
		}
		if _, err := tx.BumpUserRevision(ctx, in.UserID, in.ExpectedRevision); err != nil {
			return nil, err
		}
		assigned := a
		return &change{
			entityType: audit.EntityAssignment,
			entityID:   a.ID.String(),
			action:     audit.ActionAssign,
			before:     previous,
			after:      a,
			users:      []string{in.UserID},
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitRoleAssigned(ctx, assigned)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RevokeRole takes a role from a user. If the user does not hold the
// role nothing is written and the revision is not checked.
func (e *Engine) RevokeRole(ctx context.Context, userID string, roleID id.RoleID, expectedRevision int64) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrMalformedRequest)
	}
	return e.commit(ctx, "RevokeRole", func(ctx context.Context, tx store.Store) (*change, error) {
		existing, err := tx.GetAssignment(ctx, userID, roleID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := checkRevision(ctx, tx, userID, expectedRevision); err != nil {
			return nil, err
		}
		if _, err := tx.DeleteAssignment(ctx, userID, roleID); err != nil {
			return nil, err
		}
		if _, err := tx.BumpUserRevision(ctx, userID, expectedRevision); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityAssignment,
			entityID:   existing.ID.String(),
			action:     audit.ActionUnassign,
			before:     existing,
			users:      []string{userID},
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitRoleUnassigned(ctx, existing)
			},
		}, nil
	})
}

// GrantDirect writes a direct grant or denial of a permission for a
// user. The scope may not exceed the permission's own scope.
func (e *Engine) GrantDirect(ctx context.Context, in DirectGrantInput) (*grant.Grant, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	var g *grant.Grant
	err := e.commit(ctx, "GrantDirect", func(ctx context.Context, tx store.Store) (*change, error) {
		p, err := tx.GetPermission(ctx, in.PermissionID)
		if err != nil {
			return nil, notFound(err, ErrPermissionNotFound)
		}
		if in.Scope.WiderThan(p.Scope) {
			return nil, fmt.Errorf("%w: %s is wider than %s of %s", ErrInvalidScopeNarrowing, in.Scope, p.Scope, p.Name)
		}
		if err := checkRevision(ctx, tx, in.UserID, in.ExpectedRevision); err != nil {
			return nil, err
		}
		previous, err := tx.GetUserGrant(ctx, in.UserID, in.PermissionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		actorID, _ := actorFromContext(ctx)
		g = &grant.Grant{
			ID:           id.NewUserGrantID(),
			UserID:       in.UserID,
			PermissionID: in.PermissionID,
			Polarity:     in.Polarity,
			Scope:        in.Scope,
			Reason:       in.Reason,
			Source:       grant.SourceManual,
			AssignedAt:   e.now().UTC(),
			AssignedBy:   actorID,
		}
		if err := tx.UpsertUserGrant(ctx, g); err != nil {
			return nil, err
		}
		if _, err := tx.BumpUserRevision(ctx, in.UserID, in.ExpectedRevision); err != nil {
			return nil, err
		}
		written := g
		return &change{
			entityType: audit.EntityUserGrant,
			entityID:   g.ID.String(),
			action:     audit.ActionGrant,
			before:     previous,
			after:      g,
			users:      []string{in.UserID},
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitDirectGrantWritten(ctx, written)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// RevokeDirect removes a user's direct record for a permission. Revoking
// a record that does not exist is a no-op.
func (e *Engine) RevokeDirect(ctx context.Context, userID string, permID id.PermissionID, expectedRevision int64) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrMalformedRequest)
	}
	return e.commit(ctx, "RevokeDirect", func(ctx context.Context, tx store.Store) (*change, error) {
		existing, err := tx.GetUserGrant(ctx, userID, permID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := checkRevision(ctx, tx, userID, expectedRevision); err != nil {
			return nil, err
		}
		if _, err := tx.DeleteUserGrant(ctx, userID, permID); err != nil {
			return nil, err
		}
		if _, err := tx.BumpUserRevision(ctx, userID, expectedRevision); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityUserGrant,
			entityID:   existing.ID.String(),
			action:     audit.ActionRevoke,
			before:     existing,
			users:      []string{userID},
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitDirectGrantRevoked(ctx, userID, permID)
			},
		}, nil
	})
}

// UserRevision returns the optimistic-concurrency token for a user's
// assignments and direct records. It is 0 until the first mutation.
func (e *Engine) UserRevision(ctx context.Context, userID string) (int64, error) {
	rev, err := e.store.GetUserRevision(ctx, userID)
	return rev, translate(err)
}

// ListAssignments returns role assignments matching filter, expired ones
// included.
func (e *Engine) ListAssignments(ctx context.Context, filter *assignment.ListFilter) ([]*assignment.Assignment, error) {
	list, err := e.store.ListAssignments(ctx, filter)
	return list, translate(err)
}

// ListUserGrants returns direct records matching filter.
func (e *Engine) ListUserGrants(ctx context.Context, filter *grant.ListFilter) ([]*grant.Grant, error) {
	list, err := e.store.ListUserGrants(ctx, filter)
	return list, translate(err)
}

// PruneExpiredAssignments deletes assignments that have lapsed. Evaluation
// already ignores them; pruning only reclaims storage.
func (e *Engine) PruneExpiredAssignments(ctx context.Context) (int64, error) {
	var n int64
	now := e.now().UTC()
	err := e.commit(ctx, "PruneExpiredAssignments", func(ctx context.Context, tx store.Store) (*change, error) {
		removed, err := tx.DeleteExpiredAssignments(ctx, now)
		if err != nil || len(removed) == 0 {
			return nil, err
		}
		n = int64(len(removed))
		users := make([]string, 0, len(removed))
		for _, a := range removed {
			if !slices.Contains(users, a.UserID) {
				users = append(users, a.UserID)
			}
		}
		return &change{
			entityType: audit.EntityAssignment,
			entityID:   "expired",
			action:     audit.ActionDelete,
			before:     removed,
			after:      &expired{Before: now, Removed: n},
			users:      users,
		}, nil
	})
	return n, err
}

func checkRevision(ctx context.Context, tx store.Store, userID string, expected int64) error {
	rev, err := tx.GetUserRevision(ctx, userID)
	if err != nil {
		return err
	}
	if rev != expected {
		return fmt.Errorf("%w: user %s is at revision %d, not %d", ErrConcurrentModification, userID, rev, expected)
	}
	return nil
}
