package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/store"
)

// DeactivateOptions controls DeactivatePermission.
type DeactivateOptions struct {
	// Force removes live role and user grants of the permission in the
	// same transaction instead of failing with ErrInUse.
	Force bool

	// ExpectedVersion, when non-zero, must equal the stored version.
	ExpectedVersion int64
}

// deactivation is the before snapshot of a forced deactivation.
type deactivation struct {
	Permission        *permission.Permission `json:"permission"`
	RemovedRoleGrants []*role.Grant          `json:"removed_role_grants,omitempty"`
	RemovedUserGrants []*grant.Grant         `json:"removed_user_grants,omitempty"`
}

// CreatePermission adds an active permission to the catalog.
func (e *Engine) CreatePermission(ctx context.Context, p *permission.Permission) (*permission.Permission, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil permission", ErrMalformedRequest)
	}
	next := p.Clone()
	if next.ID.IsNil() {
		next.ID = id.NewPermissionID()
	}
	next.IsActive = true
	if err := validatePermission(next); err != nil {
		return nil, err
	}

	err := e.commit(ctx, "CreatePermission", func(ctx context.Context, tx store.Store) (*change, error) {
		if err := checkPermissionIdentity(ctx, tx, next); err != nil {
			return nil, err
		}
		if err := tx.CreatePermission(ctx, next); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityPermission,
			entityID:   next.ID.String(),
			action:     audit.ActionCreate,
			after:      next,
			graph:      true,
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitPermissionCreated(ctx, next)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// UpdatePermission edits a non-system permission. p.Version must equal
// the stored version. IsActive and IsSystem are not changed here.
func (e *Engine) UpdatePermission(ctx context.Context, p *permission.Permission) (*permission.Permission, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil permission", ErrMalformedRequest)
	}
	next := p.Clone()
	if err := validatePermission(next); err != nil {
		return nil, err
	}

	err := e.commit(ctx, "UpdatePermission", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetPermission(ctx, next.ID)
		if err != nil {
			return nil, notFound(err, ErrPermissionNotFound)
		}
		if cur.IsSystem {
			return nil, fmt.Errorf("%w: permission %s", ErrImmutableSystemEntity, cur.Name)
		}
		if err := checkVersion("permission", cur.ID, cur.Version, next.Version); err != nil {
			return nil, err
		}
		next.IsActive, next.IsSystem, next.CreatedAt = cur.IsActive, cur.IsSystem, cur.CreatedAt

		if err := checkPermissionIdentity(ctx, tx, next); err != nil {
			return nil, err
		}
		if next.Scope.Rank() < cur.Scope.Rank() {
			if err := checkNarrowing(ctx, tx, next); err != nil {
				return nil, err
			}
		}
		if err := tx.UpdatePermission(ctx, next); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityPermission,
			entityID:   next.ID.String(),
			action:     audit.ActionUpdate,
			before:     cur,
			after:      next,
			graph:      true,
			all:        true,
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitPermissionUpdated(ctx, next)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// DeactivatePermission takes a permission out of evaluation. Live grants
// on active roles and direct user records block it unless opts.Force is
// set, in which case they are removed in the same transaction.
// Deactivating an inactive permission is a no-op.
func (e *Engine) DeactivatePermission(ctx context.Context, permID id.PermissionID, opts DeactivateOptions) (*permission.Permission, error) {
	var result *permission.Permission
	err := e.commit(ctx, "DeactivatePermission", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetPermission(ctx, permID)
		if err != nil {
			return nil, notFound(err, ErrPermissionNotFound)
		}
		if cur.IsSystem {
			return nil, fmt.Errorf("%w: permission %s", ErrImmutableSystemEntity, cur.Name)
		}
		if opts.ExpectedVersion != 0 {
			if err := checkVersion("permission", cur.ID, cur.Version, opts.ExpectedVersion); err != nil {
				return nil, err
			}
		}
		result = cur
		if !cur.IsActive {
			return nil, nil
		}

		roleGrants, err := tx.ListRoleGrantsByPermission(ctx, permID)
		if err != nil {
			return nil, err
		}
		userGrants, err := tx.ListUserGrants(ctx, &grant.ListFilter{PermissionID: &permID})
		if err != nil {
			return nil, err
		}
		live := 0
		for _, g := range roleGrants {
			r, err := tx.GetRole(ctx, g.RoleID)
			if err != nil {
				return nil, err
			}
			if r.IsActive {
				live++
			}
		}
		live += len(userGrants)
		if live > 0 && !opts.Force {
			return nil, fmt.Errorf("%w: permission %s has %d live grants", ErrInUse, cur.Name, live)
		}

		before := &deactivation{Permission: cur.Clone()}
		var users []string
		if opts.Force {
			for _, g := range roleGrants {
				if _, err := tx.DeleteRoleGrant(ctx, g.RoleID, permID); err != nil {
					return nil, err
				}
				before.RemovedRoleGrants = append(before.RemovedRoleGrants, g)
			}
			for _, g := range userGrants {
				if _, err := tx.DeleteUserGrant(ctx, g.UserID, permID); err != nil {
					return nil, err
				}
				if err := bumpRevision(ctx, tx, g.UserID); err != nil {
					return nil, err
				}
				before.RemovedUserGrants = append(before.RemovedUserGrants, g)
				users = append(users, g.UserID)
			}
		}

		next := cur.Clone()
		next.IsActive = false
		if err := tx.UpdatePermission(ctx, next); err != nil {
			return nil, err
		}
		result = next
		return &change{
			entityType: audit.EntityPermission,
			entityID:   next.ID.String(),
			action:     audit.ActionDeactivate,
			before:     before,
			after:      next,
			users:      uniqueUsers(users),
			graph:      true,
			all:        true,
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitPermissionUpdated(ctx, next)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ActivatePermission returns a deactivated permission to evaluation. It
// fails with ErrDuplicateIdentity if another active permission took its
// (resource type, action, scope) triple meanwhile.
func (e *Engine) ActivatePermission(ctx context.Context, permID id.PermissionID, expectedVersion int64) (*permission.Permission, error) {
	var result *permission.Permission
	err := e.commit(ctx, "ActivatePermission", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetPermission(ctx, permID)
		if err != nil {
			return nil, notFound(err, ErrPermissionNotFound)
		}
		if expectedVersion != 0 {
			if err := checkVersion("permission", cur.ID, cur.Version, expectedVersion); err != nil {
				return nil, err
			}
		}
		result = cur
		if cur.IsActive {
			return nil, nil
		}
		next := cur.Clone()
		next.IsActive = true
		if err := checkPermissionIdentity(ctx, tx, next); err != nil {
			return nil, err
		}
		if err := tx.UpdatePermission(ctx, next); err != nil {
			return nil, err
		}
		result = next
		return &change{
			entityType: audit.EntityPermission,
			entityID:   next.ID.String(),
			action:     audit.ActionActivate,
			before:     cur,
			after:      next,
			graph:      true,
			all:        true,
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitPermissionUpdated(ctx, next)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeletePermission removes an unreferenced, non-system permission.
func (e *Engine) DeletePermission(ctx context.Context, permID id.PermissionID) error {
	return e.commit(ctx, "DeletePermission", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetPermission(ctx, permID)
		if err != nil {
			return nil, notFound(err, ErrPermissionNotFound)
		}
		if cur.IsSystem {
			return nil, fmt.Errorf("%w: permission %s", ErrImmutableSystemEntity, cur.Name)
		}
		if err := checkPermissionUnreferenced(ctx, tx, cur); err != nil {
			return nil, err
		}
		if err := tx.DeletePermission(ctx, permID); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityPermission,
			entityID:   permID.String(),
			action:     audit.ActionDelete,
			before:     cur,
			graph:      true,
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitPermissionDeleted(ctx, permID)
			},
		}, nil
	})
}

// GetPermission returns a catalog entry.
func (e *Engine) GetPermission(ctx context.Context, permID id.PermissionID) (*permission.Permission, error) {
	p, err := e.store.GetPermission(ctx, permID)
	if err != nil {
		return nil, notFound(err, ErrPermissionNotFound)
	}
	return p, nil
}

// ListPermissions returns catalog entries matching filter.
func (e *Engine) ListPermissions(ctx context.Context, filter *permission.ListFilter) ([]*permission.Permission, error) {
	list, err := e.store.ListPermissions(ctx, filter)
	return list, translate(err)
}

func validatePermission(p *permission.Permission) error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if p.Conditions != nil {
		if err := p.Conditions.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCondition, err)
		}
	}
	return nil
}

// checkPermissionIdentity enforces a unique name across all rows and a
// unique triple across active rows.
func checkPermissionIdentity(ctx context.Context, tx store.Store, p *permission.Permission) error {
	other, err := tx.GetPermissionByName(ctx, p.Name)
	switch {
	case err == nil && other.ID.String() != p.ID.String():
		return fmt.Errorf("%w: permission name %q", ErrDuplicateIdentity, p.Name)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	if !p.IsActive {
		return nil
	}
	other, err = tx.FindActivePermission(ctx, p.ResourceType, p.Action, string(p.Scope))
	switch {
	case err == nil && other.ID.String() != p.ID.String():
		return fmt.Errorf("%w: active permission %s", ErrDuplicateIdentity, p.Key())
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	return nil
}

// checkNarrowing rejects a permission scope narrower than a role override
// or a direct record that references it.
func checkNarrowing(ctx context.Context, tx store.Store, p *permission.Permission) error {
	roleGrants, err := tx.ListRoleGrantsByPermission(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, g := range roleGrants {
		if g.ScopeOverride != nil && g.ScopeOverride.WiderThan(p.Scope) {
			return fmt.Errorf("%w: role %s overrides %s to %s", ErrInvalidScopeNarrowing, g.RoleID, p.Name, *g.ScopeOverride)
		}
	}
	userGrants, err := tx.ListUserGrants(ctx, &grant.ListFilter{PermissionID: &p.ID})
	if err != nil {
		return err
	}
	for _, g := range userGrants {
		if g.Scope.WiderThan(p.Scope) {
			return fmt.Errorf("%w: user %s holds %s at %s", ErrInvalidScopeNarrowing, g.UserID, p.Name, g.Scope)
		}
	}
	return nil
}

// checkPermissionUnreferenced fails with ErrInUse if any role grant,
// direct record or template entry names p.
func checkPermissionUnreferenced(ctx context.Context, tx store.Store, p *permission.Permission) error {
	roleGrants, err := tx.ListRoleGrantsByPermission(ctx, p.ID)
	if err != nil {
		return err
	}
	if len(roleGrants) > 0 {
		return fmt.Errorf("%w: permission %s is granted to %d roles", ErrInUse, p.Name, len(roleGrants))
	}
	userGrants, err := tx.ListUserGrants(ctx, &grant.ListFilter{PermissionID: &p.ID, Limit: 1})
	if err != nil {
		return err
	}
	if len(userGrants) > 0 {
		return fmt.Errorf("%w: permission %s has direct user records", ErrInUse, p.Name)
	}
	templates, err := tx.ListTemplates(ctx, nil)
	if err != nil {
		return err
	}
	for _, t := range templates {
		for _, entry := range t.Entries {
			if entry.PermissionID.String() == p.ID.String() {
				return fmt.Errorf("%w: permission %s is listed in template %s", ErrInUse, p.Name, t.Name)
			}
		}
	}
	return nil
}

// checkVersion compares an optimistic-concurrency token.
func checkVersion(kind string, entityID id.ID, stored, expected int64) error {
	if stored != expected {
		return fmt.Errorf("%w: %s %s is at version %d, not %d", ErrConcurrentModification, kind, entityID, stored, expected)
	}
	return nil
}

// bumpRevision advances a user's revision from whatever it is now.
func bumpRevision(ctx context.Context, tx store.Store, userID string) error {
	rev, err := tx.GetUserRevision(ctx, userID)
	if err != nil {
		return err
	}
	_, err = tx.BumpUserRevision(ctx, userID, rev)
	return err
}

// uniqueUsers returns users without duplicates, in first-seen order.
func uniqueUsers(users []string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
