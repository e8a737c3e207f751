package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store"
)

// roleRemoval is the before snapshot of a deleted role.
type roleRemoval struct {
	Role   *role.Role    `json:"role"`
	Grants []*role.Grant `json:"grants,omitempty"`
}

// CreateRole adds an active role. When ParentID is set the parent must
// exist and be strictly more senior (lower level).
func (e *Engine) CreateRole(ctx context.Context, r *role.Role) (*role.Role, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil role", ErrMalformedRequest)
	}
	next := r.Clone()
	if next.ID.IsNil() {
		next.ID = id.NewRoleID()
	}
	next.IsActive = true
	if err := validateStruct(next); err != nil {
		return nil, err
	}

	err := e.commit(ctx, "CreateRole", func(ctx context.Context, tx store.Store) (*change, error) {
		if err := checkRoleName(ctx, tx, next); err != nil {
			return nil, err
		}
		if next.ParentID != nil {
			parent, err := tx.GetRole(ctx, *next.ParentID)
			if err != nil {
				return nil, notFound(err, ErrRoleNotFound)
			}
			if err := checkLevel(next, parent); err != nil {
				return nil, err
			}
		}
		if err := tx.CreateRole(ctx, next); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityRole,
			entityID:   next.ID.String(),
			action:     audit.ActionCreate,
			after:      next,
			graph:      true,
			notify: func(ctx context.Context, reg *plugin.Registry) {
				reg.EmitRoleCreated(ctx, next)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateRole edits a role. r.Version must equal the stored version.
// ParentID is changed with SetParent only. System roles can be edited but
// not renamed or deactivated.
func (e *Engine) UpdateRole(ctx context.Context, r *role.Role) (*role.Role, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil role", ErrMalformedRequest)
	}
	next := r.Clone()
	if err := validateStruct(next); err != nil {
		return nil, err
	}

	err := e.commit(ctx, "UpdateRole", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetRole(ctx, next.ID)
		if err != nil {
			return nil, notFound(err, ErrRoleNotFound)
		}
		if err := checkVersion("role", cur.ID, cur.Version, next.Version); err != nil {
			return nil, err
		}
		if cur.IsSystem && (next.Name != cur.Name || !next.IsActive) {
			return nil, fmt.Errorf("%w: role %s cannot be renamed or deactivated", ErrImmutableSystemEntity, cur.Name)
		}
		next.ParentID, next.IsSystem, next.CreatedAt = cur.ParentID, cur.IsSystem, cur.CreatedAt

		if next.Name != cur.Name {
			if err := checkRoleName(ctx, tx, next); err != nil {
				return nil, err
			}
		}
		if next.Level != cur.Level {
			if err := checkLevelAgainstTree(ctx, tx, next); err != nil {
				return nil, err
			}
		}
		if err := tx.UpdateRole(ctx, next); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityRole,
			entityID:   next.ID.String(),
			action:     audit.ActionUpdate,
			before:     cur,
			after:      next,
			graph:      true,
			all:        true,
			notify: func(ctx context.Context, reg *plugin.Registry) {
				reg.EmitRoleUpdated(ctx, next)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteRole removes a non-system role that has no children and no
// assignments, together with its grants. expectedVersion must equal the
// stored version.
func (e *Engine) DeleteRole(ctx context.Context, roleID id.RoleID, expectedVersion int64) error {
	return e.commit(ctx, "DeleteRole", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return nil, notFound(err, ErrRoleNotFound)
		}
		if err := checkVersion("role", cur.ID, cur.Version, expectedVersion); err != nil {
			return nil, err
		}
		if cur.IsSystem {
			return nil, fmt.Errorf("%w: role %s", ErrImmutableSystemEntity, cur.Name)
		}
		children, err := tx.ListChildRoles(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return nil, fmt.Errorf("%w: role %s has %d child roles", ErrInUse, cur.Name, len(children))
		}
		held, err := tx.ListAssignments(ctx, &assignment.ListFilter{RoleID: &roleID, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(held) > 0 {
			return nil, fmt.Errorf("%w: role %s is assigned to users", ErrInUse, cur.Name)
		}
		grants, err := tx.ListRoleGrants(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if err := tx.DeleteRole(ctx, roleID); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityRole,
			entityID:   roleID.String(),
			action:     audit.ActionDelete,
			before:     &roleRemoval{Role: cur, Grants: grants},
			graph:      true,
			notify: func(ctx context.Context, reg *plugin.Registry) {
				reg.EmitRoleDeleted(ctx, roleID)
			},
		}, nil
	})
}

// SetParent moves a role under parentID, or makes it a root when parentID
// is nil. The new parent may not be the role itself or one of its
// descendants, and must be strictly more senior.
func (e *Engine) SetParent(ctx context.Context, roleID id.RoleID, parentID *id.RoleID, expectedVersion int64) (*role.Role, error) {
	var next *role.Role
	err := e.commit(ctx, "SetParent", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return nil, notFound(err, ErrRoleNotFound)
		}
		if err := checkVersion("role", cur.ID, cur.Version, expectedVersion); err != nil {
			return nil, err
		}
		next = cur.Clone()
		next.ParentID = nil

		if parentID != nil {
			if parentID.String() == roleID.String() {
				return nil, fmt.Errorf("%w: role %s cannot be its own parent", ErrCycleDetected, cur.Name)
			}
			parent, err := tx.GetRole(ctx, *parentID)
			if err != nil {
				return nil, notFound(err, ErrRoleNotFound)
			}
			total, err := tx.CountRoles(ctx, nil)
			if err != nil {
				return nil, err
			}
			lookup := func(rid id.RoleID) (*role.Role, error) { return tx.GetRole(ctx, rid) }
			cycle, err := wouldCycle(roleID, parent, lookup, int(total))
			if err != nil {
				return nil, err
			}
			if cycle {
				return nil, fmt.Errorf("%w: %s is below %s", ErrCycleDetected, parent.Name, cur.Name)
			}
			if err := checkLevel(cur, parent); err != nil {
				return nil, err
			}
			pid := parent.ID
			next.ParentID = &pid
		}

		if err := tx.UpdateRole(ctx, next); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityRole,
			entityID:   roleID.String(),
			action:     audit.ActionSetParent,
			before:     cur,
			after:      next,
			graph:      true,
			all:        true,
			notify: func(ctx context.Context, reg *plugin.Registry) {
				reg.EmitRoleUpdated(ctx, next)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// GrantPermissionToRole grants permID to roleID, optionally narrowed to
// scopeOverride. Re-granting replaces the override. expectedVersion must
// equal the role's stored version, which is then bumped.
func (e *Engine) GrantPermissionToRole(ctx context.Context, roleID id.RoleID, permID id.PermissionID, scopeOverride *scope.Scope, expectedVersion int64) (*role.Grant, error) {
	if scopeOverride != nil && !scopeOverride.Valid() {
		return nil, fmt.Errorf("%w: invalid scope %q", ErrMalformedRequest, *scopeOverride)
	}
	var g *role.Grant
	err := e.commit(ctx, "GrantPermissionToRole", func(ctx context.Context, tx store.Store) (*change, error) {
		r, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return nil, notFound(err, ErrRoleNotFound)
		}
		if err := checkVersion("role", r.ID, r.Version, expectedVersion); err != nil {
			return nil, err
		}
		p, err := tx.GetPermission(ctx, permID)
		if err != nil {
			return nil, notFound(err, ErrPermissionNotFound)
		}
		if scopeOverride != nil && scopeOverride.WiderThan(p.Scope) {
			return nil, fmt.Errorf("%w: %s is wider than %s of %s", ErrInvalidScopeNarrowing, *scopeOverride, p.Scope, p.Name)
		}
		previous, err := tx.GetRoleGrant(ctx, roleID, permID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		actorID, _ := actorFromContext(ctx)
		g, err = upsertRoleGrant(ctx, tx, r, permID, scopeOverride, role.SourceManual, actorID, e.now().UTC())
		if err != nil {
			return nil, err
		}
		granted := g
		return &change{
			entityType: audit.EntityRoleGrant,
			entityID:   g.ID.String(),
			action:     audit.ActionGrant,
			before:     previous,
			after:      g,
			graph:      true,
			all:        true,
			notify: func(ctx context.Context, reg *plugin.Registry) {
				reg.EmitPermissionGranted(ctx, granted)
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// RevokePermissionFromRole removes a role grant. expectedVersion must
// equal the role's stored version. Revoking a grant that does not exist is
// a no-op.
func (e *Engine) RevokePermissionFromRole(ctx context.Context, roleID id.RoleID, permID id.PermissionID, expectedVersion int64) error {
	return e.commit(ctx, "RevokePermissionFromRole", func(ctx context.Context, tx store.Store) (*change, error) {
		r, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return nil, notFound(err, ErrRoleNotFound)
		}
		if err := checkVersion("role", r.ID, r.Version, expectedVersion); err != nil {
			return nil, err
		}
		existing, err := tx.GetRoleGrant(ctx, roleID, permID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.DeleteRoleGrant(ctx, roleID, permID); err != nil {
			return nil, err
		}
		if err := tx.UpdateRole(ctx, r); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityRoleGrant,
			entityID:   existing.ID.String(),
			action:     audit.ActionRevoke,
			before:     existing,
			graph:      true,
			all:        true,
			notify: func(ctx context.Context, reg *plugin.Registry) {
				reg.EmitPermissionRevoked(ctx, roleID, permID)
			},
		}, nil
	})
}

// ResolveInheritedGrants returns the permissions roleID holds through
// its own grants and its ancestors'.
func (e *Engine) ResolveInheritedGrants(ctx context.Context, roleID id.RoleID) ([]InheritedGrant, error) {
	g, err := e.snapshot(ctx)
	if err != nil {
		return nil, translate(err)
	}
	_, slot, ok := g.role(roleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	return slices.Clone(g.inheritedGrants(slot)), nil
}

// GetRole returns a role.
func (e *Engine) GetRole(ctx context.Context, roleID id.RoleID) (*role.Role, error) {
	r, err := e.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, notFound(err, ErrRoleNotFound)
	}
	return r, nil
}

// GetRoleByName returns a role by its unique name.
func (e *Engine) GetRoleByName(ctx context.Context, name string) (*role.Role, error) {
	r, err := e.store.GetRoleByName(ctx, name)
	if err != nil {
		return nil, notFound(err, ErrRoleNotFound)
	}
	return r, nil
}

// ListRoles returns roles ordered by level, then name.
func (e *Engine) ListRoles(ctx context.Context, filter *role.ListFilter) ([]*role.Role, error) {
	list, err := e.store.ListRoles(ctx, filter)
	return list, translate(err)
}

// ListChildRoles returns the direct children of a role.
func (e *Engine) ListChildRoles(ctx context.Context, roleID id.RoleID) ([]*role.Role, error) {
	list, err := e.store.ListChildRoles(ctx, roleID)
	return list, translate(err)
}

// ListRoleGrants returns the grants a role holds locally.
func (e *Engine) ListRoleGrants(ctx context.Context, roleID id.RoleID) ([]*role.Grant, error) {
	list, err := e.store.ListRoleGrants(ctx, roleID)
	return list, translate(err)
}

// upsertRoleGrant writes the (role, permission) grant and bumps the
// role's version. r must be the row read in the same transaction.
func upsertRoleGrant(ctx context.Context, tx store.Store, r *role.Role, permID id.PermissionID, override *scope.Scope, source, grantedBy string, now time.Time) (*role.Grant, error) {
	g := &role.Grant{
		ID:           id.NewRoleGrantID(),
		RoleID:       r.ID,
		PermissionID: permID,
		Source:       source,
		GrantedBy:    grantedBy,
		CreatedAt:    now,
	}
	if override != nil {
		g.ScopeOverride = scope.Ptr(*override)
	}
	if err := tx.UpsertRoleGrant(ctx, g); err != nil {
		return nil, err
	}
	if err := tx.UpdateRole(ctx, r); err != nil {
		return nil, err
	}
	return g, nil
}

func checkRoleName(ctx context.Context, tx store.Store, r *role.Role) error {
	other, err := tx.GetRoleByName(ctx, r.Name)
	switch {
	case err == nil && other.ID.String() != r.ID.String():
		return fmt.Errorf("%w: role name %q", ErrDuplicateIdentity, r.Name)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	return nil
}

func checkLevel(child, parent *role.Role) error {
	if child.Level <= parent.Level {
		return fmt.Errorf("%w: %s (level %d) under %s (level %d)",
			ErrLevelOrdering, child.Name, child.Level, parent.Name, parent.Level)
	}
	return nil
}

// checkLevelAgainstTree keeps r strictly between its parent and children.
func checkLevelAgainstTree(ctx context.Context, tx store.Store, r *role.Role) error {
	if r.ParentID != nil {
		parent, err := tx.GetRole(ctx, *r.ParentID)
		if err != nil {
			return err
		}
		if err := checkLevel(r, parent); err != nil {
			return err
		}
	}
	children, err := tx.ListChildRoles(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := checkLevel(c, r); err != nil {
			return err
		}
	}
	return nil
}
