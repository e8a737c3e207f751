package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/store"
)

func (s *Store) CreateRole(ctx context.Context, r *role.Role) error {
	t := now()
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = t, t
	if _, err := s.mdb.NewInsert(roleToModel(r)).Exec(ctx); err != nil {
		return mapErr(err, "create role %q", r.Name)
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, roleID id.RoleID) (*role.Role, error) {
	var m roleModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"_id": roleID.String()}).Scan(ctx); err != nil {
		return nil, mapErr(err, "role %s", roleID)
	}
	return roleFromModel(&m), nil
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (*role.Role, error) {
	var m roleModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"name": name}).Scan(ctx); err != nil {
		return nil, mapErr(err, "role name %q", name)
	}
	return roleFromModel(&m), nil
}

func (s *Store) UpdateRole(ctx context.Context, r *role.Role) error {
	next := r.Clone()
	next.Version++
	next.UpdatedAt = now()
	m := roleToModel(next)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "version": r.Version}).
		Exec(ctx)
	if err != nil {
		return mapErr(err, "update role %s", r.ID)
	}
	if res.MatchedCount() == 0 {
		return s.casFailure(ctx, colRoles, m.ID, "role")
	}
	r.Version, r.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

// DeleteRole removes the role and its grants.
func (s *Store) DeleteRole(ctx context.Context, roleID id.RoleID) error {
	if _, err := s.mdb.NewDelete((*roleGrantModel)(nil)).
		Many().
		Filter(bson.M{"role_id": roleID.String()}).
		Exec(ctx); err != nil {
		return mapErr(err, "delete grants of role %s", roleID)
	}
	_, err := s.mdb.NewDelete((*roleModel)(nil)).
		Filter(bson.M{"_id": roleID.String()}).
		Exec(ctx)
	return mapErr(err, "delete role %s", roleID)
}

func (s *Store) ListRoles(ctx context.Context, filter *role.ListFilter) ([]*role.Role, error) {
	var models []roleModel
	q := s.mdb.NewFind(&models).
		Filter(roleFilter(filter)).
		Sort(bson.D{{Key: "level", Value: 1}, {Key: "name", Value: 1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list roles")
	}
	return rolesFromModels(models), nil
}

func (s *Store) CountRoles(ctx context.Context, filter *role.ListFilter) (int64, error) {
	count, err := s.mdb.NewFind((*roleModel)(nil)).
		Filter(roleFilter(filter)).
		Count(ctx)
	return count, mapErr(err, "count roles")
}

func (s *Store) ListChildRoles(ctx context.Context, parentID id.RoleID) ([]*role.Role, error) {
	var models []roleModel
	if err := s.mdb.NewFind(&models).
		Filter(bson.M{"parent_id": parentID.String()}).
		Sort(bson.D{{Key: "level", Value: 1}, {Key: "name", Value: 1}}).
		Scan(ctx); err != nil {
		return nil, mapErr(err, "list child roles of %s", parentID)
	}
	return rolesFromModels(models), nil
}

// requireRole fails with store.ErrNotFound when the role is missing.
func (s *Store) requireRole(ctx context.Context, roleID id.RoleID) error {
	ok, err := s.exists(ctx, colRoles, roleID.String())
	if err != nil {
		return mapErr(err, "role %s", roleID)
	}
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, store.ErrNotFound)
	}
	return nil
}

func rolesFromModels(models []roleModel) []*role.Role {
	result := make([]*role.Role, len(models))
	for i := range models {
		result[i] = roleFromModel(&models[i])
	}
	return result
}

func roleFilter(filter *role.ListFilter) bson.M {
	f := bson.M{}
	if filter == nil {
		return f
	}
	if filter.IsSystem != nil {
		f["is_system"] = *filter.IsSystem
	}
	if filter.IsActive != nil {
		f["is_active"] = *filter.IsActive
	}
	if filter.IsDefault != nil {
		f["is_default"] = *filter.IsDefault
	}
	if filter.ParentID != nil {
		f["parent_id"] = filter.ParentID.String()
	}
	if filter.Search != "" {
		f["name"] = search(filter.Search)
	}
	return f
}

// ──────────────────────────────────────────────────
// Role grants
// ──────────────────────────────────────────────────

func (s *Store) UpsertRoleGrant(ctx context.Context, g *role.Grant) error {
	if err := s.requireRole(ctx, g.RoleID); err != nil {
		return err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now()
	}
	var m roleGrantModel
	err := s.upsertOne(ctx, colRoleGrants,
		bson.M{"role_id": g.RoleID.String(), "permission_id": g.PermissionID.String()},
		bson.M{
			"$set": bson.M{
				"scope_override": scopeOverride(g),
				"source":         g.Source,
				"granted_by":     g.GrantedBy,
			},
			"$setOnInsert": bson.M{"_id": g.ID.String(), "created_at": g.CreatedAt},
		}, &m)
	if err != nil {
		return mapErr(err, "grant %s on role %s", g.PermissionID, g.RoleID)
	}
	stored := roleGrantFromModel(&m)
	g.ID, g.CreatedAt = stored.ID, stored.CreatedAt
	return nil
}

func (s *Store) GetRoleGrant(ctx context.Context, roleID id.RoleID, permID id.PermissionID) (*role.Grant, error) {
	var m roleGrantModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"role_id": roleID.String(), "permission_id": permID.String()}).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "grant of %s on %s", permID, roleID)
	}
	return roleGrantFromModel(&m), nil
}

func (s *Store) DeleteRoleGrant(ctx context.Context, roleID id.RoleID, permID id.PermissionID) (bool, error) {
	res, err := s.mdb.NewDelete((*roleGrantModel)(nil)).
		Filter(bson.M{"role_id": roleID.String(), "permission_id": permID.String()}).
		Exec(ctx)
	if err != nil {
		return false, mapErr(err, "revoke %s from role %s", permID, roleID)
	}
	return res.DeletedCount() > 0, nil
}

func (s *Store) ListRoleGrants(ctx context.Context, roleID id.RoleID) ([]*role.Grant, error) {
	return s.findRoleGrants(ctx, bson.M{"role_id": roleID.String()}, "list grants of role "+roleID.String())
}

func (s *Store) ListAllRoleGrants(ctx context.Context) ([]*role.Grant, error) {
	return s.findRoleGrants(ctx, bson.M{}, "list role grants")
}

func (s *Store) ListRoleGrantsByPermission(ctx context.Context, permID id.PermissionID) ([]*role.Grant, error) {
	return s.findRoleGrants(ctx, bson.M{"permission_id": permID.String()}, "list grants of permission "+permID.String())
}

func (s *Store) findRoleGrants(ctx context.Context, filter bson.M, what string) ([]*role.Grant, error) {
	var models []roleGrantModel
	if err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "role_id", Value: 1}, {Key: "permission_id", Value: 1}}).
		Scan(ctx); err != nil {
		return nil, mapErr(err, "%s", what)
	}
	result := make([]*role.Grant, len(models))
	for i := range models {
		result[i] = roleGrantFromModel(&models[i])
	}
	return result, nil
}
