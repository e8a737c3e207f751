package postgres

import (
	"context"
	"time"

	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/role"
)

func (s *Store) CreateRole(ctx context.Context, r *role.Role) error {
	now := time.Now().UTC()
	m := roleToModel(r)
	m.Version = 1
	m.CreatedAt, m.UpdatedAt = now, now
	if _, err := s.q.NewInsert(m).Exec(ctx); err != nil {
		return mapErr(err, "create role %q", r.Name)
	}
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func (s *Store) GetRole(ctx context.Context, roleID id.RoleID) (*role.Role, error) {
	m := new(roleModel)
	if err := s.q.NewSelect(m).Where("id = ?", roleID.String()).Scan(ctx); err != nil {
		return nil, mapErr(err, "role %s", roleID)
	}
	return roleFromModel(m), nil
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (*role.Role, error) {
	m := new(roleModel)
	if err := s.q.NewSelect(m).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, mapErr(err, "role name %q", name)
	}
	return roleFromModel(m), nil
}

func (s *Store) UpdateRole(ctx context.Context, r *role.Role) error {
	now := time.Now().UTC()
	m := roleToModel(r)
	m.Version = r.Version + 1
	m.UpdatedAt = now
	res, err := s.q.NewUpdate(m).WherePK().Where("version = ?", r.Version).Exec(ctx)
	if err != nil {
		return mapErr(err, "update role %s", r.ID)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.casFailure(ctx, (*roleModel)(nil), r.ID.String(), "role")
	}
	r.Version = m.Version
	r.UpdatedAt = now
	return nil
}

func (s *Store) DeleteRole(ctx context.Context, roleID id.RoleID) error {
	_, err := s.q.NewDelete((*roleModel)(nil)).Where("id = ?", roleID.String()).Exec(ctx)
	return mapErr(err, "delete role %s", roleID)
}

func (s *Store) ListRoles(ctx context.Context, filter *role.ListFilter) ([]*role.Role, error) {
	var models []roleModel
	q := roleFilter(s.q.NewSelect(&models), filter).OrderExpr("level ASC, name ASC")
	if filter != nil {
		q = page(q, filter.Limit, filter.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list roles")
	}
	return rolesFromModels(models), nil
}

func (s *Store) CountRoles(ctx context.Context, filter *role.ListFilter) (int64, error) {
	n, err := roleFilter(s.q.NewSelect((*roleModel)(nil)), filter).Count(ctx)
	if err != nil {
		return 0, mapErr(err, "count roles")
	}
	return n, nil
}

func (s *Store) ListChildRoles(ctx context.Context, parentID id.RoleID) ([]*role.Role, error) {
	var models []roleModel
	err := s.q.NewSelect(&models).
		Where("parent_id = ?", parentID.String()).
		OrderExpr("level ASC, name ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "list child roles of %s", parentID)
	}
	return rolesFromModels(models), nil
}

func rolesFromModels(models []roleModel) []*role.Role {
	result := make([]*role.Role, len(models))
	for i := range models {
		result[i] = roleFromModel(&models[i])
	}
	return result
}

func roleFilter(q *pgdriver.SelectQuery, f *role.ListFilter) *pgdriver.SelectQuery {
	if f == nil {
		return q
	}
	if f.IsSystem != nil {
		q = q.Where("is_system = ?", *f.IsSystem)
	}
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}
	if f.IsDefault != nil {
		q = q.Where("is_default = ?", *f.IsDefault)
	}
	if f.ParentID != nil {
		q = q.Where("parent_id = ?", f.ParentID.String())
	}
	if f.Search != "" {
		q = q.Where("name ILIKE ?", "%"+f.Search+"%")
	}
	return q
}

// ──────────────────────────────────────────────────
// Role grants
// ──────────────────────────────────────────────────

// UpsertRoleGrant inserts or replaces the grant keyed by (role, permission).
// On replace the stored row keeps its ID and creation time, which are read
// back into g.
func (s *Store) UpsertRoleGrant(ctx context.Context, g *role.Grant) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.NewInsert(roleGrantToModel(g)).
		OnConflict("(role_id, permission_id) DO UPDATE SET " +
			"scope_override = EXCLUDED.scope_override, " +
			"source = EXCLUDED.source, " +
			"granted_by = EXCLUDED.granted_by").
		Exec(ctx)
	if err != nil {
		return mapErr(err, "grant %s on role %s", g.PermissionID, g.RoleID)
	}
	stored, err := s.GetRoleGrant(ctx, g.RoleID, g.PermissionID)
	if err != nil {
		return err
	}
	g.ID, g.CreatedAt = stored.ID, stored.CreatedAt
	return nil
}

func (s *Store) GetRoleGrant(ctx context.Context, roleID id.RoleID, permID id.PermissionID) (*role.Grant, error) {
	m := new(roleGrantModel)
	err := s.q.NewSelect(m).
		Where("role_id = ?", roleID.String()).
		Where("permission_id = ?", permID.String()).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "grant of %s on %s", permID, roleID)
	}
	return roleGrantFromModel(m), nil
}

func (s *Store) DeleteRoleGrant(ctx context.Context, roleID id.RoleID, permID id.PermissionID) (bool, error) {
	res, err := s.q.NewDelete((*roleGrantModel)(nil)).
		Where("role_id = ?", roleID.String()).
		Where("permission_id = ?", permID.String()).
		Exec(ctx)
	if err != nil {
		return false, mapErr(err, "revoke %s from role %s", permID, roleID)
	}
	n, err := affected(res)
	return n > 0, err
}

func (s *Store) ListRoleGrants(ctx context.Context, roleID id.RoleID) ([]*role.Grant, error) {
	var models []roleGrantModel
	err := s.q.NewSelect(&models).
		Where("role_id = ?", roleID.String()).
		OrderExpr("permission_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "list grants of role %s", roleID)
	}
	return roleGrantsFromModels(models), nil
}

func (s *Store) ListAllRoleGrants(ctx context.Context) ([]*role.Grant, error) {
	var models []roleGrantModel
	err := s.q.NewSelect(&models).OrderExpr("role_id ASC, permission_id ASC").Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "list role grants")
	}
	return roleGrantsFromModels(models), nil
}

func (s *Store) ListRoleGrantsByPermission(ctx context.Context, permID id.PermissionID) ([]*role.Grant, error) {
	var models []roleGrantModel
	err := s.q.NewSelect(&models).
		Where("permission_id = ?", permID.String()).
		OrderExpr("role_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "list grants of permission %s", permID)
	}
	return roleGrantsFromModels(models), nil
}

func roleGrantsFromModels(models []roleGrantModel) []*role.Grant {
	result := make([]*role.Grant, len(models))
	for i := range models {
		result[i] = roleGrantFromModel(&models[i])
	}
	return result
}
