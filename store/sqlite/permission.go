package sqlite

import (
	"context"
	"time"

	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
)

func (s *Store) CreatePermission(ctx context.Context, p *permission.Permission) error {
	now := time.Now().UTC()
	m, err := permissionToModel(p)
	if err != nil {
		return err
	}
	m.Version = 1
	m.CreatedAt, m.UpdatedAt = now, now
	if _, err := s.q.NewInsert(m).Exec(ctx); err != nil {
		return mapErr(err, "create permission %q", p.Name)
	}
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *Store) GetPermission(ctx context.Context, permID id.PermissionID) (*permission.Permission, error) {
	m := new(permissionModel)
	err := s.q.NewSelect(m).Where("id = ?", permID.String()).Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "permission %s", permID)
	}
	return permissionFromModel(m)
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (*permission.Permission, error) {
	m := new(permissionModel)
	err := s.q.NewSelect(m).Where("name = ?", name).Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "permission name %q", name)
	}
	return permissionFromModel(m)
}

func (s *Store) FindActivePermission(ctx context.Context, resourceType, action, sc string) (*permission.Permission, error) {
	m := new(permissionModel)
	err := s.q.NewSelect(m).
		Where("is_active = ?", true).
		Where("resource_type = ?", resourceType).
		Where("action = ?", action).
		Where("scope = ?", sc).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, "permission %s:%s:%s", resourceType, action, sc)
	}
	return permissionFromModel(m)
}

func (s *Store) UpdatePermission(ctx context.Context, p *permission.Permission) error {
	now := time.Now().UTC()
	m, err := permissionToModel(p)
	if err != nil {
		return err
	}
	m.Version = p.Version + 1
	m.UpdatedAt = now
	res, err := s.q.NewUpdate(m).WherePK().Where("version = ?", p.Version).Exec(ctx)
	if err != nil {
		return mapErr(err, "update permission %s", p.ID)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.casFailure(ctx, (*permissionModel)(nil), p.ID.String(), "permission")
	}
	p.Version = m.Version
	p.UpdatedAt = now
	return nil
}

func (s *Store) DeletePermission(ctx context.Context, permID id.PermissionID) error {
	_, err := s.q.NewDelete((*permissionModel)(nil)).Where("id = ?", permID.String()).Exec(ctx)
	return mapErr(err, "delete permission %s", permID)
}

func (s *Store) ListPermissions(ctx context.Context, filter *permission.ListFilter) ([]*permission.Permission, error) {
	var models []permissionModel
	q := permissionFilter(s.q.NewSelect(&models), filter).OrderExpr("resource_type ASC, action ASC, name ASC")
	if filter != nil {
		q = page(q, filter.Limit, filter.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list permissions")
	}
	result := make([]*permission.Permission, len(models))
	for i := range models {
		p, err := permissionFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) CountPermissions(ctx context.Context, filter *permission.ListFilter) (int64, error) {
	n, err := permissionFilter(s.q.NewSelect((*permissionModel)(nil)), filter).Count(ctx)
	if err != nil {
		return 0, mapErr(err, "count permissions")
	}
	return n, nil
}

func permissionFilter(q *sqlitedriver.SelectQuery, f *permission.ListFilter) *sqlitedriver.SelectQuery {
	if f == nil {
		return q
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", f.ResourceType)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Scope != "" {
		q = q.Where("scope = ?", f.Scope)
	}
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}
	if f.IsSystem != nil {
		q = q.Where("is_system = ?", *f.IsSystem)
	}
	if f.Search != "" {
		q = q.Where("name LIKE ?", "%"+f.Search+"%")
	}
	return q
}
