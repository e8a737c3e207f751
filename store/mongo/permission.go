package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
)

func (s *Store) CreatePermission(ctx context.Context, p *permission.Permission) error {
	t := now()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = t, t
	m, err := permissionToModel(p)
	if err != nil {
		return err
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return mapErr(err, "create permission %q", p.Name)
	}
	return nil
}

func (s *Store) GetPermission(ctx context.Context, permID id.PermissionID) (*permission.Permission, error) {
	return s.findPermission(ctx, bson.M{"_id": permID.String()}, "permission "+permID.String())
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (*permission.Permission, error) {
	return s.findPermission(ctx, bson.M{"name": name}, "permission name "+name)
}

func (s *Store) FindActivePermission(ctx context.Context, resourceType, action, sc string) (*permission.Permission, error) {
	return s.findPermission(ctx, bson.M{
		"is_active":     true,
		"resource_type": resourceType,
		"action":        action,
		"scope":         sc,
	}, "permission "+resourceType+":"+action+":"+sc)
}

func (s *Store) findPermission(ctx context.Context, filter bson.M, what string) (*permission.Permission, error) {
	var m permissionModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		return nil, mapErr(err, "%s", what)
	}
	return permissionFromModel(&m)
}

func (s *Store) UpdatePermission(ctx context.Context, p *permission.Permission) error {
	next := *p
	next.Version++
	next.UpdatedAt = now()
	m, err := permissionToModel(&next)
	if err != nil {
		return err
	}
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "version": p.Version}).
		Exec(ctx)
	if err != nil {
		return mapErr(err, "update permission %s", p.ID)
	}
	if res.MatchedCount() == 0 {
		return s.casFailure(ctx, colPermissions, m.ID, "permission")
	}
	p.Version, p.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func (s *Store) DeletePermission(ctx context.Context, permID id.PermissionID) error {
	_, err := s.mdb.NewDelete((*permissionModel)(nil)).
		Filter(bson.M{"_id": permID.String()}).
		Exec(ctx)
	return mapErr(err, "delete permission %s", permID)
}

func (s *Store) ListPermissions(ctx context.Context, filter *permission.ListFilter) ([]*permission.Permission, error) {
	var models []permissionModel
	q := s.mdb.NewFind(&models).
		Filter(permissionFilter(filter)).
		Sort(bson.D{{Key: "resource_type", Value: 1}, {Key: "action", Value: 1}, {Key: "name", Value: 1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list permissions")
	}
	result := make([]*permission.Permission, 0, len(models))
	for i := range models {
		p, err := permissionFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *Store) CountPermissions(ctx context.Context, filter *permission.ListFilter) (int64, error) {
	count, err := s.mdb.NewFind((*permissionModel)(nil)).
		Filter(permissionFilter(filter)).
		Count(ctx)
	return count, mapErr(err, "count permissions")
}

func permissionFilter(filter *permission.ListFilter) bson.M {
	f := bson.M{}
	if filter == nil {
		return f
	}
	if filter.ResourceType != "" {
		f["resource_type"] = filter.ResourceType
	}
	if filter.Action != "" {
		f["action"] = filter.Action
	}
	if filter.Scope != "" {
		f["scope"] = filter.Scope
	}
	if filter.IsActive != nil {
		f["is_active"] = *filter.IsActive
	}
	if filter.IsSystem != nil {
		f["is_system"] = *filter.IsSystem
	}
	if filter.Search != "" {
		f["name"] = search(filter.Search)
	}
	return f
}
