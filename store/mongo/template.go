package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/template"
)

// ──────────────────────────────────────────────────
// Templates
// ──────────────────────────────────────────────────

func (s *Store) CreateTemplate(ctx context.Context, t *template.Template) error {
	ts := now()
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = ts, ts
	if _, err := s.mdb.NewInsert(templateToModel(t)).Exec(ctx); err != nil {
		return mapErr(err, "create template %q", t.Name)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, tmplID id.TemplateID) (*template.Template, error) {
	var m templateModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"_id": tmplID.String()}).Scan(ctx); err != nil {
		return nil, mapErr(err, "template %s", tmplID)
	}
	return templateFromModel(&m), nil
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (*template.Template, error) {
	var m templateModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"name": name}).Scan(ctx); err != nil {
		return nil, mapErr(err, "template name %q", name)
	}
	return templateFromModel(&m), nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *template.Template) error {
	next := t.Clone()
	next.Version++
	next.UpdatedAt = now()
	m := templateToModel(next)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "version": t.Version}).
		Exec(ctx)
	if err != nil {
		return mapErr(err, "update template %s", t.ID)
	}
	if res.MatchedCount() == 0 {
		return s.casFailure(ctx, colTemplates, m.ID, "template")
	}
	t.Version, t.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, tmplID id.TemplateID) error {
	_, err := s.mdb.NewDelete((*templateModel)(nil)).
		Filter(bson.M{"_id": tmplID.String()}).
		Exec(ctx)
	return mapErr(err, "delete template %s", tmplID)
}

func (s *Store) ListTemplates(ctx context.Context, filter *template.ListFilter) ([]*template.Template, error) {
	f := bson.M{}
	if filter != nil && filter.Search != "" {
		f["name"] = search(filter.Search)
	}
	var models []templateModel
	q := s.mdb.NewFind(&models).
		Filter(f).
		Sort(bson.D{{Key: "name", Value: 1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list templates")
	}
	result := make([]*template.Template, len(models))
	for i := range models {
		result[i] = templateFromModel(&models[i])
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Audit log
// ──────────────────────────────────────────────────

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	if _, err := s.mdb.NewInsert(auditToModel(e)).Exec(ctx); err != nil {
		return mapErr(err, "append audit entry")
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filter *audit.Filter) ([]*audit.Entry, error) {
	dir := 1
	if filter != nil && filter.Descending {
		dir = -1
	}
	var models []auditModel
	q := s.mdb.NewFind(&models).
		Filter(auditFilter(filter)).
		Sort(bson.D{{Key: "created_at", Value: dir}, {Key: "_id", Value: dir}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapErr(err, "list audit entries")
	}
	result := make([]*audit.Entry, len(models))
	for i := range models {
		result[i] = auditFromModel(&models[i])
	}
	return result, nil
}

func (s *Store) CountAudit(ctx context.Context, filter *audit.Filter) (int64, error) {
	count, err := s.mdb.NewFind((*auditModel)(nil)).
		Filter(auditFilter(filter)).
		Count(ctx)
	return count, mapErr(err, "count audit entries")
}

func (s *Store) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*auditModel)(nil)).
		Many().
		Filter(bson.M{"created_at": bson.M{"$lt": before.UTC()}}).
		Exec(ctx)
	if err != nil {
		return 0, mapErr(err, "purge audit entries")
	}
	return res.DeletedCount(), nil
}

func auditFilter(filter *audit.Filter) bson.M {
	f := bson.M{}
	if filter == nil {
		return f
	}
	if filter.EntityType != "" {
		f["entity_type"] = filter.EntityType
	}
	if filter.EntityID != "" {
		f["entity_id"] = filter.EntityID
	}
	if filter.ActorID != "" {
		f["actor_id"] = filter.ActorID
	}
	if filter.Action != "" {
		f["action"] = filter.Action
	}
	created := bson.M{}
	if filter.After != nil {
		created["$gte"] = filter.After.UTC()
	}
	if filter.Before != nil {
		created["$lt"] = filter.Before.UTC()
	}
	if len(created) > 0 {
		f["created_at"] = created
	}
	return f
}
