package postgres

import (
	"context"
	"time"

	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/template"
)

// ──────────────────────────────────────────────────
// Templates
// ──────────────────────────────────────────────────

func (s *Store) CreateTemplate(ctx context.Context, t *template.Template) error {
	now := time.Now().UTC()
	m := templateToModel(t)
	m.Version = 1
	m.CreatedAt, m.UpdatedAt = now, now
	if _, err := s.q.NewInsert(m).Exec(ctx); err != nil {
		return mapErr(err, "create template %q", t.Name)
	}
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, tmplID id.TemplateID) (*template.Template, error) {
	m := new(templateModel)
	if err := s.q.NewSelect(m).Where("id = ?", tmplID.String()).Scan(ctx); err != nil {
		return nil, mapErr(err, "template %s", tmplID)
	}
	return templateFromModel(m), nil
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (*template.Template, error) {
	m := new(templateModel)
	if err := s.q.NewSelect(m).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, mapErr(err, "template name %q", name)
	}
	return templateFromModel(m), nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *template.Template) error {
	now := time.Now().UTC()
	m := templateToModel(t)
	m.Version = t.Version + 1
	m.UpdatedAt = now
	res, err := s.q.NewUpdate(m).WherePK().Where("version = ?", t.Version).Exec(ctx)
	if err != nil {
		return mapErr(err, "update template %s", t.ID)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.casFailure(ctx, (*templateModel)(nil), t.ID.String(), "template")
	}
	t.Version = m.Version
	t.UpdatedAt = now
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, tmplID id.TemplateID) error {
	_, err := s.q.NewDelete((*templateModel)(nil)).Where("id = ?", tmplID.String()).Exec(ctx)
	return mapErr(err, "delete template %s", tmplID)
}

func (s *Store) ListTemplates(ctx context.Context, filter *template.ListFilter) ([]*template.Template, error) {
	var models []templateModel
	q := s.q.NewSelect(&models)
	if filter != nil {
		if filter.Search != "" {
			q = q.Where("name ILIKE ?", "%"+filter.Search+"%")
		}
		q = page(q, filter.Limit, filter.Offset)
	}
	if err := q.OrderExpr("name ASC").Scan(ctx); err != nil {
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
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.NewInsert(auditToModel(e)).Exec(ctx)
	return mapErr(err, "append audit entry")
}

func (s *Store) ListAudit(ctx context.Context, filter *audit.Filter) ([]*audit.Entry, error) {
	var models []auditModel
	q := auditFilter(s.q.NewSelect(&models), filter)
	order := "created_at ASC, id ASC"
	if filter != nil {
		if filter.Descending {
			order = "created_at DESC, id DESC"
		}
		q = page(q, filter.Limit, filter.Offset)
	}
	if err := q.OrderExpr(order).Scan(ctx); err != nil {
		return nil, mapErr(err, "list audit entries")
	}
	result := make([]*audit.Entry, len(models))
	for i := range models {
		result[i] = auditFromModel(&models[i])
	}
	return result, nil
}

func (s *Store) CountAudit(ctx context.Context, filter *audit.Filter) (int64, error) {
	n, err := auditFilter(s.q.NewSelect((*auditModel)(nil)), filter).Count(ctx)
	if err != nil {
		return 0, mapErr(err, "count audit entries")
	}
	return n, nil
}

func (s *Store) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q.NewDelete((*auditModel)(nil)).Where("created_at < ?", before).Exec(ctx)
	if err != nil {
		return 0, mapErr(err, "purge audit entries")
	}
	return affected(res)
}

func auditFilter(q *pgdriver.SelectQuery, f *audit.Filter) *pgdriver.SelectQuery {
	if f == nil {
		return q
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.After != nil {
		q = q.Where("created_at >= ?", *f.After)
	}
	if f.Before != nil {
		q = q.Where("created_at < ?", *f.Before)
	}
	return q
}
