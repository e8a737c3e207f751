package gatekeeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/template"
)

// ApplyResult describes what ApplyTemplate wrote.
type ApplyResult struct {
	TemplateID      id.TemplateID       `json:"template_id"`
	TemplateVersion int64               `json:"template_version"`
	Source          string              `json:"source"`
	Target          template.TargetType `json:"target"`
	TargetID        string              `json:"target_id"`
	RoleGrants      []*role.Grant       `json:"role_grants,omitempty"`
	UserGrants      []*grant.Grant      `json:"user_grants,omitempty"`

	// Skipped holds the user's deny records that blocked an entry. A
	// template never turns a deny into a grant.
	Skipped []*grant.Grant `json:"skipped,omitempty"`

	// Version is the role's version after a role apply.
	Version int64 `json:"version,omitempty"`

	// Revision is the user's revision after a user apply.
	Revision int64 `json:"revision,omitempty"`
}

// overwritten is the before snapshot of ApplyTemplate: the records the
// apply replaced.
type overwritten struct {
	RoleGrants []*role.Grant  `json:"role_grants,omitempty"`
	UserGrants []*grant.Grant `json:"user_grants,omitempty"`
}

// CreateTemplate stores a new template at version 1.
func (e *Engine) CreateTemplate(ctx context.Context, t *template.Template) (*template.Template, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil template", ErrMalformedRequest)
	}
	next := t.Clone()
	if next.ID.IsNil() {
		next.ID = id.NewTemplateID()
	}
	if err := validateStruct(next); err != nil {
		return nil, err
	}
	err := e.commit(ctx, "CreateTemplate", func(ctx context.Context, tx store.Store) (*change, error) {
		if err := checkTemplate(ctx, tx, next); err != nil {
			return nil, err
		}
		if err := tx.CreateTemplate(ctx, next); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityTemplate,
			entityID:   next.ID.String(),
			action:     audit.ActionCreate,
			after:      next,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateTemplate replaces a template's name, description and entries.
// t.Version must equal the stored version; the version is bumped.
// Targets the template was already applied to are not touched.
func (e *Engine) UpdateTemplate(ctx context.Context, t *template.Template) (*template.Template, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil template", ErrMalformedRequest)
	}
	next := t.Clone()
	if err := validateStruct(next); err != nil {
		return nil, err
	}
	err := e.commit(ctx, "UpdateTemplate", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetTemplate(ctx, next.ID)
		if err != nil {
			return nil, notFound(err, ErrTemplateNotFound)
		}
		if err := checkVersion("template", cur.ID, cur.Version, next.Version); err != nil {
			return nil, err
		}
		next.CreatedAt = cur.CreatedAt
		if err := checkTemplate(ctx, tx, next); err != nil {
			return nil, err
		}
		if err := tx.UpdateTemplate(ctx, next); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityTemplate,
			entityID:   next.ID.String(),
			action:     audit.ActionUpdate,
			before:     cur,
			after:      next,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteTemplate removes a template. Grants copied from it stay.
func (e *Engine) DeleteTemplate(ctx context.Context, tmplID id.TemplateID) error {
	return e.commit(ctx, "DeleteTemplate", func(ctx context.Context, tx store.Store) (*change, error) {
		cur, err := tx.GetTemplate(ctx, tmplID)
		if err != nil {
			return nil, notFound(err, ErrTemplateNotFound)
		}
		if err := tx.DeleteTemplate(ctx, tmplID); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityTemplate,
			entityID:   tmplID.String(),
			action:     audit.ActionDelete,
			before:     cur,
		}, nil
	})
}

// GetTemplate returns a template.
func (e *Engine) GetTemplate(ctx context.Context, tmplID id.TemplateID) (*template.Template, error) {
	t, err := e.store.GetTemplate(ctx, tmplID)
	if err != nil {
		return nil, notFound(err, ErrTemplateNotFound)
	}
	return t, nil
}

// ListTemplates returns templates ordered by name.
func (e *Engine) ListTemplates(ctx context.Context, filter *template.ListFilter) ([]*template.Template, error) {
	list, err := e.store.ListTemplates(ctx, filter)
	return list, translate(err)
}

// ApplyTemplate copies every entry of a template onto a role or a user.
// Each written grant is stamped with the template's ID and current
// version. For a role, an entry narrower than its permission becomes a
// scope override; the role's version is bumped once. For a user, the
// entries become direct grants and the user's revision is bumped once; an
// entry whose permission the user holds a deny for is skipped and reported
// in the result. expected is the role version or user revision the caller
// last read.
func (e *Engine) ApplyTemplate(ctx context.Context, tmplID id.TemplateID, target template.TargetType, targetID string, expected int64) (*ApplyResult, error) {
	if target != template.TargetRole && target != template.TargetUser {
		return nil, fmt.Errorf("%w: unknown template target %q", ErrMalformedRequest, target)
	}
	if targetID == "" {
		return nil, fmt.Errorf("%w: empty target id", ErrMalformedRequest)
	}
	var roleID id.RoleID
	if target == template.TargetRole {
		rid, err := id.ParseRoleID(targetID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		}
		roleID = rid
	}

	var result *ApplyResult
	err := e.commit(ctx, "ApplyTemplate", func(ctx context.Context, tx store.Store) (*change, error) {
		tmpl, err := tx.GetTemplate(ctx, tmplID)
		if err != nil {
			return nil, notFound(err, ErrTemplateNotFound)
		}
		result = &ApplyResult{
			TemplateID:      tmpl.ID,
			TemplateVersion: tmpl.Version,
			Source:          tmpl.Source(),
			Target:          target,
			TargetID:        targetID,
		}
		actorID, _ := actorFromContext(ctx)
		now := e.now().UTC()

		var replaced overwritten
		ch := &change{
			action: audit.ActionApply,
			after:  result,
			notify: func(ctx context.Context, r *plugin.Registry) {
				r.EmitTemplateApplied(ctx, tmpl, target, targetID)
			},
		}

		if target == template.TargetRole {
			r, err := tx.GetRole(ctx, roleID)
			if err != nil {
				return nil, notFound(err, ErrRoleNotFound)
			}
			if err := checkVersion("role", r.ID, r.Version, expected); err != nil {
				return nil, err
			}
			for _, entry := range tmpl.Entries {
				p, err := entryPermission(ctx, tx, entry)
				if err != nil {
					return nil, err
				}
				prev, err := tx.GetRoleGrant(ctx, r.ID, p.ID)
				switch {
				case err == nil:
					replaced.RoleGrants = append(replaced.RoleGrants, prev)
				case !errors.Is(err, store.ErrNotFound):
					return nil, err
				}
				g := &role.Grant{
					ID:           id.NewRoleGrantID(),
					RoleID:       r.ID,
					PermissionID: p.ID,
					Source:       result.Source,
					GrantedBy:    actorID,
					CreatedAt:    now,
				}
				if entry.Scope != p.Scope {
					s := entry.Scope
					g.ScopeOverride = &s
				}
				if err := tx.UpsertRoleGrant(ctx, g); err != nil {
					return nil, err
				}
				result.RoleGrants = append(result.RoleGrants, g)
			}
			if err := tx.UpdateRole(ctx, r); err != nil {
				return nil, err
			}
			result.Version = r.Version
			ch.entityType, ch.entityID = audit.EntityRole, r.ID.String()
			ch.graph, ch.all = true, true
			if len(replaced.RoleGrants) > 0 {
				ch.before = &replaced
			}
			return ch, nil
		}

		if err := checkRevision(ctx, tx, targetID, expected); err != nil {
			return nil, err
		}
		for _, entry := range tmpl.Entries {
			p, err := entryPermission(ctx, tx, entry)
			if err != nil {
				return nil, err
			}
			prev, err := tx.GetUserGrant(ctx, targetID, p.ID)
			switch {
			case err == nil && prev.Polarity == grant.Deny:
				result.Skipped = append(result.Skipped, prev)
				continue
			case err == nil:
				replaced.UserGrants = append(replaced.UserGrants, prev)
			case !errors.Is(err, store.ErrNotFound):
				return nil, err
			}
			g := &grant.Grant{
				ID:           id.NewUserGrantID(),
				UserID:       targetID,
				PermissionID: p.ID,
				Polarity:     grant.Allow,
				Scope:        entry.Scope,
				Source:       result.Source,
				AssignedAt:   now,
				AssignedBy:   actorID,
			}
			if err := tx.UpsertUserGrant(ctx, g); err != nil {
				return nil, err
			}
			result.UserGrants = append(result.UserGrants, g)
		}
		if result.Revision, err = tx.BumpUserRevision(ctx, targetID, expected); err != nil {
			return nil, err
		}
		ch.entityType, ch.entityID = audit.EntityUserGrant, targetID
		ch.users = []string{targetID}
		if len(replaced.UserGrants) > 0 {
			ch.before = &replaced
		}
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateTemplateFromRole snapshots the active permissions a role holds
// after inheritance into a new template.
func (e *Engine) GenerateTemplateFromRole(ctx context.Context, roleID id.RoleID, name string) (*template.Template, error) {
	inherited, err := e.ResolveInheritedGrants(ctx, roleID)
	if err != nil {
		return nil, err
	}
	r, err := e.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	tmpl := &template.Template{
		ID:          id.NewTemplateID(),
		Name:        name,
		Description: fmt.Sprintf("Generated from role %s", r.Name),
		Entries:     make([]template.Entry, 0, len(inherited)),
	}
	for _, ig := range inherited {
		if !ig.Permission.IsActive {
			continue
		}
		tmpl.Entries = append(tmpl.Entries, template.Entry{PermissionID: ig.Permission.ID, Scope: ig.Scope})
	}
	if err := validateStruct(tmpl); err != nil {
		return nil, err
	}

	err = e.commit(ctx, "GenerateTemplateFromRole", func(ctx context.Context, tx store.Store) (*change, error) {
		if err := checkTemplate(ctx, tx, tmpl); err != nil {
			return nil, err
		}
		if err := tx.CreateTemplate(ctx, tmpl); err != nil {
			return nil, err
		}
		return &change{
			entityType: audit.EntityTemplate,
			entityID:   tmpl.ID.String(),
			action:     audit.ActionGenerate,
			before:     r,
			after:      tmpl,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// checkTemplate enforces a unique name and validates every entry.
func checkTemplate(ctx context.Context, tx store.Store, t *template.Template) error {
	other, err := tx.GetTemplateByName(ctx, t.Name)
	switch {
	case err == nil && other.ID.String() != t.ID.String():
		return fmt.Errorf("%w: template name %q", ErrDuplicateIdentity, t.Name)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	seen := make(map[string]bool, len(t.Entries))
	for _, entry := range t.Entries {
		if seen[entry.PermissionID.String()] {
			return fmt.Errorf("%w: permission %s listed twice", ErrMalformedRequest, entry.PermissionID)
		}
		seen[entry.PermissionID.String()] = true
		if _, err := entryPermission(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// entryPermission loads the permission an entry names and rejects an
// entry scope wider than the permission's.
func entryPermission(ctx context.Context, tx store.Store, entry template.Entry) (*permission.Permission, error) {
	p, err := tx.GetPermission(ctx, entry.PermissionID)
	if err != nil {
		return nil, notFound(err, ErrPermissionNotFound)
	}
	if entry.Scope.WiderThan(p.Scope) {
		return nil, fmt.Errorf("%w: template entry %s is wider than %s of %s",
			ErrInvalidScopeNarrowing, entry.Scope, p.Scope, p.Name)
	}
	return p, nil
}
