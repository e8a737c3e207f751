package postgres

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/condition"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/template"
)

// ──────────────────────────────────────────────────
// Permission model
// ──────────────────────────────────────────────────

type permissionModel struct {
	grove.BaseModel `grove:"table:gatekeeper_permissions"`
	ID              string          `grove:"id,pk"`
	Name            string          `grove:"name,notnull"`
	ResourceType    string          `grove:"resource_type,notnull"`
	Action          string          `grove:"action,notnull"`
	Scope           string          `grove:"scope,notnull"`
	Description     string          `grove:"description"`
	Conditions      *condition.Expr `grove:"conditions,type:jsonb"`
	IsActive        bool            `grove:"is_active,notnull"`
	IsSystem        bool            `grove:"is_system,notnull"`
	Version         int64           `grove:"version,notnull"`
	CreatedAt       time.Time       `grove:"created_at,notnull"`
	UpdatedAt       time.Time       `grove:"updated_at,notnull"`
}

func permissionToModel(p *permission.Permission) *permissionModel {
	return &permissionModel{
		ID:           p.ID.String(),
		Name:         p.Name,
		ResourceType: p.ResourceType,
		Action:       p.Action,
		Scope:        string(p.Scope),
		Description:  p.Description,
		Conditions:   p.Conditions,
		IsActive:     p.IsActive,
		IsSystem:     p.IsSystem,
		Version:      p.Version,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func permissionFromModel(m *permissionModel) *permission.Permission {
	pid, _ := id.ParsePermissionID(m.ID) //nolint:errcheck // stored IDs are always valid
	return &permission.Permission{
		ID:           pid,
		Name:         m.Name,
		ResourceType: m.ResourceType,
		Action:       m.Action,
		Scope:        scope.Scope(m.Scope),
		Description:  m.Description,
		Conditions:   m.Conditions,
		IsActive:     m.IsActive,
		IsSystem:     m.IsSystem,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// ──────────────────────────────────────────────────
// Role model
// ──────────────────────────────────────────────────

type roleModel struct {
	grove.BaseModel `grove:"table:gatekeeper_roles"`
	ID              string    `grove:"id,pk"`
	Name            string    `grove:"name,notnull"`
	DisplayName     string    `grove:"display_name"`
	Description     string    `grove:"description"`
	Level           int       `grove:"level,notnull"`
	ParentID        *string   `grove:"parent_id"`
	IsSystem        bool      `grove:"is_system,notnull"`
	IsActive        bool      `grove:"is_active,notnull"`
	IsDefault       bool      `grove:"is_default,notnull"`
	Version         int64     `grove:"version,notnull"`
	CreatedAt       time.Time `grove:"created_at,notnull"`
	UpdatedAt       time.Time `grove:"updated_at,notnull"`
}

func roleToModel(r *role.Role) *roleModel {
	m := &roleModel{
		ID:          r.ID.String(),
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Description: r.Description,
		Level:       r.Level,
		IsSystem:    r.IsSystem,
		IsActive:    r.IsActive,
		IsDefault:   r.IsDefault,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ParentID != nil {
		s := r.ParentID.String()
		m.ParentID = &s
	}
	return m
}

func roleFromModel(m *roleModel) *role.Role {
	rid, _ := id.ParseRoleID(m.ID) //nolint:errcheck // stored IDs are always valid
	r := &role.Role{
		ID:          rid,
		Name:        m.Name,
		DisplayName: m.DisplayName,
		Description: m.Description,
		Level:       m.Level,
		IsSystem:    m.IsSystem,
		IsActive:    m.IsActive,
		IsDefault:   m.IsDefault,
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.ParentID != nil {
		if pid, err := id.ParseRoleID(*m.ParentID); err == nil {
			r.ParentID = &pid
		}
	}
	return r
}

// ──────────────────────────────────────────────────
// Role grant model
// ──────────────────────────────────────────────────

type roleGrantModel struct {
	grove.BaseModel `grove:"table:gatekeeper_role_grants"`
	ID              string    `grove:"id,pk"`
	RoleID          string    `grove:"role_id,notnull"`
	PermissionID    string    `grove:"permission_id,notnull"`
	ScopeOverride   *string   `grove:"scope_override"`
	Source          string    `grove:"source,notnull"`
	GrantedBy       string    `grove:"granted_by"`
	CreatedAt       time.Time `grove:"created_at,notnull"`
}

func roleGrantToModel(g *role.Grant) *roleGrantModel {
	m := &roleGrantModel{
		ID:           g.ID.String(),
		RoleID:       g.RoleID.String(),
		PermissionID: g.PermissionID.String(),
		Source:       g.Source,
		GrantedBy:    g.GrantedBy,
		CreatedAt:    g.CreatedAt,
	}
	if g.ScopeOverride != nil {
		s := string(*g.ScopeOverride)
		m.ScopeOverride = &s
	}
	return m
}

func roleGrantFromModel(m *roleGrantModel) *role.Grant {
	g := &role.Grant{
		Source:    m.Source,
		GrantedBy: m.GrantedBy,
		CreatedAt: m.CreatedAt,
	}
	g.ID, _ = id.ParseRoleGrantID(m.ID)                      //nolint:errcheck // stored IDs are always valid
	g.RoleID, _ = id.ParseRoleID(m.RoleID)                   //nolint:errcheck // stored IDs are always valid
	g.PermissionID, _ = id.ParsePermissionID(m.PermissionID) //nolint:errcheck // stored IDs are always valid
	if m.ScopeOverride != nil {
		sc := scope.Scope(*m.ScopeOverride)
		g.ScopeOverride = &sc
	}
	return g
}

// ──────────────────────────────────────────────────
// Assignment model
// ──────────────────────────────────────────────────

type assignmentModel struct {
	grove.BaseModel `grove:"table:gatekeeper_assignments"`
	ID              string     `grove:"id,pk"`
	UserID          string     `grove:"user_id,notnull"`
	RoleID          string     `grove:"role_id,notnull"`
	AssignedAt      time.Time  `grove:"assigned_at,notnull"`
	AssignedBy      string     `grove:"assigned_by"`
	ExpiresAt       *time.Time `grove:"expires_at"`
}

func assignmentToModel(a *assignment.Assignment) *assignmentModel {
	return &assignmentModel{
		ID:         a.ID.String(),
		UserID:     a.UserID,
		RoleID:     a.RoleID.String(),
		AssignedAt: a.AssignedAt,
		AssignedBy: a.AssignedBy,
		ExpiresAt:  a.ExpiresAt,
	}
}

func assignmentFromModel(m *assignmentModel) *assignment.Assignment {
	a := &assignment.Assignment{
		UserID:     m.UserID,
		AssignedAt: m.AssignedAt,
		AssignedBy: m.AssignedBy,
		ExpiresAt:  m.ExpiresAt,
	}
	a.ID, _ = id.ParseAssignmentID(m.ID)   //nolint:errcheck // stored IDs are always valid
	a.RoleID, _ = id.ParseRoleID(m.RoleID) //nolint:errcheck // stored IDs are always valid
	return a
}

// ──────────────────────────────────────────────────
// Direct grant and revision models
// ──────────────────────────────────────────────────

type userGrantModel struct {
	grove.BaseModel `grove:"table:gatekeeper_user_grants"`
	ID              string    `grove:"id,pk"`
	UserID          string    `grove:"user_id,notnull"`
	PermissionID    string    `grove:"permission_id,notnull"`
	Polarity        string    `grove:"polarity,notnull"`
	Scope           string    `grove:"scope,notnull"`
	Reason          string    `grove:"reason"`
	Source          string    `grove:"source"`
	AssignedAt      time.Time `grove:"assigned_at,notnull"`
	AssignedBy      string    `grove:"assigned_by"`
}

func userGrantToModel(g *grant.Grant) *userGrantModel {
	return &userGrantModel{
		ID:           g.ID.String(),
		UserID:       g.UserID,
		PermissionID: g.PermissionID.String(),
		Polarity:     string(g.Polarity),
		Scope:        string(g.Scope),
		Reason:       g.Reason,
		Source:       g.Source,
		AssignedAt:   g.AssignedAt,
		AssignedBy:   g.AssignedBy,
	}
}

func userGrantFromModel(m *userGrantModel) *grant.Grant {
	g := &grant.Grant{
		UserID:     m.UserID,
		Polarity:   grant.Polarity(m.Polarity),
		Scope:      scope.Scope(m.Scope),
		Reason:     m.Reason,
		Source:     m.Source,
		AssignedAt: m.AssignedAt,
		AssignedBy: m.AssignedBy,
	}
	g.ID, _ = id.ParseUserGrantID(m.ID)                      //nolint:errcheck // stored IDs are always valid
	g.PermissionID, _ = id.ParsePermissionID(m.PermissionID) //nolint:errcheck // stored IDs are always valid
	return g
}

type revisionModel struct {
	grove.BaseModel `grove:"table:gatekeeper_user_revisions"`
	UserID          string `grove:"user_id,pk"`
	Revision        int64  `grove:"revision,notnull"`
}

// ──────────────────────────────────────────────────
// Template model
// ──────────────────────────────────────────────────

type templateModel struct {
	grove.BaseModel `grove:"table:gatekeeper_templates"`
	ID              string           `grove:"id,pk"`
	Name            string           `grove:"name,notnull"`
	Description     string           `grove:"description"`
	Entries         []template.Entry `grove:"entries,type:jsonb"`
	Version         int64            `grove:"version,notnull"`
	CreatedAt       time.Time        `grove:"created_at,notnull"`
	UpdatedAt       time.Time        `grove:"updated_at,notnull"`
}

func templateToModel(t *template.Template) *templateModel {
	entries := t.Entries
	if entries == nil {
		entries = []template.Entry{}
	}
	return &templateModel{
		ID:          t.ID.String(),
		Name:        t.Name,
		Description: t.Description,
		Entries:     entries,
		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func templateFromModel(m *templateModel) *template.Template {
	tid, _ := id.ParseTemplateID(m.ID) //nolint:errcheck // stored IDs are always valid
	return &template.Template{
		ID:          tid,
		Name:        m.Name,
		Description: m.Description,
		Entries:     m.Entries,
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// ──────────────────────────────────────────────────
// Audit model
// ──────────────────────────────────────────────────

type auditModel struct {
	grove.BaseModel `grove:"table:gatekeeper_audit_log"`
	ID              string          `grove:"id,pk"`
	EntityType      string          `grove:"entity_type,notnull"`
	EntityID        string          `grove:"entity_id,notnull"`
	Action          string          `grove:"action,notnull"`
	ActorID         string          `grove:"actor_id"`
	ActorIP         string          `grove:"actor_ip"`
	Before          json.RawMessage `grove:"before_state,type:jsonb"`
	After           json.RawMessage `grove:"after_state,type:jsonb"`
	CreatedAt       time.Time       `grove:"created_at,notnull"`
}

func auditToModel(e *audit.Entry) *auditModel {
	return &auditModel{
		ID:         e.ID.String(),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		ActorID:    e.ActorID,
		ActorIP:    e.ActorIP,
		Before:     e.Before,
		After:      e.After,
		CreatedAt:  e.CreatedAt,
	}
}

func auditFromModel(m *auditModel) *audit.Entry {
	aid, _ := id.ParseAuditID(m.ID) //nolint:errcheck // stored IDs are always valid
	return &audit.Entry{
		ID:         aid,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Action:     m.Action,
		ActorID:    m.ActorID,
		ActorIP:    m.ActorIP,
		Before:     snapshot(m.Before),
		After:      snapshot(m.After),
		CreatedAt:  m.CreatedAt,
	}
}

// snapshot maps an empty or JSON-null column back to a nil message.
func snapshot(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
