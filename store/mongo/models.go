package mongo

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

// Conditions are kept as JSON text; decoding an expression tree through
// BSON would turn literal values into driver types.
type permissionModel struct {
	grove.BaseModel `grove:"table:gatekeeper_permissions"`
	ID              string    `grove:"id,pk"         bson:"_id"`
	Name            string    `grove:"name"          bson:"name"`
	ResourceType    string    `grove:"resource_type" bson:"resource_type"`
	Action          string    `grove:"action"        bson:"action"`
	Scope           string    `grove:"scope"         bson:"scope"`
	Description     string    `grove:"description"   bson:"description"`
	Conditions      string    `grove:"conditions"    bson:"conditions,omitempty"`
	IsActive        bool      `grove:"is_active"     bson:"is_active"`
	IsSystem        bool      `grove:"is_system"     bson:"is_system"`
	Version         int64     `grove:"version"       bson:"version"`
	CreatedAt       time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"    bson:"updated_at"`
}

func permissionToModel(p *permission.Permission) (*permissionModel, error) {
	m := &permissionModel{
		ID:           p.ID.String(),
		Name:         p.Name,
		ResourceType: p.ResourceType,
		Action:       p.Action,
		Scope:        string(p.Scope),
		Description:  p.Description,
		IsActive:     p.IsActive,
		IsSystem:     p.IsSystem,
		Version:      p.Version,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.Conditions != nil {
		data, err := json.Marshal(p.Conditions)
		if err != nil {
			return nil, err
		}
		m.Conditions = string(data)
	}
	return m, nil
}

func permissionFromModel(m *permissionModel) (*permission.Permission, error) {
	pid, _ := id.ParsePermissionID(m.ID) //nolint:errcheck // stored IDs are always valid
	p := &permission.Permission{
		ID:           pid,
		Name:         m.Name,
		ResourceType: m.ResourceType,
		Action:       m.Action,
		Scope:        scope.Scope(m.Scope),
		Description:  m.Description,
		IsActive:     m.IsActive,
		IsSystem:     m.IsSystem,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.Conditions != "" {
		var expr condition.Expr
		if err := json.Unmarshal([]byte(m.Conditions), &expr); err != nil {
			return nil, err
		}
		p.Conditions = &expr
	}
	return p, nil
}

// ──────────────────────────────────────────────────
// Role model
// ──────────────────────────────────────────────────

type roleModel struct {
	grove.BaseModel `grove:"table:gatekeeper_roles"`
	ID              string    `grove:"id,pk"        bson:"_id"`
	Name            string    `grove:"name"         bson:"name"`
	DisplayName     string    `grove:"display_name" bson:"display_name"`
	Description     string    `grove:"description"  bson:"description"`
	Level           int       `grove:"level"        bson:"level"`
	ParentID        *string   `grove:"parent_id"    bson:"parent_id"`
	IsSystem        bool      `grove:"is_system"    bson:"is_system"`
	IsActive        bool      `grove:"is_active"    bson:"is_active"`
	IsDefault       bool      `grove:"is_default"   bson:"is_default"`
	Version         int64     `grove:"version"      bson:"version"`
	CreatedAt       time.Time `grove:"created_at"   bson:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"   bson:"updated_at"`
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

type roleGrantModel struct {
	grove.BaseModel `grove:"table:gatekeeper_role_grants"`
	ID              string    `grove:"id,pk"          bson:"_id"`
	RoleID          string    `grove:"role_id"        bson:"role_id"`
	PermissionID    string    `grove:"permission_id"  bson:"permission_id"`
	ScopeOverride   *string   `grove:"scope_override" bson:"scope_override"`
	Source          string    `grove:"source"         bson:"source"`
	GrantedBy       string    `grove:"granted_by"     bson:"granted_by"`
	CreatedAt       time.Time `grove:"created_at"     bson:"created_at"`
}

func roleGrantFromModel(m *roleGrantModel) *role.Grant {
	gid, _ := id.ParseRoleGrantID(m.ID)            //nolint:errcheck // stored IDs are always valid
	rid, _ := id.ParseRoleID(m.RoleID)             //nolint:errcheck // stored IDs are always valid
	pid, _ := id.ParsePermissionID(m.PermissionID) //nolint:errcheck // stored IDs are always valid
	g := &role.Grant{
		ID:           gid,
		RoleID:       rid,
		PermissionID: pid,
		Source:       m.Source,
		GrantedBy:    m.GrantedBy,
		CreatedAt:    m.CreatedAt,
	}
	if m.ScopeOverride != nil {
		sc := scope.Scope(*m.ScopeOverride)
		g.ScopeOverride = &sc
	}
	return g
}

func scopeOverride(g *role.Grant) *string {
	if g.ScopeOverride == nil {
		return nil
	}
	s := string(*g.ScopeOverride)
	return &s
}

// ──────────────────────────────────────────────────
// Assignment and direct grant models
// ──────────────────────────────────────────────────

type assignmentModel struct {
	grove.BaseModel `grove:"table:gatekeeper_assignments"`
	ID              string     `grove:"id,pk"       bson:"_id"`
	UserID          string     `grove:"user_id"     bson:"user_id"`
	RoleID          string     `grove:"role_id"     bson:"role_id"`
	AssignedAt      time.Time  `grove:"assigned_at" bson:"assigned_at"`
	AssignedBy      string     `grove:"assigned_by" bson:"assigned_by"`
	ExpiresAt       *time.Time `grove:"expires_at"  bson:"expires_at"`
}

func assignmentFromModel(m *assignmentModel) *assignment.Assignment {
	aid, _ := id.ParseAssignmentID(m.ID) //nolint:errcheck // stored IDs are always valid
	rid, _ := id.ParseRoleID(m.RoleID)   //nolint:errcheck // stored IDs are always valid
	a := &assignment.Assignment{
		ID:         aid,
		UserID:     m.UserID,
		RoleID:     rid,
		AssignedAt: m.AssignedAt,
		AssignedBy: m.AssignedBy,
	}
	if m.ExpiresAt != nil {
		t := m.ExpiresAt.UTC()
		a.ExpiresAt = &t
	}
	return a
}

type userGrantModel struct {
	grove.BaseModel `grove:"table:gatekeeper_user_grants"`
	ID              string    `grove:"id,pk"         bson:"_id"`
	UserID          string    `grove:"user_id"       bson:"user_id"`
	PermissionID    string    `grove:"permission_id" bson:"permission_id"`
	Polarity        string    `grove:"polarity"      bson:"polarity"`
	Scope           string    `grove:"scope"         bson:"scope"`
	Reason          string    `grove:"reason"        bson:"reason"`
	Source          string    `grove:"source"        bson:"source"`
	AssignedAt      time.Time `grove:"assigned_at"   bson:"assigned_at"`
	AssignedBy      string    `grove:"assigned_by"   bson:"assigned_by"`
}

func userGrantFromModel(m *userGrantModel) *grant.Grant {
	gid, _ := id.ParseUserGrantID(m.ID)            //nolint:errcheck // stored IDs are always valid
	pid, _ := id.ParsePermissionID(m.PermissionID) //nolint:errcheck // stored IDs are always valid
	return &grant.Grant{
		ID:           gid,
		UserID:       m.UserID,
		PermissionID: pid,
		Polarity:     grant.Polarity(m.Polarity),
		Scope:        scope.Scope(m.Scope),
		Reason:       m.Reason,
		Source:       m.Source,
		AssignedAt:   m.AssignedAt,
		AssignedBy:   m.AssignedBy,
	}
}

type revisionModel struct {
	grove.BaseModel `grove:"table:gatekeeper_user_revisions"`
	UserID          string `grove:"user_id,pk" bson:"_id"`
	Revision        int64  `grove:"revision"   bson:"revision"`
}

// ──────────────────────────────────────────────────
// Template model
// ──────────────────────────────────────────────────

type templateEntryModel struct {
	PermissionID string `bson:"permission_id"`
	Scope        string `bson:"scope"`
}

type templateModel struct {
	grove.BaseModel `grove:"table:gatekeeper_templates"`
	ID              string               `grove:"id,pk"       bson:"_id"`
	Name            string               `grove:"name"        bson:"name"`
	Description     string               `grove:"description" bson:"description"`
	Entries         []templateEntryModel `grove:"entries"     bson:"entries"`
	Version         int64                `grove:"version"     bson:"version"`
	CreatedAt       time.Time            `grove:"created_at"  bson:"created_at"`
	UpdatedAt       time.Time            `grove:"updated_at"  bson:"updated_at"`
}

func templateToModel(t *template.Template) *templateModel {
	m := &templateModel{
		ID:          t.ID.String(),
		Name:        t.Name,
		Description: t.Description,
		Entries:     make([]templateEntryModel, len(t.Entries)),
		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	for i, e := range t.Entries {
		m.Entries[i] = templateEntryModel{PermissionID: e.PermissionID.String(), Scope: string(e.Scope)}
	}
	return m
}

func templateFromModel(m *templateModel) *template.Template {
	tid, _ := id.ParseTemplateID(m.ID) //nolint:errcheck // stored IDs are always valid
	t := &template.Template{
		ID:          tid,
		Name:        m.Name,
		Description: m.Description,
		Entries:     make([]template.Entry, 0, len(m.Entries)),
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	for _, e := range m.Entries {
		pid, _ := id.ParsePermissionID(e.PermissionID) //nolint:errcheck // stored IDs are always valid
		t.Entries = append(t.Entries, template.Entry{PermissionID: pid, Scope: scope.Scope(e.Scope)})
	}
	return t
}

// ──────────────────────────────────────────────────
// Audit model
// ──────────────────────────────────────────────────

type auditModel struct {
	grove.BaseModel `grove:"table:gatekeeper_audit_log"`
	ID              string    `grove:"id,pk"        bson:"_id"`
	EntityType      string    `grove:"entity_type"  bson:"entity_type"`
	EntityID        string    `grove:"entity_id"    bson:"entity_id"`
	Action          string    `grove:"action"       bson:"action"`
	ActorID         string    `grove:"actor_id"     bson:"actor_id"`
	ActorIP         string    `grove:"actor_ip"     bson:"actor_ip"`
	Before          string    `grove:"before_state" bson:"before_state,omitempty"`
	After           string    `grove:"after_state"  bson:"after_state,omitempty"`
	CreatedAt       time.Time `grove:"created_at"   bson:"created_at"`
}

func auditToModel(e *audit.Entry) *auditModel {
	return &auditModel{
		ID:         e.ID.String(),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		ActorID:    e.ActorID,
		ActorIP:    e.ActorIP,
		Before:     string(e.Before),
		After:      string(e.After),
		CreatedAt:  e.CreatedAt,
	}
}

func auditFromModel(m *auditModel) *audit.Entry {
	aid, _ := id.ParseAuditID(m.ID) //nolint:errcheck // stored IDs are always valid
	e := &audit.Entry{
		ID:         aid,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Action:     m.Action,
		ActorID:    m.ActorID,
		ActorIP:    m.ActorIP,
		CreatedAt:  m.CreatedAt,
	}
	if m.Before != "" {
		e.Before = json.RawMessage(m.Before)
	}
	if m.After != "" {
		e.After = json.RawMessage(m.After)
	}
	return e
}
