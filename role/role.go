// Package role defines the Role entity, its permission grants and the
// store interface for the role forest.
package role

import (
	"time"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/scope"
)

// Role is a named bundle of permission grants. Roles form a forest through
// ParentID; a child inherits every grant of its ancestors. Lower Level
// means more senior, and a child's level is strictly greater than its
// parent's.
type Role struct {
	ID          id.RoleID  `json:"id" db:"id"`
	Name        string     `json:"name" db:"name" validate:"required,max=128"`
	DisplayName string     `json:"display_name" db:"display_name" validate:"max=256"`
	Description string     `json:"description,omitempty" db:"description" validate:"max=1024"`
	Level       int        `json:"level" db:"level" validate:"gte=0"`
	ParentID    *id.RoleID `json:"parent_id,omitempty" db:"parent_id"`
	IsSystem    bool       `json:"is_system" db:"is_system"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	IsDefault   bool       `json:"is_default" db:"is_default"`
	Version     int64      `json:"version" db:"version"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy of r that shares no pointers with it.
func (r *Role) Clone() *Role {
	c := *r
	if r.ParentID != nil {
		pid := *r.ParentID
		c.ParentID = &pid
	}
	return &c
}

// SourceManual marks a grant created directly by an administrator.
const SourceManual = "manual"

// Grant binds a catalog permission to a role. ScopeOverride, when set,
// narrows the permission's own scope for this role.
type Grant struct {
	ID            id.RoleGrantID  `json:"id" db:"id"`
	RoleID        id.RoleID       `json:"role_id" db:"role_id"`
	PermissionID  id.PermissionID `json:"permission_id" db:"permission_id"`
	ScopeOverride *scope.Scope    `json:"scope_override,omitempty" db:"scope_override"`
	Source        string          `json:"source" db:"source"`
	GrantedBy     string          `json:"granted_by,omitempty" db:"granted_by"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Clone returns a copy of g that shares no pointers with it.
func (g *Grant) Clone() *Grant {
	c := *g
	if g.ScopeOverride != nil {
		s := *g.ScopeOverride
		c.ScopeOverride = &s
	}
	return &c
}

// EffectiveScope returns the override when set, otherwise permScope.
func (g *Grant) EffectiveScope(permScope scope.Scope) scope.Scope {
	if g.ScopeOverride != nil {
		return *g.ScopeOverride
	}
	return permScope
}

// ListFilter contains filters for listing roles.
type ListFilter struct {
	IsSystem  *bool      `json:"is_system,omitempty"`
	IsActive  *bool      `json:"is_active,omitempty"`
	IsDefault *bool      `json:"is_default,omitempty"`
	ParentID  *id.RoleID `json:"parent_id,omitempty"`
	Search    string     `json:"search,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}
