// Package permission defines the catalog Permission entity and its store
// interface.
package permission

import (
	"time"

	"github.com/xraph/gatekeeper/condition"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/scope"
)

// Permission is one catalog entry: an action on a resource type at a scope.
// Among active permissions the (ResourceType, Action, Scope) triple is
// unique; Name is unique across all rows.
type Permission struct {
	ID           id.PermissionID `json:"id" db:"id"`
	Name         string          `json:"name" db:"name" validate:"required,max=128"`
	ResourceType string          `json:"resource_type" db:"resource_type" validate:"required,max=64,excludesall=:*"`
	Action       string          `json:"action" db:"action" validate:"required,max=64,excludesall=:*"`
	Scope        scope.Scope     `json:"scope" db:"scope" validate:"required,scope"`
	Description  string          `json:"description,omitempty" db:"description" validate:"max=1024"`
	Conditions   *condition.Expr `json:"conditions,omitempty" db:"conditions"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	IsSystem     bool            `json:"is_system" db:"is_system"`
	Version      int64           `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Key returns the identity triple "resource_type:action:scope".
func (p *Permission) Key() string {
	return p.ResourceType + ":" + p.Action + ":" + string(p.Scope)
}

// Pair returns "resource_type:action", the unit direct grants and denials
// override.
func (p *Permission) Pair() string {
	return Pair(p.ResourceType, p.Action)
}

// Pair joins a resource type and action.
func Pair(resourceType, action string) string {
	return resourceType + ":" + action
}

// Clone returns a deep copy of p.
func (p *Permission) Clone() *Permission {
	c := *p
	if p.Conditions != nil {
		cond := cloneExpr(*p.Conditions)
		c.Conditions = &cond
	}
	return &c
}

func cloneExpr(e condition.Expr) condition.Expr {
	if e.Args != nil {
		args := make([]condition.Expr, len(e.Args))
		for i, a := range e.Args {
			args[i] = cloneExpr(a)
		}
		e.Args = args
	}
	return e
}

// ListFilter contains filters for listing permissions.
type ListFilter struct {
	ResourceType string `json:"resource_type,omitempty"`
	Action       string `json:"action,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IsActive     *bool  `json:"is_active,omitempty"`
	IsSystem     *bool  `json:"is_system,omitempty"`
	Search       string `json:"search,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}
