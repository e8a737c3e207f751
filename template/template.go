// Package template defines versioned permission templates. Applying a
// template copies its entries by value, so later edits never reach targets
// it was already applied to.
package template

import (
	"fmt"
	"time"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/scope"
)

// Entry is one (permission, scope) pair in a template.
type Entry struct {
	PermissionID id.PermissionID `json:"permission_id" bson:"permission_id"`
	Scope        scope.Scope     `json:"scope" bson:"scope" validate:"required,scope"`
}

// Template is a named bundle of entries. Version increases on every edit.
type Template struct {
	ID          id.TemplateID `json:"id" db:"id"`
	Name        string        `json:"name" db:"name" validate:"required,max=128"`
	Description string        `json:"description,omitempty" db:"description" validate:"max=1024"`
	Entries     []Entry       `json:"entries" db:"entries" validate:"dive"`
	Version     int64         `json:"version" db:"version"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of t.
func (t *Template) Clone() *Template {
	c := *t
	if t.Entries != nil {
		c.Entries = make([]Entry, len(t.Entries))
		copy(c.Entries, t.Entries)
	}
	return &c
}

// Source returns the provenance tag stamped on grants copied from t at its
// current version.
func (t *Template) Source() string {
	return fmt.Sprintf("template:%s:%d", t.ID, t.Version)
}

// TargetType says what a template is applied to.
type TargetType string

const (
	TargetRole TargetType = "role"
	TargetUser TargetType = "user"
)

// ListFilter contains filters for listing templates.
type ListFilter struct {
	Search string `json:"search,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
