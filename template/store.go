package template

import (
	"context"

	"github.com/xraph/gatekeeper/id"
)

// Store defines persistence operations for templates.
type Store interface {
	// CreateTemplate persists a new template. Version is set to 1.
	CreateTemplate(ctx context.Context, t *Template) error

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, tmplID id.TemplateID) (*Template, error)

	// GetTemplateByName retrieves a template by its unique name.
	GetTemplateByName(ctx context.Context, name string) (*Template, error)

	// UpdateTemplate persists t if the stored version equals t.Version,
	// then increments t.Version. A mismatch returns store.ErrConflict.
	UpdateTemplate(ctx context.Context, t *Template) error

	// DeleteTemplate removes a template by ID.
	DeleteTemplate(ctx context.Context, tmplID id.TemplateID) error

	// ListTemplates returns templates matching the filter ordered by name.
	ListTemplates(ctx context.Context, filter *ListFilter) ([]*Template, error)
}
