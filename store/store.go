// Package store defines the aggregate persistence interface. Each entity
// package (permission, role, assignment, grant, template, audit) defines
// its own store interface; the composite Store embeds them all and adds
// transactions. Backends: memory, postgres, sqlite and mongo.
package store

import (
	"context"
	"errors"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/template"
)

// Sentinels wrapped by every backend.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-swap on a version or
	// revision token fails.
	ErrConflict = errors.New("store: version conflict")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store is the aggregate persistence interface.
type Store interface {
	permission.Store
	role.Store
	assignment.Store
	grant.Store
	template.Store
	audit.Store

	// Tx runs fn inside a transaction. fn receives a Store bound to the
	// transaction; if fn returns an error nothing it wrote is kept.
	// Implementations do not support nested transactions: calling Tx on the
	// Store passed to fn runs fn2 inside the same transaction.
	Tx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Page normalizes limit and offset values from a filter.
type Page struct {
	Limit  int
	Offset int
}

// Apply slices items to the page. A zero or negative limit means no limit.
func Apply[T any](items []T, p Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return nil
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}
