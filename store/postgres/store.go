// Package postgres provides a PostgreSQL implementation of the gatekeeper
// composite store using grove ORM with Go-based migrations. Every method
// runs either against the database or, inside Tx, against the grove
// transaction, so audit entries commit together with the mutation they
// describe.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/gatekeeper/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// querier is the query-builder surface shared by *pgdriver.PgDB and the
// transaction returned by BeginTxQuery.
type querier interface {
	NewSelect(model ...any) *pgdriver.SelectQuery
	NewInsert(model any) *pgdriver.InsertQuery
	NewUpdate(model any) *pgdriver.UpdateQuery
	NewDelete(model any) *pgdriver.DeleteQuery
}

// Store is a PostgreSQL implementation of the composite gatekeeper store.
type Store struct {
	db   *grove.DB
	pgdb *pgdriver.PgDB
	q    querier
	inTx bool
}

// New creates a new PostgreSQL store.
func New(db *grove.DB) *Store {
	pgdb := pgdriver.Unwrap(db)
	return &Store{db: db, pgdb: pgdb, q: pgdb}
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	drv := pgdriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("gatekeeper/postgres: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper/postgres: open: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gatekeeper/postgres: ping: %w", err)
	}
	return New(db), nil
}

// Tx runs fn inside a grove transaction. Version and revision checks are
// conditional UPDATEs, so the default isolation level is enough.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.pgdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("gatekeeper/postgres: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, &Store{db: s.db, pgdb: s.pgdb, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gatekeeper/postgres: commit tx: %w", err)
	}
	return nil
}

// Migrate runs programmatic migrations via the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pgdb)
	if err != nil {
		return fmt.Errorf("gatekeeper/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("gatekeeper/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr translates driver errors into store sentinels. pgdriver runs on
// pgx, so constraint violations surface as *pgconn.PgError.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", what, store.ErrDuplicate)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", what, store.ErrNotFound)
		}
	}
	return fmt.Errorf("gatekeeper/postgres: %s: %w", what, err)
}

// affected reports how many rows an Exec touched.
func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("gatekeeper/postgres: rows affected: %w", err)
	}
	return n, nil
}

// inList renders "col IN (?, ?, ...)" for len(values) placeholders.
func inList(col string, values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return col + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}

// casFailure distinguishes a missing row from a stale version after a
// conditional UPDATE touched nothing.
func (s *Store) casFailure(ctx context.Context, model any, rowID, what string) error {
	n, err := s.q.NewSelect(model).Where("id = ?", rowID).Count(ctx)
	if err != nil {
		return mapErr(err, "%s %s", what, rowID)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, rowID, store.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, rowID, store.ErrConflict)
}
