// Package sqlite provides a SQLite implementation of the gatekeeper
// composite store using grove ORM with Go-based migrations. It suits
// single-node deployments and tests. JSON columns are stored as text.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
	"github.com/xraph/grove/migrate"
	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/xraph/gatekeeper/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// querier is the query-builder surface shared by *sqlitedriver.SqliteDB and
// the transaction returned by BeginTxQuery.
type querier interface {
	NewSelect(model ...any) *sqlitedriver.SelectQuery
	NewInsert(model any) *sqlitedriver.InsertQuery
	NewUpdate(model any) *sqlitedriver.UpdateQuery
	NewDelete(model any) *sqlitedriver.DeleteQuery
}

// Store is a SQLite implementation of the composite gatekeeper store.
type Store struct {
	db   *grove.DB
	sdb  *sqlitedriver.SqliteDB
	q    querier
	inTx bool
}

// New creates a new SQLite store.
func New(db *grove.DB) *Store {
	sdb := sqlitedriver.Unwrap(db)
	return &Store{db: db, sdb: sdb, q: sdb}
}

// Open opens the SQLite database file at path with foreign keys enforced
// and a busy timeout, so a writer waits for another connection's
// transaction instead of failing.
func Open(ctx context.Context, path string) (*Store, error) {
	drv := sqlitedriver.New()
	if err := drv.Open(ctx, dsn(path)); err != nil {
		return nil, fmt.Errorf("gatekeeper/sqlite: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper/sqlite: open: %w", err)
	}
	return New(db), nil
}

// dsn appends the connection pragmas to path.
func dsn(path string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

// Tx runs fn inside a grove transaction.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("gatekeeper/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, &Store{db: s.db, sdb: s.sdb, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gatekeeper/sqlite: commit tx: %w", err)
	}
	return nil
}

// Migrate runs programmatic migrations via the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("gatekeeper/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("gatekeeper/sqlite: migration failed: %w", err)
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

// mapErr translates driver errors into store sentinels. sqlitedriver runs
// on modernc.org/sqlite, which reports extended result codes.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", what, store.ErrDuplicate)
		case sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%s: %w", what, store.ErrNotFound)
		}
	}
	return fmt.Errorf("gatekeeper/sqlite: %s: %w", what, err)
}

// affected reports how many rows an Exec touched.
func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("gatekeeper/sqlite: rows affected: %w", err)
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

// page applies a positive limit and offset. SQLite only accepts OFFSET
// after LIMIT, so an offset alone gets an unbounded limit.
func page(q *sqlitedriver.SelectQuery, limit, offset int) *sqlitedriver.SelectQuery {
	if limit <= 0 && offset > 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
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
