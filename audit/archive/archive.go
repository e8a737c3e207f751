// Package archive copies ledger entries into a standalone SQLite file
// before a retention purge deletes them from the primary store. The file
// holds one table and can be opened with any SQLite client.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/xraph/gatekeeper/audit"
)

// Archive writes audit entries to a database/sql handle.
type Archive struct {
	db *sql.DB
}

// New wraps db and creates the archive table if it does not exist.
func New(db *sql.DB) (*Archive, error) {
	if db == nil {
		return nil, errors.New("archive: database connection is required")
	}
	a := &Archive{db: db}
	if err := a.ensureTable(); err != nil {
		return nil, fmt.Errorf("archive: ensure table: %w", err)
	}
	return a, nil
}

// Open opens (or creates) the SQLite archive file at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	a, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureTable() error {
	_, err := a.db.Exec(`
CREATE TABLE IF NOT EXISTS gatekeeper_audit_archive (
    id           TEXT PRIMARY KEY,
    entity_type  TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    action       TEXT NOT NULL,
    actor_id     TEXT NOT NULL DEFAULT '',
    actor_ip     TEXT NOT NULL DEFAULT '',
    before_state TEXT,
    after_state  TEXT,
    created_at   TIMESTAMP NOT NULL,
    archived_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS gatekeeper_audit_archive_entity
    ON gatekeeper_audit_archive (entity_type, entity_id, created_at);
`)
	return err
}

// ArchiveAudit stores entries in one transaction. Entries already in the
// archive are skipped, so a purge that failed after archiving can be
// retried.
func (a *Archive) ArchiveAudit(ctx context.Context, entries []*audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO gatekeeper_audit_archive
    (id, entity_type, entity_id, action, actor_id, actor_ip, before_state, after_state, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("archive: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.ID.String(), e.EntityType, e.EntityID, e.Action, e.ActorID, e.ActorIP,
			nullJSON(e.Before), nullJSON(e.After), e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("archive: insert %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Count returns the number of archived entries.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gatekeeper_audit_archive`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
