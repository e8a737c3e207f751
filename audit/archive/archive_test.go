package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/id"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func entry(entityID string) *audit.Entry {
	return &audit.Entry{
		ID:         id.NewAuditID(),
		EntityType: audit.EntityRole,
		EntityID:   entityID,
		Action:     audit.ActionCreate,
		ActorID:    "ops",
		After:      json.RawMessage(`{"name":"viewer"}`),
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS gatekeeper_audit_archive").
			WillReturnResult(sqlmock.NewResult(0, 0))

		a, err := New(db)
		require.NoError(t, err)
		assert.NotNil(t, a)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		a, err := New(nil)
		assert.Error(t, err)
		assert.Nil(t, a)
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS gatekeeper_audit_archive").
			WillReturnError(errors.New("read-only file system"))

		a, err := New(db)
		assert.Error(t, err)
		assert.Nil(t, a)
		assert.Contains(t, err.Error(), "ensure table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestArchiveAudit(t *testing.T) {
	t.Run("commits every entry", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		a := &Archive{db: db}

		e1, e2 := entry("role_1"), entry("role_2")
		e2.After = nil

		mock.ExpectBegin()
		prep := mock.ExpectPrepare("INSERT OR IGNORE INTO gatekeeper_audit_archive")
		prep.ExpectExec().
			WithArgs(e1.ID.String(), e1.EntityType, "role_1", e1.Action, "ops", "",
				sql.NullString{}, sql.NullString{String: `{"name":"viewer"}`, Valid: true}, e1.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().
			WithArgs(e2.ID.String(), e2.EntityType, "role_2", e2.Action, "ops", "",
				sql.NullString{}, sql.NullString{}, e2.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, a.ArchiveAudit(context.Background(), []*audit.Entry{e1, e2}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on insert error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		a := &Archive{db: db}

		mock.ExpectBegin()
		mock.ExpectPrepare("INSERT OR IGNORE INTO gatekeeper_audit_archive").
			ExpectExec().
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := a.ArchiveAudit(context.Background(), []*audit.Entry{entry("role_1")})
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		a := &Archive{db: db}

		require.NoError(t, a.ArchiveAudit(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOpenFileArchiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer a.Close()

	entries := []*audit.Entry{entry("role_1"), entry("role_2")}
	require.NoError(t, a.ArchiveAudit(ctx, entries))
	require.NoError(t, a.ArchiveAudit(ctx, entries))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
