package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/store/storetest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "gatekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func testPerm(name, action string) *permission.Permission {
	return &permission.Permission{
		ID: id.NewPermissionID(), Name: name, ResourceType: "docs", Action: action,
		Scope: scope.Own, IsActive: true,
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTest(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	n, err := s.CountPermissions(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUniqueViolationFromDriver(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePermission(ctx, testPerm("docs.read", "read")))
	err := s.CreatePermission(ctx, testPerm("docs.read", "write"))
	require.ErrorIs(t, err, store.ErrDuplicate)

	var sqliteErr *msqlite.Error
	require.ErrorAs(t, err, &sqliteErr)
	assert.Equal(t, sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqliteErr.Code())
}

func TestForeignKeyViolationIsNotFound(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	err := s.UpsertRoleGrant(ctx, &role.Grant{
		ID:           id.NewRoleGrantID(),
		RoleID:       id.NewRoleID(),
		PermissionID: id.NewPermissionID(),
		Source:       "manual",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNestedTxJoinsOuter(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")
	p := testPerm("docs.share", "share")

	err := s.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		err := tx.Tx(ctx, func(ctx context.Context, inner store.Store) error {
			assert.Same(t, tx, inner)
			return inner.CreatePermission(ctx, p)
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetPermission(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOffsetWithoutLimit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for _, action := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreatePermission(ctx, testPerm("docs."+action, action)))
	}

	list, err := s.ListPermissions(ctx, &permission.ListFilter{Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Action)
}

func TestMapErr(t *testing.T) {
	assert.Nil(t, mapErr(nil, "x"))
	assert.ErrorIs(t, mapErr(sql.ErrNoRows, "role %s", "r1"), store.ErrNotFound)

	other := mapErr(errors.New("disk I/O error"), "list roles")
	assert.NotErrorIs(t, other, store.ErrNotFound)
	assert.Contains(t, other.Error(), "gatekeeper/sqlite: list roles")
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"g.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		dsn("g.db"))
	assert.Equal(t,
		"file:g.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		dsn("file:g.db?mode=rwc"))
}
