package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store/memory"
)

// testCacheBehindEngine checks that an engine serving from c sees every
// committed mutation on the next evaluation.
func testCacheBehindEngine(t *testing.T, c gatekeeper.Cache) {
	t.Helper()
	ctx := context.Background()
	eng, err := gatekeeper.NewEngine(gatekeeper.WithStore(memory.New()), gatekeeper.WithCache(c))
	require.NoError(t, err)

	p, err := eng.CreatePermission(ctx, &permission.Permission{
		Name: "doc.read", ResourceType: "doc", Action: "read", Scope: scope.Team,
	})
	require.NoError(t, err)
	r, err := eng.CreateRole(ctx, &role.Role{Name: "reader", Level: 50})
	require.NoError(t, err)
	_, err = eng.AssignRole(ctx, gatekeeper.AssignRoleInput{UserID: "u1", RoleID: r.ID})
	require.NoError(t, err)

	req := &gatekeeper.Request{UserID: "u1", ResourceType: "doc", Action: "read", Scope: scope.Own}
	dec, err := eng.Evaluate(ctx, req)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	_, ok := c.Get(ctx, "u1")
	require.True(t, ok, "evaluation should populate the cache")

	_, err = eng.GrantPermissionToRole(ctx, r.ID, p.ID, nil, r.Version)
	require.NoError(t, err)

	dec, err = eng.Evaluate(ctx, req)
	require.NoError(t, err)
	require.True(t, dec.Allowed, "role grant must be visible after commit")

	rev, err := eng.UserRevision(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, eng.RevokeRole(ctx, "u1", r.ID, rev))

	dec, err = eng.Evaluate(ctx, req)
	require.NoError(t, err)
	require.False(t, dec.Allowed, "revocation must be visible after commit")
}
