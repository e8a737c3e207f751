package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
)

func inheritedScope(t *testing.T, eng *Engine, r *role.Role, rt, action string) (InheritedGrant, bool) {
	t.Helper()
	set, err := eng.ResolveInheritedGrants(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ig := range set {
		if ig.Permission.ResourceType == rt && ig.Permission.Action == action {
			return ig, true
		}
	}
	return InheritedGrant{}, false
}

func TestInheritedGrants_LocalWins(t *testing.T) {
	eng, _ := newTestEngine(t)
	p := mustPermission(t, eng, "invoice", "approve", scope.Global)
	root := mustRole(t, eng, "root", 10, nil)
	child := mustRole(t, eng, "child", 20, root)
	mustGrant(t, eng, root, p, scope.Ptr(scope.Own))
	mustGrant(t, eng, child, p, scope.Ptr(scope.Branch))

	ig, ok := inheritedScope(t, eng, child, "invoice", "approve")
	if !ok || ig.Scope != scope.Branch || !ig.Local || ig.RoleName != "child" {
		t.Fatalf("expected local branch grant, got %+v", ig)
	}
}

func TestInheritedGrants_NarrowestAncestorWins(t *testing.T) {
	eng, _ := newTestEngine(t)
	p := mustPermission(t, eng, "invoice", "approve", scope.Global)
	root := mustRole(t, eng, "root", 10, nil)
	mid := mustRole(t, eng, "mid", 20, root)
	leaf := mustRole(t, eng, "leaf", 30, mid)
	mustGrant(t, eng, root, p, nil)
	mustGrant(t, eng, mid, p, scope.Ptr(scope.Branch))

	ig, ok := inheritedScope(t, eng, leaf, "invoice", "approve")
	if !ok || ig.Scope != scope.Branch || ig.RoleName != "mid" || ig.Local {
		t.Fatalf("expected branch from mid, got %+v", ig)
	}
}

func TestInheritedGrants_TieGoesToNearestAncestor(t *testing.T) {
	eng, _ := newTestEngine(t)
	p := mustPermission(t, eng, "invoice", "approve", scope.Global)
	root := mustRole(t, eng, "root", 10, nil)
	mid := mustRole(t, eng, "mid", 20, root)
	leaf := mustRole(t, eng, "leaf", 30, mid)
	mustGrant(t, eng, root, p, scope.Ptr(scope.Team))
	mustGrant(t, eng, mid, p, scope.Ptr(scope.Team))

	ig, _ := inheritedScope(t, eng, leaf, "invoice", "approve")
	if ig.RoleID.String() != mid.ID.String() {
		t.Fatalf("expected nearest ancestor mid, got %s", ig.RoleName)
	}
}

func TestInheritedGrants_InactiveAncestorIsSkipped(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	rootPerm := mustPermission(t, eng, "ledger", "read", scope.Branch)
	midPerm := mustPermission(t, eng, "ledger", "write", scope.Team)
	root := mustRole(t, eng, "root", 10, nil)
	mid := mustRole(t, eng, "mid", 20, root)
	leaf := mustRole(t, eng, "leaf", 30, mid)
	mustGrant(t, eng, root, rootPerm, nil)
	mustGrant(t, eng, mid, midPerm, nil)

	m, _ := eng.GetRole(ctx, mid.ID)
	m.IsActive = false
	if _, err := eng.UpdateRole(ctx, m); err != nil {
		t.Fatal(err)
	}

	if _, ok := inheritedScope(t, eng, leaf, "ledger", "write"); ok {
		t.Fatal("inactive ancestor contributed a grant")
	}
	if _, ok := inheritedScope(t, eng, leaf, "ledger", "read"); !ok {
		t.Fatal("walk stopped at inactive ancestor")
	}
}

func TestInheritedGrants_UnknownRole(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.ResolveInheritedGrants(context.Background(), id.NewRoleID())
	if !errors.Is(err, ErrRoleNotFound) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected role not found, got %v", err)
	}
}

func TestUnionAcrossRolesKeepsBroadest(t *testing.T) {
	eng, _ := newTestEngine(t)
	p := mustPermission(t, eng, "ticket", "close", scope.Global)
	narrow := mustRole(t, eng, "agent", 40, nil)
	broad := mustRole(t, eng, "lead", 30, nil)
	mustGrant(t, eng, narrow, p, scope.Ptr(scope.Own))
	mustGrant(t, eng, broad, p, scope.Ptr(scope.Department))
	mustAssign(t, eng, "u1", narrow, nil)
	mustAssign(t, eng, "u1", broad, nil)

	set, err := eng.ResolveEffectiveSet(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 || set[0].Scope != scope.Department || set[0].RoleName != "lead" {
		t.Fatalf("expected department from lead, got %+v", set)
	}
}

func TestInactiveRoleAssignmentContributesNothing(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustPermission(t, eng, "ticket", "close", scope.Team)
	r := mustRole(t, eng, "agent", 40, nil)
	mustGrant(t, eng, r, p, nil)
	mustAssign(t, eng, "u1", r, nil)

	cur, _ := eng.GetRole(ctx, r.ID)
	cur.IsActive = false
	if _, err := eng.UpdateRole(ctx, cur); err != nil {
		t.Fatal(err)
	}
	if evaluate(t, eng, "u1", "ticket", "close", scope.Own).Allowed {
		t.Fatal("inactive role granted a permission")
	}
}

func TestScopeMonotonicity(t *testing.T) {
	eng, _ := newTestEngine(t)
	p := mustPermission(t, eng, "budget", "edit", scope.Global)
	r := mustRole(t, eng, "controller", 15, nil)
	mustGrant(t, eng, r, p, scope.Ptr(scope.Department))
	mustAssign(t, eng, "u1", r, nil)

	ordered := []scope.Scope{scope.Own, scope.Team, scope.Department, scope.Branch, scope.Global}
	for _, sc := range ordered {
		want := !sc.WiderThan(scope.Department)
		if got := evaluate(t, eng, "u1", "budget", "edit", sc).Allowed; got != want {
			t.Fatalf("scope %s: allowed=%v, want %v", sc, got, want)
		}
	}
}

func TestDenyCoversOnlyItsPair(t *testing.T) {
	eng, _ := newTestEngine(t)
	read := mustPermission(t, eng, "file", "read", scope.Team)
	write := mustPermission(t, eng, "file", "write", scope.Team)
	r := mustRole(t, eng, "member", 50, nil)
	mustGrant(t, eng, r, read, nil)
	mustGrant(t, eng, r, write, nil)
	mustAssign(t, eng, "u1", r, nil)
	mustDirect(t, eng, "u1", write, scope.Own, grant.Deny)

	if evaluate(t, eng, "u1", "file", "write", scope.Own).Allowed {
		t.Fatal("deny did not apply")
	}
	if !evaluate(t, eng, "u1", "file", "read", scope.Team).Allowed {
		t.Fatal("deny leaked onto another action")
	}

	set, _ := eng.ResolveEffectiveSet(context.Background(), "u1")
	var denied int
	for _, ep := range set {
		if !ep.IsGranted {
			denied++
			if ep.Permission.Action != "write" || ep.Source != SourceDirect {
				t.Fatalf("unexpected denial %+v", ep)
			}
		}
	}
	if denied != 1 {
		t.Fatalf("expected one denial in the effective set, got %d", denied)
	}
}

func TestWidestCandidateIsMatched(t *testing.T) {
	eng, _ := newTestEngine(t)
	team := mustPermission(t, eng, "order", "refund", scope.Team)
	branch := mustPermission(t, eng, "order", "refund", scope.Branch)
	a := mustRole(t, eng, "clerk", 40, nil)
	b := mustRole(t, eng, "supervisor", 30, nil)
	mustGrant(t, eng, a, team, nil)
	mustGrant(t, eng, b, branch, nil)
	mustAssign(t, eng, "u1", a, nil)
	mustAssign(t, eng, "u1", b, nil)

	dec := evaluate(t, eng, "u1", "order", "refund", scope.Own)
	if !dec.Allowed || dec.Matched.Scope != scope.Branch {
		t.Fatalf("expected branch match, got %+v", dec.Matched)
	}
	if len(dec.Trace) != 2 {
		t.Fatalf("expected both candidates traced, got %d", len(dec.Trace))
	}
}

func TestConcurrentEvaluations(t *testing.T) {
	eng, _ := newTestEngine(t, WithCache(newMapCache()))
	p := mustPermission(t, eng, "report", "view", scope.Team)
	r := mustRole(t, eng, "viewer", 50, nil)
	mustGrant(t, eng, r, p, nil)
	for i := range 4 {
		mustAssign(t, eng, fmt.Sprintf("u%d", i), r, nil)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := eng.Evaluate(context.Background(), &Request{
				UserID: fmt.Sprintf("u%d", i%4), ResourceType: "report", Action: "view", Scope: scope.Own,
			})
			switch {
			case err != nil:
				errs <- err
			case !dec.Allowed:
				errs <- fmt.Errorf("user u%d denied: %s", i%4, dec.Reason)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRolePermissionMatrix(t *testing.T) {
	eng, _ := newTestEngine(t)
	read := mustPermission(t, eng, "doc", "read", scope.Global)
	write := mustPermission(t, eng, "doc", "write", scope.Team)
	parent := mustRole(t, eng, "editor", 20, nil)
	child := mustRole(t, eng, "writer", 30, parent)
	mustGrant(t, eng, parent, read, scope.Ptr(scope.Branch))
	mustGrant(t, eng, child, write, nil)

	m, err := eng.BuildRolePermissionMatrix(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Roles) != 2 || len(m.Permissions) != 2 {
		t.Fatalf("unexpected dimensions %dx%d", len(m.Roles), len(m.Permissions))
	}
	col := map[string]int{}
	for j, p := range m.Permissions {
		col[p.Action] = j
	}
	row := map[string]int{}
	for i, r := range m.Roles {
		row[r.Name] = i
	}
	if c := m.Cells[row["writer"]][col["read"]]; c == nil || *c != scope.Branch {
		t.Fatal("writer should inherit read at branch")
	}
	if c := m.Cells[row["editor"]][col["write"]]; c != nil {
		t.Fatal("parent must not inherit from child")
	}
}

func TestUserMatrixPaging(t *testing.T) {
	eng, _ := newTestEngine(t, WithConfig(Config{MatrixConcurrency: 2}))
	ctx := context.Background()
	p := mustPermission(t, eng, "doc", "read", scope.Team)
	r := mustRole(t, eng, "reader", 50, nil)
	mustGrant(t, eng, r, p, nil)

	users := []string{"a", "b", "c", "d", "e"}
	for _, u := range users[:3] {
		mustAssign(t, eng, u, r, nil)
	}

	m, err := eng.BuildUserEffectiveMatrix(ctx, users, nil, MatrixPage{Offset: 2, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Rows) != 2 || m.NextOffset != 4 || !m.HasMore || m.Total != 5 {
		t.Fatalf("unexpected page %+v", m)
	}
	if m.Rows[0].UserID != "c" || m.Rows[0].Cells[0] == nil {
		t.Fatal("user c should hold doc.read")
	}
	if m.Rows[1].UserID != "d" || m.Rows[1].Cells[0] != nil {
		t.Fatal("user d should hold nothing")
	}

	last, err := eng.BuildUserEffectiveMatrix(ctx, users, []id.PermissionID{p.ID}, MatrixPage{Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Rows) != 1 || last.HasMore {
		t.Fatalf("unexpected last page %+v", last)
	}

	if _, err := eng.BuildUserEffectiveMatrix(ctx, users, []id.PermissionID{id.NewPermissionID()}, MatrixPage{}); !errors.Is(err, ErrPermissionNotFound) {
		t.Fatalf("expected unknown column rejected, got %v", err)
	}
}

func TestStreamUserMatrix(t *testing.T) {
	eng, _ := newTestEngine(t)
	p := mustPermission(t, eng, "doc", "read", scope.Team)
	r := mustRole(t, eng, "reader", 50, nil)
	mustGrant(t, eng, r, p, nil)
	mustAssign(t, eng, "a", r, nil)

	var seen []string
	err := eng.StreamUserEffectiveMatrix(context.Background(), []string{"a", "b"}, nil, func(row UserMatrixRow) error {
		seen = append(seen, row.UserID)
		return nil
	})
	if err != nil || len(seen) != 2 {
		t.Fatalf("expected two rows, got %v %v", seen, err)
	}

	stop := errors.New("stop")
	err = eng.StreamUserEffectiveMatrix(context.Background(), []string{"a", "b"}, nil, func(UserMatrixRow) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
