package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/condition"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/store/memory"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	eng, err := NewEngine(append([]Option{WithStore(s)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return eng, s
}

func mustPermission(t *testing.T, eng *Engine, rt, action string, sc scope.Scope) *permission.Permission {
	t.Helper()
	p, err := eng.CreatePermission(context.Background(), &permission.Permission{
		Name:         rt + "." + action + "." + string(sc),
		ResourceType: rt,
		Action:       action,
		Scope:        sc,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustRole(t *testing.T, eng *Engine, name string, level int, parent *role.Role) *role.Role {
	t.Helper()
	r := &role.Role{Name: name, DisplayName: name, Level: level}
	if parent != nil {
		pid := parent.ID
		r.ParentID = &pid
	}
	created, err := eng.CreateRole(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	return created
}

func mustGrant(t *testing.T, eng *Engine, r *role.Role, p *permission.Permission, override *scope.Scope) {
	t.Helper()
	ctx := context.Background()
	cur, err := eng.GetRole(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.GrantPermissionToRole(ctx, r.ID, p.ID, override, cur.Version); err != nil {
		t.Fatal(err)
	}
}

func mustAssign(t *testing.T, eng *Engine, userID string, r *role.Role, expiresAt *time.Time) {
	t.Helper()
	ctx := context.Background()
	rev, err := eng.UserRevision(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.AssignRole(ctx, AssignRoleInput{UserID: userID, RoleID: r.ID, ExpiresAt: expiresAt, ExpectedRevision: rev})
	if err != nil {
		t.Fatal(err)
	}
}

func mustDirect(t *testing.T, eng *Engine, userID string, p *permission.Permission, sc scope.Scope, pol grant.Polarity) {
	t.Helper()
	ctx := context.Background()
	rev, err := eng.UserRevision(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.GrantDirect(ctx, DirectGrantInput{
		UserID: userID, PermissionID: p.ID, Scope: sc, Polarity: pol, ExpectedRevision: rev,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func evaluate(t *testing.T, eng *Engine, userID, rt, action string, sc scope.Scope) *Decision {
	t.Helper()
	dec, err := eng.Evaluate(context.Background(), &Request{UserID: userID, ResourceType: rt, Action: action, Scope: sc})
	if err != nil {
		t.Fatal(err)
	}
	return dec
}

func auditCount(t *testing.T, eng *Engine) int64 {
	t.Helper()
	page, err := eng.QueryAudit(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return page.Total
}

// mapCache is an in-process Cache that records invalidations.
type mapCache struct {
	mu          sync.Mutex
	sets        map[string]*EffectiveSet
	invalidated []string
	all         int
}

func newMapCache() *mapCache { return &mapCache{sets: make(map[string]*EffectiveSet)} }

func (c *mapCache) Get(_ context.Context, userID string) (*EffectiveSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[userID]
	return s, ok
}

func (c *mapCache) Set(_ context.Context, userID string, set *EffectiveSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[userID] = set
}

func (c *mapCache) Invalidate(_ context.Context, userIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range userIDs {
		delete(c.sets, u)
	}
	c.invalidated = append(c.invalidated, userIDs...)
}

func (c *mapCache) InvalidateAll(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = make(map[string]*EffectiveSet)
	c.all++
}

func TestNewEngine_RequiresStore(t *testing.T) {
	if _, err := NewEngine(); err == nil {
		t.Fatal("expected error when store is nil")
	}
}

func TestNewEngine_FillsConfigDefaults(t *testing.T) {
	eng, _ := newTestEngine(t, WithConfig(Config{MatrixConcurrency: 2}))
	cfg := eng.Config()
	if cfg.CacheTTL != time.Minute || cfg.DirectGrantMode != DirectGrantReplace || cfg.MatrixConcurrency != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

// officer (30) under manager (20); manager grants application:approve:department.
func TestScenario_InheritsFromAncestor(t *testing.T) {
	eng, _ := newTestEngine(t)
	approve := mustPermission(t, eng, "application", "approve", scope.Department)
	manager := mustRole(t, eng, "manager", 20, nil)
	officer := mustRole(t, eng, "officer", 30, manager)
	mustGrant(t, eng, manager, approve, nil)
	mustAssign(t, eng, "u1", officer, nil)

	dec := evaluate(t, eng, "u1", "application", "approve", scope.Department)
	if !dec.Allowed {
		t.Fatalf("expected allowed, got %s", dec.Reason)
	}
	if dec.Source != SourceRole || dec.Matched.RoleName != "manager" {
		t.Fatalf("expected role source manager, got %s %s", dec.Source, dec.Matched.RoleName)
	}
	if dec.Matched.RoleID.String() != manager.ID.String() {
		t.Fatal("matched role id is not manager")
	}
}

func TestScenario_DirectDenyWins(t *testing.T) {
	eng, _ := newTestEngine(t)
	approve := mustPermission(t, eng, "application", "approve", scope.Department)
	manager := mustRole(t, eng, "manager", 20, nil)
	officer := mustRole(t, eng, "officer", 30, manager)
	mustGrant(t, eng, manager, approve, nil)
	mustAssign(t, eng, "u1", officer, nil)
	mustDirect(t, eng, "u1", approve, scope.Department, grant.Deny)

	dec := evaluate(t, eng, "u1", "application", "approve", scope.Department)
	if dec.Allowed {
		t.Fatal("expected deny to win over role grant")
	}
	if dec.Reason != string(ReasonDeniedDirect) {
		t.Fatalf("expected denied_direct, got %s", dec.Reason)
	}
	var sawRole bool
	for _, c := range dec.Trace {
		if c.Source == SourceRole && c.Removed == ReasonDeniedDirect {
			sawRole = true
		}
	}
	if !sawRole {
		t.Fatalf("role candidate missing from trace: %+v", dec.Trace)
	}

	// Even the narrowest request is denied.
	if evaluate(t, eng, "u1", "application", "approve", scope.Own).Allowed {
		t.Fatal("deny must cover every scope of the pair")
	}
}

func TestScenario_DirectGrantReplacesRoleScope(t *testing.T) {
	eng, _ := newTestEngine(t)
	del := mustPermission(t, eng, "file", "delete", scope.Global)
	manager := mustRole(t, eng, "manager", 20, nil)
	mustGrant(t, eng, manager, del, nil)
	mustAssign(t, eng, "u1", manager, nil)
	mustDirect(t, eng, "u1", del, scope.Own, grant.Allow)

	set, err := eng.ResolveEffectiveSet(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 || set[0].Scope != scope.Own || set[0].Source != SourceDirect {
		t.Fatalf("expected one direct entry at own, got %+v", set)
	}

	if dec := evaluate(t, eng, "u1", "file", "delete", scope.Global); dec.Allowed {
		t.Fatal("expected global delete denied after direct replace")
	} else if dec.Reason != string(ReasonScopeTooNarrow) {
		t.Fatalf("expected scope_too_narrow, got %s", dec.Reason)
	}
	if !evaluate(t, eng, "u1", "file", "delete", scope.Own).Allowed {
		t.Fatal("expected own delete allowed")
	}
}

func TestDirectGrantWidenMode(t *testing.T) {
	eng, _ := newTestEngine(t, WithConfig(Config{DirectGrantMode: DirectGrantWiden}))
	del := mustPermission(t, eng, "file", "delete", scope.Global)
	manager := mustRole(t, eng, "manager", 20, nil)
	mustGrant(t, eng, manager, del, nil)
	mustAssign(t, eng, "u1", manager, nil)
	mustDirect(t, eng, "u1", del, scope.Own, grant.Allow)

	if !evaluate(t, eng, "u1", "file", "delete", scope.Global).Allowed {
		t.Fatal("widen mode keeps the broader role-derived scope")
	}
}

func TestScenario_ConcurrentLevelEdit(t *testing.T) {
	eng, _ := newTestEngine(t)
	manager := mustRole(t, eng, "manager", 20, nil)
	mustRole(t, eng, "officer", 30, manager)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, level := range []int{21, 22} {
		edit := manager.Clone()
		edit.Level = level
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = eng.UpdateRole(context.Background(), edit)
		}()
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConcurrentModification):
			conflict++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflict)
	}
}

func TestFailClosed(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPermission(t, eng, "report", "view", scope.Team)

	dec := evaluate(t, eng, "nobody", "report", "view", scope.Own)
	if dec.Allowed || dec.Reason != reasonNoPermission || len(dec.Trace) != 0 {
		t.Fatalf("expected empty denial, got %+v", dec)
	}

	_, err := eng.Evaluate(context.Background(), &Request{UserID: "u1", ResourceType: "report", Action: "purge", Scope: scope.Own})
	if !errors.Is(err, ErrUnknownResource) || !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("expected unknown resource, got %v", err)
	}
}

func TestEvaluate_MalformedRequests(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPermission(t, eng, "report", "view", scope.Team)

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil", nil},
		{"empty user", &Request{ResourceType: "report", Action: "view", Scope: scope.Own}},
		{"bad scope", &Request{UserID: "u1", ResourceType: "report", Action: "view", Scope: "planet"}},
		{"missing action", &Request{UserID: "u1", ResourceType: "report", Scope: scope.Own}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Evaluate(context.Background(), tt.req)
			if !errors.Is(err, ErrMalformedRequest) {
				t.Fatalf("expected malformed request, got %v", err)
			}
			if HTTPStatus(err) != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", HTTPStatus(err))
			}
		})
	}
}

func TestExpiredAssignmentIsIgnored(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache := newMapCache()
	eng, _ := newTestEngine(t, WithClock(func() time.Time { return clock }), WithCache(cache))

	view := mustPermission(t, eng, "report", "view", scope.Team)
	viewer := mustRole(t, eng, "viewer", 50, nil)
	mustGrant(t, eng, viewer, view, nil)
	until := clock.Add(time.Hour)
	mustAssign(t, eng, "u1", viewer, &until)

	if !evaluate(t, eng, "u1", "report", "view", scope.Team).Allowed {
		t.Fatal("expected allowed before expiry")
	}
	if s, ok := cache.Get(context.Background(), "u1"); !ok || s.ValidUntil == nil || !s.ValidUntil.Equal(until) {
		t.Fatal("cached set should carry the assignment expiry")
	}

	clock = clock.Add(2 * time.Hour)
	if evaluate(t, eng, "u1", "report", "view", scope.Team).Allowed {
		t.Fatal("expired assignment must not grant")
	}

	n, err := eng.PruneExpiredAssignments(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned assignment, got %d %v", n, err)
	}

	page, err := eng.QueryAudit(context.Background(), &audit.Filter{EntityID: "expired"})
	if err != nil || len(page.Entries) != 1 {
		t.Fatalf("expected one prune entry, got %v %v", page, err)
	}
	var removed []assignment.Assignment
	if err := json.Unmarshal(page.Entries[0].Before, &removed); err != nil {
		t.Fatalf("prune entry has no before snapshot: %v", err)
	}
	if len(removed) != 1 || removed[0].UserID != "u1" || removed[0].RoleID.String() != viewer.ID.String() {
		t.Fatalf("unexpected before snapshot %s", page.Entries[0].Before)
	}
}

func TestInactivePermissionIsTraced(t *testing.T) {
	eng, _ := newTestEngine(t)
	view := mustPermission(t, eng, "report", "view", scope.Team)
	viewer := mustRole(t, eng, "viewer", 50, nil)
	mustGrant(t, eng, viewer, view, nil)
	mustAssign(t, eng, "u1", viewer, nil)

	ctx := context.Background()
	if _, err := eng.DeactivatePermission(ctx, view.ID, DeactivateOptions{}); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected in use, got %v", err)
	}

	// Deactivating the role first leaves no live grants.
	v, _ := eng.GetRole(ctx, viewer.ID)
	v.IsActive = false
	if _, err := eng.UpdateRole(ctx, v); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.DeactivatePermission(ctx, view.ID, DeactivateOptions{}); err != nil {
		t.Fatal(err)
	}
	v, _ = eng.GetRole(ctx, viewer.ID)
	v.IsActive = true
	if _, err := eng.UpdateRole(ctx, v); err != nil {
		t.Fatal(err)
	}

	dec := evaluate(t, eng, "u1", "report", "view", scope.Team)
	if dec.Allowed || dec.Reason != string(ReasonInactive) {
		t.Fatalf("expected inactive denial, got %+v", dec)
	}
	set, _ := eng.ResolveEffectiveSet(ctx, "u1")
	if len(set) != 0 {
		t.Fatalf("inactive permission leaked into effective set: %+v", set)
	}

	if _, err := eng.ActivatePermission(ctx, view.ID, 0); err != nil {
		t.Fatal(err)
	}
	if !evaluate(t, eng, "u1", "report", "view", scope.Team).Allowed {
		t.Fatal("expected allowed after re-activation")
	}
}

func TestForcedDeactivationRemovesGrants(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()
	view := mustPermission(t, eng, "report", "view", scope.Team)
	viewer := mustRole(t, eng, "viewer", 50, nil)
	mustGrant(t, eng, viewer, view, nil)
	mustDirect(t, eng, "u2", view, scope.Own, grant.Allow)
	revBefore, _ := eng.UserRevision(ctx, "u2")

	p, err := eng.DeactivatePermission(ctx, view.ID, DeactivateOptions{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.IsActive {
		t.Fatal("expected inactive permission")
	}
	if grants, _ := s.ListRoleGrants(ctx, viewer.ID); len(grants) != 0 {
		t.Fatal("role grant survived forced deactivation")
	}
	if _, err := s.GetUserGrant(ctx, "u2", view.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("user grant survived forced deactivation")
	}
	if rev, _ := eng.UserRevision(ctx, "u2"); rev != revBefore+1 {
		t.Fatalf("expected revision bump, got %d", rev)
	}

	page, _ := eng.QueryAudit(ctx, &audit.Filter{Action: audit.ActionDeactivate})
	if page.Total != 1 {
		t.Fatalf("expected one deactivation entry, got %d", page.Total)
	}
	if len(page.Entries[0].Before) == 0 {
		t.Fatal("before snapshot missing removed grants")
	}
}

func TestConditionFailureRemovesCandidate(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	cond := condition.And(condition.Eq("department_id", "d1"), condition.FieldEq("owner_id", "user_id"))
	p, err := eng.CreatePermission(ctx, &permission.Permission{
		Name: "doc.edit", ResourceType: "doc", Action: "edit", Scope: scope.Own, Conditions: &cond,
	})
	if err != nil {
		t.Fatal(err)
	}
	editor := mustRole(t, eng, "editor", 40, nil)
	mustGrant(t, eng, editor, p, nil)
	mustAssign(t, eng, "u1", editor, nil)

	set, _ := eng.ResolveEffectiveSet(ctx, "u1")
	if len(set) != 1 || !set[0].Conditional {
		t.Fatalf("expected one conditional entry, got %+v", set)
	}

	req := &Request{UserID: "u1", ResourceType: "doc", Action: "edit", Scope: scope.Own,
		Context: condition.Context{"department_id": "d1", "owner_id": "u1"}}
	if dec, _ := eng.Evaluate(ctx, req); !dec.Allowed {
		t.Fatalf("expected condition to hold, got %s", dec.Reason)
	}
	req.Context = condition.Context{"department_id": "d2", "owner_id": "u1"}
	if dec, _ := eng.Evaluate(ctx, req); dec.Allowed || dec.Reason != string(ReasonConditionFailed) {
		t.Fatalf("expected condition_failed, got %+v", dec)
	}
}

func TestInvalidConditionRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	bad := condition.Expr{Op: "teleport", Field: "x"}
	_, err := eng.CreatePermission(context.Background(), &permission.Permission{
		Name: "x", ResourceType: "x", Action: "y", Scope: scope.Own, Conditions: &bad,
	})
	if !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("expected invalid condition, got %v", err)
	}
}

func TestDuplicateIdentity(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	mustPermission(t, eng, "report", "view", scope.Team)

	_, err := eng.CreatePermission(ctx, &permission.Permission{Name: "other", ResourceType: "report", Action: "view", Scope: scope.Team})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected duplicate triple, got %v", err)
	}
	_, err = eng.CreatePermission(ctx, &permission.Permission{Name: "report.view.team", ResourceType: "report", Action: "view", Scope: scope.Branch})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected duplicate name, got %v", err)
	}
	mustRole(t, eng, "viewer", 50, nil)
	if _, err := eng.CreateRole(ctx, &role.Role{Name: "viewer", Level: 60}); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected duplicate role name, got %v", err)
	}
}

func TestPermissionNarrowingBlockedByGrants(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustPermission(t, eng, "file", "read", scope.Global)
	r := mustRole(t, eng, "reader", 50, nil)
	mustGrant(t, eng, r, p, scope.Ptr(scope.Branch))

	edit := p.Clone()
	edit.Scope = scope.Team
	if _, err := eng.UpdatePermission(ctx, edit); !errors.Is(err, ErrInvalidScopeNarrowing) {
		t.Fatalf("expected narrowing error, got %v", err)
	}
	edit.Scope = scope.Branch
	if _, err := eng.UpdatePermission(ctx, edit); err != nil {
		t.Fatalf("narrowing to the override should pass: %v", err)
	}

	cur, _ := eng.GetRole(ctx, r.ID)
	if _, err := eng.GrantPermissionToRole(ctx, r.ID, p.ID, scope.Ptr(scope.Global), cur.Version); !errors.Is(err, ErrInvalidScopeNarrowing) {
		t.Fatalf("expected override wider than permission rejected, got %v", err)
	}
}

func TestRoleHierarchyGuards(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	root := mustRole(t, eng, "root", 10, nil)
	mid := mustRole(t, eng, "mid", 20, root)
	leaf := mustRole(t, eng, "leaf", 30, mid)

	if _, err := eng.CreateRole(ctx, &role.Role{Name: "bad", Level: 10, ParentID: &root.ID}); !errors.Is(err, ErrLevelOrdering) {
		t.Fatalf("expected level ordering, got %v", err)
	}

	r, _ := eng.GetRole(ctx, root.ID)
	if _, err := eng.SetParent(ctx, root.ID, &leaf.ID, r.Version); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected cycle, got %v", err)
	}
	if _, err := eng.SetParent(ctx, root.ID, &root.ID, r.Version); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected self-parent cycle, got %v", err)
	}

	l, _ := eng.GetRole(ctx, leaf.ID)
	moved, err := eng.SetParent(ctx, leaf.ID, &root.ID, l.Version)
	if err != nil {
		t.Fatal(err)
	}
	if moved.ParentID == nil || moved.ParentID.String() != root.ID.String() {
		t.Fatal("leaf was not re-parented")
	}
	children, err := eng.ListChildRoles(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("expected mid and leaf under root, got %d children", len(children))
	}
	if _, err := eng.SetParent(ctx, leaf.ID, nil, moved.Version); err != nil {
		t.Fatal(err)
	}

	m, _ := eng.GetRole(ctx, mid.ID)
	m.Level = 5
	if _, err := eng.UpdateRole(ctx, m); !errors.Is(err, ErrLevelOrdering) {
		t.Fatalf("expected level ordering on update, got %v", err)
	}

	root, _ = eng.GetRole(ctx, root.ID)
	if err := eng.DeleteRole(ctx, root.ID, root.Version); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected in use for role with children, got %v", err)
	}
}

func TestSystemEntitiesAreImmutable(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()
	sys := &role.Role{ID: id.NewRoleID(), Name: "superadmin", Level: 0, IsSystem: true, IsActive: true}
	if err := s.CreateRole(ctx, sys); err != nil {
		t.Fatal(err)
	}
	perm := &permission.Permission{ID: id.NewPermissionID(), Name: "sys", ResourceType: "system", Action: "manage", Scope: scope.Global, IsSystem: true, IsActive: true}
	if err := s.CreatePermission(ctx, perm); err != nil {
		t.Fatal(err)
	}

	if err := eng.DeleteRole(ctx, sys.ID, sys.Version); !errors.Is(err, ErrImmutableSystemEntity) {
		t.Fatalf("expected immutable, got %v", err)
	}
	rename := sys.Clone()
	rename.Name = "root"
	if _, err := eng.UpdateRole(ctx, rename); !errors.Is(err, ErrImmutableSystemEntity) {
		t.Fatalf("expected immutable rename, got %v", err)
	}
	edit := sys.Clone()
	edit.Description = "all powerful"
	if _, err := eng.UpdateRole(ctx, edit); err != nil {
		t.Fatalf("system role description edit should pass: %v", err)
	}
	if _, err := eng.DeactivatePermission(ctx, perm.ID, DeactivateOptions{Force: true}); !errors.Is(err, ErrImmutableSystemEntity) {
		t.Fatalf("expected immutable permission, got %v", err)
	}
	if err := eng.DeletePermission(ctx, perm.ID); !errors.Is(err, ErrImmutableSystemEntity) {
		t.Fatalf("expected immutable delete, got %v", err)
	}
}

func TestIdempotentRevoke(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	view := mustPermission(t, eng, "report", "view", scope.Team)
	viewer := mustRole(t, eng, "viewer", 50, nil)
	mustAssign(t, eng, "u1", viewer, nil)
	mustDirect(t, eng, "u1", view, scope.Team, grant.Allow)

	rev, _ := eng.UserRevision(ctx, "u1")
	if err := eng.RevokeRole(ctx, "u1", viewer.ID, rev); err != nil {
		t.Fatal(err)
	}
	entries := auditCount(t, eng)
	after, _ := eng.UserRevision(ctx, "u1")

	// Second revoke with the stale token is a silent no-op.
	if err := eng.RevokeRole(ctx, "u1", viewer.ID, rev); err != nil {
		t.Fatalf("repeated revoke should be a no-op: %v", err)
	}
	if err := eng.RevokePermissionFromRole(ctx, viewer.ID, view.ID, viewer.Version); err != nil {
		t.Fatal(err)
	}
	if err := eng.RevokeDirect(ctx, "u1", id.NewPermissionID(), 0); err != nil {
		t.Fatal(err)
	}
	if auditCount(t, eng) != entries {
		t.Fatal("no-op revokes wrote audit entries")
	}
	if again, _ := eng.UserRevision(ctx, "u1"); again != after {
		t.Fatal("no-op revoke bumped the revision")
	}
}

func TestUserRevisionConflict(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	viewer := mustRole(t, eng, "viewer", 50, nil)
	other := mustRole(t, eng, "other", 60, nil)

	if _, err := eng.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: viewer.ID}); err != nil {
		t.Fatal(err)
	}
	_, err := eng.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: other.ID})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected stale revision rejected, got %v", err)
	}
	if HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("expected 409, got %d", HTTPStatus(err))
	}
}

func TestEveryMutationWritesOneAuditEntry(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := WithActor(context.Background(), "admin", "10.0.0.1")

	steps := []func() error{
		func() error {
			_, err := eng.CreatePermission(ctx, &permission.Permission{Name: "a", ResourceType: "a", Action: "b", Scope: scope.Team})
			return err
		},
		func() error {
			_, err := eng.CreateRole(ctx, &role.Role{Name: "r", Level: 10})
			return err
		},
		func() error {
			r, _ := eng.GetRoleByName(ctx, "r")
			ps, _ := eng.ListPermissions(ctx, nil)
			_, err := eng.GrantPermissionToRole(ctx, r.ID, ps[0].ID, nil, r.Version)
			return err
		},
		func() error {
			r, _ := eng.GetRoleByName(ctx, "r")
			_, err := eng.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: r.ID})
			return err
		},
	}
	for i, step := range steps {
		before := auditCount(t, eng)
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := auditCount(t, eng); got != before+1 {
			t.Fatalf("step %d wrote %d audit entries", i, got-before)
		}
	}

	page, _ := eng.QueryAudit(ctx, &audit.Filter{ActorID: "admin", Descending: true, Limit: 1})
	if page.Total != int64(len(steps)) || page.Entries[0].Action != audit.ActionAssign {
		t.Fatalf("unexpected audit page %+v", page)
	}
	if page.Entries[0].ActorIP != "10.0.0.1" {
		t.Fatal("actor ip not recorded")
	}

	// A failed mutation writes nothing.
	before := auditCount(t, eng)
	if _, err := eng.CreateRole(ctx, &role.Role{Name: "r", Level: 10}); err == nil {
		t.Fatal("expected duplicate")
	}
	if auditCount(t, eng) != before {
		t.Fatal("failed mutation left an audit entry")
	}

	n, err := eng.PurgeAudit(ctx, time.Now().Add(time.Hour))
	if err != nil || n != int64(len(steps)) {
		t.Fatalf("expected %d purged, got %d %v", len(steps), n, err)
	}
}

func TestCacheInvalidatedOnCommit(t *testing.T) {
	cache := newMapCache()
	eng, _ := newTestEngine(t, WithCache(cache))
	ctx := context.Background()
	view := mustPermission(t, eng, "report", "view", scope.Team)
	viewer := mustRole(t, eng, "viewer", 50, nil)
	mustGrant(t, eng, viewer, view, nil)

	if evaluate(t, eng, "u1", "report", "view", scope.Team).Allowed {
		t.Fatal("expected denied before assignment")
	}
	if _, ok := cache.Get(ctx, "u1"); !ok {
		t.Fatal("expected cached set")
	}

	mustAssign(t, eng, "u1", viewer, nil)
	if _, ok := cache.Get(ctx, "u1"); ok {
		t.Fatal("assignment did not invalidate the user's set")
	}
	if !evaluate(t, eng, "u1", "report", "view", scope.Team).Allowed {
		t.Fatal("expected allowed right after assignment")
	}

	all := cache.all
	viewer, _ = eng.GetRole(ctx, viewer.ID)
	if err := eng.RevokePermissionFromRole(ctx, viewer.ID, view.ID, viewer.Version); err != nil {
		t.Fatal(err)
	}
	if cache.all != all+1 {
		t.Fatal("role grant change did not invalidate every set")
	}
	if evaluate(t, eng, "u1", "report", "view", scope.Team).Allowed {
		t.Fatal("expected denied right after revoke")
	}
}

func TestStaleFillIsDropped(t *testing.T) {
	cache := newMapCache()
	eng, _ := newTestEngine(t, WithCache(cache))
	ctx := context.Background()
	mustPermission(t, eng, "report", "view", scope.Team)

	gen := eng.gen.Load()
	g, err := eng.snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// A commit lands between the read of gen and the fill.
	eng.invalidate(ctx, &change{users: []string{"u1"}})
	if _, err := eng.effectiveSet(ctx, g, "u1", gen); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Get(ctx, "u1"); ok {
		t.Fatal("fill from an older generation reached the cache")
	}
}

func TestEnforce(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPermission(t, eng, "report", "view", scope.Team)
	err := eng.Enforce(context.Background(), &Request{UserID: "u1", ResourceType: "report", Action: "view", Scope: scope.Team})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if HTTPStatus(err) != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", HTTPStatus(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrAccessDenied, http.StatusForbidden},
		{ErrUnknownResource, http.StatusBadRequest},
		{ErrCycleDetected, http.StatusBadRequest},
		{ErrRoleNotFound, http.StatusNotFound},
		{ErrInUse, http.StatusConflict},
		{translate(store.ErrConflict), http.StatusConflict},
		{translate(errors.New("connection refused")), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestTranslate(t *testing.T) {
	if err := translate(store.ErrDuplicate); !errors.Is(err, ErrDuplicateIdentity) || !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate not translated: %v", err)
	}
	if err := translate(context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("cancellation should pass through: %v", err)
	}
	if err := translate(errors.New("disk on fire")); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestRoleEditsRejectStaleVersion(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	view := mustPermission(t, eng, "report", "view", scope.Global)
	manager := mustRole(t, eng, "manager", 20, nil)

	// Two editors read the same version and both try to grant.
	read, _ := eng.GetRole(ctx, manager.ID)
	if _, err := eng.GrantPermissionToRole(ctx, manager.ID, view.ID, scope.Ptr(scope.Branch), read.Version); err != nil {
		t.Fatal(err)
	}
	_, err := eng.GrantPermissionToRole(ctx, manager.ID, view.ID, scope.Ptr(scope.Team), read.Version)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected second grant rejected, got %v", err)
	}
	grants, _ := eng.ListRoleGrants(ctx, manager.ID)
	if len(grants) != 1 || grants[0].ScopeOverride == nil || *grants[0].ScopeOverride != scope.Branch {
		t.Fatalf("losing write reached the store: %+v", grants)
	}

	if err := eng.RevokePermissionFromRole(ctx, manager.ID, view.ID, read.Version); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected stale revoke rejected, got %v", err)
	}
	if err := eng.DeleteRole(ctx, manager.ID, read.Version); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected stale delete rejected, got %v", err)
	}

	cur, _ := eng.GetRole(ctx, manager.ID)
	if err := eng.RevokePermissionFromRole(ctx, manager.ID, view.ID, cur.Version); err != nil {
		t.Fatal(err)
	}
	cur, _ = eng.GetRole(ctx, manager.ID)
	if err := eng.DeleteRole(ctx, manager.ID, cur.Version); err != nil {
		t.Fatal(err)
	}
}

// failingAuditStore rejects every ledger append.
type failingAuditStore struct {
	*memory.Store
}

var errAuditDown = errors.New("audit log unavailable")

func (s *failingAuditStore) AppendAudit(context.Context, *audit.Entry) error { return errAuditDown }

func (s *failingAuditStore) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return s.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		return fn(ctx, &failingAuditStore{Store: tx.(*memory.Store)})
	})
}

func TestFailedAuditAppendRollsBack(t *testing.T) {
	mem := memory.New()
	eng, err := NewEngine(WithStore(&failingAuditStore{Store: mem}))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := eng.CreateRole(ctx, &role.Role{Name: "viewer", Level: 50}); !errors.Is(err, errAuditDown) {
		t.Fatalf("expected audit failure, got %v", err)
	}
	if _, err := mem.GetRoleByName(ctx, "viewer"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("role survived a failed audit append: %v", err)
	}

	p := &permission.Permission{ID: id.NewPermissionID(), Name: "report.view", ResourceType: "report", Action: "view", Scope: scope.Team, IsActive: true}
	if err := mem.CreatePermission(ctx, p); err != nil {
		t.Fatal(err)
	}
	_, err = eng.GrantDirect(ctx, DirectGrantInput{UserID: "u1", PermissionID: p.ID, Scope: scope.Team, Polarity: grant.Allow})
	if !errors.Is(err, errAuditDown) {
		t.Fatalf("expected audit failure, got %v", err)
	}
	if _, err := mem.GetUserGrant(ctx, "u1", p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("direct grant survived a failed audit append: %v", err)
	}
	if rev, _ := mem.GetUserRevision(ctx, "u1"); rev != 0 {
		t.Fatalf("revision bumped by a rolled back grant: %d", rev)
	}
	if n, _ := mem.CountAudit(ctx, nil); n != 0 {
		t.Fatalf("expected empty ledger, got %d", n)
	}
}

func TestQueryAuditRangeAndPaging(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	eng, _ := newTestEngine(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	start := clock
	for i := range 5 {
		mustPermission(t, eng, "doc", fmt.Sprintf("action%d", i), scope.Team)
		clock = clock.Add(time.Minute)
	}

	from, to := start.Add(time.Minute), start.Add(4*time.Minute)
	filter := &audit.Filter{EntityType: audit.EntityPermission, After: &from, Before: &to, Limit: 2}
	first, err := eng.QueryAudit(ctx, filter)
	if err != nil {
		t.Fatal(err)
	}
	if first.Total != 3 || len(first.Entries) != 2 || !first.Entries[0].CreatedAt.Equal(from) {
		t.Fatalf("unexpected first page %+v", first)
	}

	filter.Offset = 2
	second, err := eng.QueryAudit(ctx, filter)
	if err != nil {
		t.Fatal(err)
	}
	if second.Total != 3 || len(second.Entries) != 1 || second.Offset != 2 || second.Limit != 2 {
		t.Fatalf("unexpected second page %+v", second)
	}
	if !second.Entries[0].CreatedAt.Equal(start.Add(3 * time.Minute)) {
		t.Fatalf("before bound not exclusive: %v", second.Entries[0].CreatedAt)
	}

	filter.Offset = 4
	empty, _ := eng.QueryAudit(ctx, filter)
	if len(empty.Entries) != 0 || empty.Total != 3 {
		t.Fatalf("expected empty page past the end, got %+v", empty)
	}
}

type recordingArchiver struct {
	entries []*audit.Entry
	err     error
}

func (r *recordingArchiver) ArchiveAudit(_ context.Context, entries []*audit.Entry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entries...)
	return nil
}

func TestPurgeAuditArchivesFirst(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	arch := &recordingArchiver{}
	eng, s := newTestEngine(t, WithClock(func() time.Time { return clock }), WithAuditArchiver(arch))
	ctx := context.Background()

	for i := range 3 {
		mustPermission(t, eng, "doc", fmt.Sprintf("action%d", i), scope.Team)
		clock = clock.Add(time.Hour)
	}

	cutoff := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	n, err := eng.PurgeAudit(ctx, cutoff)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged, got %d %v", n, err)
	}
	if len(arch.entries) != 2 {
		t.Fatalf("expected 2 archived entries, got %d", len(arch.entries))
	}
	for _, e := range arch.entries {
		if !e.CreatedAt.Before(cutoff) {
			t.Fatalf("archived entry past the cutoff: %v", e.CreatedAt)
		}
	}
	if left, _ := s.CountAudit(ctx, nil); left != 1 {
		t.Fatalf("expected 1 entry kept, got %d", left)
	}
}

func TestPurgeAuditKeepsEntriesWhenArchiveFails(t *testing.T) {
	arch := &recordingArchiver{err: errors.New("archive offline")}
	eng, s := newTestEngine(t, WithAuditArchiver(arch))
	ctx := context.Background()
	mustPermission(t, eng, "doc", "read", scope.Team)

	_, err := eng.PurgeAudit(ctx, time.Now().Add(time.Hour))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if left, _ := s.CountAudit(ctx, nil); left != 1 {
		t.Fatalf("purge ran despite archive failure: %d left", left)
	}
}
