// Package storetest holds a behavioural suite every store backend must pass.
package storetest

import (
	"context"
	"errors"
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
	"github.com/xraph/gatekeeper/template"
)

// Run executes the suite. newStore must return an empty, migrated store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Permissions", testPermissions},
		{"PermissionVersion", testPermissionVersion},
		{"RolesAndGrants", testRolesAndGrants},
		{"Assignments", testAssignments},
		{"UserGrantsAndRevision", testUserGrantsAndRevision},
		{"Templates", testTemplates},
		{"Audit", testAudit},
		{"TxRollback", testTxRollback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func perm(name, rt, action string, sc scope.Scope) *permission.Permission {
	return &permission.Permission{
		ID:           id.NewPermissionID(),
		Name:         name,
		ResourceType: rt,
		Action:       action,
		Scope:        sc,
		IsActive:     true,
	}
}

func testPermissions(t *testing.T, s store.Store) {
	ctx := context.Background()

	cond := condition.And(condition.Eq("org_id", "acme"), condition.Lte("amount", 5000))
	p := perm("loan-approve", "loan", "approve", scope.Branch)
	p.Conditions = &cond
	if err := s.CreatePermission(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPermission(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Scope != scope.Branch || got.Conditions == nil || got.Conditions.Op != condition.OpAnd {
		t.Fatalf("unexpected permission %+v", got)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}

	if _, err := s.GetPermissionByName(ctx, "loan-approve"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindActivePermission(ctx, "loan", "approve", "branch"); err != nil {
		t.Fatal(err)
	}

	dup := perm("loan-approve", "loan", "read", scope.Own)
	if err := s.CreatePermission(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	dup = perm("loan-approve-2", "loan", "approve", scope.Branch)
	if err := s.CreatePermission(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	other := perm("loan-read", "loan", "read", scope.Own)
	if err := s.CreatePermission(ctx, other); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListPermissions(ctx, &permission.ListFilter{ResourceType: "loan"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Action != "approve" {
		t.Fatalf("expected 2 ordered permissions, got %d", len(list))
	}
	active := true
	n, err := s.CountPermissions(ctx, &permission.ListFilter{IsActive: &active, Search: "read"})
	if err != nil || n != 1 {
		t.Fatalf("expected 1, got %d (%v)", n, err)
	}

	if err := s.DeletePermission(ctx, other.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPermission(ctx, other.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPermissionVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := perm("file-delete", "file", "delete", scope.Global)
	if err := s.CreatePermission(ctx, p); err != nil {
		t.Fatal(err)
	}
	stale, _ := s.GetPermission(ctx, p.ID)

	p.Description = "fresh"
	if err := s.UpdatePermission(ctx, p); err != nil {
		t.Fatal(err)
	}
	if p.Version != 2 {
		t.Fatalf("expected version 2, got %d", p.Version)
	}

	stale.Description = "stale"
	if err := s.UpdatePermission(ctx, stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	missing := perm("ghost", "file", "read", scope.Own)
	missing.Version = 1
	if err := s.UpdatePermission(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRolesAndGrants(t *testing.T, s store.Store) {
	ctx := context.Background()

	manager := &role.Role{ID: id.NewRoleID(), Name: "manager", Level: 20, IsActive: true}
	if err := s.CreateRole(ctx, manager); err != nil {
		t.Fatal(err)
	}
	officer := &role.Role{ID: id.NewRoleID(), Name: "officer", Level: 30, ParentID: &manager.ID, IsActive: true}
	if err := s.CreateRole(ctx, officer); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRoleByName(ctx, "officer")
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentID == nil || *got.ParentID != manager.ID {
		t.Fatal("parent not persisted")
	}

	children, err := s.ListChildRoles(ctx, manager.ID)
	if err != nil || len(children) != 1 {
		t.Fatalf("expected 1 child, got %d (%v)", len(children), err)
	}
	roles, _ := s.ListRoles(ctx, &role.ListFilter{})
	if len(roles) != 2 || roles[0].Name != "manager" {
		t.Fatal("roles should be ordered by level")
	}

	p := perm("app-approve", "application", "approve", scope.Department)
	if err := s.CreatePermission(ctx, p); err != nil {
		t.Fatal(err)
	}
	g := &role.Grant{ID: id.NewRoleGrantID(), RoleID: manager.ID, PermissionID: p.ID, Source: role.SourceManual}
	if err := s.UpsertRoleGrant(ctx, g); err != nil {
		t.Fatal(err)
	}
	team := scope.Team
	again := &role.Grant{ID: id.NewRoleGrantID(), RoleID: manager.ID, PermissionID: p.ID, ScopeOverride: &team, Source: role.SourceManual}
	if err := s.UpsertRoleGrant(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.ID != g.ID {
		t.Fatal("upsert should keep the original grant id")
	}

	stored, err := s.GetRoleGrant(ctx, manager.ID, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.EffectiveScope(p.Scope) != scope.Team {
		t.Fatalf("expected team override, got %s", stored.EffectiveScope(p.Scope))
	}

	all, _ := s.ListAllRoleGrants(ctx)
	byPerm, _ := s.ListRoleGrantsByPermission(ctx, p.ID)
	if len(all) != 1 || len(byPerm) != 1 {
		t.Fatalf("expected one grant, got %d / %d", len(all), len(byPerm))
	}

	existed, err := s.DeleteRoleGrant(ctx, manager.ID, p.ID)
	if err != nil || !existed {
		t.Fatalf("expected existing grant removed: %v %v", existed, err)
	}
	existed, err = s.DeleteRoleGrant(ctx, manager.ID, p.ID)
	if err != nil || existed {
		t.Fatalf("second revoke should be a no-op: %v %v", existed, err)
	}

	stale := manager.Clone()
	manager.Level = 21
	if err := s.UpdateRole(ctx, manager); err != nil {
		t.Fatal(err)
	}
	stale.Level = 22
	if err := s.UpdateRole(ctx, stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func testAssignments(t *testing.T, s store.Store) {
	ctx := context.Background()

	r := &role.Role{ID: id.NewRoleID(), Name: "viewer", Level: 50, IsActive: true}
	if err := s.CreateRole(ctx, r); err != nil {
		t.Fatal(err)
	}

	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	a := &assignment.Assignment{ID: id.NewAssignmentID(), UserID: "u1", RoleID: r.ID, AssignedBy: "admin", ExpiresAt: &past}
	if err := s.UpsertAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAssignment(ctx, "u1", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExpiresAt == nil || !got.Expired(time.Now()) {
		t.Fatal("expiry not persisted")
	}

	users, err := s.ListUsersForRoles(ctx, []id.RoleID{r.ID})
	if err != nil || len(users) != 1 || users[0] != "u1" {
		t.Fatalf("expected [u1], got %v (%v)", users, err)
	}

	list, _ := s.ListAssignments(ctx, &assignment.ListFilter{UserID: "u1"})
	if len(list) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(list))
	}

	removed, err := s.DeleteExpiredAssignments(ctx, time.Now())
	if err != nil || len(removed) != 1 {
		t.Fatalf("expected 1 expired removed, got %d (%v)", len(removed), err)
	}
	if removed[0].UserID != "u1" || removed[0].RoleID.String() != r.ID.String() || removed[0].ExpiresAt == nil {
		t.Fatalf("unexpected removed assignment %+v", removed[0])
	}
	existed, err := s.DeleteAssignment(ctx, "u1", r.ID)
	if err != nil || existed {
		t.Fatalf("expected no-op delete, got %v (%v)", existed, err)
	}

	unknown := &assignment.Assignment{ID: id.NewAssignmentID(), UserID: "u1", RoleID: id.NewRoleID()}
	if err := s.UpsertAssignment(ctx, unknown); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
}

func testUserGrantsAndRevision(t *testing.T, s store.Store) {
	ctx := context.Background()

	p := perm("file-delete", "file", "delete", scope.Global)
	if err := s.CreatePermission(ctx, p); err != nil {
		t.Fatal(err)
	}
	g := &grant.Grant{ID: id.NewUserGrantID(), UserID: "u1", PermissionID: p.ID, Polarity: grant.Allow, Scope: scope.Own, Source: "direct"}
	if err := s.UpsertUserGrant(ctx, g); err != nil {
		t.Fatal(err)
	}
	deny := &grant.Grant{ID: id.NewUserGrantID(), UserID: "u1", PermissionID: p.ID, Polarity: grant.Deny, Scope: scope.Global, Source: "direct"}
	if err := s.UpsertUserGrant(ctx, deny); err != nil {
		t.Fatal(err)
	}
	if deny.ID != g.ID {
		t.Fatal("upsert should keep the original grant id")
	}

	got, err := s.GetUserGrant(ctx, "u1", p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Polarity != grant.Deny {
		t.Fatalf("expected deny, got %s", got.Polarity)
	}
	list, _ := s.ListUserGrants(ctx, &grant.ListFilter{UserID: "u1", Polarity: grant.Deny})
	if len(list) != 1 {
		t.Fatalf("expected 1 deny, got %d", len(list))
	}

	rev, err := s.GetUserRevision(ctx, "u1")
	if err != nil || rev != 0 {
		t.Fatalf("expected revision 0, got %d (%v)", rev, err)
	}
	if rev, err = s.BumpUserRevision(ctx, "u1", 0); err != nil || rev != 1 {
		t.Fatalf("expected revision 1, got %d (%v)", rev, err)
	}
	if rev, err = s.BumpUserRevision(ctx, "u1", 1); err != nil || rev != 2 {
		t.Fatalf("expected revision 2, got %d (%v)", rev, err)
	}
	if _, err := s.BumpUserRevision(ctx, "u1", 1); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := s.BumpUserRevision(ctx, "u1", 0); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale first revision, got %v", err)
	}

	existed, err := s.DeleteUserGrant(ctx, "u1", p.ID)
	if err != nil || !existed {
		t.Fatalf("expected grant removed: %v (%v)", existed, err)
	}
}

func testTemplates(t *testing.T, s store.Store) {
	ctx := context.Background()

	tmpl := &template.Template{
		ID:      id.NewTemplateID(),
		Name:    "auditor-kit",
		Entries: []template.Entry{{PermissionID: id.NewPermissionID(), Scope: scope.Branch}},
	}
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTemplateByName(ctx, "auditor-kit")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 1 || got.Entries[0].Scope != scope.Branch {
		t.Fatalf("entries not persisted: %+v", got.Entries)
	}

	stale := got.Clone()
	got.Entries = nil
	if err := s.UpdateTemplate(ctx, got); err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}
	if err := s.UpdateTemplate(ctx, stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := s.CreateTemplate(ctx, &template.Template{ID: id.NewTemplateID(), Name: "auditor-kit"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	list, _ := s.ListTemplates(ctx, &template.ListFilter{Search: "audit"})
	if len(list) != 1 {
		t.Fatalf("expected 1 template, got %d", len(list))
	}
	if err := s.DeleteTemplate(ctx, tmpl.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTemplate(ctx, tmpl.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 4 {
		e := &audit.Entry{
			ID:         id.NewAuditID(),
			EntityType: audit.EntityRole,
			EntityID:   "role_1",
			Action:     audit.ActionUpdate,
			ActorID:    "admin",
			ActorIP:    "10.0.0.1",
			Before:     audit.Snapshot(map[string]int{"level": i}),
			After:      audit.Snapshot(map[string]int{"level": i + 1}),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListAudit(ctx, &audit.Filter{EntityID: "role_1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || !list[0].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected page: %d entries", len(list))
	}
	if len(list[0].After) == 0 {
		t.Fatal("after snapshot not persisted")
	}

	from, to := base.Add(time.Minute), base.Add(3*time.Minute)
	n, err := s.CountAudit(ctx, &audit.Filter{After: &from, Before: &to})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 in range, got %d (%v)", n, err)
	}

	purged, err := s.PurgeAudit(ctx, base.Add(2*time.Minute))
	if err != nil || purged != 2 {
		t.Fatalf("expected 2 purged, got %d (%v)", purged, err)
	}
}

func testTxRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	r := &role.Role{ID: id.NewRoleID(), Name: "ghost", Level: 10, IsActive: true}
	err := s.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateRole(ctx, r); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &audit.Entry{
			ID: id.NewAuditID(), EntityType: audit.EntityRole, EntityID: r.ID.String(), Action: audit.ActionCreate,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetRole(ctx, r.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rolled back role visible: %v", err)
	}
	if n, _ := s.CountAudit(ctx, &audit.Filter{EntityID: r.ID.String()}); n != 0 {
		t.Fatalf("rolled back audit entry visible: %d", n)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		return tx.CreateRole(ctx, r)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRole(ctx, r.ID); err != nil {
		t.Fatalf("committed role missing: %v", err)
	}
}
