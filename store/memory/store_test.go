package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/store/storetest"
	"github.com/xraph/gatekeeper/template"
)

func newPermission(name, rt, action string, sc scope.Scope) *permission.Permission {
	return &permission.Permission{
		ID:           id.NewPermissionID(),
		Name:         name,
		ResourceType: rt,
		Action:       action,
		Scope:        sc,
		IsActive:     true,
	}
}

func TestReadsAreIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := newPermission("file-read", "file", "read", scope.Team)
	if err := s.CreatePermission(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Name = "mutated"

	got, _ := s.GetPermission(ctx, p.ID)
	if got.Name != "file-read" {
		t.Fatal("store kept a reference to the caller's value")
	}
	got.Name = "mutated again"
	again, _ := s.GetPermission(ctx, p.ID)
	if again.Name != "file-read" {
		t.Fatal("store returned a shared value")
	}
}

func TestTemplateEntriesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()

	tmpl := &template.Template{
		ID:      id.NewTemplateID(),
		Name:    "auditor-kit",
		Entries: []template.Entry{{PermissionID: id.NewPermissionID(), Scope: scope.Branch}},
	}
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatal(err)
	}

	tmpl.Entries[0].Scope = scope.Own
	got, _ := s.GetTemplate(ctx, tmpl.ID)
	if got.Entries[0].Scope != scope.Branch {
		t.Fatal("template entries shared with caller")
	}

	got.Entries = nil
	if err := s.UpdateTemplate(ctx, got); err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}

	byName, err := s.GetTemplateByName(ctx, "auditor-kit")
	if err != nil || len(byName.Entries) != 0 {
		t.Fatalf("unexpected template %v %v", byName, err)
	}
}

func TestAuditOrderingAndPurge(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		e := &audit.Entry{
			ID:         id.NewAuditID(),
			EntityType: audit.EntityRole,
			EntityID:   "r1",
			Action:     audit.ActionUpdate,
			ActorID:    "admin",
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	page, _ := s.ListAudit(ctx, &audit.Filter{EntityID: "r1", Limit: 2, Offset: 1})
	if len(page) != 2 || !page[0].CreatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected page %v", page)
	}

	desc, _ := s.ListAudit(ctx, &audit.Filter{Descending: true, Limit: 1})
	if !desc[0].CreatedAt.Equal(base.Add(4 * time.Hour)) {
		t.Fatal("expected newest first")
	}

	after := base.Add(2 * time.Hour)
	count, _ := s.CountAudit(ctx, &audit.Filter{After: &after})
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}

	n, _ := s.PurgeAudit(ctx, after)
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	count, _ = s.CountAudit(ctx, nil)
	if count != 3 {
		t.Fatalf("expected 3 remaining, got %d", count)
	}
}

func TestTxCommitAndIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateRole(ctx, &role.Role{ID: id.NewRoleID(), Name: "staged"}); err != nil {
			return err
		}
		// Not visible outside the transaction until commit.
		if _, err := s.GetRoleByName(ctx, "staged"); !errors.Is(err, store.ErrNotFound) {
			t.Error("uncommitted role visible to readers")
		}
		// Nested Tx joins the outer one.
		return tx.Tx(ctx, func(ctx context.Context, inner store.Store) error {
			_, err := inner.GetRoleByName(ctx, "staged")
			return err
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRoleByName(ctx, "staged"); err != nil {
		t.Fatalf("committed role not visible: %v", err)
	}
}

func TestTxAuditPublishedOnCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	entry := func() *audit.Entry {
		return &audit.Entry{ID: id.NewAuditID(), EntityType: audit.EntityRole, EntityID: "r1", Action: audit.ActionCreate}
	}
	if err := s.AppendAudit(ctx, entry()); err != nil {
		t.Fatal(err)
	}

	err := s.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.AppendAudit(ctx, entry()); err != nil {
			return err
		}
		if n, _ := tx.CountAudit(ctx, nil); n != 2 {
			t.Errorf("expected tx to see 2 entries, got %d", n)
		}
		if n, _ := s.CountAudit(ctx, nil); n != 1 {
			t.Errorf("uncommitted audit entry visible to readers: %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountAudit(ctx, nil); n != 2 {
		t.Fatalf("expected 2 entries after commit, got %d", n)
	}

	boom := errors.New("boom")
	err = s.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.AppendAudit(ctx, entry()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n, _ := s.CountAudit(ctx, nil); n != 2 {
		t.Fatalf("rolled back entry was published: %d", n)
	}
}

func TestCloneLeavesAuditLogShared(t *testing.T) {
	ctx := context.Background()
	s := New()
	for range 3 {
		_ = s.AppendAudit(ctx, &audit.Entry{ID: id.NewAuditID(), EntityType: audit.EntityRole, EntityID: "r1", Action: audit.ActionCreate})
	}
	before := s.log.snapshot()

	err := s.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		child := tx.(*Store)
		if child.log != s.log {
			t.Error("transaction copied the audit log")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	after := s.log.snapshot()
	if len(after) != 3 || &after[0] != &before[0] {
		t.Fatal("empty transaction rewrote the audit log")
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}
