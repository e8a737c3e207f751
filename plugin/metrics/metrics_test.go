package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store/memory"
	"github.com/xraph/gatekeeper/template"
)

func TestPluginRecordsEngineActivity(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := New(reg)

	eng, err := gatekeeper.NewEngine(gatekeeper.WithStore(memory.New()), gatekeeper.WithPlugin(m))
	if err != nil {
		t.Fatal(err)
	}

	p, err := eng.CreatePermission(ctx, &permission.Permission{
		Name: "doc.read", ResourceType: "doc", Action: "read", Scope: scope.Team,
	})
	if err != nil {
		t.Fatal(err)
	}
	r, err := eng.CreateRole(ctx, &role.Role{Name: "reader", Level: 50})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.GrantPermissionToRole(ctx, r.ID, p.ID, nil, r.Version); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.AssignRole(ctx, gatekeeper.AssignRoleInput{UserID: "u1", RoleID: r.ID}); err != nil {
		t.Fatal(err)
	}
	tmpl, err := eng.CreateTemplate(ctx, &template.Template{Name: "kit"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ApplyTemplate(ctx, tmpl.ID, template.TargetUser, "u2", 0); err != nil {
		t.Fatal(err)
	}

	for _, u := range []string{"u1", "u1", "u2"} {
		if _, err := eng.Evaluate(ctx, &gatekeeper.Request{UserID: u, ResourceType: "doc", Action: "read", Scope: scope.Own}); err != nil {
			t.Fatal(err)
		}
	}

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("doc", "read", "true", "allowed")); got != 2 {
		t.Fatalf("expected 2 allowed decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("doc", "read", "false", "no_permission")); got != 1 {
		t.Fatalf("expected 1 denied decision, got %v", got)
	}
	if got := testutil.ToFloat64(m.mutations.WithLabelValues(audit.EntityPermission, audit.ActionCreate)); got != 1 {
		t.Fatalf("expected 1 permission create, got %v", got)
	}
	if got := testutil.ToFloat64(m.mutations.WithLabelValues(audit.EntityRoleGrant, audit.ActionGrant)); got != 1 {
		t.Fatalf("expected 1 role grant, got %v", got)
	}
	if got := testutil.ToFloat64(m.applied.WithLabelValues(string(template.TargetUser))); got != 1 {
		t.Fatalf("expected 1 user apply, got %v", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestPluginIgnoresForeignPayloads(t *testing.T) {
	m := New(prometheus.NewRegistry())
	if err := m.OnAfterEvaluate(context.Background(), "req", 42); err != nil {
		t.Fatal(err)
	}
	if n := testutil.CollectAndCount(m.decisions); n != 0 {
		t.Fatalf("expected no series, got %d", n)
	}
}
