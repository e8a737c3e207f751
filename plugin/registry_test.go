package plugin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
)

// testPlugin implements Plugin + RoleCreated + AfterEvaluate + DirectGrantWritten.
type testPlugin struct {
	roleCreatedCalled   bool
	afterEvaluateCalled bool
	written             []string
}

func (t *testPlugin) Name() string { return "test-plugin" }

func (t *testPlugin) OnRoleCreated(_ context.Context, _ *role.Role) error {
	t.roleCreatedCalled = true
	return nil
}

func (t *testPlugin) OnAfterEvaluate(_ context.Context, _, _ any) error {
	t.afterEvaluateCalled = true
	return nil
}

func (t *testPlugin) OnDirectGrantWritten(_ context.Context, g *grant.Grant) error {
	t.written = append(t.written, g.UserID)
	return nil
}

// minimalPlugin only implements Plugin (no hooks).
type minimalPlugin struct{}

func (m *minimalPlugin) Name() string { return "minimal" }

// failingPlugin returns an error from every hook it implements.
type failingPlugin struct{}

func (f *failingPlugin) Name() string { return "failing" }

func (f *failingPlugin) OnRoleDeleted(context.Context, id.RoleID) error {
	return errors.New("boom")
}

func TestRegistryDispatch(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(slog.Default())

	tp := &testPlugin{}
	reg.Register(tp)
	reg.Register(&minimalPlugin{})

	if len(reg.Plugins()) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(reg.Plugins()))
	}

	reg.EmitRoleCreated(ctx, &role.Role{ID: id.NewRoleID(), Name: "admin"})
	if !tp.roleCreatedCalled {
		t.Fatal("OnRoleCreated was not called")
	}

	reg.EmitAfterEvaluate(ctx, nil, nil)
	if !tp.afterEvaluateCalled {
		t.Fatal("OnAfterEvaluate was not called")
	}

	reg.EmitDirectGrantWritten(ctx, &grant.Grant{UserID: "u1", Polarity: grant.Deny, Scope: scope.Own})
	if len(tp.written) != 1 || tp.written[0] != "u1" {
		t.Fatalf("unexpected writes %v", tp.written)
	}

	// Hooks with no listeners are no-ops.
	reg.EmitBeforeEvaluate(ctx, nil)
	reg.EmitRoleDeleted(ctx, id.NewRoleID())
	reg.EmitAuditRecorded(ctx, nil)
	reg.EmitShutdown(ctx)
}

func TestHookErrorsAreLoggedNotPropagated(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	reg.Register(&failingPlugin{})

	reg.EmitRoleDeleted(context.Background(), id.NewRoleID())

	out := buf.String()
	if !strings.Contains(out, "hook=OnRoleDeleted") || !strings.Contains(out, "plugin=failing") {
		t.Fatalf("expected warning with hook and plugin attrs, got %q", out)
	}
}

func TestNilLoggerFallsBackToDefault(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&failingPlugin{})
	reg.EmitRoleDeleted(context.Background(), id.NewRoleID())
}
