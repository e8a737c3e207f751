package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/gatekeeper/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"PermissionID", id.NewPermissionID, "perm_"},
		{"RoleID", id.NewRoleID, "role_"},
		{"RoleGrantID", id.NewRoleGrantID, "rgrant_"},
		{"AssignmentID", id.NewAssignmentID, "asgn_"},
		{"UserGrantID", id.NewUserGrantID, "ugrant_"},
		{"TemplateID", id.NewTemplateID, "tmpl_"},
		{"AuditID", id.NewAuditID, "audit_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"PermissionID", id.NewPermissionID, id.ParsePermissionID},
		{"RoleID", id.NewRoleID, id.ParseRoleID},
		{"RoleGrantID", id.NewRoleGrantID, id.ParseRoleGrantID},
		{"AssignmentID", id.NewAssignmentID, id.ParseAssignmentID},
		{"UserGrantID", id.NewUserGrantID, id.ParseUserGrantID},
		{"TemplateID", id.NewTemplateID, id.ParseTemplateID},
		{"AuditID", id.NewAuditID, id.ParseAuditID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestParseWithPrefixMismatch(t *testing.T) {
	rid := id.NewRoleID()
	if _, err := id.ParsePermissionID(rid.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var n id.ID
	if !n.IsNil() {
		t.Fatal("zero value should be nil")
	}
	if n.String() != "" {
		t.Fatalf("expected empty string, got %q", n.String())
	}
	if n.Ptr() != nil {
		t.Fatal("expected nil pointer for Nil ID")
	}
	v, err := n.Value()
	if err != nil || v != nil {
		t.Fatalf("expected NULL value, got %v (%v)", v, err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID     id.ID  `json:"id"`
		Parent *id.ID `json:"parent,omitempty"`
	}
	orig := wrapper{ID: id.NewRoleID()}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	var got wrapper
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID.String() != orig.ID.String() {
		t.Fatalf("expected %s, got %s", orig.ID, got.ID)
	}
	if got.Parent != nil {
		t.Fatal("expected nil parent")
	}
}

func TestScan(t *testing.T) {
	orig := id.NewTemplateID()
	var got id.ID
	if err := got.Scan(orig.String()); err != nil {
		t.Fatal(err)
	}
	if got.String() != orig.String() {
		t.Fatal("scan mismatch")
	}
	if err := got.Scan([]byte(orig.String())); err != nil {
		t.Fatal(err)
	}
	if err := got.Scan(nil); err != nil || !got.IsNil() {
		t.Fatal("expected nil after scanning NULL")
	}
	if err := got.Scan(42); err == nil {
		t.Fatal("expected error scanning int")
	}
}
