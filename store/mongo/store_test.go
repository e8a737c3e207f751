package mongo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/condition"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/template"
)

func TestPermissionModelRoundTrip(t *testing.T) {
	cond := condition.Eq("org_id", "acme")
	p := &permission.Permission{
		ID:           id.NewPermissionID(),
		Name:         "loan-approve",
		ResourceType: "loan",
		Action:       "approve",
		Scope:        scope.Branch,
		Conditions:   &cond,
		IsActive:     true,
		Version:      3,
	}
	m, err := permissionToModel(p)
	require.NoError(t, err)
	assert.Contains(t, m.Conditions, "org_id")

	back, err := permissionFromModel(m)
	require.NoError(t, err)
	assert.Equal(t, p.ID.String(), back.ID.String())
	assert.Equal(t, scope.Branch, back.Scope)
	require.NotNil(t, back.Conditions)
	assert.Equal(t, cond.Field, back.Conditions.Field)
}

func TestRoleModelParent(t *testing.T) {
	parent := id.NewRoleID()
	r := &role.Role{ID: id.NewRoleID(), Name: "teller", ParentID: &parent}
	m := roleToModel(r)
	require.NotNil(t, m.ParentID)

	back := roleFromModel(m)
	require.NotNil(t, back.ParentID)
	assert.Equal(t, parent.String(), back.ParentID.String())

	override := scope.Own
	g := &role.Grant{ScopeOverride: &override}
	assert.Equal(t, "own", *scopeOverride(g))
	assert.Nil(t, scopeOverride(&role.Grant{}))
}

func TestTemplateModelEntries(t *testing.T) {
	tmpl := &template.Template{
		ID:      id.NewTemplateID(),
		Name:    "auditor",
		Entries: []template.Entry{{PermissionID: id.NewPermissionID(), Scope: scope.Team}},
	}
	back := templateFromModel(templateToModel(tmpl))
	require.Len(t, back.Entries, 1)
	assert.Equal(t, scope.Team, back.Entries[0].Scope)
	assert.Equal(t, tmpl.Entries[0].PermissionID.String(), back.Entries[0].PermissionID.String())
}

func TestFilters(t *testing.T) {
	active := true
	f := permissionFilter(&permission.ListFilter{ResourceType: "loan", IsActive: &active, Search: "a.b"})
	assert.Equal(t, "loan", f["resource_type"])
	assert.Equal(t, true, f["is_active"])
	assert.Equal(t, bson.M{"$regex": `a\.b`, "$options": "i"}, f["name"])

	assert.Empty(t, roleFilter(nil))

	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	af := auditFilter(&audit.Filter{EntityType: audit.EntityRole, After: &after})
	assert.Equal(t, audit.EntityRole, af["entity_type"])
	assert.Equal(t, bson.M{"$gte": after}, af["created_at"])
}

func TestMapErr(t *testing.T) {
	assert.Nil(t, mapErr(nil, "x"))
	assert.True(t, errors.Is(mapErr(mongod.ErrNoDocuments, "role %s", "r"), store.ErrNotFound))
	assert.False(t, errors.Is(mapErr(errors.New("boom"), "x"), store.ErrNotFound))
}

func TestIndexesCoverEveryCollection(t *testing.T) {
	idx := migrationIndexes()
	for _, col := range []string{colPermissions, colRoles, colRoleGrants, colAssignments, colUserGrants, colTemplates, colAudit} {
		assert.NotEmpty(t, idx[col], col)
	}
}
