package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/audit/archive"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store/memory"
)

const testSeed = `
permissions:
  - name: invoice.approve
    resource_type: invoice
    action: approve
    scope: branch
  - name: invoice.read
    resource_type: invoice
    action: read
    scope: global
  - name: expense.submit
    resource_type: expense
    action: submit
    scope: own
    conditions:
      op: lte
      field: amount
      value: 5000
roles:
  - name: clerk
    level: 40
    parent: manager
    grants:
      - permission: expense.submit
  - name: manager
    level: 20
    grants:
      - permission: invoice.approve
        scope: team
      - permission: invoice.read
        scope: branch
templates:
  - name: reader-kit
    entries:
      - permission: invoice.read
        scope: department
assignments:
  - user: alice
    role: clerk
direct_grants:
  - user: bob
    permission: invoice.read
    scope: own
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSeed), 0o600))
	return path
}

func TestSeedAndCheckAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "gk.db")
	global := []string{"--driver", "sqlite", "--dsn", dsn, "--log-level", "error"}

	var out, errOut bytes.Buffer
	require.NoError(t, run(ctx, append(global, "seed", writeSeed(t)), &out, &errOut))

	var st seedStats
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, seedStats{Permissions: 3, Roles: 2, Grants: 3, Templates: 1, Assignments: 1, DirectGrants: 1}, st)

	out.Reset()
	err := run(ctx, append(global, "check", "--user", "alice", "--resource", "invoice", "--action", "approve", "--scope", "team"), &out, &errOut)
	require.NoError(t, err)
	var dec gatekeeper.Decision
	require.NoError(t, json.Unmarshal(out.Bytes(), &dec))
	assert.True(t, dec.Allowed)
	assert.Equal(t, scope.Team, dec.Matched.Scope)

	out.Reset()
	err = run(ctx, append(global, "check", "--user", "alice", "--resource", "invoice", "--action", "approve", "--scope", "branch"), &out, &errOut)
	assert.True(t, errors.Is(err, errDenied))

	out.Reset()
	err = run(ctx, append(global, "check", "--user", "alice", "--resource", "expense", "--action", "submit", "--ctx", "amount=9000"), &out, &errOut)
	assert.True(t, errors.Is(err, errDenied), "condition should reject the amount")

	out.Reset()
	err = run(ctx, append(global, "check", "--user", "alice", "--resource", "expense", "--action", "submit", "--ctx", "amount=120"), &out, &errOut)
	assert.NoError(t, err)

	// Seeding again reuses permissions and roles by name.
	out.Reset()
	require.NoError(t, run(ctx, append(global, "seed", writeSeed(t)), &out, &errOut))
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Zero(t, st.Permissions)
	assert.Zero(t, st.Roles)
	assert.Zero(t, st.Templates)
}

func TestMatrixExport(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "gk.db")
	global := []string{"--driver", "sqlite", "--dsn", dsn, "--log-level", "error"}

	var out, errOut bytes.Buffer
	require.NoError(t, run(ctx, append(global, "seed", writeSeed(t)), &out, &errOut))

	out.Reset()
	require.NoError(t, run(ctx, append(global, "matrix", "--users", "alice,bob,carol", "--permissions", "invoice.read,invoice.approve"), &out, &errOut))
	records, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"user_id", "invoice.read", "invoice.approve"}, records[0])
	assert.Equal(t, []string{"alice", "branch", "team"}, records[1])
	assert.Equal(t, []string{"bob", "own", ""}, records[2])
	assert.Equal(t, []string{"carol", "", ""}, records[3])

	out.Reset()
	require.NoError(t, run(ctx, append(global, "matrix", "--roles"), &out, &errOut))
	records, err = csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "role", records[0][0])
}

func TestAuditAndPrune(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "gk.db")
	global := []string{"--driver", "sqlite", "--dsn", dsn, "--log-level", "error", "--actor", "ops"}

	var out, errOut bytes.Buffer
	require.NoError(t, run(ctx, append(global, "seed", writeSeed(t)), &out, &errOut))

	out.Reset()
	require.NoError(t, run(ctx, append(global, "audit", "--entity-type", "permission"), &out, &errOut))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "ops", entry["actor_id"])

	out.Reset()
	require.NoError(t, run(ctx, append(global, "prune"), &out, &errOut))
	assert.Contains(t, out.String(), `"removed": 0`)

	err := run(ctx, append(global, "purge-audit"), &out, &errOut)
	assert.Error(t, err)
}

func TestRunRejectsBadInvocations(t *testing.T) {
	ctx := context.Background()
	var out, errOut bytes.Buffer

	assert.Error(t, run(ctx, nil, &out, &errOut))
	assert.Error(t, run(ctx, []string{"--driver", "memory", "frobnicate"}, &out, &errOut))
	assert.Error(t, run(ctx, []string{"--driver", "oracle", "migrate"}, &out, &errOut))
	assert.Error(t, run(ctx, []string{"--driver", "memory", "matrix"}, &out, &errOut))

	t.Setenv("GATEKEEPER_DIRECT_GRANT_MODE", "sideways")
	assert.Error(t, run(ctx, []string{"--driver", "memory", "migrate"}, &out, &errOut))
}

func TestParentsFirst(t *testing.T) {
	ordered, err := parentsFirst([]seedRole{
		{Name: "leaf", Parent: "mid"},
		{Name: "mid", Parent: "root"},
		{Name: "root"},
		{Name: "orphan", Parent: "existing"},
	})
	require.NoError(t, err)
	names := make([]string, len(ordered))
	for i, r := range ordered {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"root", "mid", "leaf", "orphan"}, names)

	_, err = parentsFirst([]seedRole{{Name: "a", Parent: "b"}, {Name: "b", Parent: "a"}})
	assert.ErrorIs(t, err, gatekeeper.ErrCycleDetected)

	_, err = parentsFirst([]seedRole{{Name: "a"}, {Name: "a"}})
	assert.ErrorIs(t, err, gatekeeper.ErrDuplicateIdentity)
}

func TestParseAttrs(t *testing.T) {
	got, err := parseAttrs([]string{"amount=120", "region=emea", "urgent=true", `code="007"`})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": float64(120), "region": "emea", "urgent": true, "code": "007"}, got)

	_, err = parseAttrs([]string{"novalue"})
	assert.ErrorIs(t, err, gatekeeper.ErrMalformedRequest)
}

func TestSeedRejectsUnknownFields(t *testing.T) {
	_, err := decodeSeed(strings.NewReader("roles:\n  - name: x\n    colour: blue\n"))
	assert.Error(t, err)
}

func TestSeedUnknownPermission(t *testing.T) {
	ctx := context.Background()
	eng, err := gatekeeper.NewEngine(gatekeeper.WithStore(memory.New()))
	require.NoError(t, err)

	f, err := decodeSeed(strings.NewReader("roles:\n  - name: x\n    level: 10\n    grants:\n      - permission: nope\n"))
	require.NoError(t, err)
	_, err = applySeed(ctx, eng, f)
	assert.ErrorIs(t, err, gatekeeper.ErrPermissionNotFound)
}

func TestPurgeAuditArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	global := []string{"--driver", "sqlite", "--dsn", filepath.Join(dir, "gk.db"), "--log-level", "error"}

	var out, errOut bytes.Buffer
	require.NoError(t, run(ctx, append(global, "seed", writeSeed(t)), &out, &errOut))

	archivePath := filepath.Join(dir, "audit-archive.db")
	out.Reset()
	require.NoError(t, run(ctx, append(global, "purge-audit", "--older-than", "1ns", "--archive", archivePath), &out, &errOut))
	var res map[string]int64
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Positive(t, res["removed"])

	arch, err := archive.Open(archivePath)
	require.NoError(t, err)
	defer arch.Close()
	n, err := arch.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, res["removed"], n)
}
