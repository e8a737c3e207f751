package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/audit/archive"
	"github.com/xraph/gatekeeper/scope"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"migrate":     {"apply schema migrations", runMigrate},
	"seed":        {"load a YAML seed file", runSeed},
	"check":       {"evaluate one permission request", runCheck},
	"effective":   {"print a user's effective permissions", runEffective},
	"matrix":      {"export the role or user permission matrix as CSV", runMatrix},
	"audit":       {"print audit entries as JSON lines", runAudit},
	"prune":       {"remove expired role assignments", runPrune},
	"purge-audit": {"delete audit entries older than a retention period", runPurgeAudit},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func runMigrate(ctx context.Context, a *app, _ []string) error {
	if err := a.eng.Store().Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("migrations applied", "driver", a.cfg.Driver)
	return nil
}

func runSeed(ctx context.Context, a *app, args []string) error {
	fs := newFlags("seed")
	migrate := fs.Bool("migrate", true, "apply migrations before seeding")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("seed: exactly one file required")
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	seed, err := decodeSeed(f)
	if err != nil {
		return err
	}
	if *migrate {
		if err := a.eng.Store().Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	st, err := applySeed(ctx, a.eng, seed)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return writeJSON(a.out, st)
}

func runCheck(ctx context.Context, a *app, args []string) error {
	fs := newFlags("check")
	var (
		req   gatekeeper.Request
		sc    string
		attrs []string
		trace bool
	)
	fs.StringVar(&req.UserID, "user", "", "user ID")
	fs.StringVar(&req.ResourceType, "resource", "", "resource type")
	fs.StringVar(&req.Action, "action", "", "action")
	fs.StringVar(&sc, "scope", string(scope.Own), "requested scope")
	fs.StringArrayVar(&attrs, "ctx", nil, "condition context attribute key=value (repeatable)")
	fs.BoolVar(&trace, "trace", false, "include the candidate trace")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req.Scope = scope.Scope(sc)
	cctx, err := parseAttrs(attrs)
	if err != nil {
		return err
	}
	req.Context = cctx

	dec, err := a.eng.Evaluate(ctx, &req)
	if err != nil {
		return err
	}
	if !trace {
		dec.Trace = nil
	}
	if err := writeJSON(a.out, dec); err != nil {
		return err
	}
	if !dec.Allowed {
		return errDenied
	}
	return nil
}

func runEffective(ctx context.Context, a *app, args []string) error {
	fs := newFlags("effective")
	user := fs.String("user", "", "user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	set, err := a.eng.ResolveEffectiveSet(ctx, *user)
	if err != nil {
		return err
	}
	return writeJSON(a.out, set)
}

func runMatrix(ctx context.Context, a *app, args []string) error {
	fs := newFlags("matrix")
	roles := fs.Bool("roles", false, "export the role matrix instead of the user matrix")
	users := fs.StringSlice("users", nil, "user IDs, one row each")
	perms := fs.StringSlice("permissions", nil, "permission names to use as columns (default: all active)")
	out := fs.String("out", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	w := a.out
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	if *roles {
		m, err := a.eng.BuildRolePermissionMatrix(ctx)
		if err != nil {
			return err
		}
		return writeRoleMatrix(w, m)
	}
	if len(*users) == 0 {
		return fmt.Errorf("matrix: --users or --roles required")
	}
	permIDs, err := permissionIDs(ctx, a.eng, *perms)
	if err != nil {
		return err
	}
	columns, err := a.eng.MatrixColumns(ctx, permIDs)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := make([]string, 0, len(columns)+1)
	header = append(header, "user_id")
	for _, p := range columns {
		header = append(header, p.Name)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	err = a.eng.StreamUserEffectiveMatrix(ctx, *users, permIDs, func(row gatekeeper.UserMatrixRow) error {
		rec := make([]string, 0, len(row.Cells)+1)
		rec = append(rec, row.UserID)
		for _, c := range row.Cells {
			rec = append(rec, userCell(c))
		}
		return cw.Write(rec)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeRoleMatrix(w io.Writer, m *gatekeeper.RoleMatrix) error {
	cw := csv.NewWriter(w)
	header := make([]string, 0, len(m.Permissions)+1)
	header = append(header, "role")
	for _, p := range m.Permissions {
		header = append(header, p.Name)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, r := range m.Roles {
		rec := make([]string, 0, len(m.Permissions)+1)
		rec = append(rec, r.Name)
		for _, c := range m.Cells[i] {
			if c == nil {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, string(*c))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// userCell renders one user matrix cell: the scope, "deny:<scope>" for a
// direct denial, or empty.
func userCell(c *gatekeeper.EffectivePermission) string {
	switch {
	case c == nil:
		return ""
	case !c.IsGranted:
		return "deny:" + string(c.Scope)
	default:
		return string(c.Scope)
	}
}

func runAudit(ctx context.Context, a *app, args []string) error {
	fs := newFlags("audit")
	var f audit.Filter
	since := fs.Duration("since", 0, "only entries newer than this")
	fs.StringVar(&f.EntityType, "entity-type", "", "filter by entity type")
	fs.StringVar(&f.EntityID, "entity-id", "", "filter by entity ID")
	fs.StringVar(&f.ActorID, "actor-id", "", "filter by actor")
	fs.IntVar(&f.Limit, "limit", 100, "maximum entries")
	fs.IntVar(&f.Offset, "offset", 0, "entries to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *since > 0 {
		after := time.Now().Add(-*since)
		f.After = &after
	}
	page, err := a.eng.QueryAudit(ctx, &f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	for _, e := range page.Entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func runPrune(ctx context.Context, a *app, _ []string) error {
	n, err := a.eng.PruneExpiredAssignments(ctx)
	if err != nil {
		return err
	}
	return writeJSON(a.out, map[string]int64{"removed": n})
}

func runPurgeAudit(ctx context.Context, a *app, args []string) error {
	fs := newFlags("purge-audit")
	olderThan := fs.Duration("older-than", 0, "retention period; entries older than this are deleted")
	archivePath := fs.String("archive", "", "SQLite file that receives the entries before they are deleted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return fmt.Errorf("purge-audit: --older-than must be positive")
	}
	eng := a.eng
	if *archivePath != "" {
		arch, err := archive.Open(*archivePath)
		if err != nil {
			return err
		}
		defer arch.Close()
		eng, err = gatekeeper.NewEngine(
			gatekeeper.WithStore(a.store),
			gatekeeper.WithLogger(a.logger),
			gatekeeper.WithAuditArchiver(arch),
		)
		if err != nil {
			return err
		}
	}
	n, err := eng.PurgeAudit(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	return writeJSON(a.out, map[string]int64{"removed": n})
}

// parseAttrs turns key=value pairs into a condition context. Values that
// parse as JSON (numbers, booleans, quoted strings) keep their type.
func parseAttrs(attrs []string) (map[string]any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: context attribute %q is not key=value", gatekeeper.ErrMalformedRequest, kv)
		}
		var typed any
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			out[k] = typed
			continue
		}
		out[k] = v
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
