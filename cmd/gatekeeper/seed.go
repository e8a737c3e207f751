package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/condition"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/template"
)

// seedFile is the YAML document loaded by the seed command. Entities
// reference each other by name.
type seedFile struct {
	Permissions  []seedPermission `yaml:"permissions"`
	Roles        []seedRole       `yaml:"roles"`
	Templates    []seedTemplate   `yaml:"templates"`
	Assignments  []seedAssignment `yaml:"assignments"`
	DirectGrants []seedDirect     `yaml:"direct_grants"`
}

type seedPermission struct {
	Name         string          `yaml:"name"`
	ResourceType string          `yaml:"resource_type"`
	Action       string          `yaml:"action"`
	Scope        scope.Scope     `yaml:"scope"`
	Description  string          `yaml:"description"`
	System       bool            `yaml:"system"`
	Conditions   *condition.Expr `yaml:"conditions"`
}

type seedRole struct {
	Name        string      `yaml:"name"`
	DisplayName string      `yaml:"display_name"`
	Description string      `yaml:"description"`
	Level       int         `yaml:"level"`
	Parent      string      `yaml:"parent"`
	System      bool        `yaml:"system"`
	Default     bool        `yaml:"default"`
	Grants      []seedEntry `yaml:"grants"`
}

// seedEntry names a permission and an optional scope narrower than it.
type seedEntry struct {
	Permission string      `yaml:"permission"`
	Scope      scope.Scope `yaml:"scope"`
}

type seedTemplate struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Entries     []seedEntry `yaml:"entries"`
}

type seedAssignment struct {
	User      string     `yaml:"user"`
	Role      string     `yaml:"role"`
	ExpiresAt *time.Time `yaml:"expires_at"`
}

type seedDirect struct {
	User       string         `yaml:"user"`
	Permission string         `yaml:"permission"`
	Scope      scope.Scope    `yaml:"scope"`
	Polarity   grant.Polarity `yaml:"polarity"`
	Reason     string         `yaml:"reason"`
}

// seedStats counts what a seed run created.
type seedStats struct {
	Permissions  int `json:"permissions"`
	Roles        int `json:"roles"`
	Grants       int `json:"grants"`
	Templates    int `json:"templates"`
	Assignments  int `json:"assignments"`
	DirectGrants int `json:"direct_grants"`
}

func decodeSeed(r io.Reader) (*seedFile, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &f, nil
}

// applySeed writes f through the engine so every entity is validated and
// audited. Permissions and roles that already exist by name are reused,
// which makes re-running a seed safe.
func applySeed(ctx context.Context, eng *gatekeeper.Engine, f *seedFile) (*seedStats, error) {
	st := &seedStats{}
	perms := make(map[string]*permission.Permission)
	roles := make(map[string]*role.Role)

	existing, err := eng.ListPermissions(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		perms[p.Name] = p
	}
	for _, sp := range f.Permissions {
		if _, ok := perms[sp.Name]; ok {
			continue
		}
		p, err := eng.CreatePermission(ctx, &permission.Permission{
			Name:         sp.Name,
			ResourceType: sp.ResourceType,
			Action:       sp.Action,
			Scope:        sp.Scope,
			Description:  sp.Description,
			IsSystem:     sp.System,
			Conditions:   sp.Conditions,
		})
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", sp.Name, err)
		}
		perms[p.Name] = p
		st.Permissions++
	}

	lookup := func(name string) (*permission.Permission, error) {
		p, ok := perms[name]
		if !ok {
			return nil, fmt.Errorf("%w: permission %q", gatekeeper.ErrPermissionNotFound, name)
		}
		return p, nil
	}

	ordered, err := parentsFirst(f.Roles)
	if err != nil {
		return nil, err
	}
	for _, sr := range ordered {
		r, err := eng.GetRoleByName(ctx, sr.Name)
		switch {
		case err == nil:
		case errors.Is(err, gatekeeper.ErrNotFound):
			next := &role.Role{
				Name:        sr.Name,
				DisplayName: sr.DisplayName,
				Description: sr.Description,
				Level:       sr.Level,
				IsSystem:    sr.System,
				IsDefault:   sr.Default,
			}
			if next.DisplayName == "" {
				next.DisplayName = sr.Name
			}
			if sr.Parent != "" {
				parent, ok := roles[sr.Parent]
				if !ok {
					return nil, fmt.Errorf("%w: parent %q of role %q", gatekeeper.ErrRoleNotFound, sr.Parent, sr.Name)
				}
				pid := parent.ID
				next.ParentID = &pid
			}
			if r, err = eng.CreateRole(ctx, next); err != nil {
				return nil, fmt.Errorf("role %q: %w", sr.Name, err)
			}
			st.Roles++
		default:
			return nil, err
		}
		roles[r.Name] = r

		// Each grant bumps the role's version.
		version := r.Version
		for _, g := range sr.Grants {
			p, err := lookup(g.Permission)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", sr.Name, err)
			}
			if _, err := eng.GrantPermissionToRole(ctx, r.ID, p.ID, override(g.Scope, p.Scope), version); err != nil {
				return nil, fmt.Errorf("role %q grant %q: %w", sr.Name, g.Permission, err)
			}
			version++
			st.Grants++
		}
	}

	for _, stp := range f.Templates {
		if ok, err := templateExists(ctx, eng, stp.Name); err != nil || ok {
			if err != nil {
				return nil, err
			}
			continue
		}
		t := &template.Template{Name: stp.Name, Description: stp.Description}
		for _, e := range stp.Entries {
			p, err := lookup(e.Permission)
			if err != nil {
				return nil, fmt.Errorf("template %q: %w", stp.Name, err)
			}
			sc := e.Scope
			if sc == "" {
				sc = p.Scope
			}
			t.Entries = append(t.Entries, template.Entry{PermissionID: p.ID, Scope: sc})
		}
		if _, err := eng.CreateTemplate(ctx, t); err != nil {
			return nil, fmt.Errorf("template %q: %w", stp.Name, err)
		}
		st.Templates++
	}

	for _, sa := range f.Assignments {
		r, err := roleByName(ctx, eng, roles, sa.Role)
		if err != nil {
			return nil, fmt.Errorf("assignment of %q: %w", sa.User, err)
		}
		rev, err := eng.UserRevision(ctx, sa.User)
		if err != nil {
			return nil, err
		}
		_, err = eng.AssignRole(ctx, gatekeeper.AssignRoleInput{
			UserID: sa.User, RoleID: r.ID, ExpiresAt: sa.ExpiresAt, ExpectedRevision: rev,
		})
		if err != nil {
			return nil, fmt.Errorf("assign %q to %q: %w", sa.Role, sa.User, err)
		}
		st.Assignments++
	}

	for _, sd := range f.DirectGrants {
		p, err := lookup(sd.Permission)
		if err != nil {
			return nil, fmt.Errorf("direct grant for %q: %w", sd.User, err)
		}
		rev, err := eng.UserRevision(ctx, sd.User)
		if err != nil {
			return nil, err
		}
		pol := sd.Polarity
		if pol == "" {
			pol = grant.Allow
		}
		sc := sd.Scope
		if sc == "" {
			sc = p.Scope
		}
		_, err = eng.GrantDirect(ctx, gatekeeper.DirectGrantInput{
			UserID: sd.User, PermissionID: p.ID, Scope: sc, Polarity: pol,
			Reason: sd.Reason, ExpectedRevision: rev,
		})
		if err != nil {
			return nil, fmt.Errorf("direct grant %q for %q: %w", sd.Permission, sd.User, err)
		}
		st.DirectGrants++
	}
	return st, nil
}

// parentsFirst orders roles so every parent named in the file precedes
// its children. Parents not in the file must already exist.
func parentsFirst(in []seedRole) ([]seedRole, error) {
	byName := make(map[string]int, len(in))
	for i, r := range in {
		if _, dup := byName[r.Name]; dup {
			return nil, fmt.Errorf("%w: role %q listed twice", gatekeeper.ErrDuplicateIdentity, r.Name)
		}
		byName[r.Name] = i
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(in))
	out := make([]seedRole, 0, len(in))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: at role %q", gatekeeper.ErrCycleDetected, in[i].Name)
		}
		state[i] = visiting
		if j, ok := byName[in[i].Parent]; ok {
			if err := visit(j); err != nil {
				return err
			}
		}
		state[i] = done
		out = append(out, in[i])
		return nil
	}
	for i := range in {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// override returns a scope override for sc, or nil when sc is empty or
// equal to the permission's own scope.
func override(sc, base scope.Scope) *scope.Scope {
	if sc == "" || sc == base {
		return nil
	}
	return &sc
}

func roleByName(ctx context.Context, eng *gatekeeper.Engine, seeded map[string]*role.Role, name string) (*role.Role, error) {
	if r, ok := seeded[name]; ok {
		return r, nil
	}
	return eng.GetRoleByName(ctx, name)
}

func templateExists(ctx context.Context, eng *gatekeeper.Engine, name string) (bool, error) {
	list, err := eng.ListTemplates(ctx, &template.ListFilter{Search: name})
	if err != nil {
		return false, err
	}
	for _, t := range list {
		if t.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// permissionIDs resolves permission names to IDs.
func permissionIDs(ctx context.Context, eng *gatekeeper.Engine, names []string) ([]id.PermissionID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	all, err := eng.ListPermissions(ctx, nil)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]id.PermissionID, len(all))
	for _, p := range all {
		byName[p.Name] = p.ID
	}
	out := make([]id.PermissionID, 0, len(names))
	for _, n := range names {
		pid, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: permission %q", gatekeeper.ErrPermissionNotFound, n)
		}
		out = append(out, pid)
	}
	return out, nil
}
