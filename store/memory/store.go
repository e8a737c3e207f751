// Package memory provides an in-memory implementation of the gatekeeper
// composite store. It is intended for testing, development and
// single-process deployments.
//
// Transactions run against a private copy of the state and are published
// by swapping the copy in under the write lock, so readers never observe a
// partially applied transaction and only block for the swap itself. The
// audit log is append-only and lives outside the copied state: entries a
// transaction appends are buffered and published with the swap.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/template"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a thread-safe in-memory store for all gatekeeper entities.
type Store struct {
	// txMu serializes writers; mu guards st.
	txMu *sync.Mutex
	mu   sync.RWMutex
	st   *state
	log  *auditLog
	inTx bool

	// pending holds audit entries appended inside a transaction.
	pending []*audit.Entry
}

type auditLog struct {
	mu      sync.RWMutex
	entries []*audit.Entry
}

func (l *auditLog) snapshot() []*audit.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[:len(l.entries):len(l.entries)]
}

func (l *auditLog) publish(entries []*audit.Entry) {
	if len(entries) == 0 {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, entries...)
	l.mu.Unlock()
}

type state struct {
	permissions map[string]*permission.Permission
	roles       map[string]*role.Role
	roleGrants  map[string]map[string]*role.Grant            // roleID -> permID -> grant
	assignments map[string]map[string]*assignment.Assignment // userID -> roleID -> assignment
	userGrants  map[string]map[string]*grant.Grant           // userID -> permID -> grant
	revisions   map[string]int64
	templates   map[string]*template.Template
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		txMu: &sync.Mutex{},
		log:  &auditLog{},
		st: &state{
			permissions: make(map[string]*permission.Permission),
			roles:       make(map[string]*role.Role),
			roleGrants:  make(map[string]map[string]*role.Grant),
			assignments: make(map[string]map[string]*assignment.Assignment),
			userGrants:  make(map[string]map[string]*grant.Grant),
			revisions:   make(map[string]int64),
			templates:   make(map[string]*template.Template),
		},
	}
}

// clone copies the maps but shares the stored values: values are replaced
// on update, never mutated in place.
func (st *state) clone() *state {
	c := &state{
		permissions: make(map[string]*permission.Permission, len(st.permissions)),
		roles:       make(map[string]*role.Role, len(st.roles)),
		roleGrants:  make(map[string]map[string]*role.Grant, len(st.roleGrants)),
		assignments: make(map[string]map[string]*assignment.Assignment, len(st.assignments)),
		userGrants:  make(map[string]map[string]*grant.Grant, len(st.userGrants)),
		revisions:   make(map[string]int64, len(st.revisions)),
		templates:   make(map[string]*template.Template, len(st.templates)),
	}
	for k, v := range st.permissions {
		c.permissions[k] = v
	}
	for k, v := range st.roles {
		c.roles[k] = v
	}
	for k, inner := range st.roleGrants {
		c.roleGrants[k] = cloneMap(inner)
	}
	for k, inner := range st.assignments {
		c.assignments[k] = cloneMap(inner)
	}
	for k, inner := range st.userGrants {
		c.userGrants[k] = cloneMap(inner)
	}
	for k, v := range st.revisions {
		c.revisions[k] = v
	}
	for k, v := range st.templates {
		c.templates[k] = v
	}
	return c
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Tx runs fn against a private copy of the state and publishes the copy if
// fn succeeds.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	child := &Store{txMu: s.txMu, st: s.st.clone(), log: s.log, inTx: true}
	s.mu.RUnlock()

	if err := fn(ctx, child); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = child.st
	s.log.publish(child.pending)
	s.mu.Unlock()
	return nil
}

// write applies fn under the write lock. Outside a transaction it also
// takes the writer lock so it cannot interleave with a running Tx.
func (s *Store) write(fn func(st *state) error) error {
	if !s.inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) read() (*state, func()) {
	s.mu.RLock()
	return s.st, s.mu.RUnlock
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func now() time.Time { return time.Now().UTC() }

// ──────────────────────────────────────────────────
// Permission store
// ──────────────────────────────────────────────────

func (s *Store) CreatePermission(_ context.Context, p *permission.Permission) error {
	return s.write(func(st *state) error {
		for _, existing := range st.permissions {
			if existing.Name == p.Name {
				return fmt.Errorf("permission name %q: %w", p.Name, store.ErrDuplicate)
			}
			if p.IsActive && existing.IsActive && existing.Key() == p.Key() {
				return fmt.Errorf("permission %s: %w", p.Key(), store.ErrDuplicate)
			}
		}
		t := now()
		p.CreatedAt, p.UpdatedAt = t, t
		p.Version = 1
		st.permissions[p.ID.String()] = p.Clone()
		return nil
	})
}

func (s *Store) GetPermission(_ context.Context, permID id.PermissionID) (*permission.Permission, error) {
	st, unlock := s.read()
	defer unlock()
	p, ok := st.permissions[permID.String()]
	if !ok {
		return nil, fmt.Errorf("permission %s: %w", permID, store.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) GetPermissionByName(_ context.Context, name string) (*permission.Permission, error) {
	st, unlock := s.read()
	defer unlock()
	for _, p := range st.permissions {
		if p.Name == name {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("permission name %q: %w", name, store.ErrNotFound)
}

func (s *Store) FindActivePermission(_ context.Context, resourceType, action, sc string) (*permission.Permission, error) {
	st, unlock := s.read()
	defer unlock()
	for _, p := range st.permissions {
		if p.IsActive && p.ResourceType == resourceType && p.Action == action && string(p.Scope) == sc {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("permission %s:%s:%s: %w", resourceType, action, sc, store.ErrNotFound)
}

func (s *Store) UpdatePermission(_ context.Context, p *permission.Permission) error {
	return s.write(func(st *state) error {
		cur, ok := st.permissions[p.ID.String()]
		if !ok {
			return fmt.Errorf("permission %s: %w", p.ID, store.ErrNotFound)
		}
		if cur.Version != p.Version {
			return fmt.Errorf("permission %s at version %d: %w", p.ID, p.Version, store.ErrConflict)
		}
		for k, existing := range st.permissions {
			if k == p.ID.String() {
				continue
			}
			if existing.Name == p.Name {
				return fmt.Errorf("permission name %q: %w", p.Name, store.ErrDuplicate)
			}
			if p.IsActive && existing.IsActive && existing.Key() == p.Key() {
				return fmt.Errorf("permission %s: %w", p.Key(), store.ErrDuplicate)
			}
		}
		p.Version++
		p.UpdatedAt = now()
		p.CreatedAt = cur.CreatedAt
		st.permissions[p.ID.String()] = p.Clone()
		return nil
	})
}

func (s *Store) DeletePermission(_ context.Context, permID id.PermissionID) error {
	return s.write(func(st *state) error {
		delete(st.permissions, permID.String())
		return nil
	})
}

func (s *Store) ListPermissions(_ context.Context, filter *permission.ListFilter) ([]*permission.Permission, error) {
	st, unlock := s.read()
	defer unlock()
	result := make([]*permission.Permission, 0, len(st.permissions))
	for _, p := range st.permissions {
		if !matchPermission(p, filter) {
			continue
		}
		result = append(result, p.Clone())
	}
	slices.SortFunc(result, func(a, b *permission.Permission) int {
		if c := strings.Compare(a.ResourceType, b.ResourceType); c != 0 {
			return c
		}
		if c := strings.Compare(a.Action, b.Action); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if filter == nil {
		return result, nil
	}
	return store.Apply(result, store.Page{Limit: filter.Limit, Offset: filter.Offset}), nil
}

func (s *Store) CountPermissions(_ context.Context, filter *permission.ListFilter) (int64, error) {
	st, unlock := s.read()
	defer unlock()
	var n int64
	for _, p := range st.permissions {
		if matchPermission(p, filter) {
			n++
		}
	}
	return n, nil
}

func matchPermission(p *permission.Permission, f *permission.ListFilter) bool {
	if f == nil {
		return true
	}
	if f.ResourceType != "" && p.ResourceType != f.ResourceType {
		return false
	}
	if f.Action != "" && p.Action != f.Action {
		return false
	}
	if f.Scope != "" && string(p.Scope) != f.Scope {
		return false
	}
	if f.IsActive != nil && p.IsActive != *f.IsActive {
		return false
	}
	if f.IsSystem != nil && p.IsSystem != *f.IsSystem {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// ──────────────────────────────────────────────────
// Role store
// ──────────────────────────────────────────────────

func (s *Store) CreateRole(_ context.Context, r *role.Role) error {
	return s.write(func(st *state) error {
		for _, existing := range st.roles {
			if existing.Name == r.Name {
				return fmt.Errorf("role name %q: %w", r.Name, store.ErrDuplicate)
			}
		}
		t := now()
		r.CreatedAt, r.UpdatedAt = t, t
		r.Version = 1
		st.roles[r.ID.String()] = r.Clone()
		return nil
	})
}

func (s *Store) GetRole(_ context.Context, roleID id.RoleID) (*role.Role, error) {
	st, unlock := s.read()
	defer unlock()
	r, ok := st.roles[roleID.String()]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", roleID, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (*role.Role, error) {
	st, unlock := s.read()
	defer unlock()
	for _, r := range st.roles {
		if r.Name == name {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("role name %q: %w", name, store.ErrNotFound)
}

func (s *Store) UpdateRole(_ context.Context, r *role.Role) error {
	return s.write(func(st *state) error {
		cur, ok := st.roles[r.ID.String()]
		if !ok {
			return fmt.Errorf("role %s: %w", r.ID, store.ErrNotFound)
		}
		if cur.Version != r.Version {
			return fmt.Errorf("role %s at version %d: %w", r.ID, r.Version, store.ErrConflict)
		}
		for k, existing := range st.roles {
			if k != r.ID.String() && existing.Name == r.Name {
				return fmt.Errorf("role name %q: %w", r.Name, store.ErrDuplicate)
			}
		}
		r.Version++
		r.UpdatedAt = now()
		r.CreatedAt = cur.CreatedAt
		st.roles[r.ID.String()] = r.Clone()
		return nil
	})
}

func (s *Store) DeleteRole(_ context.Context, roleID id.RoleID) error {
	return s.write(func(st *state) error {
		delete(st.roles, roleID.String())
		delete(st.roleGrants, roleID.String())
		return nil
	})
}

func (s *Store) ListRoles(_ context.Context, filter *role.ListFilter) ([]*role.Role, error) {
	st, unlock := s.read()
	defer unlock()
	result := make([]*role.Role, 0, len(st.roles))
	for _, r := range st.roles {
		if matchRole(r, filter) {
			result = append(result, r.Clone())
		}
	}
	sortRoles(result)
	if filter == nil {
		return result, nil
	}
	return store.Apply(result, store.Page{Limit: filter.Limit, Offset: filter.Offset}), nil
}

func (s *Store) CountRoles(_ context.Context, filter *role.ListFilter) (int64, error) {
	st, unlock := s.read()
	defer unlock()
	var n int64
	for _, r := range st.roles {
		if matchRole(r, filter) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListChildRoles(_ context.Context, parentID id.RoleID) ([]*role.Role, error) {
	st, unlock := s.read()
	defer unlock()
	var result []*role.Role
	for _, r := range st.roles {
		if r.ParentID != nil && *r.ParentID == parentID {
			result = append(result, r.Clone())
		}
	}
	sortRoles(result)
	return result, nil
}

func matchRole(r *role.Role, f *role.ListFilter) bool {
	if f == nil {
		return true
	}
	if f.IsSystem != nil && r.IsSystem != *f.IsSystem {
		return false
	}
	if f.IsActive != nil && r.IsActive != *f.IsActive {
		return false
	}
	if f.IsDefault != nil && r.IsDefault != *f.IsDefault {
		return false
	}
	if f.ParentID != nil && (r.ParentID == nil || *r.ParentID != *f.ParentID) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func sortRoles(roles []*role.Role) {
	slices.SortFunc(roles, func(a, b *role.Role) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		return strings.Compare(a.Name, b.Name)
	})
}

func (s *Store) UpsertRoleGrant(_ context.Context, g *role.Grant) error {
	return s.write(func(st *state) error {
		rk := g.RoleID.String()
		if _, ok := st.roles[rk]; !ok {
			return fmt.Errorf("role %s: %w", g.RoleID, store.ErrNotFound)
		}
		if st.roleGrants[rk] == nil {
			st.roleGrants[rk] = make(map[string]*role.Grant)
		}
		if cur, ok := st.roleGrants[rk][g.PermissionID.String()]; ok {
			g.ID = cur.ID
			g.CreatedAt = cur.CreatedAt
		} else if g.CreatedAt.IsZero() {
			g.CreatedAt = now()
		}
		st.roleGrants[rk][g.PermissionID.String()] = g.Clone()
		return nil
	})
}

func (s *Store) GetRoleGrant(_ context.Context, roleID id.RoleID, permID id.PermissionID) (*role.Grant, error) {
	st, unlock := s.read()
	defer unlock()
	g, ok := st.roleGrants[roleID.String()][permID.String()]
	if !ok {
		return nil, fmt.Errorf("grant of %s on %s: %w", permID, roleID, store.ErrNotFound)
	}
	return g.Clone(), nil
}

func (s *Store) DeleteRoleGrant(_ context.Context, roleID id.RoleID, permID id.PermissionID) (bool, error) {
	var existed bool
	err := s.write(func(st *state) error {
		grants := st.roleGrants[roleID.String()]
		if _, ok := grants[permID.String()]; ok {
			delete(grants, permID.String())
			existed = true
		}
		return nil
	})
	return existed, err
}

func (s *Store) ListRoleGrants(_ context.Context, roleID id.RoleID) ([]*role.Grant, error) {
	st, unlock := s.read()
	defer unlock()
	return sortedGrants(st.roleGrants[roleID.String()]), nil
}

func (s *Store) ListAllRoleGrants(_ context.Context) ([]*role.Grant, error) {
	st, unlock := s.read()
	defer unlock()
	var result []*role.Grant
	for _, grants := range st.roleGrants {
		result = append(result, sortedGrants(grants)...)
	}
	return result, nil
}

func (s *Store) ListRoleGrantsByPermission(_ context.Context, permID id.PermissionID) ([]*role.Grant, error) {
	st, unlock := s.read()
	defer unlock()
	var result []*role.Grant
	for _, grants := range st.roleGrants {
		if g, ok := grants[permID.String()]; ok {
			result = append(result, g.Clone())
		}
	}
	return result, nil
}

func sortedGrants(m map[string]*role.Grant) []*role.Grant {
	result := make([]*role.Grant, 0, len(m))
	for _, g := range m {
		result = append(result, g.Clone())
	}
	slices.SortFunc(result, func(a, b *role.Grant) int {
		return strings.Compare(a.PermissionID.String(), b.PermissionID.String())
	})
	return result
}

// ──────────────────────────────────────────────────
// Assignment store
// ──────────────────────────────────────────────────

func (s *Store) UpsertAssignment(_ context.Context, a *assignment.Assignment) error {
	return s.write(func(st *state) error {
		if _, ok := st.roles[a.RoleID.String()]; !ok {
			return fmt.Errorf("role %s: %w", a.RoleID, store.ErrNotFound)
		}
		if st.assignments[a.UserID] == nil {
			st.assignments[a.UserID] = make(map[string]*assignment.Assignment)
		}
		if cur, ok := st.assignments[a.UserID][a.RoleID.String()]; ok {
			a.ID = cur.ID
		}
		if a.AssignedAt.IsZero() {
			a.AssignedAt = now()
		}
		st.assignments[a.UserID][a.RoleID.String()] = a.Clone()
		return nil
	})
}

func (s *Store) GetAssignment(_ context.Context, userID string, roleID id.RoleID) (*assignment.Assignment, error) {
	st, unlock := s.read()
	defer unlock()
	a, ok := st.assignments[userID][roleID.String()]
	if !ok {
		return nil, fmt.Errorf("assignment of %s to %q: %w", roleID, userID, store.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Store) DeleteAssignment(_ context.Context, userID string, roleID id.RoleID) (bool, error) {
	var existed bool
	err := s.write(func(st *state) error {
		byRole := st.assignments[userID]
		if _, ok := byRole[roleID.String()]; ok {
			delete(byRole, roleID.String())
			existed = true
		}
		return nil
	})
	return existed, err
}

func (s *Store) ListAssignments(_ context.Context, filter *assignment.ListFilter) ([]*assignment.Assignment, error) {
	st, unlock := s.read()
	defer unlock()
	var result []*assignment.Assignment
	for userID, byRole := range st.assignments {
		if filter != nil && filter.UserID != "" && filter.UserID != userID {
			continue
		}
		for _, a := range byRole {
			if filter != nil && filter.RoleID != nil && a.RoleID != *filter.RoleID {
				continue
			}
			result = append(result, a.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *assignment.Assignment) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return a.AssignedAt.Compare(b.AssignedAt)
	})
	if filter == nil {
		return result, nil
	}
	return store.Apply(result, store.Page{Limit: filter.Limit, Offset: filter.Offset}), nil
}

func (s *Store) ListUsersForRoles(_ context.Context, roleIDs []id.RoleID) ([]string, error) {
	st, unlock := s.read()
	defer unlock()
	want := make(map[string]struct{}, len(roleIDs))
	for _, rid := range roleIDs {
		want[rid.String()] = struct{}{}
	}
	var users []string
	for userID, byRole := range st.assignments {
		for rk := range byRole {
			if _, ok := want[rk]; ok {
				users = append(users, userID)
				break
			}
		}
	}
	slices.Sort(users)
	return users, nil
}

func (s *Store) DeleteExpiredAssignments(_ context.Context, at time.Time) ([]*assignment.Assignment, error) {
	var removed []*assignment.Assignment
	err := s.write(func(st *state) error {
		for _, byRole := range st.assignments {
			for rk, a := range byRole {
				if a.Expired(at) {
					delete(byRole, rk)
					removed = append(removed, a.Clone())
				}
			}
		}
		return nil
	})
	slices.SortFunc(removed, func(a, b *assignment.Assignment) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return strings.Compare(a.RoleID.String(), b.RoleID.String())
	})
	return removed, err
}

// ──────────────────────────────────────────────────
// Direct grant store
// ──────────────────────────────────────────────────

func (s *Store) UpsertUserGrant(_ context.Context, g *grant.Grant) error {
	return s.write(func(st *state) error {
		if st.userGrants[g.UserID] == nil {
			st.userGrants[g.UserID] = make(map[string]*grant.Grant)
		}
		if cur, ok := st.userGrants[g.UserID][g.PermissionID.String()]; ok {
			g.ID = cur.ID
		}
		if g.AssignedAt.IsZero() {
			g.AssignedAt = now()
		}
		st.userGrants[g.UserID][g.PermissionID.String()] = g.Clone()
		return nil
	})
}

func (s *Store) GetUserGrant(_ context.Context, userID string, permID id.PermissionID) (*grant.Grant, error) {
	st, unlock := s.read()
	defer unlock()
	g, ok := st.userGrants[userID][permID.String()]
	if !ok {
		return nil, fmt.Errorf("direct grant of %s to %q: %w", permID, userID, store.ErrNotFound)
	}
	return g.Clone(), nil
}

func (s *Store) DeleteUserGrant(_ context.Context, userID string, permID id.PermissionID) (bool, error) {
	var existed bool
	err := s.write(func(st *state) error {
		byPerm := st.userGrants[userID]
		if _, ok := byPerm[permID.String()]; ok {
			delete(byPerm, permID.String())
			existed = true
		}
		return nil
	})
	return existed, err
}

func (s *Store) ListUserGrants(_ context.Context, filter *grant.ListFilter) ([]*grant.Grant, error) {
	st, unlock := s.read()
	defer unlock()
	var result []*grant.Grant
	for userID, byPerm := range st.userGrants {
		if filter != nil && filter.UserID != "" && filter.UserID != userID {
			continue
		}
		for _, g := range byPerm {
			if filter != nil && filter.PermissionID != nil && g.PermissionID != *filter.PermissionID {
				continue
			}
			if filter != nil && filter.Polarity != "" && g.Polarity != filter.Polarity {
				continue
			}
			result = append(result, g.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *grant.Grant) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return a.AssignedAt.Compare(b.AssignedAt)
	})
	if filter == nil {
		return result, nil
	}
	return store.Apply(result, store.Page{Limit: filter.Limit, Offset: filter.Offset}), nil
}

func (s *Store) GetUserRevision(_ context.Context, userID string) (int64, error) {
	st, unlock := s.read()
	defer unlock()
	return st.revisions[userID], nil
}

func (s *Store) BumpUserRevision(_ context.Context, userID string, expected int64) (int64, error) {
	var next int64
	err := s.write(func(st *state) error {
		if st.revisions[userID] != expected {
			return fmt.Errorf("user %q at revision %d: %w", userID, expected, store.ErrConflict)
		}
		next = expected + 1
		st.revisions[userID] = next
		return nil
	})
	return next, err
}

// ──────────────────────────────────────────────────
// Template store
// ──────────────────────────────────────────────────

func (s *Store) CreateTemplate(_ context.Context, t *template.Template) error {
	return s.write(func(st *state) error {
		for _, existing := range st.templates {
			if existing.Name == t.Name {
				return fmt.Errorf("template name %q: %w", t.Name, store.ErrDuplicate)
			}
		}
		ts := now()
		t.CreatedAt, t.UpdatedAt = ts, ts
		t.Version = 1
		st.templates[t.ID.String()] = t.Clone()
		return nil
	})
}

func (s *Store) GetTemplate(_ context.Context, tmplID id.TemplateID) (*template.Template, error) {
	st, unlock := s.read()
	defer unlock()
	t, ok := st.templates[tmplID.String()]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", tmplID, store.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) GetTemplateByName(_ context.Context, name string) (*template.Template, error) {
	st, unlock := s.read()
	defer unlock()
	for _, t := range st.templates {
		if t.Name == name {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("template name %q: %w", name, store.ErrNotFound)
}

func (s *Store) UpdateTemplate(_ context.Context, t *template.Template) error {
	return s.write(func(st *state) error {
		cur, ok := st.templates[t.ID.String()]
		if !ok {
			return fmt.Errorf("template %s: %w", t.ID, store.ErrNotFound)
		}
		if cur.Version != t.Version {
			return fmt.Errorf("template %s at version %d: %w", t.ID, t.Version, store.ErrConflict)
		}
		for k, existing := range st.templates {
			if k != t.ID.String() && existing.Name == t.Name {
				return fmt.Errorf("template name %q: %w", t.Name, store.ErrDuplicate)
			}
		}
		t.Version++
		t.UpdatedAt = now()
		t.CreatedAt = cur.CreatedAt
		st.templates[t.ID.String()] = t.Clone()
		return nil
	})
}

func (s *Store) DeleteTemplate(_ context.Context, tmplID id.TemplateID) error {
	return s.write(func(st *state) error {
		delete(st.templates, tmplID.String())
		return nil
	})
}

func (s *Store) ListTemplates(_ context.Context, filter *template.ListFilter) ([]*template.Template, error) {
	st, unlock := s.read()
	defer unlock()
	result := make([]*template.Template, 0, len(st.templates))
	for _, t := range st.templates {
		if filter != nil && filter.Search != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(filter.Search)) {
			continue
		}
		result = append(result, t.Clone())
	}
	slices.SortFunc(result, func(a, b *template.Template) int { return strings.Compare(a.Name, b.Name) })
	if filter == nil {
		return result, nil
	}
	return store.Apply(result, store.Page{Limit: filter.Limit, Offset: filter.Offset}), nil
}

// ──────────────────────────────────────────────────
// Audit store
// ──────────────────────────────────────────────────

func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	if s.inTx {
		s.pending = append(s.pending, e.Clone())
		return nil
	}
	s.log.publish([]*audit.Entry{e.Clone()})
	return nil
}

// auditEntries returns the published log followed by entries buffered in
// the current transaction.
func (s *Store) auditEntries() []*audit.Entry {
	entries := s.log.snapshot()
	if len(s.pending) == 0 {
		return entries
	}
	return append(entries, s.pending...)
}

func (s *Store) ListAudit(_ context.Context, filter *audit.Filter) ([]*audit.Entry, error) {
	var result []*audit.Entry
	for _, e := range s.auditEntries() {
		if matchAudit(e, filter) {
			result = append(result, e.Clone())
		}
	}
	slices.SortStableFunc(result, func(a, b *audit.Entry) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = strings.Compare(a.ID.String(), b.ID.String())
		}
		if filter != nil && filter.Descending {
			return -c
		}
		return c
	})
	if filter == nil {
		return result, nil
	}
	return store.Apply(result, store.Page{Limit: filter.Limit, Offset: filter.Offset}), nil
}

func (s *Store) CountAudit(_ context.Context, filter *audit.Filter) (int64, error) {
	var n int64
	for _, e := range s.auditEntries() {
		if matchAudit(e, filter) {
			n++
		}
	}
	return n, nil
}

// PurgeAudit compacts the published log. Entries buffered by an open
// transaction are published after it commits and are not affected.
func (s *Store) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	var n int64
	kept := make([]*audit.Entry, 0, len(s.log.entries))
	for _, e := range s.log.entries {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.log.entries = kept
	return n, nil
}

func matchAudit(e *audit.Entry, f *audit.Filter) bool {
	if f == nil {
		return true
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.After != nil && e.CreatedAt.Before(*f.After) {
		return false
	}
	if f.Before != nil && !e.CreatedAt.Before(*f.Before) {
		return false
	}
	return true
}
