package gatekeeper

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/role"
	"github.com/xraph/gatekeeper/scope"
	"github.com/xraph/gatekeeper/store"
)

// graph is an immutable snapshot of the role forest and the catalog.
// Roles live in an arena indexed by position; parent and children hold
// arena indexes, so the forest never needs owning pointers in both
// directions.
type graph struct {
	builtAt time.Time

	roles    []*role.Role
	index    map[string]int // role ID -> arena slot
	parent   []int          // -1 for roots
	children [][]int
	grants   [][]*role.Grant

	perms  map[string]*permission.Permission
	byPair map[string][]*permission.Permission
	sorted []*permission.Permission

	mu        sync.Mutex
	inherited map[int][]InheritedGrant
}

// buildGraph loads a snapshot from s.
func buildGraph(ctx context.Context, s store.Store, now time.Time) (*graph, error) {
	roles, err := s.ListRoles(ctx, nil)
	if err != nil {
		return nil, err
	}
	grants, err := s.ListAllRoleGrants(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := s.ListPermissions(ctx, nil)
	if err != nil {
		return nil, err
	}

	g := &graph{
		builtAt:   now,
		roles:     roles,
		index:     make(map[string]int, len(roles)),
		parent:    make([]int, len(roles)),
		children:  make([][]int, len(roles)),
		grants:    make([][]*role.Grant, len(roles)),
		perms:     make(map[string]*permission.Permission, len(perms)),
		byPair:    make(map[string][]*permission.Permission),
		sorted:    perms,
		inherited: make(map[int][]InheritedGrant),
	}
	for i, r := range roles {
		g.index[r.ID.String()] = i
	}
	for i, r := range roles {
		g.parent[i] = -1
		if r.ParentID == nil {
			continue
		}
		if p, ok := g.index[r.ParentID.String()]; ok {
			g.parent[i] = p
			g.children[p] = append(g.children[p], i)
		}
	}
	for _, p := range perms {
		g.perms[p.ID.String()] = p
		g.byPair[p.Pair()] = append(g.byPair[p.Pair()], p)
	}
	for _, gr := range grants {
		if i, ok := g.index[gr.RoleID.String()]; ok {
			g.grants[i] = append(g.grants[i], gr)
		}
	}
	return g, nil
}

func (g *graph) role(roleID id.RoleID) (*role.Role, int, bool) {
	i, ok := g.index[roleID.String()]
	if !ok {
		return nil, -1, false
	}
	return g.roles[i], i, true
}

func (g *graph) permission(permID id.PermissionID) (*permission.Permission, bool) {
	p, ok := g.perms[permID.String()]
	return p, ok
}

// knownPair reports whether any catalog row, active or not, has the pair.
func (g *graph) knownPair(resourceType, action string) bool {
	return len(g.byPair[permission.Pair(resourceType, action)]) > 0
}

// descendants returns the arena slots below slot i.
func (g *graph) descendants(i int) []int {
	var out []int
	stack := slices.Clone(g.children[i])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		stack = append(stack, g.children[n]...)
	}
	return out
}

// inheritedGrants returns the memoized inherited set of slot i. A local
// grant always wins. Otherwise the narrowest scope along the ancestor
// chain wins, ties going to the nearest ancestor. Inactive ancestors
// contribute nothing but do not stop the walk.
func (g *graph) inheritedGrants(i int) []InheritedGrant {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.inherited[i]; ok {
		return set
	}

	self := g.roles[i]
	picked := make(map[string]InheritedGrant)
	for _, gr := range g.grants[i] {
		p, ok := g.perms[gr.PermissionID.String()]
		if !ok {
			continue
		}
		picked[p.ID.String()] = InheritedGrant{
			Permission: p,
			Scope:      gr.EffectiveScope(p.Scope),
			RoleID:     self.ID,
			RoleName:   self.Name,
			Local:      true,
		}
	}

	seen := map[int]bool{i: true}
	for cur := g.parent[i]; cur >= 0 && !seen[cur]; cur = g.parent[cur] {
		seen[cur] = true
		anc := g.roles[cur]
		if !anc.IsActive {
			continue
		}
		for _, gr := range g.grants[cur] {
			p, ok := g.perms[gr.PermissionID.String()]
			if !ok {
				continue
			}
			sc := gr.EffectiveScope(p.Scope)
			if have, ok := picked[p.ID.String()]; ok {
				if have.Local || !have.Scope.WiderThan(sc) {
					continue
				}
			}
			picked[p.ID.String()] = InheritedGrant{
				Permission: p,
				Scope:      sc,
				RoleID:     anc.ID,
				RoleName:   anc.Name,
			}
		}
	}

	set := make([]InheritedGrant, 0, len(picked))
	for _, ig := range picked {
		set = append(set, ig)
	}
	slices.SortFunc(set, func(a, b InheritedGrant) int {
		return comparePermissions(a.Permission, b.Permission)
	})
	g.inherited[i] = set
	return set
}

// comparePermissions orders by resource type, action, broadest scope
// first, then name.
func comparePermissions(a, b *permission.Permission) int {
	if c := strings.Compare(a.ResourceType, b.ResourceType); c != 0 {
		return c
	}
	if c := strings.Compare(a.Action, b.Action); c != 0 {
		return c
	}
	if c := b.Scope.Rank() - a.Scope.Rank(); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

// wouldCycle reports whether making parent the parent of child closes a
// loop, by walking parent pointers up from the candidate.
func wouldCycle(child id.RoleID, parent *role.Role, lookup func(id.RoleID) (*role.Role, error), limit int) (bool, error) {
	cur := parent
	for steps := 0; cur != nil; steps++ {
		if cur.ID.String() == child.String() {
			return true, nil
		}
		if cur.ParentID == nil || steps > limit {
			return steps > limit, nil
		}
		next, err := lookup(*cur.ParentID)
		if err != nil {
			return false, err
		}
		cur = next
	}
	return false, nil
}

// scopeOf returns a pointer copy for matrix cells.
func scopeOf(s scope.Scope) *scope.Scope { return &s }
