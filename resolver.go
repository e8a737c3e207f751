package gatekeeper

import (
	"context"
	"slices"
	"strings"

	"github.com/xraph/gatekeeper/assignment"
	"github.com/xraph/gatekeeper/condition"
	"github.com/xraph/gatekeeper/grant"
	"github.com/xraph/gatekeeper/permission"
)

// Decision reasons that are not removal reasons.
const (
	reasonAllowed      = "allowed"
	reasonNoPermission = "no_permission"
)

// removalPriority orders removal reasons when a denial has to name one.
var removalPriority = []Reason{
	ReasonDeniedDirect,
	ReasonScopeTooNarrow,
	ReasonConditionFailed,
	ReasonInactive,
	ReasonReplacedByDirect,
}

// resolveSet computes a user's effective set against the snapshot g:
// active roles, the union of their inherited grants, then the direct
// overlay. Inactive permissions and conditions are left for the caller.
func (e *Engine) resolveSet(ctx context.Context, g *graph, userID string) (*EffectiveSet, error) {
	now := e.now()
	set := &EffectiveSet{UserID: userID, ComputedAt: now}

	assignments, err := e.store.ListAssignments(ctx, &assignment.ListFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	slots := make([]int, 0, len(assignments))
	for _, a := range assignments {
		if a.Expired(now) {
			continue
		}
		r, slot, ok := g.role(a.RoleID)
		if !ok || !r.IsActive {
			continue
		}
		slots = append(slots, slot)
		if a.ExpiresAt != nil && (set.ValidUntil == nil || a.ExpiresAt.Before(*set.ValidUntil)) {
			until := *a.ExpiresAt
			set.ValidUntil = &until
		}
	}
	slices.SortFunc(slots, func(a, b int) int {
		ra, rb := g.roles[a], g.roles[b]
		if ra.Level != rb.Level {
			return ra.Level - rb.Level
		}
		return strings.Compare(ra.Name, rb.Name)
	})

	// Union across roles: the broadest scope per permission wins, ties
	// keep the more senior role.
	byPerm := make(map[string]EffectivePermission)
	for _, slot := range slots {
		for _, ig := range g.inheritedGrants(slot) {
			key := ig.Permission.ID.String()
			if have, ok := byPerm[key]; ok && !ig.Scope.WiderThan(have.Scope) {
				continue
			}
			roleID := ig.RoleID
			byPerm[key] = EffectivePermission{
				Permission:  ig.Permission,
				Scope:       ig.Scope,
				IsGranted:   true,
				Source:      SourceRole,
				RoleID:      &roleID,
				RoleName:    ig.RoleName,
				Conditional: ig.Permission.Conditions != nil,
			}
		}
	}

	direct, err := e.store.ListUserGrants(ctx, &grant.ListFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	byPair := make(map[string][]*grant.Grant)
	var pairs []string
	for _, d := range direct {
		p, ok := g.permission(d.PermissionID)
		if !ok {
			continue
		}
		if _, seen := byPair[p.Pair()]; !seen {
			pairs = append(pairs, p.Pair())
		}
		byPair[p.Pair()] = append(byPair[p.Pair()], d)
	}

	var overlay []EffectivePermission
	for _, pair := range pairs {
		records := byPair[pair]
		denied := slices.ContainsFunc(records, func(d *grant.Grant) bool { return d.Polarity == grant.Deny })

		switch {
		case denied:
			set.Removed = append(set.Removed, removeRolePair(byPerm, pair, ReasonDeniedDirect)...)
			for _, d := range records {
				if d.Polarity == grant.Deny {
					overlay = append(overlay, directEntry(g, d))
				}
			}
		case e.config.DirectGrantMode == DirectGrantWiden:
			for _, d := range records {
				entry := directEntry(g, d)
				key := entry.Permission.ID.String()
				if have, ok := byPerm[key]; ok {
					if have.Scope.WiderThan(entry.Scope) {
						continue
					}
					delete(byPerm, key)
				}
				overlay = append(overlay, entry)
			}
		default:
			set.Removed = append(set.Removed, removeRolePair(byPerm, pair, ReasonReplacedByDirect)...)
			for _, d := range records {
				overlay = append(overlay, directEntry(g, d))
			}
		}
	}

	set.Entries = make([]EffectivePermission, 0, len(byPerm)+len(overlay))
	for _, ep := range byPerm {
		set.Entries = append(set.Entries, ep)
	}
	set.Entries = append(set.Entries, overlay...)
	slices.SortFunc(set.Entries, compareEntries)
	slices.SortFunc(set.Removed, func(a, b Candidate) int {
		return compareEntries(a.EffectivePermission, b.EffectivePermission)
	})
	return set, nil
}

// removeRolePair deletes the role-derived candidates of pair from byPerm
// and returns them as trace candidates.
func removeRolePair(byPerm map[string]EffectivePermission, pair string, why Reason) []Candidate {
	var out []Candidate
	for key, ep := range byPerm {
		if ep.Permission.Pair() != pair {
			continue
		}
		out = append(out, Candidate{EffectivePermission: ep, Removed: why})
		delete(byPerm, key)
	}
	return out
}

func directEntry(g *graph, d *grant.Grant) EffectivePermission {
	p, _ := g.permission(d.PermissionID)
	return EffectivePermission{
		Permission:  p,
		Scope:       d.Scope,
		IsGranted:   d.Polarity == grant.Allow,
		Source:      SourceDirect,
		Conditional: p.Conditions != nil,
	}
}

func compareEntries(a, b EffectivePermission) int {
	if c := comparePermissions(a.Permission, b.Permission); c != 0 {
		return c
	}
	return strings.Compare(string(a.Source), string(b.Source))
}

// decide filters set to the request pair and picks the widest candidate
// whose scope covers the request. g supplies the current catalog rows so
// deactivations and condition edits apply to cached sets too.
func decide(g *graph, set *EffectiveSet, req *Request, cctx condition.Context) *Decision {
	pair := permission.Pair(req.ResourceType, req.Action)
	dec := &Decision{}

	for _, c := range set.Removed {
		if c.Permission.Pair() == pair {
			dec.Trace = append(dec.Trace, c)
		}
	}

	var matched *EffectivePermission
	for i := range set.Entries {
		ep := set.Entries[i]
		if ep.Permission.Pair() != pair {
			continue
		}
		if current, ok := g.permission(ep.Permission.ID); ok {
			ep.Permission = current
			ep.Conditional = current.Conditions != nil
		}
		why := qualify(ep, req, cctx)
		dec.Trace = append(dec.Trace, Candidate{EffectivePermission: ep, Removed: why})
		if why != "" {
			continue
		}
		if matched == nil || ep.Scope.WiderThan(matched.Scope) {
			m := ep
			matched = &m
		}
	}

	if matched != nil {
		dec.Allowed = true
		dec.Matched = matched
		dec.Source = matched.Source
		dec.Reason = reasonAllowed
		return dec
	}
	dec.Reason = reasonNoPermission
	for _, why := range removalPriority {
		if slices.ContainsFunc(dec.Trace, func(c Candidate) bool { return c.Removed == why }) {
			dec.Reason = string(why)
			break
		}
	}
	return dec
}

// qualify returns the removal reason for ep, or "" if it allows req.
func qualify(ep EffectivePermission, req *Request, cctx condition.Context) Reason {
	switch {
	case !ep.IsGranted:
		return ReasonDeniedDirect
	case !ep.Permission.IsActive:
		return ReasonInactive
	}
	if ep.Permission.Conditions != nil {
		ok, err := ep.Permission.Conditions.Evaluate(cctx)
		if err != nil || !ok {
			return ReasonConditionFailed
		}
	}
	if !ep.Scope.Covers(req.Scope) {
		return ReasonScopeTooNarrow
	}
	return ""
}

// activeEntries drops entries whose permission is inactive in g.
func activeEntries(g *graph, entries []EffectivePermission) []EffectivePermission {
	out := make([]EffectivePermission, 0, len(entries))
	for _, ep := range entries {
		current, ok := g.permission(ep.Permission.ID)
		if !ok || !current.IsActive {
			continue
		}
		ep.Permission = current
		ep.Conditional = current.Conditions != nil
		out = append(out, ep)
	}
	return out
}
