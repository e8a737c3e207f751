// Package scope defines the breadth of applicability of a permission.
//
// Scopes are totally ordered: Own < Team < Department < Branch < Global.
// A grant at a broader scope satisfies any request at a narrower one.
package scope

import (
	"fmt"
	"strings"
)

// Scope is the breadth at which a permission applies.
type Scope string

const (
	Own        Scope = "own"
	Team       Scope = "team"
	Department Scope = "department"
	Branch     Scope = "branch"
	Global     Scope = "global"
)

// All lists every scope from narrowest to broadest.
var All = []Scope{Own, Team, Department, Branch, Global}

var ranks = map[Scope]int{
	Own:        1,
	Team:       2,
	Department: 3,
	Branch:     4,
	Global:     5,
}

// Parse converts s (case-insensitive) into a Scope.
func Parse(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !sc.Valid() {
		return "", fmt.Errorf("scope: unknown scope %q", s)
	}
	return sc, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Scope {
	sc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// Valid reports whether s is one of the five known scopes.
func (s Scope) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Rank returns the position of s in the total order, 1 for Own through 5
// for Global. Unknown scopes rank 0 and are covered by nothing.
func (s Scope) Rank() int { return ranks[s] }

// Covers reports whether s is at least as broad as requested.
func (s Scope) Covers(requested Scope) bool {
	if !s.Valid() || !requested.Valid() {
		return false
	}
	return s.Rank() >= requested.Rank()
}

// WiderThan reports whether s is strictly broader than other.
func (s Scope) WiderThan(other Scope) bool { return s.Rank() > other.Rank() }

// String implements fmt.Stringer.
func (s Scope) String() string { return string(s) }

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields
// the zero Scope so optional fields decode cleanly.
func (s *Scope) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ""
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Narrowest returns the narrower of a and b.
func Narrowest(a, b Scope) Scope {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Broadest returns the broader of a and b.
func Broadest(a, b Scope) Scope {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Ptr returns a pointer to a copy of s.
func Ptr(s Scope) *Scope { return &s }
