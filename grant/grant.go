// Package grant defines direct per-user permission grants and denials,
// and the per-user revision used for optimistic concurrency.
package grant

import (
	"fmt"
	"time"

	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/scope"
)

// Polarity says whether a direct record grants or denies.
type Polarity string

const (
	Allow Polarity = "grant"
	Deny  Polarity = "deny"
)

// Valid reports whether p is Allow or Deny.
func (p Polarity) Valid() bool { return p == Allow || p == Deny }

// ParsePolarity converts s into a Polarity.
func ParsePolarity(s string) (Polarity, error) {
	p := Polarity(s)
	if !p.Valid() {
		return "", fmt.Errorf("grant: unknown polarity %q", s)
	}
	return p, nil
}

// SourceManual marks a record written directly by an administrator.
const SourceManual = "manual"

// Grant is a direct record layered over a user's role-derived
// permissions. (UserID, PermissionID) is unique.
type Grant struct {
	ID           id.UserGrantID  `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id" validate:"required,max=128"`
	PermissionID id.PermissionID `json:"permission_id" db:"permission_id"`
	Polarity     Polarity        `json:"polarity" db:"polarity" validate:"oneof=grant deny"`
	Scope        scope.Scope     `json:"scope" db:"scope" validate:"required,scope"`
	Reason       string          `json:"reason,omitempty" db:"reason" validate:"max=1024"`
	Source       string          `json:"source" db:"source"`
	AssignedAt   time.Time       `json:"assigned_at" db:"assigned_at"`
	AssignedBy   string          `json:"assigned_by,omitempty" db:"assigned_by"`
}

// Clone returns a copy of g.
func (g *Grant) Clone() *Grant {
	c := *g
	return &c
}

// ListFilter contains filters for listing direct grants.
type ListFilter struct {
	UserID       string           `json:"user_id,omitempty"`
	PermissionID *id.PermissionID `json:"permission_id,omitempty"`
	Polarity     Polarity         `json:"polarity,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
}
