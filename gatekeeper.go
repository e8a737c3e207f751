// Package gatekeeper is a permission evaluation engine.
//
// It combines hierarchical role memberships, direct per-user grants and
// denials, and a catalog of permissions keyed by (resource type, action,
// scope) into allow/deny decisions and effective permission sets. Every
// mutation is transactional and writes exactly one audit entry.
//
//	eng, err := gatekeeper.NewEngine(
//	    gatekeeper.WithStore(memory.New()),
//	)
//	dec, err := eng.Evaluate(ctx, &gatekeeper.Request{
//	    UserID:       "user_123",
//	    ResourceType: "application",
//	    Action:       "approve",
//	    Scope:        scope.Department,
//	})
package gatekeeper

import (
	"time"

	"github.com/xraph/gatekeeper/condition"
	"github.com/xraph/gatekeeper/id"
	"github.com/xraph/gatekeeper/permission"
	"github.com/xraph/gatekeeper/scope"
)

// Request is the input to Evaluate.
type Request struct {
	UserID       string            `json:"user_id" validate:"required"`
	ResourceType string            `json:"resource_type" validate:"required"`
	Action       string            `json:"action" validate:"required"`
	Scope        scope.Scope       `json:"scope" validate:"required,scope"`
	Context      condition.Context `json:"context,omitempty"`
}

// Source tells where an effective permission came from.
type Source string

const (
	// SourceRole means the permission was inherited through a role.
	SourceRole Source = "role"

	// SourceDirect means the permission is a direct user grant or denial.
	SourceDirect Source = "direct"
)

// Reason explains why a candidate did not produce an allow.
type Reason string

const (
	// ReasonDeniedDirect means a direct deny covers the pair.
	ReasonDeniedDirect Reason = "denied_direct"

	// ReasonReplacedByDirect means a direct grant superseded the role grant.
	ReasonReplacedByDirect Reason = "replaced_by_direct"

	// ReasonInactive means the permission is deactivated.
	ReasonInactive Reason = "inactive"

	// ReasonConditionFailed means the permission's condition did not hold.
	ReasonConditionFailed Reason = "condition_failed"

	// ReasonScopeTooNarrow means the candidate's scope does not cover the
	// requested scope.
	ReasonScopeTooNarrow Reason = "scope_too_narrow"
)

// EffectivePermission is one entry of a user's merged permission set.
type EffectivePermission struct {
	Permission  *permission.Permission `json:"permission"`
	Scope       scope.Scope            `json:"scope"`
	IsGranted   bool                   `json:"is_granted"`
	Source      Source                 `json:"source"`
	RoleID      *id.RoleID             `json:"role_id,omitempty"`
	RoleName    string                 `json:"role_name,omitempty"`
	Conditional bool                   `json:"conditional,omitempty"`
}

// Candidate is one entry of a decision trace. Removed is empty for
// candidates that qualified.
type Candidate struct {
	EffectivePermission
	Removed Reason `json:"removed,omitempty"`
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed    bool                 `json:"allowed"`
	Matched    *EffectivePermission `json:"matched,omitempty"`
	Source     Source               `json:"source,omitempty"`
	Reason     string               `json:"reason"`
	Trace      []Candidate          `json:"trace,omitempty"`
	EvalTimeNs int64                `json:"eval_time_ns"`
}

// EffectiveSet is a user's resolved permissions before request conditions
// are applied. It is the unit stored in the Cache.
type EffectiveSet struct {
	UserID  string                `json:"user_id"`
	Entries []EffectivePermission `json:"entries"`

	// Removed holds role-derived candidates dropped by the direct overlay.
	Removed []Candidate `json:"removed,omitempty"`

	ComputedAt time.Time `json:"computed_at"`

	// ValidUntil is the earliest assignment expiry the set depends on.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// Fresh reports whether the set may still be served at now.
func (s *EffectiveSet) Fresh(now time.Time) bool {
	return s.ValidUntil == nil || now.Before(*s.ValidUntil)
}

// InheritedGrant is one permission a role holds after inheritance.
type InheritedGrant struct {
	Permission *permission.Permission `json:"permission"`
	Scope      scope.Scope            `json:"scope"`

	// RoleID and RoleName identify the role that contributes the grant:
	// the role itself for local grants, otherwise the nearest ancestor
	// holding the winning scope.
	RoleID   id.RoleID `json:"role_id"`
	RoleName string    `json:"role_name"`
	Local    bool      `json:"local"`
}
