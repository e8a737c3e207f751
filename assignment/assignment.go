// Package assignment defines the user-to-role Assignment entity.
package assignment

import (
	"time"

	"github.com/xraph/gatekeeper/id"
)

// Assignment grants a role to a user, optionally until ExpiresAt.
// A user may hold many roles; (UserID, RoleID) is unique.
type Assignment struct {
	ID         id.AssignmentID `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id" validate:"required,max=128"`
	RoleID     id.RoleID       `json:"role_id" db:"role_id"`
	AssignedAt time.Time       `json:"assigned_at" db:"assigned_at"`
	AssignedBy string          `json:"assigned_by,omitempty" db:"assigned_by"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// Expired reports whether the assignment has lapsed at now.
func (a *Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Clone returns a copy of a that shares no pointers with it.
func (a *Assignment) Clone() *Assignment {
	c := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ListFilter contains filters for listing assignments.
type ListFilter struct {
	UserID string     `json:"user_id,omitempty"`
	RoleID *id.RoleID `json:"role_id,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}
