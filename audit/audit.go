// Package audit defines the append-only mutation ledger.
package audit

import (
	"encoding/json"
	"time"

	"github.com/xraph/gatekeeper/id"
)

// Entity types recorded in the ledger.
const (
	EntityPermission = "permission"
	EntityRole       = "role"
	EntityRoleGrant  = "role_grant"
	EntityAssignment = "assignment"
	EntityUserGrant  = "user_grant"
	EntityTemplate   = "template"
)

// Actions recorded in the ledger.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionDelete     = "delete"
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionSetParent  = "set_parent"
	ActionGrant      = "grant"
	ActionRevoke     = "revoke"
	ActionAssign     = "assign"
	ActionUnassign   = "unassign"
	ActionApply      = "apply"
	ActionGenerate   = "generate"
)

// Entry is one immutable ledger record. Before and After hold JSON
// snapshots of the affected rows; either may be null.
type Entry struct {
	ID         id.AuditID      `json:"id" db:"id"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Action     string          `json:"action" db:"action"`
	ActorID    string          `json:"actor_id,omitempty" db:"actor_id"`
	ActorIP    string          `json:"actor_ip,omitempty" db:"actor_ip"`
	Before     json.RawMessage `json:"before,omitempty" db:"before_state"`
	After      json.RawMessage `json:"after,omitempty" db:"after_state"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Before != nil {
		c.Before = append(json.RawMessage(nil), e.Before...)
	}
	if e.After != nil {
		c.After = append(json.RawMessage(nil), e.After...)
	}
	return &c
}

// Filter selects ledger entries. Results are ordered by CreatedAt, then ID.
type Filter struct {
	EntityType string     `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	Action     string     `json:"action,omitempty"`
	After      *time.Time `json:"after,omitempty"`
	Before     *time.Time `json:"before,omitempty"`
	Descending bool       `json:"descending,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// Snapshot marshals v for Before/After. A nil v yields nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	return data
}
