// Package id defines TypeID-based identifiers for gatekeeper entities.
//
// Every persisted entity carries a single ID type whose prefix names the
// entity kind. IDs are K-sortable (UUIDv7-based) and render as
// "prefix_suffix". User identifiers are not TypeIDs: they come from the
// authenticating principal and are plain strings.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefixes for every gatekeeper entity.
const (
	PrefixPermission Prefix = "perm"
	PrefixRole       Prefix = "role"
	PrefixRoleGrant  Prefix = "rgrant"
	PrefixAssignment Prefix = "asgn"
	PrefixUserGrant  Prefix = "ugrant"
	PrefixTemplate   Prefix = "tmpl"
	PrefixAudit      Prefix = "audit"
)

// ID is the primary identifier type for all gatekeeper entities.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string such as "role_01h2xcejqtf2nbrexx3vqjhp41".
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// PermissionID identifies a catalog permission (prefix "perm").
type PermissionID = ID

// RoleID identifies a role (prefix "role").
type RoleID = ID

// RoleGrantID identifies a role-to-permission binding (prefix "rgrant").
type RoleGrantID = ID

// AssignmentID identifies a user role assignment (prefix "asgn").
type AssignmentID = ID

// UserGrantID identifies a direct user grant or denial (prefix "ugrant").
type UserGrantID = ID

// TemplateID identifies a permission template (prefix "tmpl").
type TemplateID = ID

// AuditID identifies an audit entry (prefix "audit").
type AuditID = ID

func NewPermissionID() ID { return New(PrefixPermission) }
func NewRoleID() ID       { return New(PrefixRole) }
func NewRoleGrantID() ID  { return New(PrefixRoleGrant) }
func NewAssignmentID() ID { return New(PrefixAssignment) }
func NewUserGrantID() ID  { return New(PrefixUserGrant) }
func NewTemplateID() ID   { return New(PrefixTemplate) }
func NewAuditID() ID      { return New(PrefixAudit) }

func ParsePermissionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixPermission) }
func ParseRoleID(s string) (ID, error)       { return ParseWithPrefix(s, PrefixRole) }
func ParseRoleGrantID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixRoleGrant) }
func ParseAssignmentID(s string) (ID, error) { return ParseWithPrefix(s, PrefixAssignment) }
func ParseUserGrantID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixUserGrant) }
func ParseTemplateID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixTemplate) }
func ParseAuditID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixAudit) }

// String returns "prefix_suffix", or "" for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// Ptr returns a pointer to a copy of i. Nil yields nil.
func (i ID) Ptr() *ID {
	if !i.valid {
		return nil
	}
	return &i
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. The Nil ID is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
