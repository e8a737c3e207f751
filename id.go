package gatekeeper

import "github.com/xraph/gatekeeper/id"

// ID is the primary identifier type for all gatekeeper entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
