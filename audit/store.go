package audit

import (
	"context"
	"time"
)

// Store defines persistence operations for the ledger. There is no update
// operation: entries are immutable once appended.
type Store interface {
	// AppendAudit persists a new entry.
	AppendAudit(ctx context.Context, e *Entry) error

	// ListAudit returns entries matching the filter in time order.
	ListAudit(ctx context.Context, filter *Filter) ([]*Entry, error)

	// CountAudit returns the number of entries matching the filter,
	// ignoring Limit and Offset.
	CountAudit(ctx context.Context, filter *Filter) (int64, error)

	// PurgeAudit removes entries created before the given time.
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}
