package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/gatekeeper/audit"
)

// AuditPage is one page of ledger entries.
type AuditPage struct {
	Entries []*audit.Entry `json:"entries"`
	Total   int64          `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
}

// QueryAudit returns ledger entries matching filter in time order, with
// the total count of matches.
func (e *Engine) QueryAudit(ctx context.Context, filter *audit.Filter) (*AuditPage, error) {
	if filter == nil {
		filter = &audit.Filter{}
	}
	entries, err := e.store.ListAudit(ctx, filter)
	if err != nil {
		return nil, translate(err)
	}
	total, err := e.store.CountAudit(ctx, filter)
	if err != nil {
		return nil, translate(err)
	}
	return &AuditPage{
		Entries: entries,
		Total:   total,
		Offset:  filter.Offset,
		Limit:   filter.Limit,
	}, nil
}

// AuditArchiver receives ledger entries before a purge deletes them.
type AuditArchiver interface {
	ArchiveAudit(ctx context.Context, entries []*audit.Entry) error
}

// archiveBatch is the page size used when copying entries to the archiver.
const archiveBatch = 500

// PurgeAudit removes ledger entries created before the cutoff under a
// retention policy. With an archiver configured the entries are copied
// out first and nothing is deleted unless every page was archived. The
// purge is logged, not recorded in the ledger.
func (e *Engine) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	if e.archiver != nil {
		if err := e.archiveBefore(ctx, before); err != nil {
			return 0, err
		}
	}
	n, err := e.store.PurgeAudit(ctx, before)
	if err != nil {
		return 0, translate(err)
	}
	actorID, _ := actorFromContext(ctx)
	e.logger.Info("gatekeeper: audit purged",
		slog.Time("before", before),
		slog.Int64("removed", n),
		slog.String("actor_id", actorID),
	)
	return n, nil
}

func (e *Engine) archiveBefore(ctx context.Context, before time.Time) error {
	for offset := 0; ; offset += archiveBatch {
		entries, err := e.store.ListAudit(ctx, &audit.Filter{
			Before: &before,
			Limit:  archiveBatch,
			Offset: offset,
		})
		if err != nil {
			return translate(err)
		}
		if len(entries) == 0 {
			return nil
		}
		if err := e.archiver.ArchiveAudit(ctx, entries); err != nil {
			return fmt.Errorf("%w: archive audit: %w", ErrStorageUnavailable, err)
		}
		if len(entries) < archiveBatch {
			return nil
		}
	}
}
