package dlq

import (
	"context"
	"time"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// ListOpts controls pagination and filtering for report list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// ThreadID filters by thread. Nil means all threads.
	ThreadID id.ID
	// Authority filters by thread authority. Zero means all authorities.
	Authority resource.Handle
	// OpenOnly excludes replayed entries.
	OpenOnly bool
}

// Store defines the persistence contract for failure reports.
type Store interface {
	// PushDLQ adds a failure report.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns reports matching the given options, oldest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ retrieves a report by ID.
	GetDLQ(ctx context.Context, entryID id.ID) (*Entry, error)

	// ReplayDLQ marks a report as replayed. Resuming the thread is
	// handled at the service layer.
	ReplayDLQ(ctx context.Context, entryID id.ID) error

	// PurgeDLQ removes reports with FailedAt before the given time.
	// Returns the number of entries removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the total number of reports.
	CountDLQ(ctx context.Context) (int64, error)
}
