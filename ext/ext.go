package ext

import (
	"context"
	"time"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Thread lifecycle hooks
// ──────────────────────────────────────────────────

// ThreadCreated is called after an authority creates a thread.
type ThreadCreated interface {
	OnThreadCreated(ctx context.Context, t *thread.Thread) error
}

// ThreadExecuted is called after a thread's batch commits and its
// bookkeeping is recorded.
type ThreadExecuted interface {
	OnThreadExecuted(ctx context.Context, t *thread.Thread, c executor.Commit, elapsed time.Duration) error
}

// ThreadRetrying is called when an execution fails retryably and the
// thread backs off.
type ThreadRetrying interface {
	OnThreadRetrying(ctx context.Context, t *thread.Thread, attempt int, nextAttemptAt time.Time, err error) error
}

// ThreadPaused is called when a thread is paused, by a fatal failure, by
// its authority, or by an immediate trigger completing.
type ThreadPaused interface {
	OnThreadPaused(ctx context.Context, t *thread.Thread, reason string) error
}

// ThreadResumed is called when an authority resumes a paused thread.
type ThreadResumed interface {
	OnThreadResumed(ctx context.Context, t *thread.Thread) error
}

// ThreadClosed is called after a thread is closed and its balance
// returned.
type ThreadClosed interface {
	OnThreadClosed(ctx context.Context, t *thread.Thread, refund uint64) error
}

// ──────────────────────────────────────────────────
// Resource hooks
// ──────────────────────────────────────────────────

// TableExtended is called after handles are appended to a lookup table.
type TableExtended interface {
	OnTableExtended(ctx context.Context, t *lut.Table, added int) error
}

// CrankDrained is called after a crank's drained entries are committed.
type CrankDrained interface {
	OnCrankDrained(ctx context.Context, s *crank.State, drained int) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
