package thread

import (
	"context"
	"time"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// ListOpts controls filtering for thread list queries.
type ListOpts struct {
	// Authority filters by owner. Zero means all authorities.
	Authority resource.Handle
	// IncludePaused includes paused threads.
	IncludePaused bool
	// Limit is the maximum number of threads to return. Zero means no limit.
	Limit int
}

// Store defines the persistence contract for threads.
type Store interface {
	// CreateThread persists a new thread. Returns
	// tempo.ErrThreadAlreadyExists if the ID or the (authority, name) pair
	// is taken.
	CreateThread(ctx context.Context, t *Thread) error

	// GetThread retrieves a thread by ID.
	GetThread(ctx context.Context, threadID id.ID) (*Thread, error)

	// GetThreadByName retrieves a thread by its authority-unique name.
	GetThreadByName(ctx context.Context, authority resource.Handle, name string) (*Thread, error)

	// UpdateThread persists changes to an existing thread. Lease fields are
	// owned by AcquireThreadLease and ReleaseThreadLease and are not
	// written.
	UpdateThread(ctx context.Context, t *Thread) error

	// DeleteThread removes a thread by ID.
	DeleteThread(ctx context.Context, threadID id.ID) error

	// ListThreads returns threads matching opts, oldest first.
	ListThreads(ctx context.Context, opts ListOpts) ([]*Thread, error)

	// ListDueThreads returns unpaused threads whose NextAttemptAt is unset
	// or not after now, oldest first.
	ListDueThreads(ctx context.Context, now time.Time, limit int) ([]*Thread, error)

	// AcquireThreadLease attempts to take the per-thread execution lease.
	// Returns true if acquired. An expired lease may be taken over.
	AcquireThreadLease(ctx context.Context, threadID id.ID, workerID id.ID, ttl time.Duration) (bool, error)

	// ReleaseThreadLease releases the lease if workerID holds it.
	ReleaseThreadLease(ctx context.Context, threadID id.ID, workerID id.ID) error
}
