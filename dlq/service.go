package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/thread"
)

// replayLeaseTTL bounds how long a replay holds a thread's lease.
const replayLeaseTTL = 30 * time.Second

// Service provides high-level report operations over a Store.
type Service struct {
	store       Store
	threadStore thread.Store
}

// NewService creates a report service.
func NewService(store Store, threadStore thread.Store) *Service {
	return &Service{store: store, threadStore: threadStore}
}

// Push builds an Entry from a paused thread and persists it. The error
// string is captured from the failure that paused the thread.
func (s *Service) Push(ctx context.Context, t *thread.Thread, cause error) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		ID:         id.NewReportID(),
		ThreadID:   t.ID,
		ThreadName: t.Name,
		Authority:  t.Authority,
		Class:      tempo.Classify(cause),
		Error:      cause.Error(),
		RetryCount: t.RetryCount,
		FailedAt:   now,
		CreatedAt:  now,
	}
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Replay resumes the thread behind a report and resolves every open
// report for that thread. The resumed thread is returned.
func (s *Service) Replay(ctx context.Context, entryID id.ID) (*thread.Thread, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	// Hold the thread's lease so no scheduler writes over the resume.
	holder := id.NewWorkerID()
	acquired, err := s.threadStore.AcquireThreadLease(ctx, entry.ThreadID, holder, replayLeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, tempo.ErrThreadBusy
	}
	defer func() {
		_ = s.threadStore.ReleaseThreadLease(context.WithoutCancel(ctx), entry.ThreadID, holder)
	}()

	t, err := s.threadStore.GetThread(ctx, entry.ThreadID)
	if err != nil {
		return nil, err
	}
	t.LockedBy, t.LockedUntil = "", nil

	t.Paused = false
	t.PauseReason = ""
	t.RetryCount = 0
	t.NextAttemptAt = nil
	t.LastError = ""
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	if err := s.threadStore.UpdateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("tempo/dlq: resume %s: %w", t.Name, err)
	}

	if _, err := s.Resolve(ctx, t.ID); err != nil {
		return t, err
	}
	return t, nil
}

// Resolve marks every open report for threadID as replayed and returns
// how many were marked.
func (s *Service) Resolve(ctx context.Context, threadID id.ID) (int, error) {
	open, err := s.store.ListDLQ(ctx, ListOpts{ThreadID: threadID, OpenOnly: true})
	if err != nil {
		return 0, err
	}
	for _, e := range open {
		if err := s.store.ReplayDLQ(ctx, e.ID); err != nil {
			return 0, fmt.Errorf("tempo/dlq: resolve %s: %w", e.ID, err)
		}
	}
	return len(open), nil
}

// DLQStore returns the underlying store for direct access to List, Get,
// Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
