package dlq_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/store/memory"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

func newPausedThread(t *testing.T, s *memory.Store, name string) *thread.Thread {
	t.Helper()
	th := thread.New(resource.Derive("alice"), name, trigger.NewCron("@hourly", false),
		[]thread.Operation{{Program: resource.Derive("p")}}, 10, 100)
	th.Paused = true
	th.PauseReason = "insufficient balance"
	th.RetryCount = 2
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func TestService_Push_BuildsEntryFromThread(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, s)
	ctx := context.Background()

	th := newPausedThread(t, s, "payroll")
	cause := fmt.Errorf("pre-check: %w", tempo.ErrInsufficientBalance)

	entry, err := svc.Push(ctx, th, cause)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 report, got %d", len(entries))
	}

	got := entries[0]
	if got.ID.String() != entry.ID.String() {
		t.Errorf("ID = %v, want %v", got.ID, entry.ID)
	}
	if got.ThreadID.String() != th.ID.String() {
		t.Errorf("ThreadID = %v, want %v", got.ThreadID, th.ID)
	}
	if got.ThreadName != "payroll" {
		t.Errorf("ThreadName = %q, want %q", got.ThreadName, "payroll")
	}
	if got.Authority != th.Authority {
		t.Error("Authority not copied")
	}
	if got.Class != tempo.ClassFatal {
		t.Errorf("Class = %q, want %q", got.Class, tempo.ClassFatal)
	}
	if got.Error != cause.Error() {
		t.Errorf("Error = %q, want %q", got.Error, cause.Error())
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if got.FailedAt.IsZero() {
		t.Error("expected FailedAt to be set")
	}
	if !got.Open() {
		t.Error("new report should be open")
	}
}

func TestService_Replay_ResumesThread(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, s)
	ctx := context.Background()

	th := newPausedThread(t, s, "resume-me")
	entry, err := svc.Push(ctx, th, tempo.ErrAuthorityRevoked)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	// A second report for the same thread is resolved along with the first.
	if _, err := svc.Push(ctx, th, tempo.ErrAuthorityRevoked); err != nil {
		t.Fatalf("Push: %v", err)
	}

	resumed, err := svc.Replay(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if resumed.Paused || resumed.PauseReason != "" {
		t.Errorf("thread still paused: %v %q", resumed.Paused, resumed.PauseReason)
	}
	if resumed.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", resumed.RetryCount)
	}
	if resumed.Version != th.Version+1 {
		t.Errorf("Version = %d, want %d", resumed.Version, th.Version+1)
	}

	stored, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if stored.Paused {
		t.Error("stored thread still paused")
	}

	open, err := s.ListDLQ(ctx, dlq.ListOpts{ThreadID: th.ID, OpenOnly: true})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open reports, got %d", len(open))
	}
}

func TestService_Replay_BusyThread(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, s)
	ctx := context.Background()

	th := newPausedThread(t, s, "busy")
	entry, _ := svc.Push(ctx, th, tempo.ErrMalformed)

	if ok, err := s.AcquireThreadLease(ctx, th.ID, id.NewWorkerID(), time.Minute); err != nil || !ok {
		t.Fatalf("AcquireThreadLease: %v %v", ok, err)
	}

	if _, err := svc.Replay(ctx, entry.ID); !errors.Is(err, tempo.ErrThreadBusy) {
		t.Fatalf("Replay error = %v, want ErrThreadBusy", err)
	}
}

func TestService_Replay_NotFoundReturnsError(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, s)

	_, err := svc.Replay(context.Background(), id.NewReportID())
	if !errors.Is(err, tempo.ErrReportNotFound) {
		t.Fatalf("expected ErrReportNotFound, got %v", err)
	}
}
