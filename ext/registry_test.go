package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnThreadCreated(_ context.Context, _ *thread.Thread) error {
	e.calls = append(e.calls, "OnThreadCreated")
	return nil
}

func (e *allHooksExt) OnThreadExecuted(_ context.Context, _ *thread.Thread, _ executor.Commit, _ time.Duration) error {
	e.calls = append(e.calls, "OnThreadExecuted")
	return nil
}

func (e *allHooksExt) OnThreadRetrying(_ context.Context, _ *thread.Thread, _ int, _ time.Time, _ error) error {
	e.calls = append(e.calls, "OnThreadRetrying")
	return nil
}

func (e *allHooksExt) OnThreadPaused(_ context.Context, _ *thread.Thread, _ string) error {
	e.calls = append(e.calls, "OnThreadPaused")
	return nil
}

func (e *allHooksExt) OnThreadResumed(_ context.Context, _ *thread.Thread) error {
	e.calls = append(e.calls, "OnThreadResumed")
	return nil
}

func (e *allHooksExt) OnThreadClosed(_ context.Context, _ *thread.Thread, _ uint64) error {
	e.calls = append(e.calls, "OnThreadClosed")
	return nil
}

func (e *allHooksExt) OnTableExtended(_ context.Context, _ *lut.Table, _ int) error {
	e.calls = append(e.calls, "OnTableExtended")
	return nil
}

func (e *allHooksExt) OnCrankDrained(_ context.Context, _ *crank.State, _ int) error {
	e.calls = append(e.calls, "OnCrankDrained")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// pauseOnlyExt only watches pauses.
type pauseOnlyExt struct {
	calls []string
}

func (e *pauseOnlyExt) Name() string { return "pause-only" }

func (e *pauseOnlyExt) OnThreadPaused(_ context.Context, _ *thread.Thread, reason string) error {
	e.calls = append(e.calls, reason)
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnThreadPaused(_ context.Context, _ *thread.Thread, _ string) error {
	return errors.New("boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_Register(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	po := &pauseOnlyExt{}
	r.Register(all)
	r.Register(po)

	ctx := context.Background()
	th := &thread.Thread{Name: "t"}

	r.EmitThreadPaused(ctx, th, "fatal")
	if len(all.calls) != 1 || len(po.calls) != 1 || po.calls[0] != "fatal" {
		t.Fatalf("all=%v pause-only=%v", all.calls, po.calls)
	}

	r.EmitThreadResumed(ctx, th)
	if len(all.calls) != 2 || all.calls[1] != "OnThreadResumed" {
		t.Fatalf("all: expected OnThreadResumed as 2nd, got %v", all.calls)
	}
	if len(po.calls) != 1 {
		t.Fatalf("pause-only: should still have 1 call, got %v", po.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	th := &thread.Thread{Name: "t"}

	r.EmitThreadCreated(ctx, th)
	r.EmitThreadExecuted(ctx, th, executor.Commit{}, time.Second)
	r.EmitThreadRetrying(ctx, th, 1, time.Now(), errors.New("flaky"))
	r.EmitThreadPaused(ctx, th, "fatal")
	r.EmitThreadResumed(ctx, th)
	r.EmitThreadClosed(ctx, th, 10)
	r.EmitTableExtended(ctx, &lut.Table{}, 3)
	r.EmitCrankDrained(ctx, &crank.State{}, 5)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnThreadCreated", "OnThreadExecuted", "OnThreadRetrying",
		"OnThreadPaused", "OnThreadResumed", "OnThreadClosed",
		"OnTableExtended", "OnCrankDrained", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(&failingExt{})
	r.Register(all)

	r.EmitThreadPaused(context.Background(), &thread.Thread{}, "fatal")

	if len(all.calls) != 1 || all.calls[0] != "OnThreadPaused" {
		t.Fatalf("all: expected [OnThreadPaused] despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()

	r.EmitThreadCreated(ctx, &thread.Thread{})
	r.EmitThreadExecuted(ctx, &thread.Thread{}, executor.Commit{}, time.Second)
	r.EmitThreadRetrying(ctx, &thread.Thread{}, 1, time.Now(), errors.New("x"))
	r.EmitThreadPaused(ctx, &thread.Thread{}, "x")
	r.EmitThreadResumed(ctx, &thread.Thread{})
	r.EmitThreadClosed(ctx, &thread.Thread{}, 0)
	r.EmitTableExtended(ctx, &lut.Table{}, 0)
	r.EmitCrankDrained(ctx, &crank.State{}, 0)
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	var order []string
	first := &recordingExt{name: "first", order: &order}
	second := &recordingExt{name: "second", order: &order}
	r.Register(first)
	r.Register(second)

	r.EmitShutdown(context.Background())

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

type recordingExt struct {
	name  string
	order *[]string
}

func (e *recordingExt) Name() string { return e.name }

func (e *recordingExt) OnShutdown(_ context.Context) error {
	*e.order = append(*e.order, e.name)
	return nil
}
