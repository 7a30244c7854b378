package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// collect appends e to hooks when it implements H.
func collect[H any](hooks []entry[H], name string, e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(hooks, entry[H]{name: name, hook: h})
	}
	return hooks
}

// Registry holds registered extensions and fans lifecycle events out to
// them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register is not safe to call concurrently with the emitters; register
// every extension before starting the scheduler.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	threadCreated  []entry[ThreadCreated]
	threadExecuted []entry[ThreadExecuted]
	threadRetrying []entry[ThreadRetrying]
	threadPaused   []entry[ThreadPaused]
	threadResumed  []entry[ThreadResumed]
	threadClosed   []entry[ThreadClosed]
	tableExtended  []entry[TableExtended]
	crankDrained   []entry[CrankDrained]
	shutdown       []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and caches it under every hook it
// implements. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.threadCreated = collect(r.threadCreated, name, e)
	r.threadExecuted = collect(r.threadExecuted, name, e)
	r.threadRetrying = collect(r.threadRetrying, name, e)
	r.threadPaused = collect(r.threadPaused, name, e)
	r.threadResumed = collect(r.threadResumed, name, e)
	r.threadClosed = collect(r.threadClosed, name, e)
	r.tableExtended = collect(r.tableExtended, name, e)
	r.crankDrained = collect(r.crankDrained, name, e)
	r.shutdown = collect(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Thread event emitters
// ──────────────────────────────────────────────────

// EmitThreadCreated notifies all extensions that implement ThreadCreated.
func (r *Registry) EmitThreadCreated(ctx context.Context, t *thread.Thread) {
	for _, e := range r.threadCreated {
		if err := e.hook.OnThreadCreated(ctx, t); err != nil {
			r.logHookError("OnThreadCreated", e.name, err)
		}
	}
}

// EmitThreadExecuted notifies all extensions that implement ThreadExecuted.
func (r *Registry) EmitThreadExecuted(ctx context.Context, t *thread.Thread, c executor.Commit, elapsed time.Duration) {
	for _, e := range r.threadExecuted {
		if err := e.hook.OnThreadExecuted(ctx, t, c, elapsed); err != nil {
			r.logHookError("OnThreadExecuted", e.name, err)
		}
	}
}

// EmitThreadRetrying notifies all extensions that implement ThreadRetrying.
func (r *Registry) EmitThreadRetrying(ctx context.Context, t *thread.Thread, attempt int, nextAttemptAt time.Time, cause error) {
	for _, e := range r.threadRetrying {
		if err := e.hook.OnThreadRetrying(ctx, t, attempt, nextAttemptAt, cause); err != nil {
			r.logHookError("OnThreadRetrying", e.name, err)
		}
	}
}

// EmitThreadPaused notifies all extensions that implement ThreadPaused.
func (r *Registry) EmitThreadPaused(ctx context.Context, t *thread.Thread, reason string) {
	for _, e := range r.threadPaused {
		if err := e.hook.OnThreadPaused(ctx, t, reason); err != nil {
			r.logHookError("OnThreadPaused", e.name, err)
		}
	}
}

// EmitThreadResumed notifies all extensions that implement ThreadResumed.
func (r *Registry) EmitThreadResumed(ctx context.Context, t *thread.Thread) {
	for _, e := range r.threadResumed {
		if err := e.hook.OnThreadResumed(ctx, t); err != nil {
			r.logHookError("OnThreadResumed", e.name, err)
		}
	}
}

// EmitThreadClosed notifies all extensions that implement ThreadClosed.
func (r *Registry) EmitThreadClosed(ctx context.Context, t *thread.Thread, refund uint64) {
	for _, e := range r.threadClosed {
		if err := e.hook.OnThreadClosed(ctx, t, refund); err != nil {
			r.logHookError("OnThreadClosed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Resource event emitters
// ──────────────────────────────────────────────────

// EmitTableExtended notifies all extensions that implement TableExtended.
func (r *Registry) EmitTableExtended(ctx context.Context, t *lut.Table, added int) {
	for _, e := range r.tableExtended {
		if err := e.hook.OnTableExtended(ctx, t, added); err != nil {
			r.logHookError("OnTableExtended", e.name, err)
		}
	}
}

// EmitCrankDrained notifies all extensions that implement CrankDrained.
func (r *Registry) EmitCrankDrained(ctx context.Context, s *crank.State, drained int) {
	for _, e := range r.crankDrained {
		if err := e.hook.OnCrankDrained(ctx, s, drained); err != nil {
			r.logHookError("OnCrankDrained", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
