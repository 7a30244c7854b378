package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Compile-time interface checks.
var (
	_ ext.Extension      = (*Extension)(nil)
	_ ext.ThreadCreated  = (*Extension)(nil)
	_ ext.ThreadExecuted = (*Extension)(nil)
	_ ext.ThreadRetrying = (*Extension)(nil)
	_ ext.ThreadPaused   = (*Extension)(nil)
	_ ext.ThreadResumed  = (*Extension)(nil)
	_ ext.ThreadClosed   = (*Extension)(nil)
	_ ext.TableExtended  = (*Extension)(nil)
	_ ext.CrankDrained   = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Authority  string         `json:"authority,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges tempo lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Thread lifecycle hooks ──────────────────────────

// OnThreadCreated implements ext.ThreadCreated.
func (e *Extension) OnThreadCreated(ctx context.Context, t *thread.Thread) error {
	return e.recordThread(ctx, ActionThreadCreated, SeverityInfo, OutcomeSuccess, t, nil,
		"thread_name", t.Name,
		"trigger", t.Trigger.String(),
		"balance", t.Balance,
		"fee", t.Fee,
	)
}

// OnThreadExecuted implements ext.ThreadExecuted.
func (e *Extension) OnThreadExecuted(ctx context.Context, t *thread.Thread, c executor.Commit, elapsed time.Duration) error {
	return e.recordThread(ctx, ActionThreadExecuted, SeverityInfo, OutcomeSuccess, t, nil,
		"thread_name", t.Name,
		"commit_id", c.ID.String(),
		"epoch", c.Epoch,
		"exec_count", t.ExecCount,
		"balance", t.Balance,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnThreadRetrying implements ext.ThreadRetrying.
func (e *Extension) OnThreadRetrying(ctx context.Context, t *thread.Thread, attempt int, nextAttemptAt time.Time, cause error) error {
	return e.recordThread(ctx, ActionThreadRetrying, SeverityWarning, OutcomeFailure, t, cause,
		"thread_name", t.Name,
		"attempt", attempt,
		"next_attempt_at", nextAttemptAt.Format(time.RFC3339),
	)
}

// OnThreadPaused implements ext.ThreadPaused. Pauses the authority asked
// for, or that end a completed immediate trigger, are routine; anything
// else is a failure.
func (e *Extension) OnThreadPaused(ctx context.Context, t *thread.Thread, reason string) error {
	severity, outcome := SeverityCritical, OutcomeFailure
	var cause error
	switch reason {
	case thread.PauseByAuthority, thread.PauseImmediateDone:
		severity, outcome = SeverityInfo, OutcomeSuccess
	default:
		cause = errors.New(reason)
	}
	return e.recordThread(ctx, ActionThreadPaused, severity, outcome, t, cause,
		"thread_name", t.Name,
		"pause_reason", reason,
		"retry_count", t.RetryCount,
	)
}

// OnThreadResumed implements ext.ThreadResumed.
func (e *Extension) OnThreadResumed(ctx context.Context, t *thread.Thread) error {
	return e.recordThread(ctx, ActionThreadResumed, SeverityInfo, OutcomeSuccess, t, nil,
		"thread_name", t.Name,
		"version", t.Version,
	)
}

// OnThreadClosed implements ext.ThreadClosed.
func (e *Extension) OnThreadClosed(ctx context.Context, t *thread.Thread, refund uint64) error {
	return e.recordThread(ctx, ActionThreadClosed, SeverityInfo, OutcomeSuccess, t, nil,
		"thread_name", t.Name,
		"exec_count", t.ExecCount,
		"refund", refund,
	)
}

// ── Table and crank hooks ───────────────────────────

// OnTableExtended implements ext.TableExtended.
func (e *Extension) OnTableExtended(ctx context.Context, t *lut.Table, added int) error {
	return e.record(ctx, ActionTableExtended, SeverityInfo, OutcomeSuccess,
		ResourceTable, t.ID.String(), t.Authority.String(), CategoryTable, nil,
		"added", added,
		"members", len(t.Members),
		"epoch", t.LastExtendedEpoch,
	)
}

// OnCrankDrained implements ext.CrankDrained.
func (e *Extension) OnCrankDrained(ctx context.Context, s *crank.State, drained int) error {
	return e.record(ctx, ActionCrankDrained, SeverityInfo, OutcomeSuccess,
		ResourceCrank, s.ID.String(), s.Authority.String(), CategoryCrank, nil,
		"crank_name", s.Name,
		"drained", drained,
		"open_resources", len(s.OpenResources),
	)
}

// ── Internal helpers ────────────────────────────────

func (e *Extension) recordThread(
	ctx context.Context,
	action, severity, outcome string,
	t *thread.Thread,
	err error,
	kvPairs ...any,
) error {
	return e.record(ctx, action, severity, outcome,
		ResourceThread, t.ID.String(), t.Authority.String(), CategoryThread, err, kvPairs...)
}

// record builds and sends an audit event if the action is enabled.
// kvPairs become Metadata. Recorder failures are logged, never returned.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, authority, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Authority:  authority,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
