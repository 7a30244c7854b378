// Package audithook is a tempo extension that bridges lifecycle events to
// an append-only audit trail.
//
// Every thread, lookup table and crank hook emits a structured audit event
// through the [Recorder] interface. Severity follows the outcome: info for
// executions and authority edits, warning for retries, critical for
// threads paused by a fatal failure.
//
// # Usage
//
//	eng, _ := engine.Build(st, exec, clock,
//	    engine.WithExtension(audithook.New(audithook.RecorderFunc(
//	        func(ctx context.Context, evt *audithook.AuditEvent) error {
//	            return trail.Append(ctx, evt)
//	        },
//	    ))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionThreadPaused,
//	        audithook.ActionThreadClosed,
//	    ),
//	)
package audithook
