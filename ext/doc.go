// Package ext defines the extension system for tempo.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, alerting an authority, or writing audit logs. Each
// hook is a separate interface so extensions opt in only to the events
// they care about.
//
// # Implementing an Extension
//
//	type Alerts struct{}
//
//	func (a *Alerts) Name() string { return "alerts" }
//
//	func (a *Alerts) OnThreadPaused(ctx context.Context, t *thread.Thread, reason string) error {
//	    return notify(t.Authority, reason)
//	}
//
// # Thread Hooks
//
//   - [ThreadCreated]
//   - [ThreadExecuted]: a batch committed
//   - [ThreadRetrying]: a retryable failure, with the next attempt time
//   - [ThreadPaused]: fatal failure, authority pause, or immediate trigger done
//   - [ThreadResumed]
//   - [ThreadClosed]
//
// # Resource Hooks
//
//   - [TableExtended]
//   - [CrankDrained]
//
// [Shutdown] fires during graceful shutdown. The [Registry] fans each
// event out to every registered extension implementing the hook.
package ext
