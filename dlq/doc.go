// Package dlq records failure reports for threads the scheduler paused
// after a fatal failure. A report is the out-of-band notice to the
// thread's authority; it is never dropped silently.
//
// When an execution fails with a fatal class, the scheduler pauses the
// thread and calls [Service.Push]. The failure class, error message and
// retry count at the time of failure are preserved.
//
// # Entry
//
// An [Entry] captures:
//   - ThreadID / ThreadName / Authority: the paused thread
//   - Class: the failure class that caused the pause
//   - Error: the final error message
//   - RetryCount: retries spent before the fatal failure
//   - FailedAt: when the thread was paused
//   - ReplayedAt: set once the thread was resumed (nil while open)
//
// # Replay
//
// Replaying a report resumes its thread: the pause is lifted, the retry
// counter reset, and every open report for the thread is marked replayed.
//
//	svc := dlq.NewService(store, store)
//	t, err := svc.Replay(ctx, entryID)
package dlq
