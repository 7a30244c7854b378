// Package scheduler runs threads whose triggers have fired.
//
// Each [Scheduler.Poll] lists the threads due at the poll's instant and
// evaluates them concurrently, bounded by Config.Concurrency. A thread is
// handled under its execution lease: its trigger is evaluated, its batch is
// assembled (static operations followed by any crank settlements), handles
// are resolved inline or through lookup tables, and the batch is submitted
// through the middleware chain under an idempotency key.
//
// Bookkeeping is recorded only after the executor commits. The key is
// persisted on the thread before submission, so a worker that dies between
// commit and bookkeeping leaves a pending key that the next poll resolves
// against the executor's history instead of resubmitting.
//
// Failures are classified with tempo.Classify. Retryable failures back off
// and keep the thread unpaused; stale triggers are simply re-evaluated on
// the next poll; fatal failures pause the thread and file a dlq report for
// its authority.
package scheduler
