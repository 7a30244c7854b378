// Package executor defines the ledger collaborator the scheduler submits
// batches to.
//
// An [Executor] applies a [Batch] atomically or rejects it whole with a
// [*Rejection] whose [Code] maps to a failure class. Every batch carries
// an idempotency key; the executor must deduplicate by key so that a
// batch resubmitted after a lost acknowledgement is applied once.
// [Executor.History] lets a restarted scheduler discover whether a batch
// it submitted before crashing was committed.
//
// Package executor/memory provides a simulated ledger.
package executor
