// Package thread defines the scheduled task model and its persistence
// contract.
//
// A [Thread] belongs to an authority and is addressed by a handle derived
// from the authority and the thread name. Every execution runs the
// thread's operations, followed by crank settlement operations when a
// crank is attached, as one atomic batch. Version increments on each
// authority edit so the scheduler can detect that eligibility was computed
// against an older definition.
//
// Execution is serialized per thread by a lease with a TTL held in the
// [Store]; an expired lease may be taken over by another worker.
package thread
