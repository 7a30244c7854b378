package crank

import (
	"github.com/xraph/tempo/queue"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// DrainResult is the outcome of one bounded drain.
type DrainResult struct {
	// Operations holds one settlement per drained entry, oldest first.
	Operations []thread.Operation
	// State is the crank after the drain; the input is not modified.
	State *State
	// Drained is the number of entries taken.
	Drained int
	// LastSeq is the sequence number of the last drained entry, or zero.
	LastSeq uint64
	// Added lists counterparties newly appended to OpenResources.
	Added []resource.Handle
}

// Drain takes at most state.Limit of the oldest entries from snapshot,
// appends unseen counterparties to OpenResources and emits a settlement
// per entry. Every settlement carries the whole OpenResources set, so the
// batch grows with it. An empty snapshot yields no operations.
func Drain(state *State, snapshot []queue.Entry) DrainResult {
	next := state.Clone()
	n := min(len(snapshot), int(state.Limit))
	if n == 0 {
		return DrainResult{State: next}
	}

	open := resource.NewSet(next.OpenResources...)
	res := DrainResult{State: next, Operations: make([]thread.Operation, 0, n)}
	for _, e := range snapshot[:n] {
		if open.Add(e.Counterparty) > 0 {
			res.Added = append(res.Added, e.Counterparty)
		}
		res.LastSeq = e.Seq
	}
	next.OpenResources = open.Handles()
	for _, e := range snapshot[:n] {
		res.Operations = append(res.Operations, next.settlement(e.Seq, e.Counterparty))
	}
	res.Drained = n
	return res
}
