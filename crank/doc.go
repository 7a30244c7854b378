// Package crank implements a bounded consumer of a shared event queue.
//
// Each execution drains at most Limit of the oldest queue entries into
// settlement operations and records every counterparty it has seen in the
// crank's OpenResources. That set grows without bound during normal flow;
// once it no longer fits inline, batches reference it through lookup
// tables. Only the explicit administrative [Reset] shrinks it.
package crank
