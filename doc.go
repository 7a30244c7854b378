// Package tempo provides a deterministic, resource-bounded task scheduler
// and a bounded-batch queue consumer ("crank") for Go.
//
// A thread is the schedulable unit: an ordered list of operations, a
// funding balance, a trigger, and execution bookkeeping. The scheduler
// polls threads, evaluates their triggers, resolves the resources each
// batch needs (inline or compacted through lookup tables), and submits the
// batch atomically to an Executor. Cranks drain a shared event queue a
// fixed number of entries per firing, growing an append-only set of
// counterparty handles that eventually forces table compaction.
//
// # Quick Start
//
//	cfg := tempo.DefaultConfig().Apply(tempo.WithConcurrency(8), tempo.WithInlineLimit(32))
//	eng, err := engine.Build(memStore, ledger, chain.NewSystemClock(time.Now(), 400*time.Millisecond),
//	    engine.WithConfig(cfg),
//	)
//	if err != nil { ... }
//	_ = eng.Start(ctx)
//
// # Architecture
//
// Each subsystem (thread, lut, crank, dlq) defines its own store
// interface and a single backend implements all of them. The root package
// holds only shared types: Entity, the error taxonomy, and Config.
//
// Operators inspect a running engine through package api (REST) or
// package wire (WebSocket, SSE, RPC) and its Go client, and follow
// lifecycle events through package stream.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package tempo
