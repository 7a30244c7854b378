// Package memory provides a simulated ledger implementing
// executor.Executor. It enforces the inline handle limit and lookup-table
// warm-up, deduplicates by idempotency key, and records observable effects
// so tests can compare ledger state.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/xraph/tempo/chain"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
)

var _ executor.Executor = (*Ledger)(nil)

// State is the observable effect of every applied batch.
type State struct {
	// Commits is the number of distinct batches applied.
	Commits int
	// Writes counts operations writing each account.
	Writes map[resource.Handle]uint64
	// Fees totals the fees charged per payer.
	Fees map[resource.Handle]uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithInlineLimit sets the most handles a batch may carry inline.
func WithInlineLimit(k int) Option {
	return func(l *Ledger) { l.inlineLimit = k }
}

// WithTables lets the ledger check table references against a store,
// treating a table as usable warmup epochs after its last extension.
func WithTables(tables lut.Store, warmup uint64) Option {
	return func(l *Ledger) {
		l.tables = tables
		l.warmup = warmup
	}
}

// Ledger is an in-memory executor. Safe for concurrent use.
type Ledger struct {
	clock       chain.Clock
	inlineLimit int
	tables      lut.Store
	warmup      uint64

	mu       sync.Mutex
	byKey    map[string]executor.Commit
	history  []executor.Commit
	state    State
	failures []func(*executor.Batch) error
	submits  int
}

// New creates an empty Ledger reading time and epochs from clock.
func New(clock chain.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		clock:       clock,
		inlineLimit: 32,
		byKey:       make(map[string]executor.Commit),
		state: State{
			Writes: make(map[resource.Handle]uint64),
			Fees:   make(map[resource.Handle]uint64),
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailNext makes the next Submit that is not a duplicate return err
// without applying anything.
func (l *Ledger) FailNext(err error) {
	l.FailWith(func(*executor.Batch) error { return err })
}

// FailWith queues a check run against the next non-duplicate Submit; a
// non-nil result rejects the batch.
func (l *Ledger) FailWith(fn func(*executor.Batch) error) {
	l.mu.Lock()
	l.failures = append(l.failures, fn)
	l.mu.Unlock()
}

// Submit implements executor.Executor.
func (l *Ledger) Submit(ctx context.Context, b *executor.Batch) (executor.Commit, error) {
	if err := ctx.Err(); err != nil {
		return executor.Commit{}, executor.Reject(executor.CodeUnavailable, "%v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++

	if b.Key != "" {
		if c, ok := l.byKey[b.Key]; ok {
			return c, nil
		}
	}

	if len(l.failures) > 0 {
		fn := l.failures[0]
		l.failures = l.failures[1:]
		if err := fn(b); err != nil {
			return executor.Commit{}, err
		}
	}

	if err := l.check(ctx, b); err != nil {
		return executor.Commit{}, err
	}

	c := executor.Commit{
		ID:         id.NewCommitID(),
		Key:        b.Key,
		ThreadID:   b.ThreadID,
		Payer:      b.Payer,
		Epoch:      l.clock.Epoch(),
		At:         l.clock.Now(),
		Operations: len(b.Operations),
		Resources:  b.Handles(),
	}
	l.apply(b)
	l.history = append(l.history, c)
	if b.Key != "" {
		l.byKey[b.Key] = c
	}
	return c, nil
}

// check validates the handle representation of b. Callers hold l.mu.
func (l *Ledger) check(ctx context.Context, b *executor.Batch) error {
	if len(b.Operations) == 0 {
		return executor.Reject(executor.CodeInvalid, "empty batch")
	}
	res := b.Resolution
	if len(res.Inline) > l.inlineLimit {
		return executor.Reject(executor.CodeTooLarge, "%d inline handles exceed %d", len(res.Inline), l.inlineLimit)
	}

	carried := resource.NewSet(res.Inline...)
	epoch := l.clock.Epoch()
	for _, ref := range res.Tables {
		if l.tables == nil {
			return executor.Reject(executor.CodeInvalid, "table references unsupported")
		}
		t, err := l.tables.GetTable(ctx, ref.TableID)
		if err != nil {
			return executor.Reject(executor.CodeInvalid, "table %s: %v", ref.TableID, err)
		}
		if t.Deactivated {
			return executor.Reject(executor.CodeInvalid, "table %s deactivated", ref.TableID)
		}
		if !t.IsWarm(epoch, l.warmup) {
			return executor.Reject(executor.CodeTableNotReady, "table %s ready at epoch %d, now %d", ref.TableID, t.ReadyEpoch(l.warmup), epoch)
		}
		for _, ix := range ref.Indexes {
			if int(ix) >= len(t.Members) {
				return executor.Reject(executor.CodeInvalid, "table %s index %d out of range", ref.TableID, ix)
			}
			carried.Add(t.Members[ix])
		}
	}

	for i, op := range b.Operations {
		for _, h := range op.Handles() {
			if !carried.Contains(h) {
				return &executor.Rejection{Code: executor.CodeInvalid, Operation: i, Message: "handle " + h.Short() + " not carried by batch"}
			}
		}
	}
	return nil
}

// apply records the effects of b. Callers hold l.mu.
func (l *Ledger) apply(b *executor.Batch) {
	l.state.Commits++
	l.state.Fees[b.Payer] += b.Fee
	for _, op := range b.Operations {
		for _, a := range op.Accounts {
			if a.Writable {
				l.state.Writes[a.Handle]++
			}
		}
	}
}

// History implements executor.Executor.
func (l *Ledger) History(_ context.Context, addr resource.Handle) ([]executor.Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []executor.Commit
	for _, c := range l.history {
		if c.Payer == addr || touches(c, addr) {
			out = append(out, c)
		}
	}
	return out, nil
}

func touches(c executor.Commit, addr resource.Handle) bool {
	for _, h := range c.Resources {
		if h == addr {
			return true
		}
	}
	return false
}

// State returns a copy of the ledger's observable state.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Commits: l.state.Commits,
		Writes:  maps.Clone(l.state.Writes),
		Fees:    maps.Clone(l.state.Fees),
	}
}

// Commits returns every commit in order.
func (l *Ledger) Commits() []executor.Commit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]executor.Commit(nil), l.history...)
}

// Submissions returns how many times Submit was called, duplicates
// included.
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}
