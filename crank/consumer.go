package crank

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/queue"
)

// Prepared is a drain computed from a queue snapshot but not yet
// committed.
type Prepared struct {
	DrainResult
	source queue.Source
}

// Consumer drains a crank's queue for the scheduler. Prepare is pure with
// respect to stored state; Commit persists the crank and consumes the
// drained prefix once the batch carrying the settlements has committed.
type Consumer struct {
	store  Store
	queues queue.Provider
	logger *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(store Store, queues queue.Provider, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{store: store, queues: queues, logger: logger}
}

// Prepare loads the crank, peeks up to Limit entries and drains them.
// Until Commit runs, repeating Prepare yields the same result.
func (c *Consumer) Prepare(ctx context.Context, crankID id.ID) (*Prepared, error) {
	return c.prepare(ctx, crankID, 0)
}

// PrepareThrough is Prepare restricted to entries with Seq <= throughSeq.
// It rebuilds the drain of a batch that committed before its crank state
// was persisted; entries already consumed are simply absent.
func (c *Consumer) PrepareThrough(ctx context.Context, crankID id.ID, throughSeq uint64) (*Prepared, error) {
	return c.prepare(ctx, crankID, throughSeq)
}

func (c *Consumer) prepare(ctx context.Context, crankID id.ID, throughSeq uint64) (*Prepared, error) {
	state, err := c.store.GetCrank(ctx, crankID)
	if err != nil {
		return nil, fmt.Errorf("tempo/crank: load %s: %w", crankID, err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}

	src, err := c.queues.Queue(ctx, state.Queue)
	if err != nil {
		return nil, fmt.Errorf("tempo/crank: %s queue: %w", state.Name, err)
	}
	snapshot, err := src.Peek(ctx, int(state.Limit))
	if err != nil {
		return nil, fmt.Errorf("tempo/crank: %s peek: %w", state.Name, err)
	}
	if throughSeq > 0 {
		n := 0
		for n < len(snapshot) && snapshot[n].Seq <= throughSeq {
			n++
		}
		snapshot = snapshot[:n]
	}

	return &Prepared{DrainResult: Drain(state, snapshot), source: src}, nil
}

// Commit persists the drained crank state and then consumes the drained
// entries. A crash in between redrains the same entries, which adds no
// resources the first pass did not already add.
func (c *Consumer) Commit(ctx context.Context, p *Prepared) error {
	if p == nil || p.Drained == 0 {
		return nil
	}
	if err := c.store.UpdateCrank(ctx, p.State); err != nil {
		return fmt.Errorf("tempo/crank: persist %s: %w", p.State.Name, err)
	}
	if err := p.source.Consume(ctx, p.LastSeq); err != nil {
		return fmt.Errorf("tempo/crank: consume %s through %d: %w", p.State.Name, p.LastSeq, err)
	}
	c.logger.Debug("crank drained",
		slog.String("crank_id", p.State.ID.String()),
		slog.Int("drained", p.Drained),
		slog.Int("open_resources", len(p.State.OpenResources)),
	)
	return nil
}
