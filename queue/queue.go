package queue

import (
	"context"
	"errors"

	"github.com/xraph/tempo/resource"
)

// ErrQueueNotFound is returned by a Provider for an unknown queue handle.
var ErrQueueNotFound = errors.New("tempo/queue: queue not found")

// Entry is one event awaiting consumption. Sequence numbers strictly
// increase in append order.
type Entry struct {
	Seq          uint64          `json:"seq"`
	Counterparty resource.Handle `json:"counterparty"`
	Payload      []byte          `json:"payload,omitempty"`
}

// Source is the consuming side of an append-only event queue.
type Source interface {
	// Peek returns up to n of the oldest entries without removing them.
	Peek(ctx context.Context, n int) ([]Entry, error)

	// Len returns the number of entries awaiting consumption.
	Len(ctx context.Context) (int, error)

	// Consume removes every entry with Seq <= throughSeq. Consuming an
	// already-consumed prefix is a no-op.
	Consume(ctx context.Context, throughSeq uint64) error
}

// Queue is a Source that can also be appended to.
type Queue interface {
	Source

	// Append adds an entry at the tail and returns it with its sequence
	// number.
	Append(ctx context.Context, counterparty resource.Handle, payload []byte) (Entry, error)
}

// Provider maps a queue handle to its Queue.
type Provider interface {
	Queue(ctx context.Context, handle resource.Handle) (Queue, error)
}
