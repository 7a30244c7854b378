package executor

import (
	"context"
	"time"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// Batch is an ordered list of operations committed atomically or rejected
// whole.
type Batch struct {
	// Key identifies the logical execution. Resubmitting a committed key
	// returns the original commit without applying anything.
	Key        string `json:"key"`
	ThreadID   id.ID  `json:"thread_id"`
	ThreadName string `json:"thread_name"`
	// Attempt counts consecutive retries of this execution, zero on the
	// first try.
	Attempt    int                `json:"attempt"`
	Payer      resource.Handle    `json:"payer"`
	Authority  resource.Handle    `json:"authority"`
	Operations []thread.Operation `json:"operations"`
	Resolution lut.Resolution     `json:"resolution"`
	Fee        uint64             `json:"fee"`
	Epoch      uint64             `json:"epoch"`
	Tick       time.Time          `json:"tick"`
}

// Handles returns the unique handles the operations reference.
func (b *Batch) Handles() []resource.Handle {
	set := resource.NewSet()
	for _, op := range b.Operations {
		set.Add(op.Handles()...)
	}
	return set.Handles()
}

// Commit is the receipt of an applied batch.
type Commit struct {
	ID         id.ID             `json:"id"`
	Key        string            `json:"key"`
	ThreadID   id.ID             `json:"thread_id"`
	Payer      resource.Handle   `json:"payer"`
	Epoch      uint64            `json:"epoch"`
	At         time.Time         `json:"at"`
	Operations int               `json:"operations"`
	Resources  []resource.Handle `json:"resources"`
}

// Executor commits batches against the ledger.
type Executor interface {
	// Submit applies b atomically. A rejection is returned as *Rejection.
	Submit(ctx context.Context, b *Batch) (Commit, error)

	// History returns the commits paid by or touching addr, oldest first.
	History(ctx context.Context, addr resource.Handle) ([]Commit, error)
}

// Find returns the commit with key from history.
func Find(history []Commit, key string) (Commit, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Key == key {
			return history[i], true
		}
	}
	return Commit{}, false
}
