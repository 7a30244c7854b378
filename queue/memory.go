package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/xraph/tempo/resource"
)

var (
	_ Queue    = (*Memory)(nil)
	_ Provider = (*Registry)(nil)
)

// Memory is an in-memory Queue. Safe for concurrent access.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	lastSeq uint64
}

// NewMemory returns an empty queue whose first entry gets Seq 1.
func NewMemory() *Memory {
	return &Memory{}
}

// Append implements Queue.
func (m *Memory) Append(_ context.Context, counterparty resource.Handle, payload []byte) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeq++
	e := Entry{Seq: m.lastSeq, Counterparty: counterparty}
	if payload != nil {
		e.Payload = append([]byte(nil), payload...)
	}
	m.entries = append(m.entries, e)
	return e, nil
}

// Peek implements Source. Returned entries are copies.
func (m *Memory) Peek(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]Entry, n)
	for i := range out {
		out[i] = m.entries[i]
		if m.entries[i].Payload != nil {
			out[i].Payload = append([]byte(nil), m.entries[i].Payload...)
		}
	}
	return out, nil
}

// Len implements Source.
func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// Consume implements Source.
func (m *Memory) Consume(_ context.Context, throughSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	for i < len(m.entries) && m.entries[i].Seq <= throughSeq {
		i++
	}
	m.entries = append([]Entry(nil), m.entries[i:]...)
	return nil
}

// Registry is an in-memory Provider.
type Registry struct {
	mu     sync.RWMutex
	queues map[resource.Handle]Queue
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[resource.Handle]Queue)}
}

// Register binds handle to q, replacing any previous binding.
func (r *Registry) Register(handle resource.Handle, q Queue) {
	r.mu.Lock()
	r.queues[handle] = q
	r.mu.Unlock()
}

// Queue implements Provider.
func (r *Registry) Queue(_ context.Context, handle resource.Handle) (Queue, error) {
	r.mu.RLock()
	q, ok := r.queues[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, handle.Short())
	}
	return q, nil
}
