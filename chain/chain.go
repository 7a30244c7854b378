// Package chain models the clock and chain-state collaborators the
// scheduler reads from: wall time, scheduling epochs, and point-in-time
// reads of arbitrary (address, offset) ranges for account triggers.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/tempo/resource"
)

// ErrAccountNotFound is returned by StateReader when the address is unknown.
var ErrAccountNotFound = errors.New("chain: account not found")

// Clock supplies wall time and the current scheduling epoch. Epochs are
// monotonic and drive lookup table warm-up.
type Clock interface {
	Now() time.Time
	Epoch() uint64
}

// StateReader supplies point-in-time reads of account data.
type StateReader interface {
	// ReadAccount returns size bytes at offset of the account at addr.
	// Reads past the end of the account data are truncated.
	ReadAccount(ctx context.Context, addr resource.Handle, offset, size uint64) ([]byte, error)
}

// SystemClock derives epochs from elapsed wall time since a genesis
// instant, one epoch per EpochDuration.
type SystemClock struct {
	genesis  time.Time
	duration time.Duration
}

// NewSystemClock creates a SystemClock. A non-positive duration defaults to 400ms.
func NewSystemClock(genesis time.Time, epochDuration time.Duration) *SystemClock {
	if epochDuration <= 0 {
		epochDuration = 400 * time.Millisecond
	}
	return &SystemClock{genesis: genesis.UTC(), duration: epochDuration}
}

// Now returns the current UTC time.
func (c *SystemClock) Now() time.Time { return time.Now().UTC() }

// Epoch returns the number of whole epochs elapsed since genesis.
func (c *SystemClock) Epoch() uint64 {
	elapsed := time.Since(c.genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.duration)
}

// ManualClock is a Clock advanced explicitly, for simulations and tests.
// It is safe for concurrent use.
type ManualClock struct {
	mu    sync.RWMutex
	now   time.Time
	epoch uint64
}

// NewManualClock creates a ManualClock at now and epoch 0.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now.UTC()}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Epoch returns the clock's current epoch.
func (c *ManualClock) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Set moves the clock to t. Moving backwards is allowed; tests use it to
// replay a window.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance moves wall time forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// AdvanceEpochs moves the epoch forward by n.
func (c *ManualClock) AdvanceEpochs(n uint64) {
	c.mu.Lock()
	c.epoch += n
	c.mu.Unlock()
}

// SetEpoch sets the epoch. Epochs never go backwards; smaller values are ignored.
func (c *ManualClock) SetEpoch(e uint64) {
	c.mu.Lock()
	if e > c.epoch {
		c.epoch = e
	}
	c.mu.Unlock()
}

// MemoryState is an in-memory StateReader whose accounts can be written
// directly. Safe for concurrent use.
type MemoryState struct {
	mu       sync.RWMutex
	accounts map[resource.Handle][]byte
}

// NewMemoryState creates an empty MemoryState.
func NewMemoryState() *MemoryState {
	return &MemoryState{accounts: make(map[resource.Handle][]byte)}
}

// Write replaces the data of the account at addr.
func (m *MemoryState) Write(addr resource.Handle, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.accounts[addr] = cp
	m.mu.Unlock()
}

// ReadAccount implements StateReader.
func (m *MemoryState) ReadAccount(_ context.Context, addr resource.Handle, offset, size uint64) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.accounts[addr]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}

	n := uint64(len(data))
	if offset >= n {
		return []byte{}, nil
	}
	end := offset + size
	if size == 0 || end > n || end < offset {
		end = n
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}
