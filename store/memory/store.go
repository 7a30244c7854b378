package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ thread.Store     = (*Store)(nil)
	_ lut.Store        = (*Store)(nil)
	_ crank.Store      = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ admin.NonceStore = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
// Every read returns a copy, so callers can mutate results freely.
type Store struct {
	mu sync.RWMutex

	threads map[string]*thread.Thread
	tables  map[string]*lut.Table
	cranks  map[string]*crank.State
	dlqs    map[string]*dlq.Entry
	nonces  map[string]struct{}
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		threads: make(map[string]*thread.Thread),
		tables:  make(map[string]*lut.Table),
		cranks:  make(map[string]*crank.State),
		dlqs:    make(map[string]*dlq.Entry),
		nonces:  make(map[string]struct{}),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Thread Store
// ──────────────────────────────────────────────────

// CreateThread persists a new thread.
func (m *Store) CreateThread(_ context.Context, t *thread.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.threads[key]; exists {
		return tempo.ErrThreadAlreadyExists
	}
	for _, existing := range m.threads {
		if existing.Authority == t.Authority && existing.Name == t.Name {
			return tempo.ErrThreadAlreadyExists
		}
	}
	m.threads[key] = t.Clone()
	return nil
}

// GetThread retrieves a thread by ID.
func (m *Store) GetThread(_ context.Context, threadID id.ID) (*thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[threadID.String()]
	if !ok {
		return nil, tempo.ErrThreadNotFound
	}
	return t.Clone(), nil
}

// GetThreadByName retrieves a thread by its authority-unique name.
func (m *Store) GetThreadByName(_ context.Context, authority resource.Handle, name string) (*thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.threads {
		if t.Authority == authority && t.Name == name {
			return t.Clone(), nil
		}
	}
	return nil, tempo.ErrThreadNotFound
}

// UpdateThread persists changes to an existing thread, keeping the lease.
func (m *Store) UpdateThread(_ context.Context, t *thread.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	existing, ok := m.threads[key]
	if !ok {
		return tempo.ErrThreadNotFound
	}
	cp := t.Clone()
	cp.LockedBy = existing.LockedBy
	cp.LockedUntil = existing.LockedUntil
	cp.UpdatedAt = time.Now().UTC()
	m.threads[key] = cp
	return nil
}

// DeleteThread removes a thread by ID.
func (m *Store) DeleteThread(_ context.Context, threadID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := threadID.String()
	if _, ok := m.threads[key]; !ok {
		return tempo.ErrThreadNotFound
	}
	delete(m.threads, key)
	return nil
}

// ListThreads returns threads matching opts, oldest first.
func (m *Store) ListThreads(_ context.Context, opts thread.ListOpts) ([]*thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*thread.Thread, 0, len(m.threads))
	for _, t := range m.threads {
		if !opts.Authority.IsZero() && t.Authority != opts.Authority {
			continue
		}
		if t.Paused && !opts.IncludePaused {
			continue
		}
		result = append(result, t.Clone())
	}
	sortThreads(result)
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListDueThreads returns unpaused threads due at now, oldest first.
func (m *Store) ListDueThreads(_ context.Context, now time.Time, limit int) ([]*thread.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*thread.Thread, 0, len(m.threads))
	for _, t := range m.threads {
		if t.Due(now) {
			result = append(result, t.Clone())
		}
	}
	sortThreads(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AcquireThreadLease attempts to take the execution lease of a thread.
func (m *Store) AcquireThreadLease(_ context.Context, threadID id.ID, workerID id.ID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID.String()]
	if !ok {
		return false, tempo.ErrThreadNotFound
	}

	now := time.Now().UTC()

	// If leased by someone else and the lease hasn't expired, fail.
	if t.Leased(now) && t.LockedBy != workerID.String() {
		return false, nil
	}

	t.LockedBy = workerID.String()
	until := now.Add(ttl)
	t.LockedUntil = &until
	return true, nil
}

// ReleaseThreadLease releases the lease if workerID holds it.
func (m *Store) ReleaseThreadLease(_ context.Context, threadID id.ID, workerID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID.String()]
	if !ok {
		return tempo.ErrThreadNotFound
	}
	if t.LockedBy != workerID.String() {
		return nil // not holding the lease; no-op
	}
	t.LockedBy = ""
	t.LockedUntil = nil
	return nil
}

func sortThreads(ts []*thread.Thread) {
	sort.Slice(ts, func(i, k int) bool {
		if !ts[i].CreatedAt.Equal(ts[k].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[k].CreatedAt)
		}
		return ts[i].ID.String() < ts[k].ID.String()
	})
}

// ──────────────────────────────────────────────────
// Lookup Table Store
// ──────────────────────────────────────────────────

// CreateTable persists a new table.
func (m *Store) CreateTable(_ context.Context, t *lut.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tables[key]; exists {
		return tempo.ErrTableAlreadyExists
	}
	m.tables[key] = t.Clone()
	return nil
}

// GetTable retrieves a table by ID.
func (m *Store) GetTable(_ context.Context, tableID id.ID) (*lut.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[tableID.String()]
	if !ok {
		return nil, tempo.ErrTableNotFound
	}
	return t.Clone(), nil
}

// ExtendTable appends the handles not yet present, all or nothing.
func (m *Store) ExtendTable(_ context.Context, tableID id.ID, handles []resource.Handle, epoch uint64) (*lut.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[tableID.String()]
	if !ok {
		return nil, tempo.ErrTableNotFound
	}
	cp := t.Clone()
	added, err := cp.Extend(handles, epoch)
	if err != nil {
		return nil, err
	}
	if added > 0 {
		cp.UpdatedAt = time.Now().UTC()
		m.tables[tableID.String()] = cp
	}
	return cp.Clone(), nil
}

// DeactivateTable marks a table unusable.
func (m *Store) DeactivateTable(_ context.Context, tableID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[tableID.String()]
	if !ok {
		return tempo.ErrTableNotFound
	}
	t.Deactivated = true
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTables returns the tables owned by authority, oldest first.
func (m *Store) ListTables(_ context.Context, authority resource.Handle) ([]*lut.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*lut.Table, 0)
	for _, t := range m.tables {
		if t.Authority == authority {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Crank Store
// ──────────────────────────────────────────────────

// CreateCrank persists a new crank.
func (m *Store) CreateCrank(_ context.Context, s *crank.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.ID.String()
	if _, exists := m.cranks[key]; exists {
		return tempo.ErrCrankAlreadyExists
	}
	for _, existing := range m.cranks {
		if existing.Address == s.Address {
			return tempo.ErrCrankAlreadyExists
		}
	}
	m.cranks[key] = s.Clone()
	return nil
}

// GetCrank retrieves a crank by ID.
func (m *Store) GetCrank(_ context.Context, crankID id.ID) (*crank.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.cranks[crankID.String()]
	if !ok {
		return nil, tempo.ErrCrankNotFound
	}
	return s.Clone(), nil
}

// UpdateCrank persists changes to an existing crank.
func (m *Store) UpdateCrank(_ context.Context, s *crank.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.ID.String()
	if _, ok := m.cranks[key]; !ok {
		return tempo.ErrCrankNotFound
	}
	cp := s.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.cranks[key] = cp
	return nil
}

// DeleteCrank removes a crank by ID.
func (m *Store) DeleteCrank(_ context.Context, crankID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := crankID.String()
	if _, ok := m.cranks[key]; !ok {
		return tempo.ErrCrankNotFound
	}
	delete(m.cranks, key)
	return nil
}

// ListCranks returns the cranks owned by authority, oldest first.
func (m *Store) ListCranks(_ context.Context, authority resource.Handle) ([]*crank.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*crank.State, 0)
	for _, s := range m.cranks {
		if s.Authority == authority {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a failure report.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns reports matching the given options.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if !opts.ThreadID.IsNil() && e.ThreadID.String() != opts.ThreadID.String() {
			continue
		}
		if !opts.Authority.IsZero() && e.Authority != opts.Authority {
			continue
		}
		if opts.OpenOnly && !e.Open() {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].FailedAt.Equal(result[k].FailedAt) {
			return result[i].FailedAt.Before(result[k].FailedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDLQ retrieves a report by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.ID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, tempo.ErrReportNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a report as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return tempo.ErrReportNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes reports with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of reports.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.dlqs)), nil
}

// ──────────────────────────────────────────────────
// Nonce Store
// ──────────────────────────────────────────────────

// UseNonce records nonce for authority once.
func (m *Store) UseNonce(_ context.Context, authority resource.Handle, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s:%d", authority, nonce)
	if _, used := m.nonces[key]; used {
		return tempo.ErrNonceReused
	}
	m.nonces[key] = struct{}{}
	return nil
}
