package throttle

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/tempo/resource"
)

// Limits defines rate limiting and concurrency for one authority.
type Limits struct {
	// RateLimit is the maximum sustained executions per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxConcurrency limits how many of the authority's threads may execute
	// simultaneously on this worker. Zero means no limit.
	MaxConcurrency int
}

// authorityState tracks runtime state for a single authority.
type authorityState struct {
	limits  Limits
	limiter *rate.Limiter
	active  int
}

func newAuthorityState(l Limits) *authorityState {
	st := &authorityState{limits: l}
	if l.RateLimit > 0 {
		burst := l.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
	return st
}

// Manager enforces per-authority rate limits and concurrency. Authorities
// without an override get the default limits. It is safe for concurrent
// use.
type Manager struct {
	mu          sync.Mutex
	defaults    Limits
	authorities map[resource.Handle]*authorityState
}

// NewManager creates a Manager applying defaults to every authority.
func NewManager(defaults Limits) *Manager {
	return &Manager{
		defaults:    defaults,
		authorities: make(map[resource.Handle]*authorityState),
	}
}

// state returns the authority's state, creating it from the defaults.
// Callers hold m.mu.
func (m *Manager) state(authority resource.Handle) *authorityState {
	st := m.authorities[authority]
	if st == nil {
		st = newAuthorityState(m.defaults)
		m.authorities[authority] = st
	}
	return st
}

// Acquire checks the authority's rate limit and concurrency. If the
// execution may proceed it increments the active counter and returns
// true. The caller MUST call Release when the execution completes.
func (m *Manager) Acquire(authority resource.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(authority)
	if st.limits.MaxConcurrency > 0 && st.active >= st.limits.MaxConcurrency {
		return false
	}
	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}
	st.active++
	return true
}

// Release decrements the authority's active count.
func (m *Manager) Release(authority resource.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.authorities[authority]; st != nil && st.active > 0 {
		st.active--
	}
}

// SetLimits replaces the limits for one authority, keeping its current
// active count.
func (m *Manager) SetLimits(authority resource.Handle, l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := newAuthorityState(l)
	if existing := m.authorities[authority]; existing != nil {
		st.active = existing.active
	}
	m.authorities[authority] = st
}

// ActiveCount returns the number of in-flight executions for authority.
func (m *Manager) ActiveCount(authority resource.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.authorities[authority]; st != nil {
		return st.active
	}
	return 0
}
