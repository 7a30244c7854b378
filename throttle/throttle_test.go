package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tempo/resource"
)

var (
	alice = resource.Derive("alice")
	bob   = resource.Derive("bob")
)

// ---------------------------------------------------------------------------
// Basics
// ---------------------------------------------------------------------------

func TestManager_NoLimits(t *testing.T) {
	m := NewManager(Limits{})
	for i := range 100 {
		if !m.Acquire(alice) {
			t.Fatalf("Acquire %d should succeed without limits", i)
		}
	}
	if m.ActiveCount(alice) != 100 {
		t.Fatalf("expected 100 active, got %d", m.ActiveCount(alice))
	}
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Limits{MaxConcurrency: 2})

	if !m.Acquire(alice) || !m.Acquire(alice) {
		t.Fatal("first two Acquires should succeed")
	}
	if m.Acquire(alice) {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	// Other authorities are unaffected.
	if !m.Acquire(bob) {
		t.Fatal("bob should not be affected by alice's limit")
	}

	m.Release(alice)
	if !m.Acquire(alice) {
		t.Fatal("Acquire should succeed after Release")
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Limits{RateLimit: 1.0, RateBurst: 1})

	if !m.Acquire(alice) {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release(alice)

	if m.Acquire(alice) {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire(alice) {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release(alice)
}

func TestManager_RateLimit_DeniedDoesNotCount(t *testing.T) {
	m := NewManager(Limits{RateLimit: 1.0, RateBurst: 1})
	m.Acquire(alice)
	m.Acquire(alice) // denied
	if m.ActiveCount(alice) != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount(alice))
	}
}

// ---------------------------------------------------------------------------
// Overrides
// ---------------------------------------------------------------------------

func TestManager_SetLimits(t *testing.T) {
	m := NewManager(Limits{MaxConcurrency: 1})
	m.Acquire(alice)

	m.SetLimits(alice, Limits{MaxConcurrency: 3})
	if m.ActiveCount(alice) != 1 {
		t.Fatalf("active count should be preserved, got %d", m.ActiveCount(alice))
	}
	if !m.Acquire(alice) || !m.Acquire(alice) {
		t.Fatal("raised limit should admit two more")
	}
	if m.Acquire(alice) {
		t.Fatal("fourth Acquire should fail")
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Limits{})
	m.Release(alice)
	m.Release(alice)
	if m.ActiveCount(alice) != 0 {
		t.Fatalf("active count should not go negative, got %d", m.ActiveCount(alice))
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Limits{MaxConcurrency: 5})

	var wg sync.WaitGroup
	var peak, current atomic.Int64
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.Acquire(alice) {
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			m.Release(alice)
		}()
	}
	wg.Wait()

	if peak.Load() > 5 {
		t.Fatalf("peak concurrency %d exceeded limit 5", peak.Load())
	}
	if m.ActiveCount(alice) != 0 {
		t.Fatalf("expected 0 active after all released, got %d", m.ActiveCount(alice))
	}
}
