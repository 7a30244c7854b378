// Package backoff computes how long a thread waits before its next attempt
// after a retryable failure. Strategies are stateless and safe for
// concurrent use; the attempt counter lives on the thread.
package backoff

import (
	"math/rand/v2"
	"time"

	"github.com/xraph/tempo"
)

// maxShift bounds the doubling so Initial << shift cannot overflow.
const maxShift = 30

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Next returns when attempt may run, counting from now.
func Next(s Strategy, now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// ──────────────────────────────────────────────────
// EqualJitter
// ──────────────────────────────────────────────────

// EqualJitter keeps half of the exponential delay and randomizes the other
// half, so retries of threads that failed together spread out while every
// attempt still waits at least half the base delay.
type EqualJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewEqualJitter creates an equal-jitter exponential strategy.
func NewEqualJitter(initial, maxDelay time.Duration) *EqualJitter {
	return &EqualJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a duration in [base/2, base] where base is the capped
// exponential delay.
func (e *EqualJitter) Delay(attempt int) time.Duration {
	base := capped(e.Initial, e.Max, attempt)
	half := base / 2
	if half <= 0 {
		return base
	}
	return half + time.Duration(rand.Int64N(int64(half)+1)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := min(attempt-1, maxShift)
	d := initial << shift
	if d < initial || (maxDelay > 0 && d > maxDelay) {
		return maxDelay
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// FromConfig returns the scheduler's retry strategy: equal jitter between
// RetryInitial and RetryMax.
func FromConfig(cfg tempo.Config) Strategy {
	return NewEqualJitter(cfg.RetryInitial, cfg.RetryMax)
}

// DefaultStrategy returns FromConfig(tempo.DefaultConfig()).
func DefaultStrategy() Strategy {
	return FromConfig(tempo.DefaultConfig())
}
