package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/chain"
)

// maxCatchUp bounds how many missed ticks a skippable schedule walks
// before giving up on finding the most recent one.
const maxCatchUp = 1 << 20

// Fire is the outcome of evaluating a trigger.
type Fire struct {
	// Eligible reports whether the thread should execute now.
	Eligible bool
	// Tick is the cron tick being executed.
	Tick time.Time
	// Snapshot is the observed account data for account triggers.
	Snapshot []byte
	// Skipped counts missed cron ticks discarded by a skippable schedule.
	Skipped int
}

// Evaluator decides trigger eligibility. It caches parsed cron schedules
// and is safe for concurrent use.
type Evaluator struct {
	reader chain.StateReader
	cache  scheduleCache
}

// NewEvaluator creates an Evaluator reading account data from reader. A
// nil reader makes every account trigger ineligible.
func NewEvaluator(reader chain.StateReader) *Evaluator {
	return &Evaluator{reader: reader}
}

// Evaluate reports whether t fires at now given cursor c.
func (e *Evaluator) Evaluate(ctx context.Context, t Trigger, c Cursor, now time.Time) (Fire, error) {
	switch t.Kind {
	case KindCron:
		if t.Cron == nil {
			return Fire{}, fmt.Errorf("tempo/trigger: %w: cron trigger without schedule", tempo.ErrMalformed)
		}
		return e.evaluateCron(*t.Cron, c, now)
	case KindAccount:
		if t.Account == nil {
			return Fire{}, fmt.Errorf("tempo/trigger: %w: account trigger without address", tempo.ErrMalformed)
		}
		return e.evaluateAccount(ctx, *t.Account, c)
	case KindImmediate:
		return Fire{Eligible: !c.Fired, Tick: now}, nil
	default:
		return Fire{}, fmt.Errorf("tempo/trigger: %w: unknown trigger kind %q", tempo.ErrMalformed, t.Kind)
	}
}

func (e *Evaluator) evaluateCron(cr Cron, c Cursor, now time.Time) (Fire, error) {
	sched, err := e.cache.get(cr.Schedule)
	if err != nil {
		return Fire{}, err
	}

	base := c.LastTick
	if base.IsZero() {
		base = now
	}

	next := sched.Next(base)
	if next.IsZero() || next.After(now) {
		return Fire{}, nil
	}
	if !cr.Skippable {
		return Fire{Eligible: true, Tick: next}, nil
	}

	// Walk forward to the most recent tick not after now.
	skipped := 0
	for i := 0; i < maxCatchUp; i++ {
		following := sched.Next(next)
		if following.IsZero() || following.After(now) {
			break
		}
		next = following
		skipped++
	}
	return Fire{Eligible: true, Tick: next, Skipped: skipped}, nil
}

func (e *Evaluator) evaluateAccount(ctx context.Context, acc Account, c Cursor) (Fire, error) {
	if e.reader == nil {
		return Fire{}, nil
	}
	data, err := e.reader.ReadAccount(ctx, acc.Address, acc.Offset, acc.Size)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return Fire{}, nil
		}
		return Fire{}, fmt.Errorf("tempo/trigger: read account %s: %w: %w", acc.Address.Short(), tempo.ErrRetryable, err)
	}
	if c.Fired && bytes.Equal(data, c.Snapshot) {
		return Fire{}, nil
	}
	return Fire{Eligible: true, Snapshot: data}, nil
}
