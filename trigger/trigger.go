package trigger

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/resource"
)

// Kind names the active arm of a Trigger.
type Kind string

const (
	// KindCron fires on a cron schedule.
	KindCron Kind = "cron"
	// KindAccount fires when a watched byte range of an account changes.
	KindAccount Kind = "account"
	// KindImmediate fires once, as soon as possible.
	KindImmediate Kind = "immediate"
)

// Cron fires on every tick of Schedule. A skippable schedule collapses a
// backlog of missed ticks into a single execution at the most recent one.
type Cron struct {
	Schedule  string `json:"schedule"`
	Skippable bool   `json:"skippable"`
}

// Account fires when bytes [Offset, Offset+Size) of Address change. A
// zero Size watches the whole account.
type Account struct {
	Address resource.Handle `json:"address"`
	Offset  uint64          `json:"offset"`
	Size    uint64          `json:"size"`
}

// Trigger is a tagged variant: exactly one of the arms matching Kind is
// set. Immediate carries no arguments.
type Trigger struct {
	Kind    Kind     `json:"kind"`
	Cron    *Cron    `json:"cron,omitempty"`
	Account *Account `json:"account,omitempty"`
}

// NewCron returns a cron trigger.
func NewCron(schedule string, skippable bool) Trigger {
	return Trigger{Kind: KindCron, Cron: &Cron{Schedule: schedule, Skippable: skippable}}
}

// NewAccount returns an account-change trigger.
func NewAccount(address resource.Handle, offset, size uint64) Trigger {
	return Trigger{Kind: KindAccount, Account: &Account{Address: address, Offset: offset, Size: size}}
}

// NewImmediate returns a one-shot trigger.
func NewImmediate() Trigger {
	return Trigger{Kind: KindImmediate}
}

// Validate checks that exactly the arm named by Kind is present and that a
// cron schedule parses.
func (t Trigger) Validate() error {
	switch t.Kind {
	case KindCron:
		if t.Cron == nil || t.Account != nil {
			return fmt.Errorf("tempo/trigger: %w: cron trigger needs exactly the cron arm", tempo.ErrMalformed)
		}
		if _, err := Parse(t.Cron.Schedule); err != nil {
			return err
		}
	case KindAccount:
		if t.Account == nil || t.Cron != nil {
			return fmt.Errorf("tempo/trigger: %w: account trigger needs exactly the account arm", tempo.ErrMalformed)
		}
		if t.Account.Address.IsZero() {
			return fmt.Errorf("tempo/trigger: %w: account trigger without address", tempo.ErrMalformed)
		}
	case KindImmediate:
		if t.Cron != nil || t.Account != nil {
			return fmt.Errorf("tempo/trigger: %w: immediate trigger takes no arguments", tempo.ErrMalformed)
		}
	default:
		return fmt.Errorf("tempo/trigger: %w: unknown trigger kind %q", tempo.ErrMalformed, t.Kind)
	}
	return nil
}

// String renders the trigger for logs.
func (t Trigger) String() string {
	switch t.Kind {
	case KindCron:
		if t.Cron == nil {
			return "cron(?)"
		}
		if t.Cron.Skippable {
			return fmt.Sprintf("cron(%q, skippable)", t.Cron.Schedule)
		}
		return fmt.Sprintf("cron(%q)", t.Cron.Schedule)
	case KindAccount:
		if t.Account == nil {
			return "account(?)"
		}
		return fmt.Sprintf("account(%s+%d:%d)", t.Account.Address.Short(), t.Account.Offset, t.Account.Size)
	default:
		return string(t.Kind)
	}
}

// Cursor is the per-thread trigger state that decides the next firing.
type Cursor struct {
	// LastTick is the cron tick most recently executed, or the creation
	// time before the first execution.
	LastTick time.Time `json:"last_tick"`
	// Snapshot is the account data observed at the last execution.
	Snapshot []byte `json:"snapshot,omitempty"`
	// Fired is set once the trigger has executed at least once.
	Fired bool `json:"fired"`
}

// NewCursor returns the cursor for a thread created at now.
func NewCursor(now time.Time) Cursor {
	return Cursor{LastTick: now.UTC()}
}

// Clone returns a deep copy.
func (c Cursor) Clone() Cursor {
	if c.Snapshot != nil {
		c.Snapshot = append([]byte(nil), c.Snapshot...)
	}
	return c
}

// Equal reports whether c and o describe the same trigger state.
func (c Cursor) Equal(o Cursor) bool {
	return c.LastTick.Equal(o.LastTick) && c.Fired == o.Fired && bytes.Equal(c.Snapshot, o.Snapshot)
}

// Advance returns the cursor after a successful execution of fire. Callers
// invoke it only after the execution committed, so a failed attempt never
// consumes a tick.
func Advance(t Trigger, c Cursor, fire Fire) Cursor {
	next := c.Clone()
	next.Fired = true
	switch t.Kind {
	case KindCron:
		if fire.Tick.After(next.LastTick) {
			next.LastTick = fire.Tick
		}
	case KindAccount:
		next.Snapshot = append([]byte{}, fire.Snapshot...)
	}
	return next
}

// Rearm clears the one-shot state so an immediate trigger fires again.
func Rearm(c Cursor) Cursor {
	next := c.Clone()
	next.Fired = false
	return next
}
