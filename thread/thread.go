package thread

import (
	"fmt"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/trigger"
)

// Pause reasons recorded by the scheduler and the admin surface. Fatal
// failures record the error text instead.
const (
	PauseImmediateDone = "immediate trigger completed"
	PauseByAuthority   = "paused by authority"
)

// AccountMeta is one account referenced by an operation.
type AccountMeta struct {
	Handle   resource.Handle `json:"handle"`
	Signer   bool            `json:"signer"`
	Writable bool            `json:"writable"`
}

// Operation is a single instruction executed as part of a batch.
type Operation struct {
	Program  resource.Handle `json:"program"`
	Accounts []AccountMeta   `json:"accounts"`
	Data     []byte          `json:"data,omitempty"`
}

// Handles returns the program followed by every account, in order.
// Duplicates are kept; callers dedup through resource.Set.
func (o Operation) Handles() []resource.Handle {
	out := make([]resource.Handle, 0, len(o.Accounts)+1)
	out = append(out, o.Program)
	for _, a := range o.Accounts {
		out = append(out, a.Handle)
	}
	return out
}

// Clone returns a deep copy.
func (o Operation) Clone() Operation {
	cp := o
	cp.Accounts = append([]AccountMeta(nil), o.Accounts...)
	if o.Data != nil {
		cp.Data = append([]byte(nil), o.Data...)
	}
	return cp
}

// Thread is a scheduled task: an ordered list of operations executed
// atomically whenever its trigger fires.
type Thread struct {
	tempo.Entity

	ID         id.ID           `json:"id"`
	Name       string          `json:"name"`
	Address    resource.Handle `json:"address"`
	Authority  resource.Handle `json:"authority"`
	Operations []Operation     `json:"operations"`
	// CrankID, when set, appends the crank's settlement operations to every
	// execution.
	CrankID      id.ID           `json:"crank_id,omitempty"`
	Trigger      trigger.Trigger `json:"trigger"`
	Cursor       trigger.Cursor  `json:"cursor"`
	Balance      uint64          `json:"balance"`
	Fee          uint64          `json:"fee"`
	LookupTables []id.ID         `json:"lookup_tables,omitempty"`

	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`
	// Version increments on every authority edit.
	Version uint64 `json:"version"`

	ExecCount     uint64     `json:"exec_count"`
	LastExecAt    *time.Time `json:"last_exec_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	// PendingKey is the idempotency key of a submitted batch whose
	// bookkeeping has not been recorded yet.
	PendingKey      string     `json:"pending_key,omitempty"`
	PendingTick     *time.Time `json:"pending_tick,omitempty"`
	PendingSnapshot []byte     `json:"pending_snapshot,omitempty"`
	// PendingSeq is the last queue sequence the pending batch settles.
	PendingSeq uint64 `json:"pending_seq,omitempty"`

	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Address derives the thread address from its authority and name.
func Address(authority resource.Handle, name string) resource.Handle {
	return resource.Derive("thread", authority.Bytes(), []byte(name))
}

// New creates an unpaused thread with a fresh cursor.
func New(authority resource.Handle, name string, trig trigger.Trigger, ops []Operation, deposit, fee uint64) *Thread {
	now := time.Now().UTC()
	return &Thread{
		Entity:     tempo.NewEntity(),
		ID:         id.NewThreadID(),
		Name:       name,
		Address:    Address(authority, name),
		Authority:  authority,
		Operations: ops,
		Trigger:    trig,
		Cursor:     trigger.NewCursor(now),
		Balance:    deposit,
		Fee:        fee,
	}
}

// Validate checks the fields the scheduler relies on. Failures wrap
// tempo.ErrMalformed.
func (t *Thread) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tempo/thread: %w: empty name", tempo.ErrMalformed)
	}
	if t.Authority.IsZero() {
		return fmt.Errorf("tempo/thread: %w: %s has no authority", tempo.ErrMalformed, t.Name)
	}
	if len(t.Operations) == 0 && t.CrankID.IsNil() {
		return fmt.Errorf("tempo/thread: %w: %s has no operations", tempo.ErrMalformed, t.Name)
	}
	for i, op := range t.Operations {
		if op.Program.IsZero() {
			return fmt.Errorf("tempo/thread: %w: %s operation %d has no program", tempo.ErrMalformed, t.Name, i)
		}
	}
	if err := t.Trigger.Validate(); err != nil {
		return fmt.Errorf("tempo/thread: %s: %w", t.Name, err)
	}
	return nil
}

// Handles returns the handles of the static operations, deduplicated in
// first-appearance order.
func (t *Thread) Handles() []resource.Handle {
	set := resource.NewSet()
	for _, op := range t.Operations {
		set.Add(op.Handles()...)
	}
	return set.Handles()
}

// Due reports whether the thread should be evaluated at now.
func (t *Thread) Due(now time.Time) bool {
	if t.Paused {
		return false
	}
	return t.NextAttemptAt == nil || !t.NextAttemptAt.After(now)
}

// Leased reports whether another worker holds an unexpired lease.
func (t *Thread) Leased(now time.Time) bool {
	return t.LockedBy != "" && t.LockedUntil != nil && t.LockedUntil.After(now)
}

// ClearPending forgets the pending submission.
func (t *Thread) ClearPending() {
	t.PendingKey = ""
	t.PendingTick = nil
	t.PendingSnapshot = nil
	t.PendingSeq = 0
}

// Clone returns a deep copy.
func (t *Thread) Clone() *Thread {
	cp := *t
	cp.Operations = make([]Operation, len(t.Operations))
	for i, op := range t.Operations {
		cp.Operations[i] = op.Clone()
	}
	cp.LookupTables = append([]id.ID(nil), t.LookupTables...)
	cp.Cursor = t.Cursor.Clone()
	if t.Trigger.Cron != nil {
		c := *t.Trigger.Cron
		cp.Trigger.Cron = &c
	}
	if t.Trigger.Account != nil {
		a := *t.Trigger.Account
		cp.Trigger.Account = &a
	}
	cp.LastExecAt = cloneTime(t.LastExecAt)
	cp.NextAttemptAt = cloneTime(t.NextAttemptAt)
	cp.PendingTick = cloneTime(t.PendingTick)
	if t.PendingSnapshot != nil {
		cp.PendingSnapshot = append([]byte(nil), t.PendingSnapshot...)
	}
	cp.LockedUntil = cloneTime(t.LockedUntil)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
