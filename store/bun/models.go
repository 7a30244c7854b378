package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// ── Thread model ─────────────────────────────────────────────────

type threadModel struct {
	bun.BaseModel `bun:"table:tempo_threads"`

	ID            string     `bun:"id,pk"`
	Authority     string     `bun:"authority,notnull"`
	Name          string     `bun:"name,notnull"`
	Paused        bool       `bun:"paused,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at"`
	LockedBy      string     `bun:"locked_by,notnull"`
	LockedUntil   *time.Time `bun:"locked_until"`
	Data          string     `bun:"data,notnull,type:jsonb"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

// toThreadModel leaves the lease out of the payload; it lives in its
// own columns.
func toThreadModel(t *thread.Thread) (*threadModel, error) {
	cp := *t
	cp.LockedBy = ""
	cp.LockedUntil = nil
	data, err := encode(&cp)
	if err != nil {
		return nil, fmt.Errorf("tempo/bun: encode thread %s: %w", t.Name, err)
	}
	return &threadModel{
		ID:            t.ID.String(),
		Authority:     t.Authority.String(),
		Name:          t.Name,
		Paused:        t.Paused,
		NextAttemptAt: t.NextAttemptAt,
		Data:          data,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}, nil
}

func fromThreadModel(m *threadModel) (*thread.Thread, error) {
	t := &thread.Thread{}
	if err := decode(m.Data, t); err != nil {
		return nil, fmt.Errorf("tempo/bun: decode thread %s: %w", m.ID, err)
	}
	t.LockedBy = m.LockedBy
	t.LockedUntil = utcPtr(m.LockedUntil)
	return t, nil
}

// ── Lookup table model ───────────────────────────────────────────

type tableModel struct {
	bun.BaseModel `bun:"table:tempo_tables"`

	ID        string    `bun:"id,pk"`
	Authority string    `bun:"authority,notnull"`
	Data      string    `bun:"data,notnull,type:jsonb"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func toTableModel(t *lut.Table) (*tableModel, error) {
	data, err := encode(t)
	if err != nil {
		return nil, fmt.Errorf("tempo/bun: encode table: %w", err)
	}
	return &tableModel{
		ID:        t.ID.String(),
		Authority: t.Authority.String(),
		Data:      data,
		CreatedAt: t.CreatedAt,
	}, nil
}

func fromTableModel(m *tableModel) (*lut.Table, error) {
	t := &lut.Table{}
	if err := decode(m.Data, t); err != nil {
		return nil, fmt.Errorf("tempo/bun: decode table %s: %w", m.ID, err)
	}
	return t, nil
}

// ── Crank model ──────────────────────────────────────────────────

type crankModel struct {
	bun.BaseModel `bun:"table:tempo_cranks"`

	ID        string    `bun:"id,pk"`
	Address   string    `bun:"address,notnull,unique"`
	Authority string    `bun:"authority,notnull"`
	Data      string    `bun:"data,notnull,type:jsonb"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func toCrankModel(c *crank.State) (*crankModel, error) {
	data, err := encode(c)
	if err != nil {
		return nil, fmt.Errorf("tempo/bun: encode crank: %w", err)
	}
	return &crankModel{
		ID:        c.ID.String(),
		Address:   c.Address.String(),
		Authority: c.Authority.String(),
		Data:      data,
		CreatedAt: c.CreatedAt,
	}, nil
}

func fromCrankModel(m *crankModel) (*crank.State, error) {
	c := &crank.State{}
	if err := decode(m.Data, c); err != nil {
		return nil, fmt.Errorf("tempo/bun: decode crank %s: %w", m.ID, err)
	}
	return c, nil
}

// ── DLQ model ────────────────────────────────────────────────────

type dlqModel struct {
	bun.BaseModel `bun:"table:tempo_dlq"`

	ID         string     `bun:"id,pk"`
	ThreadID   string     `bun:"thread_id,notnull"`
	Authority  string     `bun:"authority,notnull"`
	FailedAt   time.Time  `bun:"failed_at,notnull"`
	ReplayedAt *time.Time `bun:"replayed_at"`
	Data       string     `bun:"data,notnull,type:jsonb"`
}

func toDLQModel(e *dlq.Entry) (*dlqModel, error) {
	data, err := encode(e)
	if err != nil {
		return nil, fmt.Errorf("tempo/bun: encode report: %w", err)
	}
	return &dlqModel{
		ID:         e.ID.String(),
		ThreadID:   e.ThreadID.String(),
		Authority:  e.Authority.String(),
		FailedAt:   e.FailedAt,
		ReplayedAt: e.ReplayedAt,
		Data:       data,
	}, nil
}

// fromDLQModel takes ReplayedAt from its column, which ReplayDLQ updates
// without touching the payload.
func fromDLQModel(m *dlqModel) (*dlq.Entry, error) {
	e := &dlq.Entry{}
	if err := decode(m.Data, e); err != nil {
		return nil, fmt.Errorf("tempo/bun: decode report %s: %w", m.ID, err)
	}
	e.ReplayedAt = utcPtr(m.ReplayedAt)
	return e, nil
}

// ── Nonce model ──────────────────────────────────────────────────

type nonceModel struct {
	bun.BaseModel `bun:"table:tempo_nonces"`

	Authority string    `bun:"authority,pk"`
	Nonce     string    `bun:"nonce,pk"`
	UsedAt    time.Time `bun:"used_at,notnull"`
}
