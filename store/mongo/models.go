package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Data holds the JSON encoding of the record. The other fields are
// copies that queries filter and sort on.

type threadModel struct {
	ID            string     `bson:"_id"`
	Authority     string     `bson:"authority"`
	Name          string     `bson:"name"`
	Paused        bool       `bson:"paused"`
	NextAttemptAt *time.Time `bson:"next_attempt_at"`
	LockedBy      string     `bson:"locked_by"`
	LockedUntil   *time.Time `bson:"locked_until"`
	Data          string     `bson:"data"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func toThreadModel(t *thread.Thread) (*threadModel, error) {
	cp := *t
	cp.LockedBy = ""
	cp.LockedUntil = nil
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: encode thread %s: %w", t.Name, err)
	}
	return &threadModel{
		ID:            t.ID.String(),
		Authority:     t.Authority.String(),
		Name:          t.Name,
		Paused:        t.Paused,
		NextAttemptAt: t.NextAttemptAt,
		Data:          string(data),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}, nil
}

func fromThreadModel(m *threadModel) (*thread.Thread, error) {
	t := &thread.Thread{}
	if err := json.Unmarshal([]byte(m.Data), t); err != nil {
		return nil, fmt.Errorf("tempo/mongo: decode thread %s: %w", m.ID, err)
	}
	t.LockedBy = m.LockedBy
	t.LockedUntil = utcPtr(m.LockedUntil)
	return t, nil
}

// tableModel carries a revision for compare-and-set extension.
type tableModel struct {
	ID        string    `bson:"_id"`
	Authority string    `bson:"authority"`
	Rev       int64     `bson:"rev"`
	Data      string    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
}

func toTableModel(t *lut.Table, rev int64) (*tableModel, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: encode table: %w", err)
	}
	return &tableModel{
		ID:        t.ID.String(),
		Authority: t.Authority.String(),
		Rev:       rev,
		Data:      string(data),
		CreatedAt: t.CreatedAt,
	}, nil
}

func fromTableModel(m *tableModel) (*lut.Table, error) {
	t := &lut.Table{}
	if err := json.Unmarshal([]byte(m.Data), t); err != nil {
		return nil, fmt.Errorf("tempo/mongo: decode table %s: %w", m.ID, err)
	}
	return t, nil
}

type crankModel struct {
	ID        string    `bson:"_id"`
	Address   string    `bson:"address"`
	Authority string    `bson:"authority"`
	Data      string    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
}

func toCrankModel(c *crank.State) (*crankModel, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: encode crank: %w", err)
	}
	return &crankModel{
		ID:        c.ID.String(),
		Address:   c.Address.String(),
		Authority: c.Authority.String(),
		Data:      string(data),
		CreatedAt: c.CreatedAt,
	}, nil
}

func fromCrankModel(m *crankModel) (*crank.State, error) {
	c := &crank.State{}
	if err := json.Unmarshal([]byte(m.Data), c); err != nil {
		return nil, fmt.Errorf("tempo/mongo: decode crank %s: %w", m.ID, err)
	}
	return c, nil
}

type dlqModel struct {
	ID         string     `bson:"_id"`
	ThreadID   string     `bson:"thread_id"`
	Authority  string     `bson:"authority"`
	FailedAt   time.Time  `bson:"failed_at"`
	ReplayedAt *time.Time `bson:"replayed_at"`
	Data       string     `bson:"data"`
}

func toDLQModel(e *dlq.Entry) (*dlqModel, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("tempo/mongo: encode report: %w", err)
	}
	return &dlqModel{
		ID:         e.ID.String(),
		ThreadID:   e.ThreadID.String(),
		Authority:  e.Authority.String(),
		FailedAt:   e.FailedAt,
		ReplayedAt: e.ReplayedAt,
		Data:       string(data),
	}, nil
}

func fromDLQModel(m *dlqModel) (*dlq.Entry, error) {
	e := &dlq.Entry{}
	if err := json.Unmarshal([]byte(m.Data), e); err != nil {
		return nil, fmt.Errorf("tempo/mongo: decode report %s: %w", m.ID, err)
	}
	e.ReplayedAt = utcPtr(m.ReplayedAt)
	return e, nil
}

type nonceModel struct {
	Authority string    `bson:"authority"`
	Nonce     string    `bson:"nonce"`
	UsedAt    time.Time `bson:"used_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
