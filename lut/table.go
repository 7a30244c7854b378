package lut

import (
	"fmt"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// Table is an append-only, capacity-bounded list of handles owned by an
// authority. Members are never reordered or removed; a table extended at
// epoch e may be referenced only from epoch e+W onwards.
type Table struct {
	tempo.Entity

	ID                id.ID             `json:"id"`
	Authority         resource.Handle   `json:"authority"`
	Members           []resource.Handle `json:"members"`
	MaxMembers        int               `json:"max_members"`
	CreatedEpoch      uint64            `json:"created_epoch"`
	LastExtendedEpoch uint64            `json:"last_extended_epoch"`
	Deactivated       bool              `json:"deactivated"`
}

// NewTable creates an empty table. Creation counts as an extension: a
// fresh table also needs to warm up.
func NewTable(authority resource.Handle, maxMembers int, epoch uint64) *Table {
	return &Table{
		Entity:            tempo.NewEntity(),
		ID:                id.NewTableID(),
		Authority:         authority,
		MaxMembers:        maxMembers,
		CreatedEpoch:      epoch,
		LastExtendedEpoch: epoch,
	}
}

// Space returns how many more members fit.
func (t *Table) Space() int {
	if n := t.MaxMembers - len(t.Members); n > 0 {
		return n
	}
	return 0
}

// IndexOf returns the position of h in Members, or -1.
func (t *Table) IndexOf(h resource.Handle) int {
	for i, m := range t.Members {
		if m == h {
			return i
		}
	}
	return -1
}

// ReadyEpoch is the first epoch at which the table may be referenced.
func (t *Table) ReadyEpoch(warmup uint64) uint64 {
	return t.LastExtendedEpoch + warmup
}

// IsWarm reports whether the table may be referenced at epoch.
func (t *Table) IsWarm(epoch, warmup uint64) bool {
	return epoch >= t.ReadyEpoch(warmup)
}

// Extend appends the handles of hs not already present, preserving order.
// It fails without modifying the table if they do not all fit. Extending
// with nothing new is a no-op and does not restart warm-up.
func (t *Table) Extend(hs []resource.Handle, epoch uint64) (int, error) {
	if t.Deactivated {
		return 0, fmt.Errorf("tempo/lut: extend %s: %w: table deactivated", t.ID, tempo.ErrMalformed)
	}

	present := resource.NewSet(t.Members...)
	fresh := present.Missing(hs)
	if len(fresh) == 0 {
		return 0, nil
	}
	if len(fresh) > t.Space() {
		return 0, &CapacityError{
			TableID: t.ID,
			Missing: fresh,
			Limit:   t.MaxMembers,
		}
	}

	t.Members = append(t.Members, fresh...)
	t.LastExtendedEpoch = epoch
	return len(fresh), nil
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	cp := *t
	cp.Members = make([]resource.Handle, len(t.Members))
	copy(cp.Members, t.Members)
	return &cp
}
