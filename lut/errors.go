package lut

import (
	"fmt"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// CapacityError reports handles that could not be placed: either a table
// is full or the inline residue of a resolution exceeds K.
type CapacityError struct {
	// TableID is the full table, or Nil when the inline budget overflowed.
	TableID id.ID
	// Missing are the handles that need a home in some table.
	Missing []resource.Handle
	// Limit is the cap that was hit.
	Limit int
}

func (e *CapacityError) Error() string {
	if e.TableID.IsNil() {
		return fmt.Sprintf("tempo/lut: %d handles exceed inline limit %d", len(e.Missing), e.Limit)
	}
	return fmt.Sprintf("tempo/lut: table %s full (cap %d), %d handles do not fit", e.TableID, e.Limit, len(e.Missing))
}

// Unwrap makes errors.Is(err, tempo.ErrCapacityExceeded) hold.
func (e *CapacityError) Unwrap() error { return tempo.ErrCapacityExceeded }

// NotReadyError reports that a covering table is still warming up.
type NotReadyError struct {
	TableID    id.ID
	Epoch      uint64
	ReadyEpoch uint64
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("tempo/lut: table %s not ready at epoch %d (ready at %d)", e.TableID, e.Epoch, e.ReadyEpoch)
}

// Unwrap makes errors.Is(err, tempo.ErrTableNotReady) hold.
func (e *NotReadyError) Unwrap() error { return tempo.ErrTableNotReady }
