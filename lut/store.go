package lut

import (
	"context"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// Store defines the persistence contract for lookup tables.
type Store interface {
	// CreateTable persists a new table.
	CreateTable(ctx context.Context, t *Table) error

	// GetTable retrieves a table by ID.
	GetTable(ctx context.Context, tableID id.ID) (*Table, error)

	// ExtendTable atomically appends the handles not yet present, stamping
	// the extension epoch. It must apply Table.Extend semantics: all new
	// handles fit or nothing changes.
	ExtendTable(ctx context.Context, tableID id.ID, handles []resource.Handle, epoch uint64) (*Table, error)

	// DeactivateTable marks a table unusable. Members are kept.
	DeactivateTable(ctx context.Context, tableID id.ID) error

	// ListTables returns the tables owned by authority, oldest first.
	ListTables(ctx context.Context, authority resource.Handle) ([]*Table, error)
}
