package bunstore

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
)

// CreateTable persists a new lookup table.
func (s *Store) CreateTable(ctx context.Context, t *lut.Table) error {
	m, err := toTableModel(t)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrTableAlreadyExists
		}
		return fmt.Errorf("tempo/bun: create table: %w", err)
	}
	return nil
}

// GetTable retrieves a lookup table by ID.
func (s *Store) GetTable(ctx context.Context, tableID id.ID) (*lut.Table, error) {
	m := new(tableModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", tableID.String()).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrTableNotFound
		}
		return nil, fmt.Errorf("tempo/bun: get table: %w", err)
	}
	return fromTableModel(m)
}

// ExtendTable appends the handles not yet present, under the row lock.
func (s *Store) ExtendTable(ctx context.Context, tableID id.ID, handles []resource.Handle, epoch uint64) (*lut.Table, error) {
	var out *lut.Table
	err := s.withLockedTable(ctx, tableID, func(ctx context.Context, tx bun.Tx, t *lut.Table) error {
		added, err := t.Extend(handles, epoch)
		if err != nil {
			return err
		}
		out = t
		if added == 0 {
			return nil
		}
		return putTable(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivateTable marks a table unusable.
func (s *Store) DeactivateTable(ctx context.Context, tableID id.ID) error {
	return s.withLockedTable(ctx, tableID, func(ctx context.Context, tx bun.Tx, t *lut.Table) error {
		t.Deactivated = true
		return putTable(ctx, tx, t)
	})
}

// ListTables returns the tables owned by authority, oldest first.
func (s *Store) ListTables(ctx context.Context, authority resource.Handle) ([]*lut.Table, error) {
	var models []tableModel
	err := s.db.NewSelect().
		Model(&models).
		Where("authority = ?", authority.String()).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tempo/bun: list tables: %w", err)
	}

	out := make([]*lut.Table, 0, len(models))
	for i := range models {
		t, err := fromTableModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) withLockedTable(ctx context.Context, tableID id.ID, fn func(context.Context, bun.Tx, *lut.Table) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		m := new(tableModel)
		err := tx.NewSelect().
			Model(m).
			Where("id = ?", tableID.String()).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return tempo.ErrTableNotFound
			}
			return fmt.Errorf("tempo/bun: lock table: %w", err)
		}
		t, err := fromTableModel(m)
		if err != nil {
			return err
		}
		return fn(ctx, tx, t)
	})
}

func putTable(ctx context.Context, tx bun.Tx, t *lut.Table) error {
	m, err := toTableModel(t)
	if err != nil {
		return err
	}
	if _, err := tx.NewUpdate().Model(m).Column("data").WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("tempo/bun: update table: %w", err)
	}
	return nil
}
