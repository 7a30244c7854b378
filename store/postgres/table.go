package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
)

// CreateTable persists a new lookup table.
func (s *Store) CreateTable(ctx context.Context, t *lut.Table) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("tempo/postgres: encode table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tempo_tables (id, authority, data, created_at)
		VALUES ($1, $2, $3, $4)`,
		t.ID.String(), t.Authority.String(), data, t.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrTableAlreadyExists
		}
		return fmt.Errorf("tempo/postgres: create table: %w", err)
	}
	return nil
}

// GetTable retrieves a lookup table by ID.
func (s *Store) GetTable(ctx context.Context, tableID id.ID) (*lut.Table, error) {
	return scanTable(s.pool.QueryRow(ctx, `SELECT data FROM tempo_tables WHERE id = $1`, tableID.String()))
}

// ExtendTable appends the handles not yet present. The row is locked for
// the read-extend-write so concurrent extensions never overshoot
// MaxMembers.
func (s *Store) ExtendTable(ctx context.Context, tableID id.ID, handles []resource.Handle, epoch uint64) (*lut.Table, error) {
	var out *lut.Table
	err := s.withLockedTable(ctx, tableID, func(tx pgx.Tx, t *lut.Table) error {
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
	return s.withLockedTable(ctx, tableID, func(tx pgx.Tx, t *lut.Table) error {
		t.Deactivated = true
		return putTable(ctx, tx, t)
	})
}

// ListTables returns the tables owned by authority, oldest first.
func (s *Store) ListTables(ctx context.Context, authority resource.Handle) ([]*lut.Table, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM tempo_tables
		WHERE authority = $1
		ORDER BY created_at ASC, id ASC`,
		authority.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("tempo/postgres: list tables: %w", err)
	}
	defer rows.Close()

	var out []*lut.Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// withLockedTable runs fn in a transaction holding the table's row lock
// and commits when fn succeeds.
func (s *Store) withLockedTable(ctx context.Context, tableID id.ID, fn func(pgx.Tx, *lut.Table) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tempo/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	t, err := scanTable(tx.QueryRow(ctx,
		`SELECT data FROM tempo_tables WHERE id = $1 FOR UPDATE`, tableID.String()))
	if err != nil {
		return err
	}
	if err := fn(tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tempo/postgres: commit: %w", err)
	}
	return nil
}

func putTable(ctx context.Context, tx pgx.Tx, t *lut.Table) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("tempo/postgres: encode table: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE tempo_tables SET data = $1 WHERE id = $2`, data, t.ID.String()); err != nil {
		return fmt.Errorf("tempo/postgres: update table: %w", err)
	}
	return nil
}

func scanTable(row pgx.Row) (*lut.Table, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrTableNotFound
		}
		return nil, fmt.Errorf("tempo/postgres: get table: %w", err)
	}
	t := &lut.Table{}
	if err := decode(data, t); err != nil {
		return nil, fmt.Errorf("tempo/postgres: decode table: %w", err)
	}
	return t, nil
}
