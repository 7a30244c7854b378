package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
)

// CreateTable persists a new lookup table.
func (s *Store) CreateTable(ctx context.Context, t *lut.Table) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: encode table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tempo_tables (id, authority, data, created_at)
		VALUES (?, ?, ?, ?)`,
		t.ID.String(), t.Authority.String(), data, nanos(t.CreatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrTableAlreadyExists
		}
		return fmt.Errorf("tempo/sqlite: create table: %w", err)
	}
	return nil
}

// GetTable retrieves a lookup table by ID.
func (s *Store) GetTable(ctx context.Context, tableID id.ID) (*lut.Table, error) {
	return getTable(ctx, s.db, tableID)
}

// ExtendTable appends the handles not yet present inside a transaction,
// so concurrent extensions never overshoot MaxMembers.
func (s *Store) ExtendTable(ctx context.Context, tableID id.ID, handles []resource.Handle, epoch uint64) (*lut.Table, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tempo/sqlite: begin extend: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	t, err := getTable(ctx, tx, tableID)
	if err != nil {
		return nil, err
	}
	added, err := t.Extend(handles, epoch)
	if err != nil {
		return nil, err
	}
	if added == 0 {
		return t, nil
	}
	if err := putTable(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tempo/sqlite: commit extend: %w", err)
	}
	return t, nil
}

// DeactivateTable marks a table unusable.
func (s *Store) DeactivateTable(ctx context.Context, tableID id.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: begin deactivate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	t, err := getTable(ctx, tx, tableID)
	if err != nil {
		return err
	}
	t.Deactivated = true
	if err := putTable(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// ListTables returns the tables owned by authority, oldest first.
func (s *Store) ListTables(ctx context.Context, authority resource.Handle) ([]*lut.Table, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM tempo_tables
		WHERE authority = ?
		ORDER BY created_at ASC, id ASC`,
		authority.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("tempo/sqlite: list tables: %w", err)
	}
	defer rows.Close()

	var out []*lut.Table
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("tempo/sqlite: scan table: %w", err)
		}
		t := &lut.Table{}
		if err := decode(data, t); err != nil {
			return nil, fmt.Errorf("tempo/sqlite: decode table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getTable(ctx context.Context, q queryer, tableID id.ID) (*lut.Table, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM tempo_tables WHERE id = ?`, tableID.String()).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrTableNotFound
		}
		return nil, fmt.Errorf("tempo/sqlite: get table: %w", err)
	}
	t := &lut.Table{}
	if err := decode(data, t); err != nil {
		return nil, fmt.Errorf("tempo/sqlite: decode table: %w", err)
	}
	return t, nil
}

func putTable(ctx context.Context, q queryer, t *lut.Table) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: encode table: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE tempo_tables SET data = ? WHERE id = ?`, data, t.ID.String()); err != nil {
		return fmt.Errorf("tempo/sqlite: update table: %w", err)
	}
	return nil
}
