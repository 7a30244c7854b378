package sqlite

import (
	"context"
	"fmt"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// CreateCrank persists a new crank. The derived address is unique.
func (s *Store) CreateCrank(ctx context.Context, c *crank.State) error {
	data, err := encode(c)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: encode crank: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tempo_cranks (id, address, authority, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID.String(), c.Address.String(), c.Authority.String(), data, nanos(c.CreatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrCrankAlreadyExists
		}
		return fmt.Errorf("tempo/sqlite: create crank: %w", err)
	}
	return nil
}

// GetCrank retrieves a crank by ID.
func (s *Store) GetCrank(ctx context.Context, crankID id.ID) (*crank.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tempo_cranks WHERE id = ?`, crankID.String()).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrCrankNotFound
		}
		return nil, fmt.Errorf("tempo/sqlite: get crank: %w", err)
	}
	c := &crank.State{}
	if err := decode(data, c); err != nil {
		return nil, fmt.Errorf("tempo/sqlite: decode crank: %w", err)
	}
	return c, nil
}

// UpdateCrank persists changes to an existing crank.
func (s *Store) UpdateCrank(ctx context.Context, c *crank.State) error {
	data, err := encode(c)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: encode crank: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tempo_cranks SET data = ? WHERE id = ?`, data, c.ID.String())
	if err != nil {
		return fmt.Errorf("tempo/sqlite: update crank: %w", err)
	}
	return expectOne(res, tempo.ErrCrankNotFound)
}

// DeleteCrank removes a crank by ID.
func (s *Store) DeleteCrank(ctx context.Context, crankID id.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tempo_cranks WHERE id = ?`, crankID.String())
	if err != nil {
		return fmt.Errorf("tempo/sqlite: delete crank: %w", err)
	}
	return expectOne(res, tempo.ErrCrankNotFound)
}

// ListCranks returns the cranks owned by authority, oldest first.
func (s *Store) ListCranks(ctx context.Context, authority resource.Handle) ([]*crank.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM tempo_cranks
		WHERE authority = ?
		ORDER BY created_at ASC, id ASC`,
		authority.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("tempo/sqlite: list cranks: %w", err)
	}
	defer rows.Close()

	var out []*crank.State
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("tempo/sqlite: scan crank: %w", err)
		}
		c := &crank.State{}
		if err := decode(data, c); err != nil {
			return nil, fmt.Errorf("tempo/sqlite: decode crank: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
