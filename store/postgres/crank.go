package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// CreateCrank persists a new crank. The derived address is unique.
func (s *Store) CreateCrank(ctx context.Context, c *crank.State) error {
	data, err := encode(c)
	if err != nil {
		return fmt.Errorf("tempo/postgres: encode crank: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tempo_cranks (id, address, authority, data, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID.String(), c.Address.String(), c.Authority.String(), data, c.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrCrankAlreadyExists
		}
		return fmt.Errorf("tempo/postgres: create crank: %w", err)
	}
	return nil
}

// GetCrank retrieves a crank by ID.
func (s *Store) GetCrank(ctx context.Context, crankID id.ID) (*crank.State, error) {
	return scanCrank(s.pool.QueryRow(ctx, `SELECT data FROM tempo_cranks WHERE id = $1`, crankID.String()))
}

// UpdateCrank persists changes to an existing crank.
func (s *Store) UpdateCrank(ctx context.Context, c *crank.State) error {
	data, err := encode(c)
	if err != nil {
		return fmt.Errorf("tempo/postgres: encode crank: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE tempo_cranks SET data = $1 WHERE id = $2`, data, c.ID.String())
	if err != nil {
		return fmt.Errorf("tempo/postgres: update crank: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tempo.ErrCrankNotFound
	}
	return nil
}

// DeleteCrank removes a crank by ID.
func (s *Store) DeleteCrank(ctx context.Context, crankID id.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tempo_cranks WHERE id = $1`, crankID.String())
	if err != nil {
		return fmt.Errorf("tempo/postgres: delete crank: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tempo.ErrCrankNotFound
	}
	return nil
}

// ListCranks returns the cranks owned by authority, oldest first.
func (s *Store) ListCranks(ctx context.Context, authority resource.Handle) ([]*crank.State, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM tempo_cranks
		WHERE authority = $1
		ORDER BY created_at ASC, id ASC`,
		authority.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("tempo/postgres: list cranks: %w", err)
	}
	defer rows.Close()

	var out []*crank.State
	for rows.Next() {
		c, err := scanCrank(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCrank(row pgx.Row) (*crank.State, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrCrankNotFound
		}
		return nil, fmt.Errorf("tempo/postgres: get crank: %w", err)
	}
	c := &crank.State{}
	if err := decode(data, c); err != nil {
		return nil, fmt.Errorf("tempo/postgres: decode crank: %w", err)
	}
	return c, nil
}
