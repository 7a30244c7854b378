package bunstore

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
	m, err := toCrankModel(c)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrCrankAlreadyExists
		}
		return fmt.Errorf("tempo/bun: create crank: %w", err)
	}
	return nil
}

// GetCrank retrieves a crank by ID.
func (s *Store) GetCrank(ctx context.Context, crankID id.ID) (*crank.State, error) {
	m := new(crankModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", crankID.String()).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrCrankNotFound
		}
		return nil, fmt.Errorf("tempo/bun: get crank: %w", err)
	}
	return fromCrankModel(m)
}

// UpdateCrank persists changes to an existing crank.
func (s *Store) UpdateCrank(ctx context.Context, c *crank.State) error {
	m, err := toCrankModel(c)
	if err != nil {
		return err
	}
	res, err := s.db.NewUpdate().Model(m).Column("data").WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("tempo/bun: update crank: %w", err)
	}
	if affected(res) == 0 {
		return tempo.ErrCrankNotFound
	}
	return nil
}

// DeleteCrank removes a crank by ID.
func (s *Store) DeleteCrank(ctx context.Context, crankID id.ID) error {
	res, err := s.db.NewDelete().
		TableExpr("tempo_cranks").
		Where("id = ?", crankID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tempo/bun: delete crank: %w", err)
	}
	if affected(res) == 0 {
		return tempo.ErrCrankNotFound
	}
	return nil
}

// ListCranks returns the cranks owned by authority, oldest first.
func (s *Store) ListCranks(ctx context.Context, authority resource.Handle) ([]*crank.State, error) {
	var models []crankModel
	err := s.db.NewSelect().
		Model(&models).
		Where("authority = ?", authority.String()).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tempo/bun: list cranks: %w", err)
	}

	out := make([]*crank.State, 0, len(models))
	for i := range models {
		c, err := fromCrankModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
