package crank

import (
	"context"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// Store defines the persistence contract for cranks.
type Store interface {
	// CreateCrank persists a new crank. Returns
	// tempo.ErrCrankAlreadyExists if the ID or address is taken.
	CreateCrank(ctx context.Context, s *State) error

	// GetCrank retrieves a crank by ID.
	GetCrank(ctx context.Context, crankID id.ID) (*State, error)

	// UpdateCrank persists changes to an existing crank.
	UpdateCrank(ctx context.Context, s *State) error

	// DeleteCrank removes a crank by ID.
	DeleteCrank(ctx context.Context, crankID id.ID) error

	// ListCranks returns the cranks owned by authority, oldest first.
	ListCranks(ctx context.Context, authority resource.Handle) ([]*State, error)
}
