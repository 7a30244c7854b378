// Package store defines the aggregate persistence interface. Each subsystem
// (thread, lut, crank, dlq, admin) defines its own store interface. The
// composite Store composes them all. Backends: Postgres (pgx or Bun),
// MongoDB, SQLite, Redis, and Memory.
package store

import (
	"context"

	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Store is the aggregate persistence interface.
// A single backend (postgres, bun, mongo, sqlite, redis, memory) implements all of them.
type Store interface {
	thread.Store
	lut.Store
	crank.Store
	dlq.Store
	admin.NonceStore

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
