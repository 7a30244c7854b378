package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ thread.Store     = (*Store)(nil)
	_ lut.Store        = (*Store)(nil)
	_ crank.Store      = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ admin.NonceStore = (*Store)(nil)
)

// Store keeps threads, lookup tables, cranks, failure reports and nonces
// in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New dials connString and owns the resulting pool; Close closes it.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("tempo/postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tempo/postgres: connect: %w", err)
	}
	return NewFromPool(pool, opts...), nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema files not yet recorded in
// tempo_migrations. Each file and its record commit together.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tempo_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("tempo/postgres: create migrations table: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("tempo/postgres: read migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		name := path.Base(file)
		applied, err := s.applyMigration(ctx, file, name)
		if err != nil {
			return fmt.Errorf("tempo/postgres: migration %s: %w", name, err)
		}
		if applied {
			s.logger.Info("applied migration", slog.String("file", name))
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, file, name string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Concurrent migrators queue on the row lock here.
	tag, err := tx.Exec(ctx,
		`INSERT INTO tempo_migrations (filename) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	data, err := fs.ReadFile(migrationsFS, file)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the pool, e.g. for tests that truncate tables.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
