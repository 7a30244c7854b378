package bunstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/uptrace/bun"

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

// Store keeps tempo state in PostgreSQL through Bun.
type Store struct {
	db     *bun.DB
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

// New wraps db. Close leaves db open.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate applies the embedded schema files not yet recorded in
// tempo_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tempo_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("tempo/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("tempo/bun: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		applied, err := s.db.NewSelect().
			TableExpr("tempo_migrations").
			Where("filename = ?", entry.Name()).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("tempo/bun: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return fmt.Errorf("tempo/bun: read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("tempo/bun: execute migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO tempo_migrations (filename) VALUES (?)`, entry.Name()); err != nil {
			return fmt.Errorf("tempo/bun: record migration %s: %w", entry.Name(), err)
		}

		s.logger.Info("applied migration", slog.String("file", entry.Name()))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the caller closes the *bun.DB.
func (s *Store) Close() error {
	return nil
}
