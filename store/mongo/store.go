package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Collection name constants.
const (
	colThreads = "tempo_threads"
	colTables  = "tempo_tables"
	colCranks  = "tempo_cranks"
	colDLQ     = "tempo_dlq"
	colNonces  = "tempo_nonces"
)

var (
	_ thread.Store     = (*Store)(nil)
	_ lut.Store        = (*Store)(nil)
	_ crank.Store      = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ admin.NonceStore = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store.
type Store struct {
	db     *mongod.Database
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

// New creates a store over db. Close leaves the client connected.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying database handle.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates the indexes of every tempo collection. It is safe to
// run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tempo/mongo: migrate %s indexes: %w", col, err)
		}
		s.logger.Debug("ensured indexes", slog.String("collection", col), slog.Int("count", len(models)))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op; the caller disconnects the client.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// byAge sorts oldest first with the id as tiebreak.
var byAge = bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}

func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colThreads: {
			{
				Keys:    bson.D{{Key: "authority", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			// Due scan.
			{Keys: bson.D{
				{Key: "paused", Value: 1},
				{Key: "next_attempt_at", Value: 1},
				{Key: "created_at", Value: 1},
			}},
		},
		colTables: {
			{Keys: bson.D{{Key: "authority", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colCranks: {
			{
				Keys:    bson.D{{Key: "address", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "authority", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colDLQ: {
			{Keys: bson.D{{Key: "failed_at", Value: 1}}},
			{Keys: bson.D{{Key: "thread_id", Value: 1}}},
		},
		colNonces: {
			{
				Keys:    bson.D{{Key: "authority", Value: 1}, {Key: "nonce", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
