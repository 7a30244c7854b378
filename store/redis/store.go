package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Compile-time interface checks.
var (
	_ thread.Store     = (*Store)(nil)
	_ lut.Store        = (*Store)(nil)
	_ crank.Store      = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ admin.NonceStore = (*Store)(nil)
)

// maxWatchRetries bounds optimistic retries under WATCH.
const maxWatchRetries = 16

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// watch runs fn under WATCH on key, retrying when another client
// modified key before the transaction committed.
func (s *Store) watch(ctx context.Context, key string, fn func(tx *goredis.Tx) error) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("tempo/redis: %s: too many concurrent writers", key)
}

// ── encoding ─────────────────────────────────────────────────────

// encode serializes v with msgpack, falling back to json tags so record
// types need no msgpack annotations.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// score orders members of the enumeration sets.
func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func isNil(err error) bool { return errors.Is(err, goredis.Nil) }
