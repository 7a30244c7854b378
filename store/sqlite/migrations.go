package sqlite

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tempo tables.
// Each statement uses IF NOT EXISTS for idempotency. Times are UTC unix
// nanoseconds so range filters compare numerically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tempo_threads (
		id              TEXT PRIMARY KEY,
		authority       TEXT NOT NULL,
		name            TEXT NOT NULL,
		paused          INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER,
		locked_by       TEXT NOT NULL DEFAULT '',
		locked_until    INTEGER,
		data            BLOB NOT NULL,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		UNIQUE (authority, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tempo_threads_due
		ON tempo_threads (paused, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tempo_threads_created
		ON tempo_threads (created_at, id)`,

	`CREATE TABLE IF NOT EXISTS tempo_tables (
		id         TEXT PRIMARY KEY,
		authority  TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tempo_tables_authority
		ON tempo_tables (authority, created_at)`,

	`CREATE TABLE IF NOT EXISTS tempo_cranks (
		id         TEXT PRIMARY KEY,
		address    TEXT NOT NULL UNIQUE,
		authority  TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tempo_cranks_authority
		ON tempo_cranks (authority, created_at)`,

	`CREATE TABLE IF NOT EXISTS tempo_dlq (
		id          TEXT PRIMARY KEY,
		thread_id   TEXT NOT NULL,
		authority   TEXT NOT NULL,
		failed_at   INTEGER NOT NULL,
		replayed_at INTEGER,
		data        BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tempo_dlq_thread
		ON tempo_dlq (thread_id, failed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tempo_dlq_failed
		ON tempo_dlq (failed_at)`,

	`CREATE TABLE IF NOT EXISTS tempo_nonces (
		authority TEXT NOT NULL,
		nonce     TEXT NOT NULL,
		used_at   INTEGER NOT NULL,
		PRIMARY KEY (authority, nonce)
	)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
