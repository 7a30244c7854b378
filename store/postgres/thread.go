package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

const threadColumns = `data, locked_by, locked_until`

// CreateThread persists a new thread.
func (s *Store) CreateThread(ctx context.Context, t *thread.Thread) error {
	data, err := encodeThread(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tempo_threads (
			id, authority, name, paused, next_attempt_at,
			locked_by, locked_until, data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, '', NULL, $6, $7, $8)`,
		t.ID.String(), t.Authority.String(), t.Name, t.Paused, t.NextAttemptAt,
		data, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/postgres: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID id.ID) (*thread.Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM tempo_threads WHERE id = $1`, threadID.String())
	t, err := scanThread(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrThreadNotFound
		}
		return nil, fmt.Errorf("tempo/postgres: get thread: %w", err)
	}
	return t, nil
}

// GetThreadByName retrieves a thread by its authority-unique name.
func (s *Store) GetThreadByName(ctx context.Context, authority resource.Handle, name string) (*thread.Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM tempo_threads WHERE authority = $1 AND name = $2`,
		authority.String(), name)
	t, err := scanThread(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrThreadNotFound
		}
		return nil, fmt.Errorf("tempo/postgres: get thread by name: %w", err)
	}
	return t, nil
}

// UpdateThread persists changes to an existing thread. Lease columns are
// left alone.
func (s *Store) UpdateThread(ctx context.Context, t *thread.Thread) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := encodeThread(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tempo_threads SET
			authority = $1, name = $2, paused = $3, next_attempt_at = $4,
			data = $5, updated_at = $6
		WHERE id = $7`,
		t.Authority.String(), t.Name, t.Paused, t.NextAttemptAt,
		data, t.UpdatedAt, t.ID.String(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/postgres: update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// DeleteThread removes a thread by ID.
func (s *Store) DeleteThread(ctx context.Context, threadID id.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tempo_threads WHERE id = $1`, threadID.String())
	if err != nil {
		return fmt.Errorf("tempo/postgres: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// ListThreads returns threads matching opts, oldest first.
func (s *Store) ListThreads(ctx context.Context, opts thread.ListOpts) ([]*thread.Thread, error) {
	var (
		where []string
		args  []any
	)
	if !opts.Authority.IsZero() {
		args = append(args, opts.Authority.String())
		where = append(where, fmt.Sprintf("authority = $%d", len(args)))
	}
	if !opts.IncludePaused {
		where = append(where, "paused = FALSE")
	}

	query := `SELECT ` + threadColumns + ` FROM tempo_threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryThreads(ctx, query, args...)
}

// ListDueThreads returns unpaused threads whose backoff has elapsed,
// oldest first.
func (s *Store) ListDueThreads(ctx context.Context, now time.Time, limit int) ([]*thread.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM tempo_threads
		WHERE paused = FALSE AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at ASC, id ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryThreads(ctx, query, args...)
}

// AcquireThreadLease takes the lease when it is free, expired, or already
// held by workerID. The row lock taken by UPDATE serializes contenders.
func (s *Store) AcquireThreadLease(ctx context.Context, threadID id.ID, workerID id.ID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE tempo_threads SET locked_by = $1, locked_until = $2
		WHERE id = $3
		  AND (locked_by = '' OR locked_by = $1 OR locked_until IS NULL OR locked_until <= $4)`,
		workerID.String(), now.Add(ttl), threadID.String(), now,
	)
	if err != nil {
		return false, fmt.Errorf("tempo/postgres: acquire lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.threadExists(ctx, threadID)
}

// ReleaseThreadLease releases the lease if workerID holds it.
func (s *Store) ReleaseThreadLease(ctx context.Context, threadID id.ID, workerID id.ID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tempo_threads SET locked_by = '', locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		threadID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("tempo/postgres: release lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.threadExists(ctx, threadID)
	}
	return nil
}

func (s *Store) threadExists(ctx context.Context, threadID id.ID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tempo_threads WHERE id = $1)`, threadID.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("tempo/postgres: lookup thread: %w", err)
	}
	if !exists {
		return tempo.ErrThreadNotFound
	}
	return nil
}

func (s *Store) queryThreads(ctx context.Context, query string, args ...any) ([]*thread.Thread, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tempo/postgres: list threads: %w", err)
	}
	defer rows.Close()

	var out []*thread.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("tempo/postgres: scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── encoding ─────────────────────────────────────────────────────

// encodeThread serializes t without its lease, which lives in columns.
func encodeThread(t *thread.Thread) ([]byte, error) {
	cp := *t
	cp.LockedBy = ""
	cp.LockedUntil = nil
	data, err := encode(&cp)
	if err != nil {
		return nil, fmt.Errorf("tempo/postgres: encode thread %s: %w", t.Name, err)
	}
	return data, nil
}

func scanThread(row pgx.Row) (*thread.Thread, error) {
	var (
		data        []byte
		lockedBy    string
		lockedUntil *time.Time
	)
	if err := row.Scan(&data, &lockedBy, &lockedUntil); err != nil {
		return nil, err
	}
	t := &thread.Thread{}
	if err := decode(data, t); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	t.LockedBy = lockedBy
	if lockedUntil != nil {
		lu := lockedUntil.UTC()
		t.LockedUntil = &lu
	}
	return t, nil
}
