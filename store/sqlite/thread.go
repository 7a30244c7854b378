package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tempo_threads (
			id, authority, name, paused, next_attempt_at,
			locked_by, locked_until, data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, '', NULL, ?, ?, ?)`,
		t.ID.String(), t.Authority.String(), t.Name, t.Paused, nullNanos(t.NextAttemptAt),
		data, nanos(t.CreatedAt), nanos(t.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/sqlite: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID id.ID) (*thread.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM tempo_threads WHERE id = ?`, threadID.String())
	t, err := scanThread(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrThreadNotFound
		}
		return nil, fmt.Errorf("tempo/sqlite: get thread: %w", err)
	}
	return t, nil
}

// GetThreadByName retrieves a thread by its authority-unique name.
func (s *Store) GetThreadByName(ctx context.Context, authority resource.Handle, name string) (*thread.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM tempo_threads WHERE authority = ? AND name = ?`,
		authority.String(), name)
	t, err := scanThread(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrThreadNotFound
		}
		return nil, fmt.Errorf("tempo/sqlite: get thread by name: %w", err)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE tempo_threads SET
			authority = ?, name = ?, paused = ?, next_attempt_at = ?,
			data = ?, updated_at = ?
		WHERE id = ?`,
		t.Authority.String(), t.Name, t.Paused, nullNanos(t.NextAttemptAt),
		data, nanos(t.UpdatedAt), t.ID.String(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/sqlite: update thread: %w", err)
	}
	return expectOne(res, tempo.ErrThreadNotFound)
}

// DeleteThread removes a thread by ID.
func (s *Store) DeleteThread(ctx context.Context, threadID id.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tempo_threads WHERE id = ?`, threadID.String())
	if err != nil {
		return fmt.Errorf("tempo/sqlite: delete thread: %w", err)
	}
	return expectOne(res, tempo.ErrThreadNotFound)
}

// ListThreads returns threads matching opts, oldest first.
func (s *Store) ListThreads(ctx context.Context, opts thread.ListOpts) ([]*thread.Thread, error) {
	var (
		where []string
		args  []any
	)
	if !opts.Authority.IsZero() {
		where = append(where, "authority = ?")
		args = append(args, opts.Authority.String())
	}
	if !opts.IncludePaused {
		where = append(where, "paused = 0")
	}

	query := `SELECT ` + threadColumns + ` FROM tempo_threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.queryThreads(ctx, query, args...)
}

// ListDueThreads returns unpaused threads whose backoff has elapsed,
// oldest first.
func (s *Store) ListDueThreads(ctx context.Context, now time.Time, limit int) ([]*thread.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM tempo_threads
		WHERE paused = 0 AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC, id ASC`
	args := []any{nanos(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryThreads(ctx, query, args...)
}

// AcquireThreadLease takes the lease when it is free, expired, or already
// held by workerID.
func (s *Store) AcquireThreadLease(ctx context.Context, threadID id.ID, workerID id.ID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tempo_threads SET locked_by = ?, locked_until = ?
		WHERE id = ?
		  AND (locked_by = '' OR locked_by = ? OR locked_until IS NULL OR locked_until <= ?)`,
		workerID.String(), nanos(now.Add(ttl)),
		threadID.String(), workerID.String(), nanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("tempo/sqlite: acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tempo/sqlite: acquire lease: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	return false, s.threadExists(ctx, threadID)
}

// ReleaseThreadLease releases the lease if workerID holds it.
func (s *Store) ReleaseThreadLease(ctx context.Context, threadID id.ID, workerID id.ID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tempo_threads SET locked_by = '', locked_until = NULL
		WHERE id = ? AND locked_by = ?`,
		threadID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: release lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.threadExists(ctx, threadID)
	}
	return nil
}

func (s *Store) threadExists(ctx context.Context, threadID id.ID) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tempo_threads WHERE id = ?`, threadID.String()).Scan(&one)
	if isNoRows(err) {
		return tempo.ErrThreadNotFound
	}
	return err
}

func (s *Store) queryThreads(ctx context.Context, query string, args ...any) ([]*thread.Thread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tempo/sqlite: list threads: %w", err)
	}
	defer rows.Close()

	var out []*thread.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("tempo/sqlite: scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── encoding ─────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

// encodeThread serializes t without its lease, which lives in columns.
func encodeThread(t *thread.Thread) ([]byte, error) {
	cp := *t
	cp.LockedBy = ""
	cp.LockedUntil = nil
	data, err := encode(&cp)
	if err != nil {
		return nil, fmt.Errorf("tempo/sqlite: encode thread %s: %w", t.Name, err)
	}
	return data, nil
}

func scanThread(row scanner) (*thread.Thread, error) {
	var (
		data        []byte
		lockedBy    string
		lockedUntil sql.NullInt64
	)
	if err := row.Scan(&data, &lockedBy, &lockedUntil); err != nil {
		return nil, err
	}
	t := &thread.Thread{}
	if err := decode(data, t); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	t.LockedBy = lockedBy
	t.LockedUntil = fromNullNanos(lockedUntil)
	return t, nil
}

// expectOne maps a zero-row write to notFound.
func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
