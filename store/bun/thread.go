package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// CreateThread persists a new thread.
func (s *Store) CreateThread(ctx context.Context, t *thread.Thread) error {
	m, err := toThreadModel(t)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/bun: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID id.ID) (*thread.Thread, error) {
	return s.getThread(ctx, s.db.NewSelect().Where("id = ?", threadID.String()))
}

// GetThreadByName retrieves a thread by its authority-unique name.
func (s *Store) GetThreadByName(ctx context.Context, authority resource.Handle, name string) (*thread.Thread, error) {
	return s.getThread(ctx, s.db.NewSelect().
		Where("authority = ?", authority.String()).
		Where("name = ?", name))
}

func (s *Store) getThread(ctx context.Context, q *bun.SelectQuery) (*thread.Thread, error) {
	m := new(threadModel)
	if err := q.Model(m).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrThreadNotFound
		}
		return nil, fmt.Errorf("tempo/bun: get thread: %w", err)
	}
	return fromThreadModel(m)
}

// UpdateThread persists changes to an existing thread. The lease columns
// are not in the column list.
func (s *Store) UpdateThread(ctx context.Context, t *thread.Thread) error {
	t.UpdatedAt = time.Now().UTC()
	m, err := toThreadModel(t)
	if err != nil {
		return err
	}
	res, err := s.db.NewUpdate().
		Model(m).
		Column("authority", "name", "paused", "next_attempt_at", "data", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return tempo.ErrThreadAlreadyExists
		}
		return fmt.Errorf("tempo/bun: update thread: %w", err)
	}
	if affected(res) == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// DeleteThread removes a thread by ID.
func (s *Store) DeleteThread(ctx context.Context, threadID id.ID) error {
	res, err := s.db.NewDelete().
		TableExpr("tempo_threads").
		Where("id = ?", threadID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tempo/bun: delete thread: %w", err)
	}
	if affected(res) == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// ListThreads returns threads matching opts, oldest first.
func (s *Store) ListThreads(ctx context.Context, opts thread.ListOpts) ([]*thread.Thread, error) {
	var models []threadModel
	q := s.db.NewSelect().Model(&models)
	if !opts.Authority.IsZero() {
		q = q.Where("authority = ?", opts.Authority.String())
	}
	if !opts.IncludePaused {
		q = q.Where("paused = FALSE")
	}
	q = q.Order("created_at ASC", "id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tempo/bun: list threads: %w", err)
	}
	return fromThreadModels(models)
}

// ListDueThreads returns unpaused threads whose backoff has elapsed,
// oldest first.
func (s *Store) ListDueThreads(ctx context.Context, now time.Time, limit int) ([]*thread.Thread, error) {
	var models []threadModel
	q := s.db.NewSelect().
		Model(&models).
		Where("paused = FALSE").
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Order("created_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tempo/bun: list due threads: %w", err)
	}
	return fromThreadModels(models)
}

// AcquireThreadLease takes the lease when it is free, expired, or already
// held by workerID.
func (s *Store) AcquireThreadLease(ctx context.Context, threadID id.ID, workerID id.ID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	wID := workerID.String()

	res, err := s.db.NewUpdate().
		TableExpr("tempo_threads").
		Set("locked_by = ?", wID).
		Set("locked_until = ?", now.Add(ttl)).
		Where("id = ?", threadID.String()).
		Where("(locked_by = '' OR locked_by = ? OR locked_until IS NULL OR locked_until <= ?)", wID, now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("tempo/bun: acquire lease: %w", err)
	}
	if affected(res) == 1 {
		return true, nil
	}
	return false, s.threadExists(ctx, threadID)
}

// ReleaseThreadLease releases the lease if workerID holds it.
func (s *Store) ReleaseThreadLease(ctx context.Context, threadID id.ID, workerID id.ID) error {
	res, err := s.db.NewUpdate().
		TableExpr("tempo_threads").
		Set("locked_by = ''").
		Set("locked_until = NULL").
		Where("id = ?", threadID.String()).
		Where("locked_by = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tempo/bun: release lease: %w", err)
	}
	if affected(res) == 0 {
		return s.threadExists(ctx, threadID)
	}
	return nil
}

func (s *Store) threadExists(ctx context.Context, threadID id.ID) error {
	exists, err := s.db.NewSelect().
		TableExpr("tempo_threads").
		Where("id = ?", threadID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("tempo/bun: lookup thread: %w", err)
	}
	if !exists {
		return tempo.ErrThreadNotFound
	}
	return nil
}

func fromThreadModels(models []threadModel) ([]*thread.Thread, error) {
	out := make([]*thread.Thread, 0, len(models))
	for i := range models {
		t, err := fromThreadModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
