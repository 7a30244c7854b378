package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
)

// PushDLQ adds a failure report.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	m, err := toDLQModel(entry)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("tempo/bun: push report: %w", err)
	}
	return nil
}

// ListDLQ returns reports matching opts, oldest failure first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqModel
	q := s.db.NewSelect().Model(&models)

	if !opts.ThreadID.IsNil() {
		q = q.Where("thread_id = ?", opts.ThreadID.String())
	}
	if !opts.Authority.IsZero() {
		q = q.Where("authority = ?", opts.Authority.String())
	}
	if opts.OpenOnly {
		q = q.Where("replayed_at IS NULL")
	}
	q = q.Order("failed_at ASC", "id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tempo/bun: list reports: %w", err)
	}

	out := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, err := fromDLQModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetDLQ retrieves a report by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.ID) (*dlq.Entry, error) {
	m := new(dlqModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", entryID.String()).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrReportNotFound
		}
		return nil, fmt.Errorf("tempo/bun: get report: %w", err)
	}
	return fromDLQModel(m)
}

// ReplayDLQ marks a report as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.ID) error {
	res, err := s.db.NewUpdate().
		TableExpr("tempo_dlq").
		Set("replayed_at = ?", time.Now().UTC()).
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tempo/bun: replay report: %w", err)
	}
	if affected(res) == 0 {
		return tempo.ErrReportNotFound
	}
	return nil
}

// PurgeDLQ removes reports that failed before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		TableExpr("tempo_dlq").
		Where("failed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("tempo/bun: purge reports: %w", err)
	}
	return affected(res), nil
}

// CountDLQ returns the total number of reports.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.db.NewSelect().TableExpr("tempo_dlq").Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("tempo/bun: count reports: %w", err)
	}
	return int64(n), nil
}
