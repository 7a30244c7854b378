package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
)

// PushDLQ adds a failure report.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	data, err := encode(entry)
	if err != nil {
		return fmt.Errorf("tempo/postgres: encode report: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tempo_dlq (id, thread_id, authority, failed_at, replayed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID.String(), entry.ThreadID.String(), entry.Authority.String(),
		entry.FailedAt, entry.ReplayedAt, data,
	)
	if err != nil {
		return fmt.Errorf("tempo/postgres: push report: %w", err)
	}
	return nil
}

// ListDLQ returns reports matching opts, oldest failure first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var (
		where []string
		args  []any
	)
	if !opts.ThreadID.IsNil() {
		args = append(args, opts.ThreadID.String())
		where = append(where, fmt.Sprintf("thread_id = $%d", len(args)))
	}
	if !opts.Authority.IsZero() {
		args = append(args, opts.Authority.String())
		where = append(where, fmt.Sprintf("authority = $%d", len(args)))
	}
	if opts.OpenOnly {
		where = append(where, "replayed_at IS NULL")
	}

	query := `SELECT data, replayed_at FROM tempo_dlq`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at ASC, id ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tempo/postgres: list reports: %w", err)
	}
	defer rows.Close()

	var out []*dlq.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("tempo/postgres: scan report: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDLQ retrieves a report by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.ID) (*dlq.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT data, replayed_at FROM tempo_dlq WHERE id = $1`, entryID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrReportNotFound
		}
		return nil, fmt.Errorf("tempo/postgres: get report: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a report as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.ID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tempo_dlq SET replayed_at = $1 WHERE id = $2`,
		time.Now().UTC(), entryID.String())
	if err != nil {
		return fmt.Errorf("tempo/postgres: replay report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tempo.ErrReportNotFound
	}
	return nil
}

// PurgeDLQ removes reports that failed before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tempo_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("tempo/postgres: purge reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the total number of reports.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tempo_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tempo/postgres: count reports: %w", err)
	}
	return n, nil
}

func scanEntry(row pgx.Row) (*dlq.Entry, error) {
	var (
		data       []byte
		replayedAt *time.Time
	)
	if err := row.Scan(&data, &replayedAt); err != nil {
		return nil, err
	}
	e := &dlq.Entry{}
	if err := decode(data, e); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	e.ReplayedAt = nil
	if replayedAt != nil {
		ra := replayedAt.UTC()
		e.ReplayedAt = &ra
	}
	return e, nil
}
