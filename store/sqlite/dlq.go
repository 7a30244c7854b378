package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
)

// PushDLQ adds a failure report.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	data, err := encode(entry)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: encode report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tempo_dlq (id, thread_id, authority, failed_at, replayed_at, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.ThreadID.String(), entry.Authority.String(),
		nanos(entry.FailedAt), nullNanos(entry.ReplayedAt), data,
	)
	if err != nil {
		return fmt.Errorf("tempo/sqlite: push report: %w", err)
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
		where = append(where, "thread_id = ?")
		args = append(args, opts.ThreadID.String())
	}
	if !opts.Authority.IsZero() {
		where = append(where, "authority = ?")
		args = append(args, opts.Authority.String())
	}
	if opts.OpenOnly {
		where = append(where, "replayed_at IS NULL")
	}

	query := `SELECT data, replayed_at FROM tempo_dlq`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at ASC, id ASC"
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tempo/sqlite: list reports: %w", err)
	}
	defer rows.Close()

	var out []*dlq.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("tempo/sqlite: scan report: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDLQ retrieves a report by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.ID) (*dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, replayed_at FROM tempo_dlq WHERE id = ?`, entryID.String())
	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tempo.ErrReportNotFound
		}
		return nil, fmt.Errorf("tempo/sqlite: get report: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a report as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.ID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tempo_dlq SET replayed_at = ? WHERE id = ?`,
		nanos(time.Now().UTC()), entryID.String())
	if err != nil {
		return fmt.Errorf("tempo/sqlite: replay report: %w", err)
	}
	return expectOne(res, tempo.ErrReportNotFound)
}

// PurgeDLQ removes reports that failed before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tempo_dlq WHERE failed_at < ?`, nanos(before))
	if err != nil {
		return 0, fmt.Errorf("tempo/sqlite: purge reports: %w", err)
	}
	return res.RowsAffected()
}

// CountDLQ returns the total number of reports.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tempo_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tempo/sqlite: count reports: %w", err)
	}
	return n, nil
}

func scanEntry(row scanner) (*dlq.Entry, error) {
	var (
		data       []byte
		replayedAt sql.NullInt64
	)
	if err := row.Scan(&data, &replayedAt); err != nil {
		return nil, err
	}
	e := &dlq.Entry{}
	if err := decode(data, e); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	e.ReplayedAt = fromNullNanos(replayedAt)
	return e, nil
}
