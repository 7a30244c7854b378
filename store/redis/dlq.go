package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/id"
)

// PushDLQ adds a failure report.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	data, err := encode(entry)
	if err != nil {
		return fmt.Errorf("tempo/redis: encode report: %w", err)
	}
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dlqKey(eID), data, 0)
	pipe.ZAdd(ctx, dlqIDsKey, goredis.Z{Score: score(entry.FailedAt), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tempo/redis: push report: %w", err)
	}
	return nil
}

// ListDLQ returns reports matching opts, oldest failure first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRange(ctx, dlqIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tempo/redis: list reports: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		e, err := s.getEntry(ctx, eID)
		if errors.Is(err, tempo.ErrReportNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !opts.ThreadID.IsNil() && e.ThreadID.String() != opts.ThreadID.String() {
			continue
		}
		if !opts.Authority.IsZero() && e.Authority != opts.Authority {
			continue
		}
		if opts.OpenOnly && !e.Open() {
			continue
		}
		entries = append(entries, e)
	}

	if opts.Offset >= len(entries) {
		return nil, nil
	}
	entries = entries[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDLQ retrieves a report by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.ID) (*dlq.Entry, error) {
	return s.getEntry(ctx, entryID.String())
}

// ReplayDLQ marks a report as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.ID) error {
	key := dlqKey(entryID.String())
	return s.watch(ctx, key, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if isNil(err) {
				return tempo.ErrReportNotFound
			}
			return fmt.Errorf("tempo/redis: replay report: %w", err)
		}
		e := &dlq.Entry{}
		if err := decode(raw, e); err != nil {
			return fmt.Errorf("tempo/redis: decode report: %w", err)
		}
		now := time.Now().UTC()
		e.ReplayedAt = &now
		data, err := encode(e)
		if err != nil {
			return fmt.Errorf("tempo/redis: encode report: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
}

// PurgeDLQ removes reports that failed before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, dlqIDsKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("tempo/redis: purge reports: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, eID := range ids {
		keys[i] = dlqKey(eID)
		members[i] = eID
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	removed := pipe.ZRem(ctx, dlqIDsKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("tempo/redis: purge reports: %w", err)
	}
	return removed.Val(), nil
}

// CountDLQ returns the total number of reports.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("tempo/redis: count reports: %w", err)
	}
	return n, nil
}

func (s *Store) getEntry(ctx context.Context, eID string) (*dlq.Entry, error) {
	raw, err := s.client.Get(ctx, dlqKey(eID)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, tempo.ErrReportNotFound
		}
		return nil, fmt.Errorf("tempo/redis: get report: %w", err)
	}
	e := &dlq.Entry{}
	if err := decode(raw, e); err != nil {
		return nil, fmt.Errorf("tempo/redis: decode report: %w", err)
	}
	return e, nil
}
