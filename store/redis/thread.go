package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
)

// createThreadScript inserts a thread unless its ID or name is taken.
//
// KEYS: thread hash, names hash, ID set. ARGV: name field, id, data, score.
var createThreadScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[3], 'locked_by', '')
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// updateThreadScript replaces the data field of an existing thread.
var updateThreadScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[1])
return 1
`)

// acquireLeaseScript takes the lease when it is free, expired, or held by
// the caller. Returns -1 for a missing thread.
//
// ARGV: worker, locked until (ms), now (ms).
var acquireLeaseScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local holder = redis.call('HGET', KEYS[1], 'locked_by')
local untl = tonumber(redis.call('HGET', KEYS[1], 'locked_until') or '0') or 0
if holder and holder ~= '' and holder ~= ARGV[1] and untl > tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], 'locked_by', ARGV[1], 'locked_until', ARGV[2])
return 1
`)

// releaseLeaseScript clears the lease if ARGV[1] holds it.
var releaseLeaseScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'locked_by') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'locked_by', '')
  redis.call('HDEL', KEYS[1], 'locked_until')
end
return 1
`)

// CreateThread persists a new thread.
func (s *Store) CreateThread(ctx context.Context, t *thread.Thread) error {
	data, err := encodeThread(t)
	if err != nil {
		return err
	}
	tID := t.ID.String()
	ok, err := createThreadScript.Run(ctx, s.client,
		[]string{threadKey(tID), threadNamesKey, threadIDsKey},
		threadNameField(t.Authority, t.Name), tID, data, score(t.CreatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("tempo/redis: create thread: %w", err)
	}
	if ok == 0 {
		return tempo.ErrThreadAlreadyExists
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID id.ID) (*thread.Thread, error) {
	vals, err := s.client.HMGet(ctx, threadKey(threadID.String()), "data", "locked_by", "locked_until").Result()
	if err != nil {
		return nil, fmt.Errorf("tempo/redis: get thread: %w", err)
	}
	t, err := threadFromFields(vals)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, tempo.ErrThreadNotFound
	}
	return t, nil
}

// GetThreadByName retrieves a thread by its authority-unique name.
func (s *Store) GetThreadByName(ctx context.Context, authority resource.Handle, name string) (*thread.Thread, error) {
	raw, err := s.client.HGet(ctx, threadNamesKey, threadNameField(authority, name)).Result()
	if err != nil {
		if isNil(err) {
			return nil, tempo.ErrThreadNotFound
		}
		return nil, fmt.Errorf("tempo/redis: get thread by name: %w", err)
	}
	threadID, err := id.ParseThreadID(raw)
	if err != nil {
		return nil, fmt.Errorf("tempo/redis: thread name index: %w", err)
	}
	return s.GetThread(ctx, threadID)
}

// UpdateThread persists changes to an existing thread. The lease fields
// of the hash are left alone.
func (s *Store) UpdateThread(ctx context.Context, t *thread.Thread) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := encodeThread(t)
	if err != nil {
		return err
	}
	ok, err := updateThreadScript.Run(ctx, s.client, []string{threadKey(t.ID.String())}, data).Int()
	if err != nil {
		return fmt.Errorf("tempo/redis: update thread: %w", err)
	}
	if ok == 0 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// DeleteThread removes a thread and its index entries.
func (s *Store) DeleteThread(ctx context.Context, threadID id.ID) error {
	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	tID := threadID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, threadKey(tID))
	pipe.ZRem(ctx, threadIDsKey, tID)
	pipe.HDel(ctx, threadNamesKey, threadNameField(t.Authority, t.Name))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tempo/redis: delete thread: %w", err)
	}
	return nil
}

// ListThreads returns threads matching opts, oldest first.
func (s *Store) ListThreads(ctx context.Context, opts thread.ListOpts) ([]*thread.Thread, error) {
	return s.scanThreads(ctx, opts.Limit, func(t *thread.Thread) bool {
		if !opts.Authority.IsZero() && t.Authority != opts.Authority {
			return false
		}
		return opts.IncludePaused || !t.Paused
	})
}

// ListDueThreads returns unpaused threads whose backoff has elapsed,
// oldest first.
func (s *Store) ListDueThreads(ctx context.Context, now time.Time, limit int) ([]*thread.Thread, error) {
	return s.scanThreads(ctx, limit, func(t *thread.Thread) bool {
		if t.Paused {
			return false
		}
		return t.NextAttemptAt == nil || !t.NextAttemptAt.After(now)
	})
}

// AcquireThreadLease takes the lease when it is free, expired, or already
// held by workerID.
func (s *Store) AcquireThreadLease(ctx context.Context, threadID id.ID, workerID id.ID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := acquireLeaseScript.Run(ctx, s.client, []string{threadKey(threadID.String())},
		workerID.String(), now.Add(ttl).UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("tempo/redis: acquire lease: %w", err)
	}
	switch res {
	case -1:
		return false, tempo.ErrThreadNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// ReleaseThreadLease releases the lease if workerID holds it.
func (s *Store) ReleaseThreadLease(ctx context.Context, threadID id.ID, workerID id.ID) error {
	res, err := releaseLeaseScript.Run(ctx, s.client, []string{threadKey(threadID.String())}, workerID.String()).Int()
	if err != nil {
		return fmt.Errorf("tempo/redis: release lease: %w", err)
	}
	if res == -1 {
		return tempo.ErrThreadNotFound
	}
	return nil
}

// scanThreads walks threads in creation order and keeps those accepted by
// keep, stopping at limit when limit > 0.
func (s *Store) scanThreads(ctx context.Context, limit int, keep func(*thread.Thread) bool) ([]*thread.Thread, error) {
	ids, err := s.client.ZRange(ctx, threadIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tempo/redis: list threads: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, tID := range ids {
		cmds[i] = pipe.HMGet(ctx, threadKey(tID), "data", "locked_by", "locked_until")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("tempo/redis: list threads: %w", err)
	}

	var out []*thread.Thread
	for _, cmd := range cmds {
		t, err := threadFromFields(cmd.Val())
		if err != nil {
			return nil, err
		}
		// Deleted between ZRANGE and HMGET.
		if t == nil || !keep(t) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ── encoding ─────────────────────────────────────────────────────

// encodeThread serializes t without its lease, which lives in separate
// hash fields.
func encodeThread(t *thread.Thread) ([]byte, error) {
	cp := *t
	cp.LockedBy = ""
	cp.LockedUntil = nil
	data, err := encode(&cp)
	if err != nil {
		return nil, fmt.Errorf("tempo/redis: encode thread %s: %w", t.Name, err)
	}
	return data, nil
}

// threadFromFields decodes an HMGET of data, locked_by, locked_until.
// A missing hash yields nil.
func threadFromFields(vals []any) (*thread.Thread, error) {
	if len(vals) != 3 || vals[0] == nil {
		return nil, nil
	}
	raw, _ := vals[0].(string)
	t := &thread.Thread{}
	if err := decode([]byte(raw), t); err != nil {
		return nil, fmt.Errorf("tempo/redis: decode thread: %w", err)
	}
	if by, ok := vals[1].(string); ok {
		t.LockedBy = by
	}
	if until, ok := vals[2].(string); ok && until != "" {
		ms, err := strconv.ParseInt(until, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tempo/redis: lease expiry %q: %w", until, err)
		}
		lu := time.UnixMilli(ms).UTC()
		t.LockedUntil = &lu
	}
	return t, nil
}
