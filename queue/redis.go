package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tempo/resource"
)

var (
	_ Queue    = (*Redis)(nil)
	_ Provider = (*RedisProvider)(nil)
)

const keyPrefix = "tempo:queue:"

// appendScript allocates the next sequence number and adds the entry with
// that number as its stream ID, so concurrent appenders never collide.
var appendScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], seq .. '-0', 'cp', ARGV[1], 'payload', ARGV[2])
return seq
`)

// Redis is a Queue backed by a Redis Stream. Entry sequence numbers are
// the millisecond part of the stream IDs.
type Redis struct {
	client goredis.Cmdable
	stream string
	seqKey string
}

// NewRedis returns the queue stored under handle.
func NewRedis(client goredis.Cmdable, handle resource.Handle) *Redis {
	base := keyPrefix + handle.String()
	return &Redis{client: client, stream: base, seqKey: base + ":seq"}
}

// Append implements Queue.
func (r *Redis) Append(ctx context.Context, counterparty resource.Handle, payload []byte) (Entry, error) {
	seq, err := appendScript.Run(ctx, r.client, []string{r.stream, r.seqKey}, counterparty.String(), string(payload)).Int64()
	if err != nil {
		return Entry{}, fmt.Errorf("tempo/queue: redis append: %w", err)
	}
	return Entry{Seq: uint64(seq), Counterparty: counterparty, Payload: payload}, nil //nolint:gosec // INCR is positive
}

// Peek implements Source.
func (r *Redis) Peek(ctx context.Context, n int) ([]Entry, error) {
	var (
		msgs []goredis.XMessage
		err  error
	)
	if n > 0 {
		msgs, err = r.client.XRangeN(ctx, r.stream, "-", "+", int64(n)).Result()
	} else {
		msgs, err = r.client.XRange(ctx, r.stream, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("tempo/queue: redis peek: %w", err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		e, convErr := messageToEntry(msg)
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, e)
	}
	return out, nil
}

// Len implements Source.
func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.XLen(ctx, r.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("tempo/queue: redis len: %w", err)
	}
	return int(n), nil
}

// Consume implements Source.
func (r *Redis) Consume(ctx context.Context, throughSeq uint64) error {
	if throughSeq == 0 {
		return nil
	}
	msgs, err := r.client.XRange(ctx, r.stream, "-", strconv.FormatUint(throughSeq, 10)+"-0").Result()
	if err != nil {
		return fmt.Errorf("tempo/queue: redis consume range: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	if err := r.client.XDel(ctx, r.stream, ids...).Err(); err != nil {
		return fmt.Errorf("tempo/queue: redis consume: %w", err)
	}
	return nil
}

func messageToEntry(msg goredis.XMessage) (Entry, error) {
	ms, _, _ := strings.Cut(msg.ID, "-")
	seq, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("tempo/queue: redis entry id %q: %w", msg.ID, err)
	}

	cp, _ := msg.Values["cp"].(string) //nolint:errcheck // validated by ParseHandle
	counterparty, err := resource.ParseHandle(cp)
	if err != nil {
		return Entry{}, fmt.Errorf("tempo/queue: redis entry %q: %w", msg.ID, err)
	}

	e := Entry{Seq: seq, Counterparty: counterparty}
	if p, ok := msg.Values["payload"].(string); ok && p != "" {
		e.Payload = []byte(p)
	}
	return e, nil
}

// RedisProvider hands out Redis queues by handle.
type RedisProvider struct {
	client goredis.Cmdable
}

// NewRedisProvider creates a Provider over client.
func NewRedisProvider(client goredis.Cmdable) *RedisProvider {
	return &RedisProvider{client: client}
}

// Queue implements Provider. Every handle names a queue; an unused one is
// simply empty.
func (p *RedisProvider) Queue(_ context.Context, handle resource.Handle) (Queue, error) {
	return NewRedis(p.client, handle), nil
}
