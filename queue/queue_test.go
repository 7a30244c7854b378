package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tempo/queue"
	"github.com/xraph/tempo/resource"
)

func newRedisQueue(t *testing.T) *queue.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedis(client, resource.Derive("event-queue"))
}

func forEachQueue(t *testing.T, fn func(t *testing.T, q queue.Queue)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, queue.NewMemory()) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisQueue(t)) })
}

func appendN(t *testing.T, q queue.Queue, n int) []queue.Entry {
	t.Helper()
	out := make([]queue.Entry, n)
	for i := range n {
		e, err := q.Append(context.Background(), resource.Derive("cp", []byte{byte(i)}), []byte{byte(i)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		out[i] = e
	}
	return out
}

func TestSequenceNumbersIncrease(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q queue.Queue) {
		entries := appendN(t, q, 4)
		for i := 1; i < len(entries); i++ {
			if entries[i].Seq <= entries[i-1].Seq {
				t.Fatalf("seq %d not after %d", entries[i].Seq, entries[i-1].Seq)
			}
		}
	})
}

func TestPeekReturnsOldestWithoutRemoving(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q queue.Queue) {
		ctx := context.Background()
		appended := appendN(t, q, 5)

		got, err := q.Peek(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("peek len = %d, want 3", len(got))
		}
		for i := range got {
			if got[i].Seq != appended[i].Seq || got[i].Counterparty != appended[i].Counterparty {
				t.Errorf("entry %d mismatch", i)
			}
			if len(got[i].Payload) != 1 || got[i].Payload[0] != byte(i) {
				t.Errorf("entry %d payload = %v", i, got[i].Payload)
			}
		}

		again, _ := q.Peek(ctx, 3)
		if again[0].Seq != got[0].Seq {
			t.Error("peek removed entries")
		}
		if n, _ := q.Len(ctx); n != 5 {
			t.Errorf("len = %d, want 5", n)
		}
	})
}

func TestConsumeRemovesPrefix(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q queue.Queue) {
		ctx := context.Background()
		appended := appendN(t, q, 5)

		if err := q.Consume(ctx, appended[1].Seq); err != nil {
			t.Fatal(err)
		}
		if n, _ := q.Len(ctx); n != 3 {
			t.Fatalf("len = %d, want 3", n)
		}
		head, _ := q.Peek(ctx, 1)
		if head[0].Seq != appended[2].Seq {
			t.Errorf("head seq = %d, want %d", head[0].Seq, appended[2].Seq)
		}

		// Consuming an already-consumed prefix is a no-op.
		if err := q.Consume(ctx, appended[0].Seq); err != nil {
			t.Fatal(err)
		}
		if n, _ := q.Len(ctx); n != 3 {
			t.Fatalf("len after repeat consume = %d, want 3", n)
		}
	})
}

func TestPeekEmpty(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q queue.Queue) {
		got, err := q.Peek(context.Background(), 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Fatalf("peek len = %d, want 0", len(got))
		}
	})
}

func TestAppendAfterConsumeKeepsIncreasing(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q queue.Queue) {
		ctx := context.Background()
		first := appendN(t, q, 2)
		if err := q.Consume(ctx, first[1].Seq); err != nil {
			t.Fatal(err)
		}
		next := appendN(t, q, 1)
		if next[0].Seq <= first[1].Seq {
			t.Fatalf("seq reused after consume: %d", next[0].Seq)
		}
	})
}

func TestRegistry(t *testing.T) {
	r := queue.NewRegistry()
	h := resource.Derive("q")
	m := queue.NewMemory()
	r.Register(h, m)

	got, err := r.Queue(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Error("registry returned a different queue")
	}

	if _, err := r.Queue(context.Background(), resource.Derive("other")); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("error = %v, want ErrQueueNotFound", err)
	}
}
