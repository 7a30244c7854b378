package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testThread() *thread.Thread {
	return thread.New(resource.Derive("stream-authority"), "hourly", trigger.NewCron("@hourly", false),
		[]thread.Operation{{Program: resource.Derive("program")}}, 100, 5)
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatalf("subscriber %s timed out", sub.ID())
		return nil
	}
}

func expectNone(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("subscriber %s got unexpected %s", sub.ID(), evt.Type)
	default:
	}
}

func TestBrokerThreadExecuted(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	th := testThread()
	th.ExecCount = 3

	byThread := b.Subscribe("by-thread", ThreadTopic(th.ID.String()))
	byAuthority := b.Subscribe("by-authority", AuthorityTopic(th.Authority.String()))
	all := b.Subscribe("threads", TopicThreads)

	commit := executor.Commit{ID: id.NewCommitID(), Epoch: 42}
	if err := b.OnThreadExecuted(context.Background(), th, commit, 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []*Subscriber{byThread, byAuthority, all} {
		evt := receive(t, sub)
		if evt.Type != EventThreadExecuted {
			t.Errorf("%s: type = %q", sub.ID(), evt.Type)
		}
		var data ThreadEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.CommitID != commit.ID.String() || data.Epoch != 42 || data.ExecCount != 3 || data.ElapsedMs != 1500 {
			t.Errorf("%s: data = %+v", sub.ID(), data)
		}
	}
}

func TestBrokerTopicIsolation(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	tables := b.Subscribe("tables", TopicTables)
	other := b.Subscribe("other-thread", ThreadTopic("thr_other"))
	firehose := b.Subscribe("firehose", TopicFirehose)

	th := testThread()
	if err := b.OnThreadPaused(context.Background(), th, thread.PauseByAuthority); err != nil {
		t.Fatal(err)
	}

	evt := receive(t, firehose)
	var data ThreadEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Reason != thread.PauseByAuthority {
		t.Errorf("reason = %q", data.Reason)
	}
	expectNone(t, tables)
	expectNone(t, other)
}

func TestBrokerResourceEvents(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	authority := resource.Derive("stream-authority")
	sub := b.Subscribe("authority", AuthorityTopic(authority.String()))

	tbl := lut.NewTable(authority, 8, 3)
	tbl.Members = []resource.Handle{resource.Derive("a"), resource.Derive("b")}
	if err := b.OnTableExtended(context.Background(), tbl, 2); err != nil {
		t.Fatal(err)
	}
	evt := receive(t, sub)
	if evt.Type != EventTableExtended || evt.Topic != TableTopic(tbl.ID.String()) {
		t.Fatalf("event = %s on %s", evt.Type, evt.Topic)
	}
	var data TableEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Members != 2 || data.Added != 2 {
		t.Errorf("table data = %+v", data)
	}
}

func TestBrokerRetryingCarriesCause(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub", TopicFirehose)
	next := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)

	if err := b.OnThreadRetrying(context.Background(), testThread(), 2, next, errors.New("blockhash expired")); err != nil {
		t.Fatal(err)
	}
	var data ThreadEventData
	if err := json.Unmarshal(receive(t, sub).Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Attempt != 2 || data.Error != "blockhash expired" || data.NextAttemptAt != "2026-03-01T01:00:00Z" {
		t.Errorf("data = %+v", data)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub-1", TopicThreads)
	b.Unsubscribe("sub-1", TopicThreads)

	_ = b.OnThreadCreated(context.Background(), testThread())
	expectNone(t, sub)

	if !b.SubscribeTo("sub-1", TopicThreads) {
		t.Fatal("SubscribeTo on a live subscriber returned false")
	}
	_ = b.OnThreadCreated(context.Background(), testThread())
	receive(t, sub)

	b.RemoveSubscriber("sub-1")
	if _, ok := <-sub.C(); ok {
		t.Error("channel not closed after RemoveSubscriber")
	}
	if b.SubscribeTo("sub-1", TopicThreads) {
		t.Error("SubscribeTo on a removed subscriber returned true")
	}
}

func TestBrokerResubscribeReplaces(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	first := b.Subscribe("conn", TopicThreads)
	second := b.Subscribe("conn", TopicTables)

	if _, ok := <-first.C(); ok {
		t.Error("replaced subscriber not closed")
	}
	_ = b.OnThreadCreated(context.Background(), testThread())
	expectNone(t, second)
	if got := b.Stats().SubscriberCount; got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger(), WithDefaultCredits(1))
	b.Subscribe("a", TopicThreads)
	b.Subscribe("b", TopicFirehose)

	ctx := context.Background()
	_ = b.OnThreadCreated(ctx, testThread())
	_ = b.OnThreadCreated(ctx, testThread())

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount != 2 {
		t.Errorf("TopicCount = %d, want 2", stats.TopicCount)
	}
	// One credit each: the second event is dropped for both.
	if stats.TotalPublished != 2 || stats.TotalDropped != 2 {
		t.Errorf("published %d dropped %d, want 2 and 2", stats.TotalPublished, stats.TotalDropped)
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub", TopicFirehose)
	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel not closed on shutdown")
	}
	if b.Stats().TopicCount != 0 {
		t.Error("topics left after shutdown")
	}
	// Publishing after shutdown is harmless.
	_ = b.OnThreadCreated(context.Background(), testThread())
}

// ── Subscriber ──────────────────────────────────────

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("s", 10, 2)
	evt := &Event{Type: EventThreadCreated}

	if !sub.send(evt) || !sub.send(evt) {
		t.Fatal("sends within credit failed")
	}
	if sub.send(evt) {
		t.Fatal("send without credit succeeded")
	}
	sub.AddCredits(1)
	if !sub.send(evt) {
		t.Fatal("send after AddCredits failed")
	}
	if sub.Credits() != 0 {
		t.Errorf("credits = %d, want 0", sub.Credits())
	}
}

func TestSubscriberFullBufferRestoresCredit(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("s", 1, 5)
	evt := &Event{Type: EventThreadCreated}
	if !sub.send(evt) {
		t.Fatal("first send failed")
	}
	if sub.send(evt) {
		t.Fatal("send into a full buffer succeeded")
	}
	if sub.Credits() != 4 {
		t.Errorf("credits = %d, want 4", sub.Credits())
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("s", 10, 100)
	sub.SetFilter(func(e *Event) bool { return e.Type == EventThreadPaused })

	if sub.send(&Event{Type: EventThreadCreated}) {
		t.Error("filtered event delivered")
	}
	if !sub.send(&Event{Type: EventThreadPaused}) {
		t.Error("matching event dropped")
	}
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("s", 1, 1)
	sub.Close()
	sub.Close()
	if sub.send(&Event{}) {
		t.Error("send after close succeeded")
	}
}

// ── Topics ──────────────────────────────────────────

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	valid := []string{
		TopicThreads, TopicTables, TopicCranks, TopicFirehose,
		ThreadTopic("thr_1"), TableTopic("lut_1"), CrankTopic("crank_1"), AuthorityTopic("ab12"),
	}
	for _, topic := range valid {
		if err := ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v", topic, err)
		}
	}
	for _, topic := range []string{"", "jobs", "thread:", "queue:x", ":x"} {
		if err := ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) accepted", topic)
		}
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("s", 10, 100)
	tr.Subscribe(TopicFirehose, sub)
	tr.Subscribe(TopicThreads, sub)

	delivered, dropped := tr.Broadcast([]string{TopicFirehose, TopicThreads}, &Event{Type: EventThreadCreated})
	if delivered != 1 || dropped != 0 {
		t.Errorf("delivered %d dropped %d, want 1 and 0", delivered, dropped)
	}

	tr.UnsubscribeAll("s")
	if tr.TopicCount() != 0 || len(sub.Topics()) != 0 {
		t.Error("UnsubscribeAll left topics behind")
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	got := resolveTopics(&Event{Type: EventCrankDrained, Topic: CrankTopic("c1"), Authority: "ab"})
	want := []string{TopicFirehose, TopicCranks, CrankTopic("c1"), AuthorityTopic("ab")}
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topics[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
