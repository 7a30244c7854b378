package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Compile-time interface checks.
var (
	_ ext.Extension      = (*Broker)(nil)
	_ ext.ThreadCreated  = (*Broker)(nil)
	_ ext.ThreadExecuted = (*Broker)(nil)
	_ ext.ThreadRetrying = (*Broker)(nil)
	_ ext.ThreadPaused   = (*Broker)(nil)
	_ ext.ThreadResumed  = (*Broker)(nil)
	_ ext.ThreadClosed   = (*Broker)(nil)
	_ ext.TableExtended  = (*Broker)(nil)
	_ ext.CrankDrained   = (*Broker)(nil)
	_ ext.Shutdown       = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker receives lifecycle events as an extension and fans them out to
// subscribers by topic. Slow subscribers lose events rather than block
// the scheduler.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
	now            func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on the given topics. An existing
// subscriber with the same ID is replaced and closed.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	if prev, loaded := b.subscribers.Swap(subscriberID, sub); loaded {
		b.topics.UnsubscribeAll(subscriberID)
		prev.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) bool {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return false
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return true
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Publish broadcasts evt to every topic it resolves to. Lifecycle hooks
// call it; applications may publish their own events too.
func (b *Broker) Publish(evt *Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	delivered, dropped := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))
}

func (b *Broker) publish(typ EventType, topic, authority string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("stream: marshal event data",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
		return
	}
	b.Publish(&Event{Type: typ, Topic: topic, Authority: authority, Data: raw})
}

// ── Thread lifecycle hooks ──────────────────────────

func threadData(t *thread.Thread) ThreadEventData {
	return ThreadEventData{
		ThreadID:  t.ID.String(),
		Name:      t.Name,
		ExecCount: t.ExecCount,
		Balance:   t.Balance,
		Version:   t.Version,
	}
}

func (b *Broker) publishThread(typ EventType, t *thread.Thread, data ThreadEventData) {
	b.publish(typ, ThreadTopic(t.ID.String()), t.Authority.String(), data)
}

func (b *Broker) OnThreadCreated(_ context.Context, t *thread.Thread) error {
	b.publishThread(EventThreadCreated, t, threadData(t))
	return nil
}

func (b *Broker) OnThreadExecuted(_ context.Context, t *thread.Thread, c executor.Commit, elapsed time.Duration) error {
	data := threadData(t)
	data.CommitID = c.ID.String()
	data.Epoch = c.Epoch
	data.ElapsedMs = elapsed.Milliseconds()
	b.publishThread(EventThreadExecuted, t, data)
	return nil
}

func (b *Broker) OnThreadRetrying(_ context.Context, t *thread.Thread, attempt int, nextAttemptAt time.Time, cause error) error {
	data := threadData(t)
	data.Attempt = attempt
	data.NextAttemptAt = nextAttemptAt.UTC().Format(time.RFC3339Nano)
	if cause != nil {
		data.Error = cause.Error()
	}
	b.publishThread(EventThreadRetrying, t, data)
	return nil
}

func (b *Broker) OnThreadPaused(_ context.Context, t *thread.Thread, reason string) error {
	data := threadData(t)
	data.Reason = reason
	b.publishThread(EventThreadPaused, t, data)
	return nil
}

func (b *Broker) OnThreadResumed(_ context.Context, t *thread.Thread) error {
	b.publishThread(EventThreadResumed, t, threadData(t))
	return nil
}

func (b *Broker) OnThreadClosed(_ context.Context, t *thread.Thread, refund uint64) error {
	data := threadData(t)
	data.Refund = refund
	b.publishThread(EventThreadClosed, t, data)
	return nil
}

// ── Resource hooks ──────────────────────────────────

func (b *Broker) OnTableExtended(_ context.Context, t *lut.Table, added int) error {
	b.publish(EventTableExtended, TableTopic(t.ID.String()), t.Authority.String(), TableEventData{
		TableID:           t.ID.String(),
		Members:           len(t.Members),
		Added:             added,
		LastExtendedEpoch: t.LastExtendedEpoch,
	})
	return nil
}

func (b *Broker) OnCrankDrained(_ context.Context, s *crank.State, drained int) error {
	b.publish(EventCrankDrained, CrankTopic(s.ID.String()), s.Authority.String(), CrankEventData{
		CrankID:       s.ID.String(),
		Name:          s.Name,
		Drained:       drained,
		OpenResources: len(s.OpenResources),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		b.topics.UnsubscribeAll(key.(string)) //nolint:errcheck // sync.Map keys are strings
		value.(*Subscriber).Close()           //nolint:errcheck // sync.Map always stores *Subscriber
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
