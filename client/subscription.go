package client

import (
	"context"
	"fmt"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/stream"
	"github.com/xraph/tempo/wire"
)

// Subscribe subscribes to a stream topic and returns a channel of events.
// The channel is closed by Unsubscribe or Close.
//
// Topics follow the stream convention:
//   - "thread:<threadID>"     events for one thread
//   - "table:<tableID>"       extensions of one lookup table
//   - "crank:<crankID>"       drains of one crank
//   - "authority:<hex>"       everything owned by one authority
//   - "threads", "tables", "cranks", "firehose"
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *stream.Event, error) {
	if err := stream.ValidateTopic(topic); err != nil {
		return nil, err
	}

	// Register locally first so no event is lost between the response
	// and the channel appearing.
	c.subsMu.Lock()
	if c.closed.Load() {
		c.subsMu.Unlock()
		return nil, ErrClosed
	}
	ch, ok := c.subs[topic]
	if !ok {
		ch = make(chan *stream.Event, 64)
		c.subs[topic] = ch
	}
	c.subsMu.Unlock()

	if _, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{Channel: topic}); err != nil {
		if !ok {
			c.dropSub(topic)
		}
		return nil, fmt.Errorf("subscribe to %q: %w", topic, err)
	}
	return ch, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	_, err := c.request(ctx, wire.MethodUnsubscribe, wire.UnsubscribeRequest{Channel: topic})
	c.dropSub(topic)
	return err
}

func (c *Client) dropSub(topic string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if ch, ok := c.subs[topic]; ok {
		close(ch)
		delete(c.subs, topic)
	}
}

// Watch subscribes to one thread's lifecycle events.
func (c *Client) Watch(ctx context.Context, threadID id.ID) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.ThreadTopic(threadID.String()))
}

// WatchAuthority subscribes to every event for resources owned by
// authority.
func (c *Client) WatchAuthority(ctx context.Context, authority resource.Handle) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.AuthorityTopic(authority.String()))
}

// Stats retrieves engine, broker and connection statistics.
func (c *Client) Stats(ctx context.Context) (*wire.StatsResponse, error) {
	var out wire.StatsResponse
	if err := c.call(ctx, wire.MethodStats, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
