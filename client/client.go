// Package client is a Go client for a remote tempo engine speaking the
// wire protocol over WebSocket.
//
// Usage:
//
//	c, err := client.Dial("wss://tempo.example.com/wire",
//	    client.WithToken("tk_..."),
//	)
//	defer c.Close()
//
//	t, err := c.Thread(ctx, threadID)
//
//	// Watch one thread's lifecycle.
//	ch, err := c.Watch(ctx, threadID)
//	for evt := range ch {
//	    fmt.Println(evt.Type)
//	}
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/tempo/stream"
	"github.com/xraph/tempo/wire"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("tempo/client: closed")

// RemoteError is an error frame returned by the server.
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tempo/client: %s: %d %s", e.Method, e.Code, e.Message)
}

// Client talks to a remote engine. Safe for concurrent use.
type Client struct {
	url    string
	token  string
	format string
	codec  wire.Codec
	logger *slog.Logger

	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	mu        sync.Mutex // guards conn and serializes writes
	conn      net.Conn
	sessionID string
	closed    atomic.Bool

	pending sync.Map // frame ID → chan *wire.Frame

	subsMu sync.Mutex
	subs   map[string]chan *stream.Event // topic → channel
}

// Dial connects to a server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a server and authenticates under ctx.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		format:     wire.CodecNameJSON,
		logger:     slog.Default(),
		maxRetries: 5,
		baseDelay:  time.Second,
		subs:       make(map[string]chan *stream.Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = wire.GetCodec(c.format)

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("tempo/client: dial: %w", err)
	}
	go c.readLoop(c.currentConn())
	return c, nil
}

// connect dials, sends the auth frame and reads its response before the
// read loop starts.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	auth, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodAuth, wire.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	// Auth frames are always JSON.
	data, err := json.Marshal(auth)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	raw, _, err := wsutil.ReadServerData(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}

	// A refused auth is answered in JSON before negotiation.
	resp, err := c.codec.Decode(raw)
	if err != nil {
		if resp, err = (wire.JSONCodec{}).Decode(raw); err != nil {
			_ = conn.Close()
			return fmt.Errorf("decode auth response: %w", err)
		}
	}
	if resp.Type == wire.FrameErr {
		_ = conn.Close()
		return remoteError(wire.MethodAuth, resp)
	}

	var ar wire.AuthResponse
	if err := json.Unmarshal(resp.Data, &ar); err != nil {
		_ = conn.Close()
		return fmt.Errorf("decode auth response: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ar.SessionID
	c.mu.Unlock()

	c.logger.Info("tempo client connected",
		slog.String("session_id", ar.SessionID),
		slog.String("format", ar.Format),
	)
	return nil
}

func (c *Client) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func remoteError(method string, f *wire.Frame) error {
	e := &RemoteError{Method: method, Code: wire.ErrCodeInternal, Message: "unknown error"}
	if f.Error != nil {
		e.Code = f.Error.Code
		e.Message = f.Error.Message
	}
	return e
}

// readLoop routes frames from conn until it fails.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("tempo client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("tempo client: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case wire.FrameResponse, wire.FrameErr, wire.FramePong:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				select {
				case val.(chan *wire.Frame) <- frame: //nolint:errcheck // pending always stores chan *wire.Frame
				default:
				}
			}
		case wire.FrameEvent:
			var evt stream.Event
			if err := json.Unmarshal(frame.Data, &evt); err != nil {
				continue
			}
			c.deliver(&evt)
		}
	}
}

// deliver hands evt to every local subscription whose topic it was
// published on. Slow consumers lose events.
func (c *Client) deliver(evt *stream.Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, topic := range stream.TopicsFor(evt) {
		ch, ok := c.subs[topic]
		if !ok {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

// tryReconnect redials with exponential backoff and restores
// subscriptions.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("tempo client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("tempo client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}
		go c.readLoop(c.currentConn())
		c.resubscribe()
		return
	}
	c.logger.Error("tempo client: max reconnection attempts reached")
}

func (c *Client) resubscribe() {
	c.subsMu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.subsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, topic := range topics {
		if _, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{Channel: topic}); err != nil {
			c.logger.Warn("tempo client: resubscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
	}
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*wire.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := wire.NewRequestFrame(wire.GenerateFrameID(), method, data)
	if err != nil {
		return nil, fmt.Errorf("tempo/client: marshal %s: %w", method, err)
	}

	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == wire.FrameErr {
			return nil, remoteError(method, resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call performs a request and decodes the response payload into out.
func (c *Client) call(ctx context.Context, method string, data, out any) error {
	resp, err := c.request(ctx, method, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("tempo/client: decode %s response: %w", method, err)
	}
	return nil
}

// writeFrame encodes and sends a frame with the negotiated codec.
func (c *Client) writeFrame(frame *wire.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("tempo/client: encode frame: %w", err)
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// Ping round-trips a ping frame and returns the latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	frame := &wire.Frame{ID: wire.GenerateFrameID(), Type: wire.FramePing, Timestamp: time.Now().UTC()}
	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	start := time.Now()
	if err := c.writeFrame(frame); err != nil {
		return 0, err
	}
	select {
	case <-respCh:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// AddCredits tops up the server-side flow-control credits for this
// session's subscriptions.
func (c *Client) AddCredits(n int) error {
	return c.writeFrame(&wire.Frame{ID: wire.GenerateFrameID(), Type: wire.FrameRequest, Credits: n, Timestamp: time.Now().UTC()})
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close closes the connection and every subscription channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.subsMu.Lock()
	for topic, ch := range c.subs {
		close(ch)
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
