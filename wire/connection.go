package wire

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connection is the server-side state of one authenticated session.
type Connection struct {
	ID       string
	Identity *Identity
	Codec    Codec
	// RemoteAddr is the peer address as seen by the HTTP server.
	RemoteAddr  string
	ConnectedAt time.Time

	lastActivity atomic.Int64 // unix nanos
	framesIn     atomic.Int64

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

// NewConnection creates a connection with the given ID and identity.
func NewConnection(id string, identity *Identity, codec Codec) *Connection {
	now := time.Now().UTC()
	c := &Connection{
		ID:            id,
		Identity:      identity,
		Codec:         codec,
		ConnectedAt:   now,
		subscriptions: make(map[string]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Touch records an inbound frame.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.framesIn.Add(1)
}

// LastActivity returns when the last frame arrived.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load()).UTC()
}

// FramesIn returns how many frames the peer has sent.
func (c *Connection) FramesIn() int64 { return c.framesIn.Load() }

// AddSubscription records a topic subscription.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription forgets a topic subscription.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// Subscribed reports whether the connection holds channel.
func (c *Connection) Subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Subscriptions returns a copy of the active topics.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// ConnectionInfo is the public view of a connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Format        string    `json:"format"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	FramesIn      int64     `json:"frames_in"`
	Subscriptions []string  `json:"subscriptions"`
}

// Info snapshots the connection.
func (c *Connection) Info() ConnectionInfo {
	info := ConnectionInfo{
		ID:            c.ID,
		RemoteAddr:    c.RemoteAddr,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.LastActivity(),
		FramesIn:      c.FramesIn(),
		Subscriptions: c.Subscriptions(),
	}
	if c.Identity != nil {
		info.Subject = c.Identity.Subject
	}
	if c.Codec != nil {
		info.Format = c.Codec.Name()
	}
	return info
}

// ConnectionManager tracks live connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]*Connection)}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
