// Package stream provides a real-time event broker for tempo lifecycle
// events. It bridges the ext.Extension system to connected clients via
// topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Thread events.
	EventThreadCreated  EventType = "thread.created"
	EventThreadExecuted EventType = "thread.executed"
	EventThreadRetrying EventType = "thread.retrying"
	EventThreadPaused   EventType = "thread.paused"
	EventThreadResumed  EventType = "thread.resumed"
	EventThreadClosed   EventType = "thread.closed"

	// Resource events.
	EventTableExtended EventType = "table.extended"
	EventCrankDrained  EventType = "crank.drained"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type" msgpack:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts" msgpack:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic" msgpack:"topic"`

	// Authority is the hex handle of the owning authority.
	Authority string `json:"authority,omitempty" msgpack:"authority,omitempty"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data" msgpack:"data"`
}

// ThreadEventData is the payload for thread lifecycle events.
type ThreadEventData struct {
	ThreadID  string `json:"thread_id"`
	Name      string `json:"name"`
	ExecCount uint64 `json:"exec_count"`
	Balance   uint64 `json:"balance"`
	Version   uint64 `json:"version"`

	CommitID  string `json:"commit_id,omitempty"`
	Epoch     uint64 `json:"epoch,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`

	Attempt       int    `json:"attempt,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	Error         string `json:"error,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Refund        uint64 `json:"refund,omitempty"`
}

// TableEventData is the payload for lookup table events.
type TableEventData struct {
	TableID           string `json:"table_id"`
	Members           int    `json:"members"`
	Added             int    `json:"added"`
	LastExtendedEpoch uint64 `json:"last_extended_epoch"`
}

// CrankEventData is the payload for crank events.
type CrankEventData struct {
	CrankID       string `json:"crank_id"`
	Name          string `json:"name"`
	Drained       int    `json:"drained"`
	OpenResources int    `json:"open_resources"`
}
