// Package wire implements the tempo wire protocol, a frame-based protocol
// for inspecting and administering a running engine from another process.
// Frames travel over WebSocket (primary), SSE (read-only fallback) and
// HTTP (one-shot RPC).
package wire

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/xraph/tempo/admin"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the message envelope. Every message exchanged over the
// protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame within a connection.
	ID string `json:"id" msgpack:"id"`

	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g. "thread.get").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries credentials on auth and RPC frames.
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload, always JSON.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel is the stream topic of an event frame.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits.
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in an error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known methods ──────────────────────────────

const (
	MethodAuth = "auth"

	// Thread inspection.
	MethodThreadGet     = "thread.get"
	MethodThreadList    = "thread.list"
	MethodThreadHistory = "thread.history"

	// Resource inspection.
	MethodTableGet  = "table.get"
	MethodTableList = "table.list"
	MethodCrankGet  = "crank.get"
	MethodCrankList = "crank.list"

	// Failure reports.
	MethodDLQList   = "dlq.list"
	MethodDLQReplay = "dlq.replay"

	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	MethodStats = "stats"

	// MethodAdmin forwards an authority-signed edit to the admin service.
	MethodAdmin = "admin"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeInternal       = 500
)

// ── Request payloads ────────────────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
}

// ThreadRequest names one thread.
type ThreadRequest struct {
	ThreadID string `json:"thread_id"`
}

// ThreadListRequest filters thread.list.
type ThreadListRequest struct {
	// Authority is a hex handle. Empty lists every authority.
	Authority     string `json:"authority,omitempty"`
	IncludePaused bool   `json:"include_paused,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// TableRequest names one lookup table.
type TableRequest struct {
	TableID string `json:"table_id"`
}

// CrankRequest names one crank.
type CrankRequest struct {
	CrankID string `json:"crank_id"`
}

// AuthorityRequest scopes table.list and crank.list.
type AuthorityRequest struct {
	Authority string `json:"authority"`
}

// DLQListRequest filters dlq.list.
type DLQListRequest struct {
	ThreadID  string `json:"thread_id,omitempty"`
	Authority string `json:"authority,omitempty"`
	OpenOnly  bool   `json:"open_only,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// DLQReplayRequest replays one failure report.
type DLQReplayRequest struct {
	ReportID string `json:"report_id"`
}

// SubscribeRequest subscribes to a stream topic.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	// Credits tops up the connection's flow-control credits.
	Credits int `json:"credits,omitempty"`
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// AdminRequest carries one signed admin edit. Params must decode into the
// parameter type of Op, and Request.Signature must cover it.
type AdminRequest struct {
	Op      admin.Op        `json:"op"`
	Request admin.Request   `json:"request"`
	Params  json.RawMessage `json:"params"`
}

// CloseResponse is the result of a thread.close admin edit.
type CloseResponse struct {
	Refund uint64 `json:"refund"`
}

// ── Constructors ────────────────────────────────────

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	f := &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameErr,
		CorrelID:  correlID,
		Error:     &ErrorDetail{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a stream topic.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

var frameSeq atomic.Uint64

// GenerateFrameID returns a frame ID unique within the process.
func GenerateFrameID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(frameSeq.Add(1), 36)
}
