package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/engine"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/stream"
	"github.com/xraph/tempo/thread"
)

var errBadRequest = errors.New("wire: bad request")

// Handler dispatches request frames to engine operations.
type Handler struct {
	eng    *engine.Engine
	broker *stream.Broker
	conns  *ConnectionManager
	logger *slog.Logger
}

// NewHandler creates a method handler. broker may be nil, in which case
// subscriptions are refused.
func NewHandler(eng *engine.Engine, broker *stream.Broker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, broker: broker, logger: logger}
}

// StatsResponse is the payload of the stats method.
type StatsResponse struct {
	Engine      engine.Stats       `json:"engine"`
	Broker      stream.BrokerStats `json:"broker"`
	Connections int                `json:"connections"`
}

// Handle processes one request frame and returns its response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var (
		result any
		err    error
	)
	switch frame.Method {
	case MethodThreadGet:
		result, err = h.threadGet(ctx, frame.Data)
	case MethodThreadList:
		result, err = h.threadList(ctx, frame.Data)
	case MethodThreadHistory:
		result, err = h.threadHistory(ctx, frame.Data)
	case MethodTableGet:
		result, err = h.tableGet(ctx, frame.Data)
	case MethodTableList:
		result, err = h.tableList(ctx, frame.Data)
	case MethodCrankGet:
		result, err = h.crankGet(ctx, frame.Data)
	case MethodCrankList:
		result, err = h.crankList(ctx, frame.Data)
	case MethodDLQList:
		result, err = h.dlqList(ctx, frame.Data)
	case MethodDLQReplay:
		result, err = h.dlqReplay(ctx, frame.Data)
	case MethodSubscribe:
		result, err = h.subscribe(frame.Data, conn)
	case MethodUnsubscribe:
		result, err = h.unsubscribe(frame.Data, conn)
	case MethodStats:
		result, err = h.stats(ctx)
	case MethodAdmin:
		result, err = h.admin(ctx, frame.Data)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
	if err != nil {
		code := ErrorCode(err)
		if code == ErrCodeInternal {
			h.logger.Warn("wire: method failed",
				slog.String("method", frame.Method),
				slog.String("error", err.Error()),
			)
		}
		return NewErrorFrame(frame.ID, code, err.Error())
	}
	return mustResponseFrame(frame.ID, result)
}

// mustResponseFrame creates a response frame, falling back to an error
// frame when data does not marshal.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// ErrorCode maps tempo errors onto protocol codes. The codes are HTTP
// statuses so the RPC endpoint and the REST API can share them.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, tempo.ErrMalformed),
		errors.Is(err, tempo.ErrCapacityExceeded),
		errors.Is(err, stream.ErrInvalidTopic):
		return ErrCodeBadRequest
	case errors.Is(err, tempo.ErrUnauthorized):
		return ErrCodeForbidden
	case errors.Is(err, tempo.ErrThreadNotFound),
		errors.Is(err, tempo.ErrTableNotFound),
		errors.Is(err, tempo.ErrCrankNotFound),
		errors.Is(err, tempo.ErrReportNotFound):
		return ErrCodeNotFound
	case errors.Is(err, tempo.ErrThreadBusy),
		errors.Is(err, tempo.ErrNonceReused),
		errors.Is(err, tempo.ErrThreadAlreadyExists),
		errors.Is(err, tempo.ErrTableAlreadyExists),
		errors.Is(err, tempo.ErrCrankAlreadyExists):
		return ErrCodeConflict
	default:
		return ErrCodeInternal
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func parseID(s string, prefix id.Prefix) (id.ID, error) {
	parsed, err := id.ParseWithPrefix(s, prefix)
	if err != nil {
		return id.Nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return parsed, nil
}

func parseAuthority(s string) (resource.Handle, error) {
	if s == "" {
		return resource.Zero, nil
	}
	h, err := resource.ParseHandle(s)
	if err != nil {
		return resource.Zero, fmt.Errorf("%w: authority: %v", errBadRequest, err)
	}
	return h, nil
}

// ── Threads ─────────────────────────────────────────

func (h *Handler) threadGet(ctx context.Context, data json.RawMessage) (any, error) {
	var req ThreadRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	threadID, err := parseID(req.ThreadID, id.PrefixThread)
	if err != nil {
		return nil, err
	}
	return h.eng.Store().GetThread(ctx, threadID)
}

func (h *Handler) threadList(ctx context.Context, data json.RawMessage) (any, error) {
	var req ThreadListRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	authority, err := parseAuthority(req.Authority)
	if err != nil {
		return nil, err
	}
	return h.eng.Store().ListThreads(ctx, thread.ListOpts{
		Authority:     authority,
		IncludePaused: req.IncludePaused,
		Limit:         req.Limit,
	})
}

func (h *Handler) threadHistory(ctx context.Context, data json.RawMessage) (any, error) {
	var req ThreadRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	threadID, err := parseID(req.ThreadID, id.PrefixThread)
	if err != nil {
		return nil, err
	}
	return h.eng.History(ctx, threadID)
}

// ── Tables and cranks ───────────────────────────────

func (h *Handler) tableGet(ctx context.Context, data json.RawMessage) (any, error) {
	var req TableRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	tableID, err := parseID(req.TableID, id.PrefixTable)
	if err != nil {
		return nil, err
	}
	return h.eng.Store().GetTable(ctx, tableID)
}

func (h *Handler) tableList(ctx context.Context, data json.RawMessage) (any, error) {
	var req AuthorityRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	authority, err := parseAuthority(req.Authority)
	if err != nil {
		return nil, err
	}
	if authority.IsZero() {
		return nil, fmt.Errorf("%w: authority required", errBadRequest)
	}
	return h.eng.Store().ListTables(ctx, authority)
}

func (h *Handler) crankGet(ctx context.Context, data json.RawMessage) (any, error) {
	var req CrankRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	crankID, err := parseID(req.CrankID, id.PrefixCrank)
	if err != nil {
		return nil, err
	}
	return h.eng.Store().GetCrank(ctx, crankID)
}

func (h *Handler) crankList(ctx context.Context, data json.RawMessage) (any, error) {
	var req AuthorityRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	authority, err := parseAuthority(req.Authority)
	if err != nil {
		return nil, err
	}
	if authority.IsZero() {
		return nil, fmt.Errorf("%w: authority required", errBadRequest)
	}
	return h.eng.Store().ListCranks(ctx, authority)
}

// ── Failure reports ─────────────────────────────────

func (h *Handler) dlqList(ctx context.Context, data json.RawMessage) (any, error) {
	var req DLQListRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	opts := dlq.ListOpts{OpenOnly: req.OpenOnly, Limit: req.Limit, Offset: req.Offset}
	if req.ThreadID != "" {
		threadID, err := parseID(req.ThreadID, id.PrefixThread)
		if err != nil {
			return nil, err
		}
		opts.ThreadID = threadID
	}
	authority, err := parseAuthority(req.Authority)
	if err != nil {
		return nil, err
	}
	opts.Authority = authority
	return h.eng.Store().ListDLQ(ctx, opts)
}

func (h *Handler) dlqReplay(ctx context.Context, data json.RawMessage) (any, error) {
	var req DLQReplayRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	reportID, err := parseID(req.ReportID, id.PrefixReport)
	if err != nil {
		return nil, err
	}
	if err := h.eng.Replay(ctx, reportID); err != nil {
		return nil, err
	}
	return map[string]string{"report_id": req.ReportID, "status": "replayed"}, nil
}

// ── Subscriptions ───────────────────────────────────

func (h *Handler) subscribe(data json.RawMessage, conn *Connection) (any, error) {
	var req SubscribeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := stream.ValidateTopic(req.Channel); err != nil {
		return nil, err
	}
	if h.broker == nil || !h.broker.SubscribeTo(conn.ID, req.Channel) {
		return nil, fmt.Errorf("%w: subscriptions need a streaming connection", errBadRequest)
	}
	if req.Credits > 0 {
		if sub, ok := h.broker.GetSubscriber(conn.ID); ok {
			sub.AddCredits(int64(req.Credits))
		}
	}
	conn.AddSubscription(req.Channel)
	return map[string]string{"channel": req.Channel, "status": "subscribed"}, nil
}

func (h *Handler) unsubscribe(data json.RawMessage, conn *Connection) (any, error) {
	var req UnsubscribeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if h.broker != nil {
		h.broker.Unsubscribe(conn.ID, req.Channel)
	}
	conn.RemoveSubscription(req.Channel)
	return map[string]string{"channel": req.Channel, "status": "unsubscribed"}, nil
}

// ── Stats ───────────────────────────────────────────

func (h *Handler) stats(ctx context.Context) (any, error) {
	es, err := h.eng.Stats(ctx)
	if err != nil {
		return nil, err
	}
	resp := StatsResponse{Engine: es}
	if h.broker != nil {
		resp.Broker = h.broker.Stats()
	}
	if h.conns != nil {
		resp.Connections = h.conns.Count()
	}
	return resp, nil
}

// ── Signed admin edits ──────────────────────────────

func (h *Handler) admin(ctx context.Context, data json.RawMessage) (any, error) {
	var req AdminRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if len(req.Params) == 0 {
		return nil, fmt.Errorf("%w: %s without params", errBadRequest, req.Op)
	}

	svc := h.eng.Admin()
	switch req.Op {
	case admin.OpCreateThread:
		return adminCall(ctx, req, svc.CreateThread)
	case admin.OpUpdateThread:
		return adminCall(ctx, req, svc.UpdateThread)
	case admin.OpPauseThread:
		return adminCall(ctx, req, svc.PauseThread)
	case admin.OpResumeThread:
		return adminCall(ctx, req, svc.ResumeThread)
	case admin.OpCloseThread:
		return adminCall(ctx, req, func(ctx context.Context, r admin.Request, p admin.ThreadRef) (CloseResponse, error) {
			refund, err := svc.CloseThread(ctx, r, p)
			return CloseResponse{Refund: refund}, err
		})
	case admin.OpCreateTable:
		return adminCall(ctx, req, svc.CreateTable)
	case admin.OpExtendTable:
		return adminCall(ctx, req, svc.ExtendTable)
	case admin.OpBindTable:
		return adminCall(ctx, req, svc.BindTable)
	case admin.OpDeactivateTable:
		return adminCall(ctx, req, func(ctx context.Context, r admin.Request, p admin.TableRef) (map[string]string, error) {
			return map[string]string{"status": "deactivated"}, svc.DeactivateTable(ctx, r, p)
		})
	case admin.OpCreateCrank:
		return adminCall(ctx, req, svc.CreateCrank)
	case admin.OpResetCrank:
		return adminCall(ctx, req, svc.ResetCrank)
	default:
		return nil, fmt.Errorf("%w: unknown admin op %q", errBadRequest, req.Op)
	}
}

// adminCall decodes the params for one admin op and applies it.
func adminCall[P, R any](ctx context.Context, req AdminRequest, fn func(context.Context, admin.Request, P) (R, error)) (any, error) {
	var p P
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("%w: params for %s: %v", errBadRequest, req.Op, err)
	}
	out, err := fn(ctx, req.Request, p)
	if err != nil {
		return nil, err
	}
	return out, nil
}
