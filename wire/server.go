package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/tempo/stream"
)

// maxRPCBody caps one-shot RPC request bodies.
const maxRPCBody = 1 << 20

// Server serves the wire protocol over WebSocket, SSE and HTTP RPC. It
// forwards broker events to subscribed connections and dispatches
// request frames to a Handler.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string
	authTimeout  time.Duration
}

// NewServer creates a server. broker may be nil when only RPC is needed.
func NewServer(broker *stream.Broker, handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/wire",
		authTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = NoopAuthenticator{}
	}
	handler.conns = s.conns
	return s
}

// Broker returns the event broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// RegisterRoutes mounts the endpoints on mux:
//
//	GET  {base}      WebSocket
//	GET  {base}/sse  Server-Sent Events, read-only
//	POST {base}/rpc  one request frame per call
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.basePath, s.handleWebSocket)
	mux.HandleFunc("GET "+s.basePath+"/sse", s.handleSSE)
	mux.HandleFunc("POST "+s.basePath+"/rpc", s.handleHTTPRPC)
}

// Handler returns a mux serving only the protocol endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ──────────────────────────────────────────────────
// WebSocket
// ──────────────────────────────────────────────────

// peer serializes writes to one WebSocket; the event forwarder and the
// frame loop write concurrently.
type peer struct {
	conn net.Conn
	mu   sync.Mutex
}

func (p *peer) read() ([]byte, error) {
	data, _, err := wsutil.ReadClientData(p.conn)
	return data, err
}

func (p *peer) write(codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	op := ws.OpText
	if codec.Binary() {
		op = ws.OpBinary
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return wsutil.WriteServerMessage(p.conn, op, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("wire: websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if err := s.serveWebSocket(r.Context(), &peer{conn: conn}, r.RemoteAddr); err != nil {
		s.logger.Debug("wire: websocket closed", slog.String("error", err.Error()))
	}
}

// authenticate reads and answers the auth frame. Auth frames are always
// JSON; the response uses the negotiated codec.
func (s *Server) authenticate(ctx context.Context, p *peer) (*Identity, Codec, *Frame, error) {
	if s.authTimeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(s.authTimeout))
		defer p.conn.SetReadDeadline(time.Time{}) //nolint:errcheck // clearing a deadline
	}
	data, err := p.read()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wire: read auth frame: %w", err)
	}

	var authFrame Frame
	if err := json.Unmarshal(data, &authFrame); err != nil {
		_ = p.write(JSONCodec{}, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return nil, nil, nil, fmt.Errorf("wire: unmarshal auth frame: %w", err)
	}
	if authFrame.Method != MethodAuth {
		_ = p.write(JSONCodec{}, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return nil, nil, nil, fmt.Errorf("wire: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if err := decode(authFrame.Data, &authReq); err != nil {
		_ = p.write(JSONCodec{}, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
		return nil, nil, nil, err
	}
	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		_ = p.write(JSONCodec{}, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return nil, nil, nil, fmt.Errorf("wire: auth failed: %w", err)
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}
	return identity, codec, &authFrame, nil
}

func (s *Server) serveWebSocket(ctx context.Context, p *peer, remoteAddr string) error {
	identity, codec, authFrame, err := s.authenticate(ctx, p)
	if err != nil {
		return err
	}

	connID := "ws-" + GenerateFrameID()
	conn := NewConnection(connID, identity, codec)
	conn.RemoteAddr = remoteAddr
	s.conns.Add(conn)
	defer func() {
		if s.broker != nil {
			s.broker.RemoveSubscriber(connID)
		}
		s.conns.Remove(connID)
		s.logger.Info("wire: disconnected", slog.String("conn_id", connID))
	}()

	resp, err := NewResponseFrame(authFrame.ID, AuthResponse{Format: codec.Name(), SessionID: connID})
	if err != nil {
		return fmt.Errorf("wire: marshal auth response: %w", err)
	}
	if err := p.write(codec, resp); err != nil {
		return err
	}
	s.logger.Info("wire: authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	var sub *stream.Subscriber
	if s.broker != nil {
		sub = s.broker.Subscribe(connID)
		go s.forwardEvents(p, codec, sub)
	}

	for {
		data, err := p.read()
		if err != nil {
			if IsClosed(err) {
				return nil
			}
			return err
		}
		conn.Touch()

		frame, err := codec.Decode(data)
		if err != nil {
			s.reply(p, codec, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+err.Error()))
			continue
		}

		if frame.Type == FramePing {
			s.reply(p, codec, &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		// A bare credits frame tops up flow control.
		if frame.Method == "" && frame.Credits > 0 {
			if sub != nil {
				sub.AddCredits(int64(frame.Credits))
			}
			continue
		}

		if scope := RequiredScope(frame.Method); scope != "" && !identity.HasScope(scope) {
			s.reply(p, codec, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions"))
			continue
		}
		s.reply(p, codec, s.handler.Handle(ctx, frame, conn))
	}
}

func (s *Server) reply(p *peer, codec Codec, frame *Frame) {
	if err := p.write(codec, frame); err != nil {
		s.logger.Warn("wire: write frame", slog.String("error", err.Error()))
	}
}

// forwardEvents writes subscriber events until the subscriber closes or
// the connection fails.
func (s *Server) forwardEvents(p *peer, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		frame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if err := p.write(codec, frame); err != nil {
			return
		}
	}
}

// ──────────────────────────────────────────────────
// SSE
// ──────────────────────────────────────────────────

// handleSSE streams events for clients that cannot hold a WebSocket.
// Topics come from repeated channel query parameters; the token from the
// token parameter or the Authorization header.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusNotFound, NewErrorFrame("", ErrCodeNotFound, "streaming disabled"))
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, NewErrorFrame("", ErrCodeUnauthorized, "unauthorized"))
		return
	}
	if !identity.HasScope(ScopeSubscribe) {
		writeJSON(w, http.StatusForbidden, NewErrorFrame("", ErrCodeForbidden, "insufficient permissions"))
		return
	}

	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		writeJSON(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "channel parameter required"))
		return
	}
	for _, ch := range channels {
		if err := stream.ValidateTopic(ch); err != nil {
			writeJSON(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, err.Error()))
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, NewErrorFrame("", ErrCodeInternal, "streaming unsupported"))
		return
	}

	connID := "sse-" + GenerateFrameID()
	sub := s.broker.Subscribe(connID, channels...)
	defer s.broker.RemoveSubscriber(connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
			// SSE has no credit frames; each delivery returns its credit.
			sub.AddCredits(1)
		case <-r.Context().Done():
			return
		}
	}
}

// ──────────────────────────────────────────────────
// HTTP RPC
// ──────────────────────────────────────────────────

// handleHTTPRPC serves one request frame per POST. Subscriptions are
// refused since there is no stream to deliver to.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	var frame Frame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRPCBody)).Decode(&frame); err != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	token := frame.Token
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
		return
	}
	if scope := RequiredScope(frame.Method); scope != "" && !identity.HasScope(scope) {
		writeJSON(w, http.StatusForbidden, NewErrorFrame(frame.ID, ErrCodeForbidden, "forbidden"))
		return
	}

	conn := NewConnection("rpc-"+GenerateFrameID(), identity, JSONCodec{})
	conn.RemoteAddr = r.RemoteAddr
	resp := s.handler.Handle(r.Context(), &frame, conn)

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// IsClosed reports whether err is the normal end of a WebSocket session.
func IsClosed(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) || errors.Is(err, net.ErrClosed)
}
