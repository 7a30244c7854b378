// Package api serves a read-mostly REST view of a tempo engine: threads,
// their commit history, lookup tables, cranks, failure reports and
// aggregate statistics. Authority edits are not exposed here; they go
// through the signed admin operations of the wire protocol.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/tempo/engine"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/wire"
)

// API wires the HTTP handlers to an engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	router chi.Router
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API from an engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(a.logRequests)
		a.RegisterRoutes(r)
		a.router = r
	}
	return a.router
}

// RegisterRoutes mounts every route under /v1 on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		a.registerThreadRoutes(r)
		a.registerResourceRoutes(r)
		a.registerDLQRoutes(r)
		r.Get("/stats", a.stats)
	})
}

func (a *API) registerThreadRoutes(r chi.Router) {
	r.Get("/threads", a.listThreads)
	r.Get("/threads/{threadId}", a.getThread)
	r.Get("/threads/{threadId}/history", a.threadHistory)
}

func (a *API) registerResourceRoutes(r chi.Router) {
	r.Get("/tables/{tableId}", a.getTable)
	r.Get("/cranks/{crankId}", a.getCrank)
	r.Route("/authorities/{authority}", func(r chi.Router) {
		r.Get("/tables", a.listTables)
		r.Get("/cranks", a.listCranks)
	})
}

func (a *API) registerDLQRoutes(r chi.Router) {
	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", a.listDLQ)
		r.Get("/count", a.dlqCount)
		r.Post("/purge", a.purgeDLQ)
		r.Get("/{reportId}", a.getDLQ)
		r.Post("/{reportId}/replay", a.replayDLQ)
	})
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errBadRequest marks malformed path or query parameters.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := wire.ErrorCode(err)
	if errors.Is(err, errBadRequest) {
		code = http.StatusBadRequest
	}
	if code >= http.StatusInternalServerError {
		a.logger.Error("api request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, code, ErrorResponse{Code: code, Message: err.Error()})
}

// ──────────────────────────────────────────────────
// Parameters
// ──────────────────────────────────────────────────

func pathID(r *http.Request, name string, prefix id.Prefix) (id.ID, error) {
	parsed, err := id.ParseWithPrefix(chi.URLParam(r, name), prefix)
	if err != nil {
		return id.Nil, badRequest("invalid %s: %v", name, err)
	}
	return parsed, nil
}

func parseAuthority(s string) (resource.Handle, error) {
	if s == "" {
		return resource.Zero, nil
	}
	h, err := resource.ParseHandle(s)
	if err != nil {
		return resource.Zero, badRequest("invalid authority: %v", err)
	}
	return h, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s %q", name, s)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, badRequest("invalid %s %q", name, s)
	}
	return b, nil
}

// defaultLimit caps unbounded list requests.
func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// ──────────────────────────────────────────────────
// Middleware
// ──────────────────────────────────────────────────

// logRequests logs each request with the id middleware.RequestID assigned.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug("api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
