// Package httpapi implements the HTTP control plane (spec section 4.7,
// C7): a thin validation layer over the Orchestrator, Registry and Flow
// store, built on net/http's method+pattern ServeMux.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/flow"
	"github.com/FC4b/cli-agent-orchestrator/internal/orchestrator"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

// DefaultAddr is the control plane's default bind address (spec section 6:
// loopback-only, no authentication layer).
const DefaultAddr = "127.0.0.1:9889"

// Server wires the HTTP surface to the orchestration components.
type Server struct {
	addr   string
	reg    *registry.Registry
	orc    *orchestrator.Orchestrator
	store  *flow.Store
	sched  *flow.Scheduler
	server *http.Server
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithAddr overrides DefaultAddr.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// NewServer builds a Server. store and sched may be nil if the flow
// scheduler is disabled for this process.
func NewServer(reg *registry.Registry, orc *orchestrator.Orchestrator, store *flow.Store, sched *flow.Scheduler, opts ...ServerOption) *Server {
	s := &Server{addr: DefaultAddr, reg: reg, orc: orc, store: store, sched: sched}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("POST /terminals", s.handleCreateTerminal)
	mux.HandleFunc("GET /terminals", s.handleListTerminals)
	mux.HandleFunc("GET /terminals/{id}", s.handleGetTerminal)
	mux.HandleFunc("DELETE /terminals/{id}", s.handleDeleteTerminal)
	mux.HandleFunc("POST /terminals/{id}/messages", s.handleSendMessage)

	mux.HandleFunc("POST /orchestrate/handoff", s.handleHandoff)
	mux.HandleFunc("POST /orchestrate/assign", s.handleAssign)

	mux.HandleFunc("POST /flows", s.handleCreateFlow)
	mux.HandleFunc("GET /flows", s.handleListFlows)
	mux.HandleFunc("POST /flows/{name}/run", s.handleRunFlow)
	mux.HandleFunc("PATCH /flows/{name}", s.handlePatchFlow)
	mux.HandleFunc("DELETE /flows/{name}", s.handleDeleteFlow)

	return mux
}

// Start blocks serving HTTP until the server is shut down. Per spec section
// 4.7, handoff may block a response for an unbounded duration, so no
// write timeout is set.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
	}
	slog.Info("httpapi: listening", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// errorEnvelope matches spec section 7's {kind, message, terminal_id?}.
type errorEnvelope struct {
	Kind       apperr.Kind `json:"kind"`
	Message    string      `json:"message"`
	TerminalID string      `json:"terminal_id,omitempty"`
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError translates an error into its HTTP status and envelope. Errors
// not wrapped in *apperr.Error are reported as "internal".
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	kind := apperr.KindOf(err)
	message := err.Error()
	if e, ok := err.(*apperr.Error); ok {
		appErr = e
	}

	env := errorEnvelope{Kind: kind, Message: message}
	if appErr != nil {
		env.TerminalID = appErr.TerminalID
	}
	jsonResponse(w, statusForKind(kind), env)
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindInvalidRequest:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition:
		return http.StatusConflict
	case apperr.KindDeadRecipient:
		return http.StatusGone
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindLaunchFailure, apperr.KindMuxUnavailable, apperr.KindScriptFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, err)
	}
	return nil
}
