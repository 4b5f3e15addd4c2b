// Package server wires the session registry to HTTP: accepting the app's
// websocket upgrade starts a Session, and accepting a client's upgrade joins
// it to whichever Session its session id header names (§6 External
// interfaces).
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mre-session-mux/internal/config"
	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/rules"
	"github.com/ashureev/mre-session-mux/internal/session"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

// Handlers holds the dependencies shared by every upgrade endpoint.
type Handlers struct {
	Registry *session.Registry
	Rules    *rules.Table
	Logger   *slog.Logger
	Config   *config.Config
}

// New constructs Handlers. A nil rules table falls back to the default rule
// set (§4.5); a fresh registry is created if registry is nil.
func New(cfg *config.Config, logger *slog.Logger, table *rules.Table, registry *session.Registry) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = rules.NewTable(logger)
		rules.RegisterDefaultRules(table)
	}
	if registry == nil {
		registry = session.NewRegistry()
	}
	return &Handlers{Registry: registry, Rules: table, Logger: logger, Config: cfg}
}

// Routes registers every endpoint this package serves onto r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/ws/app", h.handleApp)
	r.Get("/ws/client", h.handleClient)
}

func sessionIDFrom(r *http.Request) string {
	if id := r.Header.Get(session.SessionIDHeader); id != "" {
		return id
	}
	return message.NewID()
}

func (h *Handlers) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.Config.IsDevelopment(),
	})
	if err != nil {
		h.Logger.Warn("server: websocket upgrade failed", "error", err, "path", r.URL.Path)
		return nil, false
	}
	return conn, true
}

// handleApp accepts the app's websocket and starts a new Session bound to
// it, keyed by the request's session id header. A session id that already
// names a live session is rejected: each session has exactly one app
// transport (§3 Session).
func (h *Handlers) handleApp(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.accept(w, r)
	if !ok {
		return
	}

	sessionID := sessionIDFrom(r)
	ch := transport.NewWebSocketChannel(context.Background(), conn)

	_, created := h.Registry.GetOrCreate(sessionID, func() *session.Session {
		s := session.New(sessionID, ch, h.Logger, h.Rules, h.Config.PeerAuthoritative)
		go func() {
			if err := s.Start(context.Background(), h.Config.Timeout.Handshake, h.Config.Timeout.Sync); err != nil {
				h.Logger.Warn("server: session ended", "session_id", sessionID, "error", err)
			}
		}()
		return s
	})
	if !created {
		h.Logger.Warn("server: app reconnect rejected, session already live", "session_id", sessionID)
		_ = ch.Close()
	}
}

// handleClient accepts a client's websocket and joins it to the session
// named by the request's session id header. A session id naming no live
// session is rejected: a client can only join a session the app already
// started (§3 Lifecycle).
func (h *Handlers) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.accept(w, r)
	if !ok {
		return
	}

	sessionID := sessionIDFrom(r)
	s, ok := h.Registry.Get(sessionID)
	if !ok {
		h.Logger.Warn("server: client join rejected, no such session", "session_id", sessionID)
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}

	ch := transport.NewWebSocketChannel(context.Background(), conn)
	s.Join(context.Background(), message.NewID(), ch, h.Config.Timeout.Handshake, h.Config.Timeout.Sync)
}
