// Package gateway exposes the chat core to local clients over three
// transports: a WebSocket control plane carrying req/res/event frames, an
// SSE stream per chat request, and a small JSON HTTP surface for session
// control. All HTTP replies are wrapped {code, message, data}.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger for the gateway.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHeartbeat overrides the tick/keep-alive interval (default 30s).
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// Server serves the chat façade over HTTP, SSE and WebSocket.
type Server struct {
	chat      *dazee.ChatService
	logger    *slog.Logger
	heartbeat time.Duration
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewServer builds a gateway around an existing ChatService.
func NewServer(chat *dazee.ChatService, opts ...Option) *Server {
	s := &Server{
		chat:      chat,
		logger:    nopLogger,
		heartbeat: 30 * time.Second,
		startTime: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /session/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /session/{id}/confirm_continue", s.handleConfirmContinue)
	mux.HandleFunc("POST /session/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /session/{id}", s.handleSessionInfo)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("POST /human-confirmation/{session_id}", s.handleHumanConfirmation)
	mux.Handle("GET /ws", s.newWSControlPlane())
	return mux
}

// Start listens on addr and serves in a background goroutine.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway: server error", "error", err)
		}
	}()

	s.logger.Info("gateway: listening", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway: shutdown error", "error", err)
		return err
	}
	return nil
}

// --- Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, map[string]any{
		"status":    "ok",
		"uptime_ms": time.Since(s.startTime).Milliseconds(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.Stop(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmContinue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.chat.ConfirmContinue(r.PathValue("id"), body.Approved); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, map[string]any{"approved": body.Approved})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Select []string `json:"select,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeStatus(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	results, err := s.chat.Rollback(r.PathValue("id"), body.Select)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, map[string]any{"results": results})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.chat.Info(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, info)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, map[string]any{"sessions": s.chat.List()})
}

func (s *Server) handleHumanConfirmation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string          `json:"request_id"`
		Response  string          `json:"response"`
		Metadata  json.RawMessage `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.RequestID == "" || body.Response == "" {
		s.writeStatus(w, http.StatusBadRequest, "request_id and response are required")
		return
	}
	if err := s.chat.RespondHITL(r.PathValue("session_id"), body.RequestID, body.Response, body.Metadata); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, map[string]any{"delivered": true})
}

// --- Response envelope ---

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: data})
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, envelope{Code: status, Message: message})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ve *dazee.ErrValidation
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, dazee.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dazee.ErrConversationBusy):
		status = http.StatusConflict
	case errors.Is(err, dazee.ErrResumeExpired):
		status = http.StatusGone
	}
	s.writeJSON(w, status, envelope{Code: status, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Debug("gateway: write response failed", "error", err)
	}
}
