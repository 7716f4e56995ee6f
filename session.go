package dazee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState represents the execution state of a session.
type SessionState int32

const (
	// SessionPending indicates the session is registered but the executor has
	// not started.
	SessionPending SessionState = iota
	// SessionRunning indicates the executor loop is in progress.
	SessionRunning
	// SessionSuspended indicates the executor is parked behind a HITL gate.
	SessionSuspended
	// SessionCompleted indicates the session finished cleanly.
	SessionCompleted
	// SessionCancelled indicates the session was stopped before finishing.
	SessionCancelled
	// SessionFailed indicates the session ended with an error.
	SessionFailed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionRunning:
		return "running"
	case SessionSuspended:
		return "suspended"
	case SessionCompleted:
		return "completed"
	case SessionCancelled:
		return "cancelled"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s SessionState) IsTerminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionFailed
}

// SessionInfo is the read-only view returned by Get and List.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Active         bool      `json:"active"`
	State          string    `json:"state"`
	Turns          int       `json:"turns"`
	MessageCount   int       `json:"message_count"`
	HasPlan        bool      `json:"has_plan"`
	StartTime      time.Time `json:"start_time"`
}

// Session tracks one end-to-end execution. The executor goroutine owns the
// working set; everything exposed here is safe for concurrent use.
type Session struct {
	ID             string
	ConversationID string
	UserID         string
	AgentID        string
	StartedAt      time.Time

	state  atomic.Int32
	done   chan struct{}
	cancel context.CancelFunc

	// stopFlag is the externally set stop request, observed by the terminator
	// and at every executor checkpoint.
	stopFlag atomic.Bool

	// pending is the gate the executor is currently parked behind, nil when
	// not suspended.
	pending atomic.Pointer[resumeGate]

	// Counters mirrored out of the working set at turn boundaries so Info
	// never touches executor-owned state.
	turns    atomic.Int32
	msgCount atomic.Int32
	hasPlan  atomic.Bool
}

func newSession(conversationID, userID, agentID string, cancel context.CancelFunc) *Session {
	s := &Session{
		ID:             NewID(),
		ConversationID: conversationID,
		UserID:         userID,
		AgentID:        agentID,
		StartedAt:      time.Now(),
		done:           make(chan struct{}),
		cancel:         cancel,
	}
	s.state.Store(int32(SessionPending))
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done returns a channel closed when the executor finishes.
func (s *Session) Done() <-chan struct{} { return s.done }

// StopRequested reports whether an external stop was signalled.
func (s *Session) StopRequested() bool { return s.stopFlag.Load() }

// Stop signals the session to halt: sets the stop flag, resolves any pending
// gate, and fires the cancellation signal. Safe to call repeatedly; the
// executor emits session_stopped exactly once regardless.
func (s *Session) Stop() {
	s.stopFlag.Store(true)
	if g := s.pending.Load(); g != nil {
		g.release()
	}
	s.cancel()
}

// Info snapshots the session for external callers.
func (s *Session) Info() SessionInfo {
	state := s.State()
	return SessionInfo{
		SessionID:      s.ID,
		ConversationID: s.ConversationID,
		Active:         !state.IsTerminal(),
		State:          state.String(),
		Turns:          int(s.turns.Load()),
		MessageCount:   int(s.msgCount.Load()),
		HasPlan:        s.hasPlan.Load(),
		StartTime:      s.StartedAt,
	}
}

// syncCounters mirrors working-set counters into the atomics. Called by the
// executor at turn boundaries.
func (s *Session) syncCounters(rt *RuntimeContext) {
	s.turns.Store(int32(rt.Turns))
	s.msgCount.Store(int32(len(rt.Messages)))
	s.hasPlan.Store(rt.Plan != nil)
}

// markRunning flips the session out of pending once the executor starts.
func (s *Session) markRunning() { s.state.Store(int32(SessionRunning)) }

// park registers a gate as the session's pending suspension and flips the
// state to suspended. The executor calls unpark when the gate resolves.
func (s *Session) park(g *resumeGate) {
	s.pending.Store(g)
	s.state.Store(int32(SessionSuspended))
}

func (s *Session) unpark() {
	s.pending.Store(nil)
	s.state.Store(int32(SessionRunning))
}

// deliver routes a HITL response to the pending gate. Returns false when no
// gate is pending, the request id does not match, or the gate was already
// resolved (duplicate signals are dropped, not errors).
func (s *Session) deliver(resp HITLResponse) bool {
	g := s.pending.Load()
	if g == nil {
		return false
	}
	if resp.RequestID != "" && g.requestID != resp.RequestID {
		return false
	}
	return g.deliver(resp)
}

// pendingGate returns the kind and request id of the gate the session is
// parked behind, ok=false when not suspended.
func (s *Session) pendingGate() (GateKind, string, bool) {
	g := s.pending.Load()
	if g == nil {
		return "", "", false
	}
	return g.kind, g.requestID, true
}

// finish records the terminal state and closes done. All fields the executor
// wrote are visible to readers after the close.
func (s *Session) finish(state SessionState) {
	s.pending.Store(nil)
	s.state.Store(int32(state))
	s.cancel()
	close(s.done)
}

// sessionRetention is how long finished sessions stay listable before Evict
// drops them.
const sessionRetention = time.Hour

// SessionManager owns every session by id; other components hold ids and look
// up through it. One active session per conversation is enforced at
// registration.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConv   map[string]*Session
	lastConv map[string]string // conversation -> most recent finished session
	finished map[string]time.Time
	logger   *slog.Logger
}

// NewSessionManager returns an empty manager.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = nopLogger
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		byConv:   make(map[string]*Session),
		lastConv: make(map[string]string),
		finished: make(map[string]time.Time),
		logger:   logger,
	}
}

// register claims the conversation slot for a new session. Fails with
// ErrConversationBusy while the conversation's previous session is active.
func (m *SessionManager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byConv[s.ConversationID]; ok && !prev.State().IsTerminal() {
		return fmt.Errorf("%w: conversation %s has active session %s",
			ErrConversationBusy, s.ConversationID, prev.ID)
	}
	m.sessions[s.ID] = s
	m.byConv[s.ConversationID] = s
	m.logger.Info("session registered",
		"session_id", s.ID, "conversation_id", s.ConversationID, "user_id", s.UserID)
	return nil
}

// release frees the conversation slot once a session reaches a terminal
// state. The session stays retrievable until eviction.
func (m *SessionManager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byConv[s.ConversationID]; ok && cur.ID == s.ID {
		delete(m.byConv, s.ConversationID)
	}
	m.lastConv[s.ConversationID] = s.ID
	m.finished[s.ID] = time.Now()
}

// Get looks up a session by id.
func (m *SessionManager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// Active returns the running session for a conversation, if any.
func (m *SessionManager) Active(conversationID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byConv[conversationID]
	if !ok || s.State().IsTerminal() {
		return nil, false
	}
	return s, true
}

// LastFinished returns the most recently finished session id for a
// conversation. Used to target intent-driven rollback at prior work.
func (m *SessionManager) LastFinished(conversationID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.lastConv[conversationID]
	return id, ok
}

// ListActive returns info for every non-terminal session.
func (m *SessionManager) ListActive() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []SessionInfo
	for _, s := range m.sessions {
		if !s.State().IsTerminal() {
			infos = append(infos, s.Info())
		}
	}
	return infos
}

// Stop signals the session to halt. Idempotent; unknown ids error.
func (m *SessionManager) Stop(sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// ConfirmContinue resolves a continue-style gate (long-running, cost confirm,
// cost urgent, backtrack exhausted). approved=false is delivered as a
// rejection, which the executor treats as a user stop.
func (m *SessionManager) ConfirmContinue(sessionID string, approved bool) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	_, requestID, ok := s.pendingGate()
	if !ok {
		// Nothing pending: a duplicate confirmation after resume. Idempotent.
		return nil
	}
	resp := HITLResponse{RequestID: requestID, Response: ResponseReject}
	if approved {
		resp.Response = ResponseApprove
	}
	s.deliver(resp)
	return nil
}

// RespondHITL resolves a pending gate by request id. Duplicate or mismatched
// signals are dropped silently so clients may retry safely.
func (m *SessionManager) RespondHITL(sessionID, requestID, response string, metadata json.RawMessage) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	delivered := s.deliver(HITLResponse{
		RequestID: requestID,
		Response:  response,
		Text:      response,
		Metadata:  metadata,
	})
	if !delivered {
		m.logger.Debug("hitl response dropped",
			"session_id", sessionID, "request_id", requestID, "response", response)
	}
	return nil
}

// Evict drops finished sessions older than the retention window. Returns the
// evicted session ids so callers can release per-session state elsewhere.
func (m *SessionManager) Evict() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	cutoff := time.Now().Add(-sessionRetention)
	for id, at := range m.finished {
		if at.Before(cutoff) {
			delete(m.finished, id)
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
