package dazee

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a wire event. Types form five layers (session,
// conversation, message, content, system), each with start/delta/stop
// where applicable.
type EventType string

const (
	EventSessionStart   EventType = "session_start"
	EventSessionStopped EventType = "session_stopped"
	EventSessionEnd     EventType = "session_end"
	EventPing           EventType = "ping"

	EventConversationStart EventType = "conversation_start"
	EventConversationDelta EventType = "conversation_delta"
	EventConversationStop  EventType = "conversation_stop"

	EventMessageStart EventType = "message_start"
	EventMessageDelta EventType = "message_delta"
	EventMessageStop  EventType = "message_stop"

	EventContentStart EventType = "content_start"
	EventContentDelta EventType = "content_delta"
	EventContentStop  EventType = "content_stop"

	EventError EventType = "error"
	EventDone  EventType = "done"

	EventRollbackOptions   EventType = "rollback_options"
	EventRollbackCompleted EventType = "rollback_completed"

	EventLongRunningConfirm        EventType = "long_running_confirm"
	EventCostWarn                  EventType = "cost_warn"
	EventCostLimitConfirm          EventType = "cost_limit_confirm"
	EventCostUrgentConfirm         EventType = "cost_urgent_confirm"
	EventBacktrackExhaustedConfirm EventType = "backtrack_exhausted_confirm"
	EventIntentClarifyRequest      EventType = "intent_clarify_request"
)

// Event is the envelope every subscriber receives. The broadcaster assigns
// EventUUID, Seq (monotone within a session, starting at 1) and Timestamp
// (Unix milliseconds) at emission; callers fill the rest.
type Event struct {
	EventUUID      string          `json:"event_uuid"`
	Seq            int64           `json:"seq"`
	Type           EventType       `json:"type"`
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// IsContentDelta reports whether the event is a throttleable content delta.
func (e Event) IsContentDelta() bool { return e.Type == EventContentDelta }

// Terminal reports whether the event closes the session stream.
func (e Event) Terminal() bool { return e.Type == EventSessionEnd || e.Type == EventDone }

// NewEvent builds an unsequenced event; data is marshalled immediately.
func NewEvent(t EventType, sessionID string, data any) Event {
	return Event{Type: t, SessionID: sessionID, Data: mustJSON(data)}
}

// WithConversation sets the conversation id.
func (e Event) WithConversation(id string) Event {
	e.ConversationID = id
	return e
}

// WithMessage sets the message id.
func (e Event) WithMessage(id string) Event {
	e.MessageID = id
	return e
}

// mustJSON marshals payload structs defined in this package. A failure is a
// programmer error (all payloads are plain data), so it panics.
func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("dazee: marshal event payload: %v", err))
	}
	return b
}

// --- Event payloads ---

// Session end statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Stop reasons carried on session_stopped.
const (
	StopReasonUserRequested = "user_requested"
	StopReasonTimeout       = "timeout"
)

type SessionStartData struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id,omitempty"`
}

type SessionStoppedData struct {
	Reason string `json:"reason"`
}

type SessionEndData struct {
	Status     string  `json:"status"`
	StopReason string  `json:"stop_reason,omitempty"`
	Turns      int     `json:"turns,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

type ConversationStartData struct {
	Title string `json:"title,omitempty"`
}

type MessageStartData struct {
	Role  Role   `json:"role"`
	Model string `json:"model,omitempty"`
}

// MessageDeltaData carries message-level side content: tool progress notes
// and confirmation requests. Type discriminates; Content is shaped per type.
type MessageDeltaData struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Message-delta types.
const (
	DeltaToolProgress        = "tool_progress"
	DeltaConfirmationRequest = "confirmation_request"
)

// ConfirmationRequest is the content of a confirmation_request message_delta,
// emitted when a tool requires human approval before running.
type ConfirmationRequest struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ToolProgress is the content of a tool_progress message_delta.
type ToolProgress struct {
	ToolUseID string `json:"tool_use_id"`
	Note      string `json:"note"`
}

type MessageStopData struct {
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// ContentStartData opens block Index; Block is the shell (type, and for
// tool_use the id and name, never the input, which arrives as deltas).
type ContentStartData struct {
	Index int          `json:"index"`
	Block ContentBlock `json:"content_block"`
}

type ContentDeltaData struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

type ContentStopData struct {
	Index int `json:"index"`
}

type ErrorData struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RollbackOption describes one reversible operation offered to the user.
type RollbackOption struct {
	OperationID string        `json:"operation_id"`
	Kind        OperationKind `json:"kind"`
	Targets     []string      `json:"targets"`
	ToolUseID   string        `json:"tool_use_id,omitempty"`
}

// RollbackOptionsData lists reversible operations. SessionID is set when the
// operations belong to an earlier session than the one carrying the event,
// as happens when a new message asks to undo finished work.
type RollbackOptionsData struct {
	SessionID  string           `json:"session_id,omitempty"`
	Operations []RollbackOption `json:"operations"`
}

// RollbackResult is the per-operation outcome of a rollback.
type RollbackResult struct {
	OperationID string `json:"operation_id"`
	Path        string `json:"path,omitempty"`
	Restored    bool   `json:"restored"`
	Error       string `json:"error,omitempty"`
}

type RollbackCompletedData struct {
	Results []RollbackResult `json:"results"`
}

// CostAlertData rides on cost_warn, cost_limit_confirm and
// cost_urgent_confirm. RequestID is set only on the blocking tiers.
type CostAlertData struct {
	RequestID      string  `json:"request_id,omitempty"`
	AccumulatedUSD float64 `json:"accumulated_usd"`
	ThresholdUSD   float64 `json:"threshold_usd"`
}

// LongRunningConfirmData asks whether to continue past the turn threshold.
type LongRunningConfirmData struct {
	RequestID string `json:"request_id"`
	Turns     int    `json:"turns"`
}

// BacktrackExhaustedData offers the three-way retry/rollback/abandon choice.
type BacktrackExhaustedData struct {
	RequestID string   `json:"request_id"`
	Summary   string   `json:"summary"`
	Options   []string `json:"options"`
}

// IntentClarifyData asks the user to restate or narrow the request.
type IntentClarifyData struct {
	RequestID string `json:"request_id"`
	Question  string `json:"question"`
}
