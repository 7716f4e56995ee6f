package dazee

import "time"

// RuntimeContext is the per-session mutable working set. Exactly one executor
// goroutine owns and mutates it; nothing here is synchronized.
type RuntimeContext struct {
	SessionID      string
	ConversationID string
	UserID         string
	AgentID        string

	// Messages is the ordered conversation visible to the model: user turns,
	// assistant turns, tool results. Backtracking rewrites this list.
	Messages []Message

	// Plan is the working todo tree. Nil until the intent analyzer marks the
	// request complex or a replan produces one.
	Plan *Plan

	Turns               int
	TotalBacktracks     int
	BacktracksExhausted bool
	// BacktrackTokens accumulates tokens spent on strategy-proposal calls so
	// recovery overhead shows up in the session's usage.
	BacktrackTokens int
	// LastStrategy is the most recent backtrack decision, consulted by the
	// terminator for the clarification check.
	LastStrategy BacktrackStrategy
	// LastDecision is the terminator's most recent verdict.
	LastDecision *TerminationDecision

	Usage   Usage
	CostUSD float64

	StartedAt   time.Time
	LastEventAt time.Time

	// ConsecutiveFailures counts turns that ended in a classified failure,
	// reset on the first clean turn.
	ConsecutiveFailures int
	// LongRunConfirmed is set once the user approves continuing past the
	// long-running threshold; the prompt is not repeated.
	LongRunConfirmed bool
	// CostTierAcknowledged tracks the highest cost tier already surfaced so
	// each alert fires once.
	CostTierAcknowledged int

	// Injections holds the injector pipeline's output from the latest prompt
	// build, keyed by phase.
	Injections map[InjectPhase][]PromptFragment
}

// NewRuntimeContext seeds the working set for a fresh session.
func NewRuntimeContext(sessionID, conversationID, userID string) *RuntimeContext {
	now := time.Now()
	return &RuntimeContext{
		SessionID:      sessionID,
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      now,
		LastEventAt:    now,
		Injections:     make(map[InjectPhase][]PromptFragment),
	}
}

// Append adds a message to the visible conversation.
func (rt *RuntimeContext) Append(msgs ...Message) {
	rt.Messages = append(rt.Messages, msgs...)
}

// LastAssistant returns the most recent assistant message, or nil.
func (rt *RuntimeContext) LastAssistant() *Message {
	for i := len(rt.Messages) - 1; i >= 0; i-- {
		if rt.Messages[i].Role == RoleAssistant {
			return &rt.Messages[i]
		}
	}
	return nil
}

// LastUserText returns the text of the most recent user message that is not
// a tool result carrier.
func (rt *RuntimeContext) LastUserText() string {
	for i := len(rt.Messages) - 1; i >= 0; i-- {
		m := rt.Messages[i]
		if m.Role != RoleUser {
			continue
		}
		if t := m.Text(); t != "" {
			return t
		}
	}
	return ""
}

// Touch records event activity for the idle-timeout check.
func (rt *RuntimeContext) Touch() { rt.LastEventAt = time.Now() }

// AddUsage folds one model call's token usage and cost into the running
// totals.
func (rt *RuntimeContext) AddUsage(u Usage, costUSD float64) {
	rt.Usage.Add(u)
	rt.CostUSD += costUSD
}
