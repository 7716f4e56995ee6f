package dazee

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed from the Retry-After header; 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Sentinel errors returned by the session manager and façade.
var (
	// ErrSessionNotFound is returned when a session id does not name an
	// active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConversationBusy is returned when a conversation already has an
	// active session; the caller must stop it before starting another.
	ErrConversationBusy = errors.New("conversation busy")
	// ErrSnapshotFull is returned when the snapshot directory's free space
	// would fall below the configured floor. File-mutating tools refuse to
	// run until the user intervenes.
	ErrSnapshotFull = errors.New("snapshot store full")
	// ErrToolNotFound is returned by the registry for an unknown tool name.
	ErrToolNotFound = errors.New("tool not found")
)

// ErrorKind labels an error for the transport layer: error events and the
// HTTP envelope. Business failures never carry one; they stay inside the
// turn as tool_result{is_error:true}.
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation_error"
	ErrKindNetwork    ErrorKind = "network_error"
	ErrKindTimeout    ErrorKind = "timeout_error"
	ErrKindOverloaded ErrorKind = "overloaded_error"
	ErrKindInternal   ErrorKind = "internal_error"
	ErrKindHITLAbort  ErrorKind = "hitl_abort"
)

// ErrValidation rejects a malformed request at the façade, before any
// session is created.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// KindOf maps an error to its transport-facing kind. Unrecognised errors are
// internal by definition: anything a component did not classify is a bug
// surface, not a user condition.
func KindOf(err error) ErrorKind {
	var ve *ErrValidation
	if errors.As(err, &ve) {
		return ErrKindValidation
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		if he.Status == 429 || he.Status >= 500 {
			return ErrKindOverloaded
		}
		return ErrKindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindInternal
}
