package dazee

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// HITL response verbs. Tool confirmations use approve/reject; the
// backtrack-exhausted gate uses retry/rollback/abandon; the clarify gate
// carries free text in Text.
const (
	ResponseApprove  = "approve"
	ResponseReject   = "reject"
	ResponseRetry    = "retry"
	ResponseRollback = "rollback"
	ResponseAbandon  = "abandon"
)

// HITLResponse is the user's answer to a pending gate.
type HITLResponse struct {
	RequestID string          `json:"request_id"`
	Response  string          `json:"response"`
	Text      string          `json:"text,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Approved reports whether the response is an approval.
func (r HITLResponse) Approved() bool { return r.Response == ResponseApprove }

// defaultResumeTTL bounds how long a suspended session waits for its signal.
// When it elapses the gate expires and the executor treats the suspension as
// abandoned, preventing sessions parked forever.
const defaultResumeTTL = 30 * time.Minute

// ErrResumeExpired is returned by wait when the gate's TTL elapsed before a
// signal arrived.
var ErrResumeExpired = errors.New("dazee: resume window expired")

// resumeGate is the single-use rendezvous for one suspension. The executor
// parks on wait; the first matching deliver wins. Duplicate signals after
// resolution are acknowledged and dropped, making resume idempotent.
type resumeGate struct {
	requestID string
	kind      GateKind

	ch   chan HITLResponse
	once sync.Once
	ttl  *time.Timer
}

// newResumeGate arms a gate with the given TTL (0 means defaultResumeTTL).
func newResumeGate(requestID string, kind GateKind, ttl time.Duration) *resumeGate {
	if ttl <= 0 {
		ttl = defaultResumeTTL
	}
	g := &resumeGate{
		requestID: requestID,
		kind:      kind,
		ch:        make(chan HITLResponse, 1),
	}
	g.ttl = time.AfterFunc(ttl, g.expire)
	return g
}

// deliver hands the response to the waiting executor. Returns true when this
// call resolved the gate; false when the gate was already resolved or expired
// (the duplicate is dropped).
func (g *resumeGate) deliver(resp HITLResponse) bool {
	accepted := false
	g.once.Do(func() {
		g.ttl.Stop()
		g.ch <- resp
		accepted = true
	})
	return accepted
}

// expire closes the gate without a response; wait returns ErrResumeExpired.
func (g *resumeGate) expire() {
	g.once.Do(func() { close(g.ch) })
}

// release resolves the gate without waking anyone. Used when the session is
// torn down while suspended.
func (g *resumeGate) release() {
	g.once.Do(func() {
		g.ttl.Stop()
		close(g.ch)
	})
}

// wait blocks until the signal arrives, the TTL expires, or ctx is done.
func (g *resumeGate) wait(ctx context.Context) (HITLResponse, error) {
	select {
	case resp, ok := <-g.ch:
		if !ok {
			return HITLResponse{}, ErrResumeExpired
		}
		return resp, nil
	case <-ctx.Done():
		return HITLResponse{}, ctx.Err()
	}
}
