package dazee

import (
	"fmt"
	"time"
)

// FinishReason labels why a session halted.
type FinishReason string

const (
	FinishModelEnd            FinishReason = "MODEL_END"
	FinishUserStop            FinishReason = "USER_STOP"
	FinishMaxTurns            FinishReason = "MAX_TURNS"
	FinishTimeout             FinishReason = "TIMEOUT"
	FinishConsecutiveFailures FinishReason = "CONSECUTIVE_FAILURES"
)

// Verdict is the terminator's per-turn outcome.
type Verdict int

const (
	// VerdictContinue lets the executor run another turn.
	VerdictContinue Verdict = iota
	// VerdictFinish ends the session with Reason.
	VerdictFinish
	// VerdictSuspend parks the session behind a HITL gate identified by Gate.
	VerdictSuspend
)

// GateKind identifies which approval a suspension waits for.
type GateKind string

const (
	GateToolConfirm        GateKind = "tool_confirm"
	GateBacktrackExhausted GateKind = "backtrack_exhausted"
	GateIntentClarify      GateKind = "intent_clarify"
	GateLongRunning        GateKind = "long_running"
	GateCostConfirm        GateKind = "cost_confirm"
	GateCostUrgent         GateKind = "cost_urgent"
)

// Cost ladder tiers, in ascending severity. Tier 0 means below the ladder.
const (
	costTierWarn    = 1
	costTierConfirm = 2
	costTierUrgent  = 3
)

// TerminationDecision is the terminator's verdict for one turn.
type TerminationDecision struct {
	Verdict Verdict
	// Reason is set when Verdict is VerdictFinish.
	Reason FinishReason
	// Gate is set when Verdict is VerdictSuspend.
	Gate GateKind
	// OfferRollback asks the executor to surface rollback options before the
	// terminal events.
	OfferRollback bool
	// CostTier and CostThresholdUSD describe a newly crossed ladder tier.
	// Tier costTierWarn rides on any verdict (non-blocking alert); the
	// blocking tiers arrive as VerdictSuspend with a cost gate.
	CostTier         int
	CostThresholdUSD float64
	Detail           string
}

// TerminatorConfig bounds a session. Zero values take the defaults.
type TerminatorConfig struct {
	MaxTurns            int
	MaxDuration         time.Duration
	IdleTimeout         time.Duration
	ConsecutiveFailures int
	LongRunThreshold    int

	CostWarnUSD    float64
	CostConfirmUSD float64
	CostUrgentUSD  float64
}

// DefaultTerminatorConfig returns the stock bounds.
func DefaultTerminatorConfig() TerminatorConfig {
	return TerminatorConfig{
		MaxTurns:            50,
		MaxDuration:         30 * time.Minute,
		IdleTimeout:         5 * time.Minute,
		ConsecutiveFailures: 3,
		LongRunThreshold:    20,
		CostWarnUSD:         0.50,
		CostConfirmUSD:      2.00,
		CostUrgentUSD:       10.00,
	}
}

func (c TerminatorConfig) withDefaults() TerminatorConfig {
	d := DefaultTerminatorConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if c.LongRunThreshold <= 0 {
		c.LongRunThreshold = d.LongRunThreshold
	}
	if c.CostWarnUSD <= 0 {
		c.CostWarnUSD = d.CostWarnUSD
	}
	if c.CostConfirmUSD <= 0 {
		c.CostConfirmUSD = d.CostConfirmUSD
	}
	if c.CostUrgentUSD <= 0 {
		c.CostUrgentUSD = d.CostUrgentUSD
	}
	return c
}

// Terminator decides at the end of every turn whether the session should
// continue, finish, or suspend for user input. Evaluate is pure: it reads the
// working set and returns a decision without mutating anything, so repeated
// evaluation of the same state yields the same outcome.
type Terminator struct {
	cfg     TerminatorConfig
	pricing *PricingTable
}

// NewTerminator builds a terminator. pricing may be nil; the cost ladder is
// then skipped entirely.
func NewTerminator(cfg TerminatorConfig, pricing *PricingTable) *Terminator {
	return &Terminator{cfg: cfg.withDefaults(), pricing: pricing}
}

// Config returns the effective bounds.
func (t *Terminator) Config() TerminatorConfig { return t.cfg }

// Evaluate runs the ordered halt checks, then the cost ladder. stopRequested
// is the session's externally set stop flag; now is injected for purity.
func (t *Terminator) Evaluate(rt *RuntimeContext, stopRequested bool, now time.Time) TerminationDecision {
	if d, halted := t.haltCheck(rt, stopRequested, now); halted {
		return d
	}
	return t.costCheck(rt)
}

// haltCheck evaluates the eight ordered dimensions. The first that fires wins.
func (t *Terminator) haltCheck(rt *RuntimeContext, stopRequested bool, now time.Time) (TerminationDecision, bool) {
	// 1. Model self-terminated: end_turn with every tool_use resolved.
	if last := rt.LastAssistant(); last != nil &&
		last.StopReason == StopEndTurn && !hasUnresolvedToolUse(rt) {
		return TerminationDecision{Verdict: VerdictFinish, Reason: FinishModelEnd}, true
	}

	// 2. External stop flag.
	if stopRequested {
		return TerminationDecision{Verdict: VerdictFinish, Reason: FinishUserStop}, true
	}

	// 3. Turn cap.
	if rt.Turns >= t.cfg.MaxTurns {
		return TerminationDecision{
			Verdict: VerdictFinish, Reason: FinishMaxTurns,
			Detail: fmt.Sprintf("reached %d turns", rt.Turns),
		}, true
	}

	// 4. Wall-clock and idle bounds.
	if age := now.Sub(rt.StartedAt); age >= t.cfg.MaxDuration {
		return TerminationDecision{
			Verdict: VerdictFinish, Reason: FinishTimeout,
			Detail: fmt.Sprintf("session ran %s", age.Round(time.Second)),
		}, true
	}
	if idle := now.Sub(rt.LastEventAt); idle >= t.cfg.IdleTimeout {
		return TerminationDecision{
			Verdict: VerdictFinish, Reason: FinishTimeout,
			Detail: fmt.Sprintf("idle for %s", idle.Round(time.Second)),
		}, true
	}

	// 5. Consecutive failed turns: give up and offer to undo what ran.
	if rt.ConsecutiveFailures >= t.cfg.ConsecutiveFailures {
		return TerminationDecision{
			Verdict: VerdictFinish, Reason: FinishConsecutiveFailures,
			OfferRollback: true,
			Detail:        fmt.Sprintf("%d consecutive failed turns", rt.ConsecutiveFailures),
		}, true
	}

	// 6. Recovery exhausted: ask retry / rollback / abandon.
	if rt.BacktracksExhausted {
		return TerminationDecision{Verdict: VerdictSuspend, Gate: GateBacktrackExhausted}, true
	}

	// 7. Recovery wants the user to clarify.
	if rt.LastStrategy == StrategyIntentClarify {
		return TerminationDecision{Verdict: VerdictSuspend, Gate: GateIntentClarify}, true
	}

	// 8. Long-running confirm, suppressed after the first approval.
	if rt.Turns >= t.cfg.LongRunThreshold && !rt.LongRunConfirmed {
		return TerminationDecision{Verdict: VerdictSuspend, Gate: GateLongRunning}, true
	}

	return TerminationDecision{}, false
}

// costCheck walks the ladder against accumulated spend. Each tier fires once
// per session (CostTierAcknowledged records the highest tier already
// surfaced). The ladder never finishes a session; only the user does.
func (t *Terminator) costCheck(rt *RuntimeContext) TerminationDecision {
	if t.pricing == nil || rt.CostUSD <= 0 {
		return TerminationDecision{Verdict: VerdictContinue}
	}
	switch {
	case rt.CostUSD >= t.cfg.CostUrgentUSD && rt.CostTierAcknowledged < costTierUrgent:
		return TerminationDecision{
			Verdict: VerdictSuspend, Gate: GateCostUrgent,
			CostTier: costTierUrgent, CostThresholdUSD: t.cfg.CostUrgentUSD,
		}
	case rt.CostUSD >= t.cfg.CostConfirmUSD && rt.CostTierAcknowledged < costTierConfirm:
		return TerminationDecision{
			Verdict: VerdictSuspend, Gate: GateCostConfirm,
			CostTier: costTierConfirm, CostThresholdUSD: t.cfg.CostConfirmUSD,
		}
	case rt.CostUSD >= t.cfg.CostWarnUSD && rt.CostTierAcknowledged < costTierWarn:
		return TerminationDecision{
			Verdict:  VerdictContinue,
			CostTier: costTierWarn, CostThresholdUSD: t.cfg.CostWarnUSD,
		}
	}
	return TerminationDecision{Verdict: VerdictContinue}
}

// hasUnresolvedToolUse reports whether any tool_use block in the last
// assistant message lacks a matching tool_result later in the conversation.
func hasUnresolvedToolUse(rt *RuntimeContext) bool {
	last := rt.LastAssistant()
	if last == nil {
		return false
	}
	uses := last.ToolUses()
	if len(uses) == 0 {
		return false
	}
	resolved := make(map[string]bool)
	seen := false
	for _, m := range rt.Messages {
		if seen {
			for _, b := range m.Content {
				if b.Type == BlockToolResult {
					resolved[b.ToolUseID] = true
				}
			}
		}
		if m.ID == last.ID {
			seen = true
		}
	}
	for _, u := range uses {
		if !resolved[u.ID] {
			return true
		}
	}
	return false
}
