package dazee

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// BacktrackStrategy is one rung of the recovery ladder, ordered weakest to
// strongest.
type BacktrackStrategy string

const (
	StrategyParamAdjust   BacktrackStrategy = "PARAM_ADJUST"
	StrategyToolReplace   BacktrackStrategy = "TOOL_REPLACE"
	StrategyContextEnrich BacktrackStrategy = "CONTEXT_ENRICH"
	StrategyPlanReplan    BacktrackStrategy = "PLAN_REPLAN"
	StrategyIntentClarify BacktrackStrategy = "INTENT_CLARIFY"
	StrategyGiveUp        BacktrackStrategy = "GIVE_UP"
)

var strategyLadder = []BacktrackStrategy{
	StrategyParamAdjust,
	StrategyToolReplace,
	StrategyContextEnrich,
	StrategyPlanReplan,
	StrategyIntentClarify,
	StrategyGiveUp,
}

func strategyRank(s BacktrackStrategy) int {
	for i, l := range strategyLadder {
		if l == s {
			return i
		}
	}
	return -1
}

// Directive phrases the strategy as an instruction for the next prompt.
func (s BacktrackStrategy) Directive() string {
	switch s {
	case StrategyParamAdjust:
		return "Call the same tool again with corrected parameters."
	case StrategyToolReplace:
		return "Reach the goal with a different tool."
	case StrategyContextEnrich:
		return "Gather more context before retrying the step."
	case StrategyPlanReplan:
		return "Revise the plan; the current approach is not working."
	case StrategyIntentClarify:
		return "Ask the user a clarifying question before continuing."
	default:
		return "Stop attempting this step."
	}
}

// Fingerprint summarises a failing step: tool name, canonicalised input and
// error kind. Recovery bookkeeping is keyed by it so a failed strategy is
// never repeated against the same failure.
type Fingerprint string

// FailureFingerprint derives the fingerprint for one failing step.
func FailureFingerprint(tool string, input json.RawMessage, kind string) Fingerprint {
	sum := sha256.Sum256([]byte(tool + "\x00" + canonicalInput(input) + "\x00" + kind))
	return Fingerprint(hex.EncodeToString(sum[:8]))
}

// canonicalInput reduces a JSON input to a key-order-independent form so
// semantically identical calls fingerprint identically.
func canonicalInput(raw json.RawMessage) string {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || v == nil {
		s := strings.TrimSpace(string(raw))
		if s == "" {
			return "{}"
		}
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

// Failure is one classified business failure handed to the manager.
type Failure struct {
	Tool           string
	ToolUseID      string
	Input          json.RawMessage
	Classification ErrorClassification
}

// Fingerprint returns the failure's recovery key.
func (f Failure) Fingerprint() Fingerprint {
	return FailureFingerprint(f.Tool, f.Input, f.Classification.Kind)
}

// BacktrackDecision is the manager's verdict for one failure.
type BacktrackDecision struct {
	Strategy    BacktrackStrategy
	Fingerprint Fingerprint
	// Proposed is true when the model picked the strategy, false when the
	// deterministic ladder did.
	Proposed bool
	Reason   string
	// Usage covers the proposal call, zero when the ladder decided.
	Usage Usage
}

// defaultBacktrackCeiling bounds total recovery attempts per session across
// all fingerprints.
const defaultBacktrackCeiling = 10

// BacktrackManager chooses recovery strategies for classified business
// failures. One manager serves one session and is owned by that session's
// executor goroutine; nothing here is synchronized.
type BacktrackManager struct {
	provider Provider
	model    string
	ceiling  int
	logger   *slog.Logger

	attempts map[Fingerprint]map[BacktrackStrategy]bool

	// lastReflectionFP and lastReflectionMsg track the open reflection entry
	// so consecutive failures on one fingerprint compress into it.
	lastReflectionFP  Fingerprint
	lastReflectionMsg string
	failureCount      map[Fingerprint]int
}

// BacktrackOption configures a BacktrackManager.
type BacktrackOption func(*BacktrackManager)

// WithBacktrackProvider enables model-proposed strategies using the given
// provider and model name. Without it the deterministic ladder decides alone.
func WithBacktrackProvider(p Provider, model string) BacktrackOption {
	return func(m *BacktrackManager) {
		m.provider = p
		m.model = model
	}
}

// WithBacktrackCeiling overrides the session-wide attempt ceiling.
func WithBacktrackCeiling(n int) BacktrackOption {
	return func(m *BacktrackManager) {
		if n > 0 {
			m.ceiling = n
		}
	}
}

// WithBacktrackLogger sets the manager's logger.
func WithBacktrackLogger(l *slog.Logger) BacktrackOption {
	return func(m *BacktrackManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewBacktrackManager returns a manager with empty recovery state.
func NewBacktrackManager(opts ...BacktrackOption) *BacktrackManager {
	m := &BacktrackManager{
		ceiling:      defaultBacktrackCeiling,
		logger:       nopLogger,
		attempts:     make(map[Fingerprint]map[BacktrackStrategy]bool),
		failureCount: make(map[Fingerprint]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Decide picks the recovery strategy for a failure, records it against the
// fingerprint, and updates the session's backtrack counters. Escalation is
// monotonic per fingerprint: a chosen strategy is never weaker than one
// already tried there, and never the same one twice.
func (m *BacktrackManager) Decide(ctx context.Context, rt *RuntimeContext, f Failure) BacktrackDecision {
	fp := f.Fingerprint()
	tried := m.attempts[fp]
	if tried == nil {
		tried = make(map[BacktrackStrategy]bool)
		m.attempts[fp] = tried
	}
	m.failureCount[fp]++

	floor := -1
	for s := range tried {
		if r := strategyRank(s); r > floor {
			floor = r
		}
	}

	decision := BacktrackDecision{Fingerprint: fp}
	proposed, usage, ok := m.propose(ctx, rt, f, tried)
	decision.Usage = usage
	if ok {
		if r := strategyRank(proposed); r > floor && !tried[proposed] {
			decision.Strategy = proposed
			decision.Proposed = true
			decision.Reason = "model proposal"
		} else {
			m.logger.Debug("proposal rejected, falling back to ladder",
				"session_id", rt.SessionID, "proposed", proposed, "floor", floor)
		}
	}
	if decision.Strategy == "" {
		decision.Strategy = ladderNext(floor)
		decision.Reason = "escalation ladder"
	}

	tried[decision.Strategy] = true
	rt.TotalBacktracks++
	rt.LastStrategy = decision.Strategy
	rt.BacktrackTokens += decision.Usage.InputTokens + decision.Usage.OutputTokens
	if decision.Strategy == StrategyGiveUp || rt.TotalBacktracks >= m.ceiling {
		rt.BacktracksExhausted = true
	}

	m.logger.Info("backtrack decision",
		"session_id", rt.SessionID, "tool", f.Tool, "kind", f.Classification.Kind,
		"fingerprint", fp, "strategy", decision.Strategy, "total", rt.TotalBacktracks)
	return decision
}

// ladderNext returns the weakest strategy strictly above floor.
func ladderNext(floor int) BacktrackStrategy {
	if floor+1 < len(strategyLadder) {
		return strategyLadder[floor+1]
	}
	return StrategyGiveUp
}

// propose asks the lightweight model for a strategy. Returns ok=false when no
// provider is configured or the call fails; the ladder then decides.
func (m *BacktrackManager) propose(ctx context.Context, rt *RuntimeContext, f Failure, tried map[BacktrackStrategy]bool) (BacktrackStrategy, Usage, bool) {
	if m.provider == nil {
		return "", Usage{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A tool step failed and needs a recovery strategy.\n\n")
	fmt.Fprintf(&b, "Tool: %s\nInput: %s\nFailure: %s (%s)\n",
		f.Tool, truncateStr(canonicalInput(f.Input), 200), f.Classification.Kind, truncateStr(f.Classification.Detail, 200))
	if names := triedNames(tried); len(names) > 0 {
		fmt.Fprintf(&b, "Already tried on this exact failure: %s\n", strings.Join(names, ", "))
	}
	if rt.Plan != nil {
		fmt.Fprintf(&b, "\nCurrent plan:\n%s\n", rt.Plan.Markdown())
	}
	b.WriteString("\nReply with exactly one strategy name.")

	req := ModelRequest{
		Model: m.model,
		System: []PromptFragment{{
			Cache: CacheStable,
			Text: "You pick recovery strategies for failed agent steps. The strategies, weakest to strongest: " +
				"PARAM_ADJUST (same tool, corrected parameters), TOOL_REPLACE (different tool), " +
				"CONTEXT_ENRICH (gather more context first), PLAN_REPLAN (revise the plan), " +
				"INTENT_CLARIFY (ask the user), GIVE_UP (stop trying). " +
				"Never pick one weaker than, or equal to, a strategy already tried for the failure.",
		}},
		Messages:  []Message{UserMessage(b.String())},
		MaxTokens: 64,
	}
	resp, err := m.provider.Chat(ctx, req)
	if err != nil {
		m.logger.Warn("strategy proposal failed", "session_id", rt.SessionID, "error", err)
		return "", Usage{}, false
	}
	s, ok := parseStrategy(resp.Message.Text())
	if !ok {
		m.logger.Warn("strategy proposal unparseable", "session_id", rt.SessionID,
			"text", truncateStr(resp.Message.Text(), 120))
		return "", resp.Usage, false
	}
	return s, resp.Usage, true
}

// parseStrategy finds the first strategy name mentioned in the model's reply.
func parseStrategy(text string) (BacktrackStrategy, bool) {
	upper := strings.ToUpper(text)
	best := -1
	var found BacktrackStrategy
	for _, s := range strategyLadder {
		if i := strings.Index(upper, string(s)); i >= 0 && (best == -1 || i < best) {
			best = i
			found = s
		}
	}
	return found, best >= 0
}

func triedNames(tried map[BacktrackStrategy]bool) []string {
	names := make([]string, 0, len(tried))
	for s := range tried {
		names = append(names, string(s))
	}
	sort.Slice(names, func(i, j int) bool {
		return strategyRank(BacktrackStrategy(names[i])) < strategyRank(BacktrackStrategy(names[j]))
	})
	return names
}

// Rewrite edits the visible conversation after a backtrack decision: the
// failed tool_use/tool_result pair is removed so the error does not propagate,
// and a contrastive reflection note tells the model what was tried and what to
// do differently. Consecutive failures on one fingerprint update the existing
// note instead of stacking new ones.
func (m *BacktrackManager) Rewrite(rt *RuntimeContext, f Failure, d BacktrackDecision) {
	m.stripFailedPair(rt, f.ToolUseID)

	text := m.reflectionText(f, d)
	if m.lastReflectionFP == d.Fingerprint && m.lastReflectionMsg != "" {
		for i := range rt.Messages {
			if rt.Messages[i].ID == m.lastReflectionMsg {
				rt.Messages[i].Content = []ContentBlock{{Type: BlockText, Text: text}}
				return
			}
		}
	}
	note := UserMessage(text)
	rt.Append(note)
	m.lastReflectionFP = d.Fingerprint
	m.lastReflectionMsg = note.ID
}

func (m *BacktrackManager) reflectionText(f Failure, d BacktrackDecision) string {
	input := truncateStr(canonicalInput(f.Input), 120)
	reason := f.Classification.Detail
	if reason == "" {
		reason = f.Classification.Kind
	}
	n := m.failureCount[d.Fingerprint]
	if n > 1 {
		return fmt.Sprintf("Previously attempted %s via %s %d times; it failed because %s. Try a different approach: %s",
			f.Tool, input, n, truncateStr(reason, 200), strings.ToLower(d.Strategy.Directive()))
	}
	return fmt.Sprintf("Previously attempted %s via %s; it failed because %s. Try a different approach: %s",
		f.Tool, input, truncateStr(reason, 200), strings.ToLower(d.Strategy.Directive()))
}

// stripFailedPair removes the tool_use block and its matching tool_result from
// the visible messages. Messages left empty by the strip are dropped whole so
// the provider never sees an unpaired half.
func (m *BacktrackManager) stripFailedPair(rt *RuntimeContext, toolUseID string) {
	if toolUseID == "" {
		return
	}
	kept := rt.Messages[:0]
	for _, msg := range rt.Messages {
		blocks := msg.Content[:0]
		for _, bl := range msg.Content {
			if bl.Type == BlockToolUse && bl.ID == toolUseID {
				continue
			}
			if bl.Type == BlockToolResult && bl.ToolUseID == toolUseID {
				continue
			}
			blocks = append(blocks, bl)
		}
		msg.Content = blocks
		if len(msg.Content) == 0 {
			continue
		}
		kept = append(kept, msg)
	}
	rt.Messages = kept
}

// Reset clears all recovery state. Called when the user chooses to retry
// after exhaustion so the ladder starts fresh.
func (m *BacktrackManager) Reset() {
	m.attempts = make(map[Fingerprint]map[BacktrackStrategy]bool)
	m.failureCount = make(map[Fingerprint]int)
	m.lastReflectionFP = ""
	m.lastReflectionMsg = ""
}

// Attempts reports the strategies tried for a fingerprint, weakest first.
func (m *BacktrackManager) Attempts(fp Fingerprint) []BacktrackStrategy {
	names := triedNames(m.attempts[fp])
	out := make([]BacktrackStrategy, len(names))
	for i, n := range names {
		out[i] = BacktrackStrategy(n)
	}
	return out
}
