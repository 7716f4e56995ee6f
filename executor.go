package dazee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// maxVisibleMessages caps the conversation window sent to the model. Older
// messages are trimmed at user-message boundaries; the history-summary
// injector keeps the thread.
const maxVisibleMessages = 40

// ExecutorConfig bundles the collaborators the executor programs against.
// Provider, Tools, Broadcaster and Terminator are required; the rest degrade
// to no-ops when absent.
type ExecutorConfig struct {
	Provider       Provider
	Model          string
	BacktrackModel string
	MaxTokens      int
	MaxBacktracks  int

	Tools       *ToolExecutor
	Registry    *ToolRegistry
	Broadcaster *Broadcaster
	Terminator  *Terminator
	Injectors   *InjectorPipeline
	Snapshots   *SnapshotStore
	Store       Store
	Pricing     *PricingTable
	Tracer      Tracer
	Logger      *slog.Logger
	ResumeTTL   time.Duration
}

// RVRBExecutor drives the per-session reason-act-validate-backtrack loop:
// build prompt, stream the model turn, run tools serially, evaluate, then
// loop, backtrack, suspend, or finish. One Run call owns its RuntimeContext
// exclusively; the executor itself is stateless across sessions and safe to
// share.
type RVRBExecutor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewRVRBExecutor validates the wiring and returns an executor.
func NewRVRBExecutor(cfg ExecutorConfig) *RVRBExecutor {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.BacktrackModel == "" {
		cfg.BacktrackModel = cfg.Model
	}
	return &RVRBExecutor{cfg: cfg, logger: cfg.Logger}
}

// Run drives one session to completion. It blocks until the session reaches a
// terminal state and always closes the session's event stream on the way out.
func (x *RVRBExecutor) Run(ctx context.Context, s *Session, rt *RuntimeContext, intent IntentResult) {
	var span Span
	if x.cfg.Tracer != nil {
		ctx, span = x.cfg.Tracer.Start(ctx, "session.run",
			StringAttr("session_id", s.ID),
			StringAttr("conversation_id", rt.ConversationID))
		defer span.End()
	}

	defer func() {
		if p := recover(); p != nil {
			x.logger.Error("executor panic", "session_id", s.ID, "panic", p)
			x.emit(s, rt, EventError, ErrorData{
				Kind:    ErrKindInternal,
				Message: fmt.Sprintf("internal error: %v", p),
			})
			x.finish(s, rt, SessionFailed, "internal_error")
		}
	}()

	s.markRunning()
	x.emit(s, rt, EventSessionStart, SessionStartData{UserID: rt.UserID, AgentID: rt.AgentID})
	x.emit(s, rt, EventConversationStart, ConversationStartData{})

	if intent.NeedsPlan() && rt.Plan == nil {
		rt.Plan = seedPlan(rt.LastUserText())
	}

	bmOpts := []BacktrackOption{WithBacktrackLogger(x.logger)}
	if x.cfg.Provider != nil {
		bmOpts = append(bmOpts, WithBacktrackProvider(x.cfg.Provider, x.cfg.BacktrackModel))
	}
	if x.cfg.MaxBacktracks > 0 {
		bmOpts = append(bmOpts, WithBacktrackCeiling(x.cfg.MaxBacktracks))
	}
	bm := NewBacktrackManager(bmOpts...)

	for {
		// Turn-boundary cancellation check.
		if x.stopped(ctx, s) {
			x.finishStopped(s, rt, stopReason(ctx, s))
			return
		}

		req := x.buildPrompt(ctx, rt, intent)
		msg, err := x.streamTurn(ctx, s, rt, req)
		if err != nil {
			x.handleModelError(ctx, s, rt, msg, err)
			return
		}

		rt.Append(msg)
		rt.Turns++
		x.accountUsage(rt, msg)
		s.syncCounters(rt)
		x.saveMessage(ctx, rt, msg)
		x.logger.Info("turn completed",
			"session_id", s.ID, "turn", rt.Turns,
			"stop_reason", msg.StopReason, "cost_usd", rt.CostUSD)

		var failure *Failure
		if uses := msg.ToolUses(); len(uses) > 0 {
			var halt string
			failure, halt = x.runTools(ctx, s, rt, bm, uses)
			if halt != "" {
				x.finishStopped(s, rt, halt)
				return
			}
		}

		// Infrastructure failures that survived the retry layer surface as
		// transport errors, not backtracks.
		if failure != nil && failure.Classification.Infrastructure() {
			kind := infraErrorKind(failure.Classification.Kind)
			x.emit(s, rt, EventError, ErrorData{Kind: kind, Message: failure.Classification.Detail})
			x.finish(s, rt, SessionFailed, string(kind))
			return
		}

		// EVALUATING: business failures backtrack before the terminator gets
		// a say; exhaustion and clarification surface through its checks.
		if failure != nil {
			rt.ConsecutiveFailures++
			decision := bm.Decide(ctx, rt, *failure)
			x.accountUsage(rt, Message{Model: x.cfg.BacktrackModel, Usage: &decision.Usage})
			bm.Rewrite(rt, *failure, decision)
			x.logger.Warn("turn backtracked",
				"session_id", s.ID, "tool", failure.Tool,
				"kind", failure.Classification.Kind, "strategy", decision.Strategy)
		} else {
			rt.ConsecutiveFailures = 0
		}

		decision := x.cfg.Terminator.Evaluate(rt, s.StopRequested(), time.Now())
		rt.LastDecision = &decision
		if !x.applyDecision(ctx, s, rt, bm, decision) {
			return
		}
	}
}

// --- prompt building ---

func (x *RVRBExecutor) buildPrompt(ctx context.Context, rt *RuntimeContext, intent IntentResult) ModelRequest {
	var frags []PromptFragment
	if x.cfg.Injectors != nil {
		frags = x.cfg.Injectors.Build(ctx, rt, intent)
	}
	var tools []ToolDefinition
	if x.cfg.Registry != nil {
		tools = x.cfg.Registry.AllDefinitions()
	}
	return ModelRequest{
		Model:     x.cfg.Model,
		System:    frags,
		Messages:  visibleWindow(rt.Messages),
		Tools:     tools,
		MaxTokens: x.cfg.MaxTokens,
	}
}

// visibleWindow trims old messages once the conversation outgrows the cap.
// The cut lands on a plain user message so the provider never sees a
// tool_result without its tool_use.
func visibleWindow(msgs []Message) []Message {
	if len(msgs) <= maxVisibleMessages {
		return msgs
	}
	start := len(msgs) - maxVisibleMessages
	for i := start; i < len(msgs); i++ {
		if msgs[i].Role == RoleUser && !carriesToolResult(msgs[i]) {
			return msgs[i:]
		}
	}
	return msgs[start:]
}

func carriesToolResult(m Message) bool {
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// seedPlan starts a working plan from the user's request. Replan rewrites
// grow it from here.
func seedPlan(request string) *Plan {
	if strings.TrimSpace(request) == "" {
		return nil
	}
	return &Plan{Steps: []*PlanStep{{
		ID:     NewID(),
		Title:  truncateStr(request, 120),
		Status: StepPending,
	}}}
}

// --- model streaming ---

// blockState tracks one in-flight content block during streaming.
type blockState struct {
	block  ContentBlock
	buf    strings.Builder
	closed bool
}

// streamTurn requests one streaming completion and translates provider
// chunks into content events. The returned message holds the assembled
// blocks. A non-nil error is either the session's cancellation (ctx error)
// or a provider failure that survived the retry layer.
func (x *RVRBExecutor) streamTurn(ctx context.Context, s *Session, rt *RuntimeContext, req ModelRequest) (Message, error) {
	msg := Message{
		ID:             NewID(),
		ConversationID: rt.ConversationID,
		Role:           RoleAssistant,
		Model:          req.Model,
		CreatedAt:      NowUnix(),
	}

	ch := make(chan StreamChunk, 64)
	type streamRet struct {
		resp ModelResponse
		err  error
	}
	retCh := make(chan streamRet, 1)
	go func() {
		resp, err := x.cfg.Provider.ChatStream(ctx, req, ch)
		retCh <- streamRet{resp, err}
	}()

	var blocks []*blockState
	aborted := false
	for chunk := range ch {
		// Chunk-boundary cancellation check.
		if ctx.Err() != nil || s.StopRequested() {
			aborted = true
			break
		}
		switch chunk.Type {
		case ChunkMessageStart:
			if chunk.Model != "" {
				msg.Model = chunk.Model
			}
			x.emitMsg(s, rt, msg.ID, EventMessageStart, MessageStartData{Role: RoleAssistant, Model: msg.Model})

		case ChunkContentStart:
			if chunk.Block == nil {
				continue
			}
			b := *chunk.Block
			b.Index = chunk.Index
			for len(blocks) <= chunk.Index {
				blocks = append(blocks, nil)
			}
			blocks[chunk.Index] = &blockState{block: b}
			x.emitMsg(s, rt, msg.ID, EventContentStart, ContentStartData{Index: chunk.Index, Block: b})

		case ChunkContentDelta:
			if chunk.Index >= len(blocks) || blocks[chunk.Index] == nil {
				continue
			}
			blocks[chunk.Index].buf.WriteString(chunk.Delta)
			x.emitMsg(s, rt, msg.ID, EventContentDelta, ContentDeltaData{Index: chunk.Index, Delta: chunk.Delta})

		case ChunkContentStop:
			if chunk.Index >= len(blocks) || blocks[chunk.Index] == nil {
				continue
			}
			st := blocks[chunk.Index]
			finalizeBlock(st)
			x.emitMsg(s, rt, msg.ID, EventContentStop, ContentStopData{Index: chunk.Index})

		case ChunkMessageStop:
			if chunk.StopReason != "" {
				msg.StopReason = chunk.StopReason
			}
			if chunk.Usage != nil {
				msg.Usage = chunk.Usage
			}
		}
	}
	if aborted {
		for range ch {
		}
	}
	ret := <-retCh

	for _, st := range blocks {
		if st != nil {
			if !st.closed {
				finalizeBlock(st)
				x.emitMsg(s, rt, msg.ID, EventContentStop, ContentStopData{Index: st.block.Index})
			}
			msg.Content = append(msg.Content, st.block)
		}
	}

	if aborted || ctx.Err() != nil {
		msg.StopReason = StopAborted
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		return msg, err
	}
	if ret.err != nil {
		return msg, ret.err
	}

	// Providers that report usage only in the final response.
	if msg.Usage == nil {
		u := ret.resp.Usage
		msg.Usage = &u
	}
	if msg.StopReason == "" {
		msg.StopReason = ret.resp.Message.StopReason
	}
	if len(msg.Content) == 0 && len(ret.resp.Message.Content) > 0 {
		msg.Content = ret.resp.Message.Content
	}
	x.emitMsg(s, rt, msg.ID, EventMessageStop, MessageStopData{StopReason: msg.StopReason, Usage: msg.Usage})
	return msg, nil
}

// finalizeBlock folds the accumulated deltas into the block. tool_use input
// is the verbatim concatenation of its JSON fragments, parsed only here.
func finalizeBlock(st *blockState) {
	raw := st.buf.String()
	switch st.block.Type {
	case BlockText:
		st.block.Text += raw
	case BlockThinking:
		st.block.Thinking += raw
	case BlockToolUse:
		if raw == "" {
			raw = "{}"
		}
		st.block.Input = json.RawMessage(raw)
	}
	st.closed = true
}

// --- tool execution ---

// runTools dispatches the turn's tool_use blocks serially, emitting the
// results as a tool-role message on the wire. It returns the first business
// failure (later calls still run; the model sees every result) and, when a
// stop or gate expiry interrupted dispatch, the stop reason.
func (x *RVRBExecutor) runTools(ctx context.Context, s *Session, rt *RuntimeContext, bm *BacktrackManager, uses []ContentBlock) (*Failure, string) {
	resultMsgID := NewID()
	x.emitMsg(s, rt, resultMsgID, EventMessageStart, MessageStartData{Role: RoleTool})

	var blocks []ContentBlock
	var failure *Failure
	for i, use := range uses {
		// Pre-tool cancellation check.
		if x.stopped(ctx, s) {
			return nil, stopReason(ctx, s)
		}

		outcome, halt := x.dispatchTool(ctx, s, rt, resultMsgID, use)
		if halt != "" {
			return nil, halt
		}

		block := outcome.Block
		block.Index = i
		blocks = append(blocks, block)
		x.emitResultBlock(s, rt, resultMsgID, block)

		if outcome.Failure != nil && failure == nil {
			failure = &Failure{
				Tool:           use.Name,
				ToolUseID:      use.ID,
				Input:          use.Input,
				Classification: *outcome.Failure,
			}
		}
		if outcome.Failure == nil {
			x.advancePlan(rt)
		}
	}
	x.emitMsg(s, rt, resultMsgID, EventMessageStop, MessageStopData{})

	if len(blocks) > 0 {
		trm := ToolResultMessage(blocks...)
		trm.ID = resultMsgID
		trm.ConversationID = rt.ConversationID
		rt.Append(trm)
		s.syncCounters(rt)
		x.saveMessage(ctx, rt, trm)
	}

	return failure, ""
}

// dispatchTool runs one tool_use through the executor pipeline, holding the
// session at the confirmation gate when the tool demands approval. A
// non-empty halt reason means the session must stop without a result.
func (x *RVRBExecutor) dispatchTool(ctx context.Context, s *Session, rt *RuntimeContext, msgID string, use ContentBlock) (ToolOutcome, string) {
	run := ToolRun{
		SessionID: s.ID,
		ToolUseID: use.ID,
		Name:      use.Name,
		Input:     use.Input,
		Progress: func(note string) {
			x.emitMsg(s, rt, msgID, EventMessageDelta, MessageDeltaData{
				Type:    DeltaToolProgress,
				Content: mustJSON(ToolProgress{ToolUseID: use.ID, Note: note}),
			})
		},
	}

	outcome := x.cfg.Tools.Run(ctx, run)
	if outcome.Pending == nil {
		return outcome, ""
	}

	// HITL: park behind the confirmation gate until the user decides.
	gate := newResumeGate(outcome.Pending.RequestID, GateToolConfirm, x.cfg.ResumeTTL)
	s.park(gate)
	x.emitMsg(s, rt, msgID, EventMessageDelta, MessageDeltaData{
		Type:    DeltaConfirmationRequest,
		Content: mustJSON(*outcome.Pending),
	})
	x.logger.Info("tool awaiting confirmation",
		"session_id", s.ID, "tool", use.Name, "request_id", outcome.Pending.RequestID)

	resp, err := gate.wait(ctx)
	s.unpark()
	if err != nil {
		return ToolOutcome{}, gateHalt(ctx, s, err)
	}
	rt.Touch()

	if !resp.Approved() {
		c := bizClass(BizUserRejected, fmt.Sprintf("user rejected %s", use.Name))
		return ToolOutcome{
			Result:  ToolResult{Error: c.Detail},
			Block:   ToolResultBlock(use.ID, "error: "+c.Detail, true),
			Failure: &c,
		}, ""
	}

	run.Approved = true
	return x.cfg.Tools.Run(ctx, run), ""
}

// gateHalt names the stop reason after a gate wait failed. An expired gate is
// a timeout only when nobody asked for the stop; Session.Stop releases gates
// the same way the TTL does.
func gateHalt(ctx context.Context, s *Session, err error) string {
	if errors.Is(err, ErrResumeExpired) && !s.StopRequested() {
		return StopReasonTimeout
	}
	return stopReason(ctx, s)
}

// emitResultBlock streams one tool_result block as content events.
func (x *RVRBExecutor) emitResultBlock(s *Session, rt *RuntimeContext, msgID string, block ContentBlock) {
	shell := ContentBlock{
		Type:      BlockToolResult,
		Index:     block.Index,
		ToolUseID: block.ToolUseID,
		IsError:   block.IsError,
	}
	x.emitMsg(s, rt, msgID, EventContentStart, ContentStartData{Index: block.Index, Block: shell})
	if block.Content != "" {
		x.emitMsg(s, rt, msgID, EventContentDelta, ContentDeltaData{Index: block.Index, Delta: block.Content})
	}
	x.emitMsg(s, rt, msgID, EventContentStop, ContentStopData{Index: block.Index})
}

// advancePlan checks off the next pending step after a clean tool call.
func (x *RVRBExecutor) advancePlan(rt *RuntimeContext) {
	if rt.Plan == nil {
		return
	}
	if step := rt.Plan.NextPending(); step != nil {
		rt.Plan.SetStatus(step.ID, StepDone)
	}
}

// --- evaluation ---

// applyDecision acts on the terminator's verdict. Returns true when the loop
// should run another turn.
func (x *RVRBExecutor) applyDecision(ctx context.Context, s *Session, rt *RuntimeContext, bm *BacktrackManager, d TerminationDecision) bool {
	if d.CostTier == costTierWarn {
		x.emit(s, rt, EventCostWarn, CostAlertData{
			AccumulatedUSD: rt.CostUSD,
			ThresholdUSD:   d.CostThresholdUSD,
		})
		rt.CostTierAcknowledged = costTierWarn
	}

	switch d.Verdict {
	case VerdictFinish:
		x.finishWithReason(ctx, s, rt, d)
		return false
	case VerdictSuspend:
		return x.suspendAtGate(ctx, s, rt, bm, d)
	default:
		return true
	}
}

func (x *RVRBExecutor) finishWithReason(ctx context.Context, s *Session, rt *RuntimeContext, d TerminationDecision) {
	switch d.Reason {
	case FinishModelEnd:
		x.finish(s, rt, SessionCompleted, StopEndTurn)
	case FinishUserStop:
		x.finishStopped(s, rt, StopReasonUserRequested)
	case FinishMaxTurns:
		x.finish(s, rt, SessionCompleted, "max_turns")
	case FinishTimeout:
		x.emit(s, rt, EventSessionStopped, SessionStoppedData{Reason: StopReasonTimeout})
		x.finish(s, rt, SessionCancelled, StopReasonTimeout)
	case FinishConsecutiveFailures:
		if d.OfferRollback {
			x.offerRollback(s, rt)
		}
		x.finish(s, rt, SessionFailed, "consecutive_failures")
	default:
		x.finish(s, rt, SessionCompleted, string(d.Reason))
	}
}

// suspendAtGate parks the session behind the decision's gate, emits the
// matching confirmation event, and resumes or finishes on the user's answer.
func (x *RVRBExecutor) suspendAtGate(ctx context.Context, s *Session, rt *RuntimeContext, bm *BacktrackManager, d TerminationDecision) bool {
	requestID := NewID()
	gate := newResumeGate(requestID, d.Gate, x.cfg.ResumeTTL)
	s.park(gate)

	switch d.Gate {
	case GateBacktrackExhausted:
		x.emit(s, rt, EventBacktrackExhaustedConfirm, BacktrackExhaustedData{
			RequestID: requestID,
			Summary:   fmt.Sprintf("Recovery stopped after %d attempts.", rt.TotalBacktracks),
			Options:   []string{ResponseRetry, ResponseRollback, ResponseAbandon},
		})
	case GateIntentClarify:
		x.emit(s, rt, EventIntentClarifyRequest, IntentClarifyData{
			RequestID: requestID,
			Question:  clarifyQuestion(rt),
		})
	case GateLongRunning:
		x.emit(s, rt, EventLongRunningConfirm, LongRunningConfirmData{
			RequestID: requestID,
			Turns:     rt.Turns,
		})
	case GateCostConfirm:
		x.emit(s, rt, EventCostLimitConfirm, CostAlertData{
			RequestID:      requestID,
			AccumulatedUSD: rt.CostUSD,
			ThresholdUSD:   d.CostThresholdUSD,
		})
	case GateCostUrgent:
		x.emit(s, rt, EventCostUrgentConfirm, CostAlertData{
			RequestID:      requestID,
			AccumulatedUSD: rt.CostUSD,
			ThresholdUSD:   d.CostThresholdUSD,
		})
	}
	x.logger.Info("session suspended",
		"session_id", s.ID, "gate", string(d.Gate), "request_id", requestID)

	resp, err := gate.wait(ctx)
	s.unpark()
	if err != nil {
		x.finishStopped(s, rt, gateHalt(ctx, s, err))
		return false
	}
	rt.Touch()

	switch d.Gate {
	case GateLongRunning:
		if resp.Approved() {
			rt.LongRunConfirmed = true
			return true
		}
	case GateCostConfirm:
		if resp.Approved() {
			rt.CostTierAcknowledged = costTierConfirm
			return true
		}
	case GateCostUrgent:
		if resp.Approved() {
			rt.CostTierAcknowledged = costTierUrgent
			return true
		}
	case GateIntentClarify:
		rt.LastStrategy = ""
		if t := clarifyAnswer(resp); t != "" {
			rt.Append(UserMessage(t))
			s.syncCounters(rt)
			return true
		}
	case GateBacktrackExhausted:
		switch resp.Response {
		case ResponseRetry, ResponseApprove:
			rt.BacktracksExhausted = false
			rt.ConsecutiveFailures = 0
			bm.Reset()
			return true
		case ResponseRollback:
			results, err := x.rollback(s, rt, nil)
			if err != nil {
				x.logger.Error("rollback failed", "session_id", s.ID, "error", err)
			}
			x.emit(s, rt, EventRollbackCompleted, RollbackCompletedData{Results: results})
		}
	}

	x.finishStopped(s, rt, StopReasonUserRequested)
	return false
}

// clarifyQuestion extracts the question the model asked, falling back to a
// generic prompt when the last turn carried no text.
func clarifyQuestion(rt *RuntimeContext) string {
	if last := rt.LastAssistant(); last != nil {
		if t := strings.TrimSpace(last.Text()); t != "" {
			return truncateStr(t, 500)
		}
	}
	return "Could you restate what you want done? The current approach is not working."
}

// clarifyAnswer pulls the user's clarification text from the response.
func clarifyAnswer(resp HITLResponse) string {
	if t := strings.TrimSpace(resp.Text); t != "" && t != ResponseApprove {
		return t
	}
	if len(resp.Metadata) > 0 {
		var m struct {
			Text    string `json:"text"`
			Message string `json:"message"`
		}
		if json.Unmarshal(resp.Metadata, &m) == nil {
			if m.Text != "" {
				return m.Text
			}
			return m.Message
		}
	}
	return ""
}

// --- failure and termination paths ---

// handleModelError ends the session after a model-call failure. Cancellation
// closes open blocks quietly; provider faults surface as transport errors.
func (x *RVRBExecutor) handleModelError(ctx context.Context, s *Session, rt *RuntimeContext, partial Message, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		if len(partial.Content) > 0 {
			rt.Append(partial)
			s.syncCounters(rt)
			x.saveMessage(ctx, rt, partial)
		}
		x.finishStopped(s, rt, stopReason(ctx, s))
		return
	}

	c := ClassifyModelError(err)
	kind := infraErrorKind(c.Kind)
	x.logger.Error("model call failed", "session_id", s.ID, "kind", c.Kind, "error", err)
	x.emit(s, rt, EventError, ErrorData{Kind: kind, Message: err.Error()})
	x.finish(s, rt, SessionFailed, string(kind))
}

// finishStopped emits the stop pair: session_stopped then session_end.
func (x *RVRBExecutor) finishStopped(s *Session, rt *RuntimeContext, reason string) {
	x.emit(s, rt, EventSessionStopped, SessionStoppedData{Reason: reason})
	x.finish(s, rt, SessionCancelled, reason)
}

// finish emits session_end, closes the stream, and marks the session done.
func (x *RVRBExecutor) finish(s *Session, rt *RuntimeContext, state SessionState, stopReason string) {
	status := StatusCompleted
	switch state {
	case SessionCancelled:
		status = StatusCancelled
	case SessionFailed:
		status = StatusFailed
	}
	u := rt.Usage
	x.emit(s, rt, EventSessionEnd, SessionEndData{
		Status:     status,
		StopReason: stopReason,
		Turns:      rt.Turns,
		Usage:      &u,
		CostUSD:    rt.CostUSD,
	})
	x.cfg.Broadcaster.CloseSession(s.ID)
	s.finish(state)
	x.logger.Info("session finished",
		"session_id", s.ID, "status", status, "stop_reason", stopReason,
		"turns", rt.Turns, "cost_usd", rt.CostUSD)
}

// offerRollback surfaces the session's reversible operations.
func (x *RVRBExecutor) offerRollback(s *Session, rt *RuntimeContext) {
	if x.cfg.Snapshots == nil {
		return
	}
	ops := x.cfg.Snapshots.Pending(s.ID)
	if len(ops) == 0 {
		return
	}
	options := make([]RollbackOption, 0, len(ops))
	for _, op := range ops {
		options = append(options, RollbackOption{
			OperationID: op.ID,
			Kind:        op.Kind,
			Targets:     op.Targets,
			ToolUseID:   op.ToolUseID,
		})
	}
	x.emit(s, rt, EventRollbackOptions, RollbackOptionsData{Operations: options})
}

func (x *RVRBExecutor) rollback(s *Session, rt *RuntimeContext, selectIDs []string) ([]RollbackResult, error) {
	if x.cfg.Snapshots == nil {
		return nil, nil
	}
	return x.cfg.Snapshots.Rollback(s.ID, selectIDs)
}

// --- bookkeeping ---

// accountUsage folds one model call's tokens and cost into the session.
func (x *RVRBExecutor) accountUsage(rt *RuntimeContext, msg Message) {
	if msg.Usage == nil {
		return
	}
	model := msg.Model
	if model == "" {
		model = x.cfg.Model
	}
	cost, _ := x.cfg.Pricing.Cost(model, *msg.Usage)
	rt.AddUsage(*msg.Usage, cost)
}

func (x *RVRBExecutor) saveMessage(ctx context.Context, rt *RuntimeContext, msg Message) {
	if x.cfg.Store == nil || rt.ConversationID == "" {
		return
	}
	msg.ConversationID = rt.ConversationID
	if err := x.cfg.Store.SaveMessage(ctx, msg); err != nil {
		x.logger.Warn("message persist failed",
			"conversation_id", rt.ConversationID, "message_id", msg.ID, "error", err)
	}
}

// infraErrorKind maps an infrastructure classification to its transport kind.
func infraErrorKind(classKind string) ErrorKind {
	switch classKind {
	case InfraTimeout:
		return ErrKindTimeout
	case InfraProvider5xx, InfraRateLimit:
		return ErrKindOverloaded
	default:
		return ErrKindNetwork
	}
}

// stopped reports whether the session should halt right now.
func (x *RVRBExecutor) stopped(ctx context.Context, s *Session) bool {
	return ctx.Err() != nil || s.StopRequested()
}

// stopReason distinguishes a user stop from a deadline hit.
func stopReason(ctx context.Context, s *Session) string {
	if s.StopRequested() {
		return StopReasonUserRequested
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StopReasonTimeout
	}
	return StopReasonUserRequested
}

// emit broadcasts a session-level event and refreshes the idle clock.
func (x *RVRBExecutor) emit(s *Session, rt *RuntimeContext, t EventType, data any) {
	ev := NewEvent(t, s.ID, data).WithConversation(rt.ConversationID)
	x.cfg.Broadcaster.Emit(s.ID, ev)
	rt.Touch()
}

// emitMsg broadcasts an event tied to a message id.
func (x *RVRBExecutor) emitMsg(s *Session, rt *RuntimeContext, msgID string, t EventType, data any) {
	ev := NewEvent(t, s.ID, data).WithConversation(rt.ConversationID).WithMessage(msgID)
	x.cfg.Broadcaster.Emit(s.ID, ev)
	rt.Touch()
}
