package dazee

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// --- scripted session runner ---

// propRun drives one executor run without a testing.T so property functions
// can call it. bind runs before the executor starts (for tools that need the
// session handle); react runs per received event.
type propRun struct {
	provider Provider
	tools    []Tool
	mutate   func(*ExecutorConfig)
	intent   IntentResult
	bind     func(*Session)
	react    func(*Session, Event)
}

// do blocks until the session stream closes and the executor returns.
// finished is false when the run missed the deadline; the collected events
// are returned either way.
func (r propRun) do() (evs []Event, s *Session, rt *RuntimeContext, finished bool) {
	reg := NewToolRegistry()
	for _, tool := range r.tools {
		reg.Add(tool)
	}
	b := NewBroadcaster(WithDeltaWindow(0))
	ctx, cancel := context.WithCancel(context.Background())
	s = newSession("c-prop", "u-prop", "", cancel)
	rt = NewRuntimeContext(s.ID, "c-prop", "u-prop")
	rt.Append(UserMessage("exercise the loop"))

	cfg := ExecutorConfig{
		Provider:    r.provider,
		Model:       "main",
		Tools:       NewToolExecutor(reg),
		Registry:    reg,
		Broadcaster: b,
		Terminator:  NewTerminator(TerminatorConfig{}, nil),
		Pricing:     NewPricingTable(nil),
		ResumeTTL:   time.Minute,
	}
	if r.mutate != nil {
		r.mutate(&cfg)
	}
	if r.bind != nil {
		r.bind(s)
	}
	events, cancelSub := b.Subscribe(s.ID, 0)
	defer cancelSub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewRVRBExecutor(cfg).Run(ctx, s, rt, r.intent)
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case <-done:
					return evs, s, rt, true
				case <-deadline:
					cancel()
					return evs, s, rt, false
				}
			}
			evs = append(evs, ev)
			if r.react != nil {
				r.react(s, ev)
			}
		case <-deadline:
			cancel()
			return evs, s, rt, false
		}
	}
}

// chunkedProvider streams a scripted chunk sequence verbatim. between, when
// set, runs before chunk i is sent; tests use it to stop the session
// mid-stream at an exact boundary.
type chunkedProvider struct {
	chunks  []StreamChunk
	final   ModelResponse
	between func(i int)
}

func (p *chunkedProvider) Name() string { return "chunked" }

func (p *chunkedProvider) Chat(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	return p.final, nil
}

func (p *chunkedProvider) ChatStream(ctx context.Context, req ModelRequest, ch chan<- StreamChunk) (ModelResponse, error) {
	defer close(ch)
	for i, c := range p.chunks {
		if p.between != nil {
			p.between(i)
		}
		select {
		case ch <- c:
		case <-ctx.Done():
			return ModelResponse{}, ctx.Err()
		}
	}
	return p.final, nil
}

// --- stream invariant checkers ---

// checkSeqDense verifies sequence numbers run 1..N with no gaps, as a
// subscriber who joined before the first event must observe them.
func checkSeqDense(evs []Event) error {
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			return fmt.Errorf("event %d (%s) has seq %d, want %d", i, ev.Type, ev.Seq, i+1)
		}
	}
	return nil
}

// checkBlockLifecycle verifies the content event contract: per message, every
// index opens exactly once and closes exactly once, deltas arrive only while
// their block is open, and indices are dense from zero.
func checkBlockLifecycle(evs []Event) error {
	type key struct {
		msg   string
		index int
	}
	open := make(map[key]bool)
	closed := make(map[key]bool)
	maxIndex := make(map[string]int)

	for _, ev := range evs {
		switch ev.Type {
		case EventContentStart:
			var d ContentStartData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return fmt.Errorf("content_start payload: %w", err)
			}
			k := key{ev.MessageID, d.Index}
			if open[k] || closed[k] {
				return fmt.Errorf("block %d of message %s opened twice", d.Index, ev.MessageID)
			}
			open[k] = true
			if d.Index > maxIndex[ev.MessageID] {
				maxIndex[ev.MessageID] = d.Index
			}
		case EventContentDelta:
			var d ContentDeltaData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return fmt.Errorf("content_delta payload: %w", err)
			}
			if !open[key{ev.MessageID, d.Index}] {
				return fmt.Errorf("delta for block %d of message %s outside start/stop", d.Index, ev.MessageID)
			}
		case EventContentStop:
			var d ContentStopData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return fmt.Errorf("content_stop payload: %w", err)
			}
			k := key{ev.MessageID, d.Index}
			if !open[k] {
				return fmt.Errorf("block %d of message %s stopped without start", d.Index, ev.MessageID)
			}
			open[k] = false
			closed[k] = true
		}
	}
	for k, isOpen := range open {
		if isOpen {
			return fmt.Errorf("block %d of message %s never closed", k.index, k.msg)
		}
	}
	for msg, max := range maxIndex {
		for i := 0; i <= max; i++ {
			if !closed[key{msg, i}] {
				return fmt.Errorf("message %s skips block index %d", msg, i)
			}
		}
	}
	return nil
}

// checkToolPairing verifies every finalized tool_use is answered by exactly
// one tool_result, unless the session stopped first, and that results never
// duplicate or arrive after the stop event.
func checkToolPairing(evs []Event) error {
	type key struct {
		msg   string
		index int
	}
	open := make(map[key]ContentBlock)
	finalized := make(map[string]bool)
	results := make(map[string]int)
	stopped := false

	for _, ev := range evs {
		switch ev.Type {
		case EventContentStart:
			var d ContentStartData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return fmt.Errorf("content_start payload: %w", err)
			}
			open[key{ev.MessageID, d.Index}] = d.Block
			if d.Block.Type == BlockToolResult {
				if stopped {
					return fmt.Errorf("tool_result for %s after session_stopped", d.Block.ToolUseID)
				}
				if d.Block.ToolUseID == "" {
					return errors.New("tool_result block without tool_use_id")
				}
				results[d.Block.ToolUseID]++
				if results[d.Block.ToolUseID] > 1 {
					return fmt.Errorf("tool_use %s answered twice", d.Block.ToolUseID)
				}
			}
		case EventContentStop:
			var d ContentStopData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return fmt.Errorf("content_stop payload: %w", err)
			}
			k := key{ev.MessageID, d.Index}
			if bl, ok := open[k]; ok && bl.Type == BlockToolUse && bl.ID != "" {
				finalized[bl.ID] = true
			}
			delete(open, k)
		case EventSessionStopped:
			stopped = true
		case EventSessionEnd:
			var d SessionEndData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return fmt.Errorf("session_end payload: %w", err)
			}
			if d.Status != StatusCompleted {
				stopped = true
			}
		}
	}
	for id := range results {
		if !finalized[id] {
			return fmt.Errorf("tool_result for %s without a finalized tool_use", id)
		}
	}
	if stopped {
		return nil
	}
	for id := range finalized {
		if results[id] != 1 {
			return fmt.Errorf("tool_use %s resolved %d times, want exactly 1", id, results[id])
		}
	}
	return nil
}

// --- content stream properties ---

// TestContentStreamProperties verifies the content event contract on a
// streamed assistant turn. For any fragmentation of any block texts: blocks
// open once and close once, deltas stay inside their block, sequence numbers
// are gapless from 1, and concatenating a block's deltas reproduces its text.
func TestContentStreamProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("streamed blocks reassemble losslessly", prop.ForAll(
		func(blocks [][]string) bool {
			chunks := []StreamChunk{{Type: ChunkMessageStart, Model: "main"}}
			texts := make([]string, len(blocks))
			for i, frags := range blocks {
				head := ContentBlock{Type: BlockText, Index: i}
				chunks = append(chunks, StreamChunk{Type: ChunkContentStart, Index: i, Block: &head})
				for _, f := range frags {
					texts[i] += f
					chunks = append(chunks, StreamChunk{Type: ChunkContentDelta, Index: i, Delta: f})
				}
				chunks = append(chunks, StreamChunk{Type: ChunkContentStop, Index: i})
			}
			usage := Usage{InputTokens: 7, OutputTokens: 3}
			chunks = append(chunks, StreamChunk{Type: ChunkMessageStop, StopReason: StopEndTurn, Usage: &usage})

			run := propRun{
				provider: &chunkedProvider{chunks: chunks},
				intent:   IntentResult{Complexity: ComplexitySimple},
			}
			evs, s, rt, finished := run.do()
			if !finished || s.State() != SessionCompleted || rt.Turns != 1 {
				return false
			}
			if checkSeqDense(evs) != nil || checkBlockLifecycle(evs) != nil {
				return false
			}

			rebuilt := make(map[int]string)
			for _, ev := range evs {
				if ev.Type != EventContentDelta {
					continue
				}
				var d ContentDeltaData
				if json.Unmarshal(ev.Data, &d) != nil {
					return false
				}
				rebuilt[d.Index] += d.Delta
			}
			for i, want := range texts {
				if rebuilt[i] != want {
					return false
				}
			}

			last := rt.LastAssistant()
			if last == nil || len(last.Content) != len(texts) {
				return false
			}
			for i, bl := range last.Content {
				if bl.Type != BlockText || bl.Text != texts[i] {
					return false
				}
			}
			return true
		},
		genBlockFragments(),
	))

	properties.TestingRun(t)
}

// genBlockFragments yields 1-4 content blocks, each split into 1-3 delta
// fragments (fragments may be empty).
func genBlockFragments() gopter.Gen {
	blockGen := gopter.CombineGens(
		gen.IntRange(1, 3),
		gen.SliceOfN(3, gen.AlphaString()),
	).Map(func(vals []any) []string {
		return vals[1].([]string)[:vals[0].(int)]
	})
	return gopter.CombineGens(
		gen.IntRange(1, 4),
		gen.SliceOfN(4, blockGen),
	).Map(func(vals []any) [][]string {
		return vals[1].([][]string)[:vals[0].(int)]
	})
}

// --- tool pairing properties ---

type toolFlowCase struct {
	fails    []bool
	proposal string
}

// genToolFlow yields a turn of 1-3 tool calls, each succeeding or failing,
// plus the recovery strategy the model proposes when one fails. Strategies
// that would suspend the session are excluded; the unparseable entry forces
// the ladder fallback.
func genToolFlow() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(1, 3),
		gen.SliceOfN(3, gen.Bool()),
		gen.OneConstOf("PARAM_ADJUST", "TOOL_REPLACE", "CONTEXT_ENRICH", "PLAN_REPLAN", "no idea, wing it"),
	).Map(func(vals []any) toolFlowCase {
		n := vals[0].(int)
		return toolFlowCase{fails: vals[1].([]bool)[:n], proposal: vals[2].(string)}
	})
}

// TestToolResultPairingProperties verifies that for any mix of succeeding and
// failing tool calls in a turn, every finalized tool_use gets exactly one
// tool_result on the stream and the session still completes after recovery.
func TestToolResultPairingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every finalized tool_use is answered exactly once", prop.ForAll(
		func(tc toolFlowCase) bool {
			var tools []Tool
			uses := make([]ContentBlock, len(tc.fails))
			anyFail := false
			for i, fail := range tc.fails {
				name := fmt.Sprintf("tool%d", i)
				if fail {
					tools = append(tools, failingTool(name, "no results found"))
					anyFail = true
				} else {
					tools = append(tools, okTool(name, "ok from "+name))
				}
				uses[i] = ContentBlock{
					Type:  BlockToolUse,
					Index: i,
					ID:    fmt.Sprintf("tu%d", i),
					Name:  name,
					Input: json.RawMessage(fmt.Sprintf(`{"step":%d}`, i)),
				}
			}
			first := ModelResponse{
				Message: Message{
					ID:         NewID(),
					Role:       RoleAssistant,
					Content:    uses,
					StopReason: StopToolUse,
					CreatedAt:  NowUnix(),
				},
				Usage: Usage{InputTokens: 10, OutputTokens: 5},
			}
			script := []ModelResponse{first}
			if anyFail {
				script = append(script, ModelResponse{
					Message: AssistantMessage(tc.proposal),
					Usage:   Usage{InputTokens: 4, OutputTokens: 2},
				})
			}
			script = append(script, textResponse("wrapped up"))

			run := propRun{
				provider: &mockProvider{responses: script},
				tools:    tools,
				intent:   IntentResult{Complexity: ComplexitySimple},
			}
			evs, s, _, finished := run.do()
			if !finished || s.State() != SessionCompleted {
				return false
			}
			return checkSeqDense(evs) == nil &&
				checkBlockLifecycle(evs) == nil &&
				checkToolPairing(evs) == nil
		},
		genToolFlow(),
	))

	properties.TestingRun(t)
}

// --- stop idempotence property ---

// TestStopIdempotenceProperty verifies that no matter how many times a
// session is stopped, during or after the run, the stream carries exactly one
// session_stopped, it is followed only by session_end, and the session lands
// in the cancelled state.
func TestStopIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated stops emit one session_stopped", prop.ForAll(
		func(stops, postStops int) bool {
			var sess *Session
			halter := &scriptedTool{
				def: ToolDefinition{Name: "halter", Description: "halter"},
				exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
					for i := 0; i < stops; i++ {
						sess.Stop()
					}
					return ToolResult{Content: "stopped the session"}, nil
				},
			}
			run := propRun{
				provider: &mockProvider{responses: []ModelResponse{
					toolUseResponse("tu1", "halter", `{"go":true}`),
				}},
				tools:  []Tool{halter},
				intent: IntentResult{Complexity: ComplexitySimple},
				bind:   func(s *Session) { sess = s },
			}
			evs, s, _, finished := run.do()
			if !finished {
				return false
			}
			for i := 0; i < postStops; i++ {
				s.Stop()
			}

			if s.State() != SessionCancelled {
				return false
			}
			if countEvents(evs, EventSessionStopped) != 1 || countEvents(evs, EventSessionEnd) != 1 {
				return false
			}
			for i, ev := range evs {
				if ev.Type != EventSessionStopped {
					continue
				}
				var sd SessionStoppedData
				if json.Unmarshal(ev.Data, &sd) != nil || sd.Reason != StopReasonUserRequested {
					return false
				}
				rest := evs[i+1:]
				if len(rest) != 1 || rest[0].Type != EventSessionEnd {
					return false
				}
			}
			var end SessionEndData
			if json.Unmarshal(evs[len(evs)-1].Data, &end) != nil || end.Status != StatusCancelled {
				return false
			}
			return checkSeqDense(evs) == nil && checkToolPairing(evs) == nil
		},
		gen.IntRange(1, 4),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// --- backtrack escalation properties ---

// TestBacktrackEscalationProperties verifies the recovery contract for any
// sequence of model proposals against one repeating failure: chosen
// strategies strictly escalate, never repeat, and the manager reaches the
// exhausted state through GIVE_UP within the ladder's six rungs.
func TestBacktrackEscalationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("strategies escalate monotonically per fingerprint", prop.ForAll(
		func(proposals []string) bool {
			responses := make([]ModelResponse, len(proposals))
			for i, p := range proposals {
				responses[i] = ModelResponse{
					Message: AssistantMessage(p),
					Usage:   Usage{InputTokens: 3, OutputTokens: 1},
				}
			}
			m := NewBacktrackManager(WithBacktrackProvider(&mockProvider{responses: responses}, "light"))
			rt := NewRuntimeContext("s-prop", "c-prop", "u-prop")
			f := Failure{
				Tool:           "search",
				ToolUseID:      "tu-prop",
				Input:          json.RawMessage(`{"q":"golang"}`),
				Classification: ErrorClassification{Class: ClassBusiness, Kind: BizEmptyResult, Detail: "no hits"},
			}

			seen := make(map[BacktrackStrategy]bool)
			lastRank := -1
			decisions := 0
			for i := 0; i < 10 && !rt.BacktracksExhausted; i++ {
				d := m.Decide(context.Background(), rt, f)
				decisions++
				if d.Fingerprint != f.Fingerprint() {
					return false
				}
				if seen[d.Strategy] {
					return false
				}
				seen[d.Strategy] = true
				r := strategyRank(d.Strategy)
				if r <= lastRank {
					return false
				}
				lastRank = r
				if rt.LastStrategy != d.Strategy {
					return false
				}
			}
			if rt.TotalBacktracks != decisions || decisions > len(strategyLadder) {
				return false
			}
			if len(m.Attempts(f.Fingerprint())) != decisions {
				return false
			}
			return rt.BacktracksExhausted && lastRank == strategyRank(StrategyGiveUp)
		},
		gen.SliceOf(gen.OneConstOf(
			"PARAM_ADJUST", "TOOL_REPLACE", "CONTEXT_ENRICH",
			"PLAN_REPLAN", "INTENT_CLARIFY", "GIVE_UP",
			"garbage", "maybe CONTEXT_ENRICH, or PLAN_REPLAN",
		)),
	))

	properties.Property("fingerprint ignores input key order", prop.ForAll(
		func(a, b string, x, y int) bool {
			if a == b {
				return true
			}
			in1 := json.RawMessage(fmt.Sprintf(`{%q:%d,%q:%d}`, a, x, b, y))
			in2 := json.RawMessage(fmt.Sprintf(`{%q:%d,%q:%d}`, b, y, a, x))
			return FailureFingerprint("search", in1, BizBadParam) ==
				FailureFingerprint("search", in2, BizBadParam)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// --- terminator purity property ---

type termScenario struct {
	turns       int
	consecFails int
	exhausted   bool
	longRunOK   bool
	clarify     bool
	cost        float64
	costAck     int
	ageSec      int
	idleSec     int
	lastShape   int
	stop        bool
}

func genTermScenario() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 60),     // turns
		gen.IntRange(0, 5),      // consecutive failed turns
		gen.Bool(),              // backtracks exhausted
		gen.Bool(),              // long-running already confirmed
		gen.Bool(),              // last strategy asked for clarification
		gen.Float64Range(0, 12), // accumulated spend
		gen.IntRange(0, 3),      // highest cost tier acknowledged
		gen.IntRange(0, 2400),   // session age in seconds
		gen.IntRange(0, 400),    // idle time in seconds
		gen.IntRange(0, 2),      // last assistant shape: none / end_turn / open tool_use
		gen.Bool(),              // external stop flag
	).Map(func(vals []any) termScenario {
		return termScenario{
			turns:       vals[0].(int),
			consecFails: vals[1].(int),
			exhausted:   vals[2].(bool),
			longRunOK:   vals[3].(bool),
			clarify:     vals[4].(bool),
			cost:        vals[5].(float64),
			costAck:     vals[6].(int),
			ageSec:      vals[7].(int),
			idleSec:     vals[8].(int),
			lastShape:   vals[9].(int),
			stop:        vals[10].(bool),
		}
	})
}

// TestTerminatorPurityProperty verifies Evaluate is a pure function of the
// working set: for any session state, evaluating twice at the same instant
// yields identical decisions and leaves the working set untouched.
func TestTerminatorPurityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	term := NewTerminator(TerminatorConfig{}, NewPricingTable(nil))

	properties.Property("Evaluate is repeatable and mutation-free", prop.ForAll(
		func(sc termScenario) bool {
			now := time.Now()
			rt := NewRuntimeContext("s-prop", "c-prop", "u-prop")
			rt.StartedAt = now.Add(-time.Duration(sc.ageSec) * time.Second)
			rt.LastEventAt = now.Add(-time.Duration(sc.idleSec) * time.Second)
			rt.Turns = sc.turns
			rt.ConsecutiveFailures = sc.consecFails
			rt.BacktracksExhausted = sc.exhausted
			rt.LongRunConfirmed = sc.longRunOK
			rt.CostUSD = sc.cost
			rt.CostTierAcknowledged = sc.costAck
			if sc.clarify {
				rt.LastStrategy = StrategyIntentClarify
			}
			switch sc.lastShape {
			case 1:
				rt.Append(AssistantMessage("all done"))
			case 2:
				rt.Append(Message{
					ID:   NewID(),
					Role: RoleAssistant,
					Content: []ContentBlock{{
						Type: BlockToolUse, Index: 0,
						ID: "tu-open", Name: "search",
						Input: json.RawMessage(`{}`),
					}},
					StopReason: StopToolUse,
					CreatedAt:  NowUnix(),
				})
			}

			type snap struct {
				turns, fails, ack, msgs int
				exhausted, longRun      bool
				strategy                BacktrackStrategy
				cost                    float64
			}
			before := snap{
				turns: rt.Turns, fails: rt.ConsecutiveFailures,
				ack: rt.CostTierAcknowledged, msgs: len(rt.Messages),
				exhausted: rt.BacktracksExhausted, longRun: rt.LongRunConfirmed,
				strategy: rt.LastStrategy, cost: rt.CostUSD,
			}

			d1 := term.Evaluate(rt, sc.stop, now)
			d2 := term.Evaluate(rt, sc.stop, now)

			after := snap{
				turns: rt.Turns, fails: rt.ConsecutiveFailures,
				ack: rt.CostTierAcknowledged, msgs: len(rt.Messages),
				exhausted: rt.BacktracksExhausted, longRun: rt.LongRunConfirmed,
				strategy: rt.LastStrategy, cost: rt.CostUSD,
			}
			return reflect.DeepEqual(d1, d2) && before == after
		},
		genTermScenario(),
	))

	properties.TestingRun(t)
}

// --- snapshot rollback properties ---

type snapScenario struct {
	kind     string
	original string
	writes   []string
}

func genSnapScenario() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("write", "create", "delete", "rename"),
		gen.AlphaString(),
		gen.IntRange(1, 3),
		gen.SliceOfN(3, gen.AlphaString()),
	).Map(func(vals []any) snapScenario {
		n := vals[2].(int)
		return snapScenario{
			kind:     vals[0].(string),
			original: vals[1].(string),
			writes:   vals[3].([]string)[:n],
		}
	})
}

func strSHA(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fileSHA(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unreadable: " + err.Error()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func absent(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

// TestSnapshotRollbackProperties verifies rollback is a byte-exact inverse:
// for any mutation kind and any contents, snapshot -> mutate -> rollback
// restores the captured sha256 on every touched path, and the snapshot is
// dropped once nothing remains to reverse.
func TestSnapshotRollbackProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("rollback restores pre-session bytes", prop.ForAll(
		func(sc snapScenario) bool {
			base := t.TempDir()
			store, err := NewSnapshotStore(filepath.Join(base, "snaps"))
			if err != nil {
				return false
			}
			work := filepath.Join(base, "work")
			if err := os.MkdirAll(work, 0o755); err != nil {
				return false
			}
			path := filepath.Join(work, "target.txt")
			renamed := filepath.Join(work, "moved.txt")
			sid := NewID()

			record := func(kind OperationKind, targets []string, inverse any) bool {
				raw, merr := json.Marshal(inverse)
				if merr != nil {
					return false
				}
				return store.Record(OperationRecord{
					SessionID: sid,
					ToolUseID: "tu-prop",
					Kind:      kind,
					Targets:   targets,
					Inverse:   raw,
				}) == nil
			}

			switch sc.kind {
			case "write":
				if os.WriteFile(path, []byte(sc.original), 0o644) != nil {
					return false
				}
				if store.EnsureCaptured(sid, []string{path}) != nil {
					return false
				}
				for _, w := range sc.writes {
					if os.WriteFile(path, []byte(w), 0o644) != nil {
						return false
					}
					if !record(OpFileWrite, []string{path}, pathInverse{Path: path}) {
						return false
					}
				}
			case "create":
				if store.EnsureCaptured(sid, []string{path}) != nil {
					return false
				}
				if os.WriteFile(path, []byte(sc.writes[0]), 0o644) != nil {
					return false
				}
				if !record(OpFileCreate, []string{path}, pathInverse{Path: path}) {
					return false
				}
			case "delete":
				if os.WriteFile(path, []byte(sc.original), 0o644) != nil {
					return false
				}
				if store.EnsureCaptured(sid, []string{path}) != nil {
					return false
				}
				if os.Remove(path) != nil {
					return false
				}
				if !record(OpFileDelete, []string{path}, pathInverse{Path: path}) {
					return false
				}
			case "rename":
				if os.WriteFile(path, []byte(sc.original), 0o644) != nil {
					return false
				}
				if store.EnsureCaptured(sid, []string{path}) != nil {
					return false
				}
				if os.Rename(path, renamed) != nil {
					return false
				}
				if !record(OpFileRename, []string{path, renamed}, renameInverse{From: path, To: renamed}) {
					return false
				}
			}

			results, err := store.Rollback(sid, nil)
			if err != nil {
				return false
			}
			for _, r := range results {
				if !r.Restored {
					return false
				}
			}
			if store.Pending(sid) != nil {
				return false
			}

			switch sc.kind {
			case "create":
				return absent(path)
			case "rename":
				return absent(renamed) && fileSHA(path) == strSHA(sc.original)
			default:
				return fileSHA(path) == strSHA(sc.original)
			}
		},
		genSnapScenario(),
	))

	properties.TestingRun(t)
}

// --- delta coalescing properties ---

type deltaFrag struct {
	index int
	text  string
}

func genDeltaFrags() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.AlphaString(),
	).Map(func(vals []any) deltaFrag {
		return deltaFrag{index: vals[0].(int), text: vals[1].(string)}
	}))
}

// TestDeltaCoalescingProperties verifies throttling is lossless: for any
// interleaving of delta fragments across block indices, the delivered stream
// concatenates to the same per-index text, never grows the event count, and
// keeps sequence numbers dense.
func TestDeltaCoalescingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("coalescing preserves per-index concatenation", prop.ForAll(
		func(frags []deltaFrag) bool {
			b := NewBroadcaster(WithDeltaWindow(5 * time.Millisecond))
			sid := NewID()
			ch, cancelSub := b.Subscribe(sid, 0)
			defer cancelSub()

			want := make(map[int]string)
			for _, f := range frags {
				want[f.index] += f.text
				b.Emit(sid, NewEvent(EventContentDelta, sid, ContentDeltaData{
					Index: f.index,
					Delta: f.text,
				}).WithMessage("m-prop"))
			}
			b.CloseSession(sid)

			got := make(map[int]string)
			count := 0
			deadline := time.After(3 * time.Second)
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return reflect.DeepEqual(got, want) && count <= len(frags)
					}
					if ev.Type != EventContentDelta {
						return false
					}
					var d ContentDeltaData
					if json.Unmarshal(ev.Data, &d) != nil {
						return false
					}
					got[d.Index] += d.Delta
					count++
					if ev.Seq != int64(count) {
						return false
					}
				case <-deadline:
					return false
				}
			}
		},
		genDeltaFrags(),
	))

	properties.TestingRun(t)
}
