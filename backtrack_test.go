package dazee

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func searchFailure(detail string) Failure {
	return Failure{
		Tool:           "search",
		ToolUseID:      "tu1",
		Input:          json.RawMessage(`{"q":""}`),
		Classification: ErrorClassification{Class: ClassBusiness, Kind: BizBadParam, Detail: detail},
	}
}

func TestFingerprintKeyOrderIndependent(t *testing.T) {
	a := FailureFingerprint("search", json.RawMessage(`{"q":"x","limit":5}`), BizBadParam)
	b := FailureFingerprint("search", json.RawMessage(`{"limit":5,"q":"x"}`), BizBadParam)
	if a != b {
		t.Errorf("fingerprints differ for reordered keys: %s vs %s", a, b)
	}
	c := FailureFingerprint("search", json.RawMessage(`{"q":"x","limit":5}`), BizEmptyResult)
	if a == c {
		t.Error("fingerprint ignores error kind")
	}
	d := FailureFingerprint("fetch", json.RawMessage(`{"q":"x","limit":5}`), BizBadParam)
	if a == d {
		t.Error("fingerprint ignores tool name")
	}
}

func TestBacktrackLadderEscalation(t *testing.T) {
	m := NewBacktrackManager()
	rt := NewRuntimeContext("s1", "c1", "u1")

	want := []BacktrackStrategy{
		StrategyParamAdjust, StrategyToolReplace, StrategyContextEnrich,
		StrategyPlanReplan, StrategyIntentClarify, StrategyGiveUp,
	}
	for i, w := range want {
		d := m.Decide(context.Background(), rt, searchFailure("empty query"))
		if d.Strategy != w {
			t.Fatalf("decision %d = %s, want %s", i, d.Strategy, w)
		}
		if d.Proposed {
			t.Errorf("decision %d marked as model proposal with no provider", i)
		}
	}
	if rt.TotalBacktracks != len(want) {
		t.Errorf("TotalBacktracks = %d, want %d", rt.TotalBacktracks, len(want))
	}
	if !rt.BacktracksExhausted {
		t.Error("GIVE_UP must set BacktracksExhausted")
	}
	if rt.LastStrategy != StrategyGiveUp {
		t.Errorf("LastStrategy = %s", rt.LastStrategy)
	}
}

func TestBacktrackNeverRepeatsStrategy(t *testing.T) {
	m := NewBacktrackManager(WithBacktrackCeiling(100))
	rt := NewRuntimeContext("s1", "c1", "u1")

	seen := map[BacktrackStrategy]int{}
	for i := 0; i < 6; i++ {
		d := m.Decide(context.Background(), rt, searchFailure("boom"))
		seen[d.Strategy]++
	}
	for s, n := range seen {
		if n > 1 {
			t.Errorf("strategy %s chosen %d times for one fingerprint", s, n)
		}
	}
}

func TestBacktrackModelProposal(t *testing.T) {
	p := &mockProvider{responses: []ModelResponse{
		{Message: AssistantMessage("CONTEXT_ENRICH, because the query lacks grounding"), Usage: Usage{InputTokens: 20, OutputTokens: 8}},
	}}
	m := NewBacktrackManager(WithBacktrackProvider(p, "light"))
	rt := NewRuntimeContext("s1", "c1", "u1")

	d := m.Decide(context.Background(), rt, searchFailure("empty query"))
	if d.Strategy != StrategyContextEnrich || !d.Proposed {
		t.Fatalf("decision = %+v", d)
	}
	if rt.BacktrackTokens != 28 {
		t.Errorf("BacktrackTokens = %d, want 28", rt.BacktrackTokens)
	}
	if len(p.requests) != 1 || p.requests[0].Model != "light" {
		t.Errorf("proposal request = %+v", p.requests)
	}
}

func TestBacktrackProposalWeakerFallsToLadder(t *testing.T) {
	p := &mockProvider{responses: []ModelResponse{
		{Message: AssistantMessage("TOOL_REPLACE")},
		{Message: AssistantMessage("PARAM_ADJUST")}, // weaker than what was tried
	}}
	m := NewBacktrackManager(WithBacktrackProvider(p, "light"))
	rt := NewRuntimeContext("s1", "c1", "u1")

	first := m.Decide(context.Background(), rt, searchFailure("no results"))
	if first.Strategy != StrategyToolReplace {
		t.Fatalf("first = %s", first.Strategy)
	}
	second := m.Decide(context.Background(), rt, searchFailure("no results"))
	if second.Strategy != StrategyContextEnrich || second.Proposed {
		t.Errorf("second = %+v, want ladder CONTEXT_ENRICH", second)
	}
}

func TestBacktrackProposalErrorFallsToLadder(t *testing.T) {
	p := &mockProvider{errs: []error{errors.New("model down")}}
	m := NewBacktrackManager(WithBacktrackProvider(p, "light"))
	rt := NewRuntimeContext("s1", "c1", "u1")

	d := m.Decide(context.Background(), rt, searchFailure("x"))
	if d.Strategy != StrategyParamAdjust || d.Proposed {
		t.Errorf("decision = %+v, want ladder PARAM_ADJUST", d)
	}
}

func TestBacktrackCeilingSetsExhausted(t *testing.T) {
	m := NewBacktrackManager(WithBacktrackCeiling(2))
	rt := NewRuntimeContext("s1", "c1", "u1")

	m.Decide(context.Background(), rt, Failure{Tool: "a", Classification: ErrorClassification{Kind: BizWrongTool}})
	if rt.BacktracksExhausted {
		t.Fatal("exhausted too early")
	}
	m.Decide(context.Background(), rt, Failure{Tool: "b", Classification: ErrorClassification{Kind: BizWrongTool}})
	if !rt.BacktracksExhausted {
		t.Error("ceiling reached without exhaustion")
	}
}

func TestRewriteStripsFailedPair(t *testing.T) {
	m := NewBacktrackManager()
	rt := NewRuntimeContext("s1", "c1", "u1")
	rt.Append(UserMessage("find the weather"))
	rt.Append(Message{
		ID:   NewID(),
		Role: RoleAssistant,
		Content: []ContentBlock{
			{Type: BlockText, Index: 0, Text: "Let me search."},
			{Type: BlockToolUse, Index: 1, ID: "tu1", Name: "search", Input: json.RawMessage(`{"q":""}`)},
		},
	})
	rt.Append(ToolResultMessage(ToolResultBlock("tu1", "error: empty query", true)))

	f := searchFailure("empty query")
	d := m.Decide(context.Background(), rt, f)
	m.Rewrite(rt, f, d)

	for _, msg := range rt.Messages {
		for _, bl := range msg.Content {
			if bl.Type == BlockToolUse && bl.ID == "tu1" {
				t.Error("failed tool_use still visible")
			}
			if bl.Type == BlockToolResult && bl.ToolUseID == "tu1" {
				t.Error("failed tool_result still visible")
			}
		}
	}
	// Assistant text survives the strip.
	found := false
	for _, msg := range rt.Messages {
		if msg.Role == RoleAssistant && msg.Text() == "Let me search." {
			found = true
		}
	}
	if !found {
		t.Error("assistant text block was dropped with the tool_use")
	}
	last := rt.Messages[len(rt.Messages)-1]
	if last.Role != RoleUser || !strings.Contains(last.Text(), "Previously attempted search") {
		t.Errorf("reflection = %q", last.Text())
	}
	if !strings.Contains(last.Text(), "empty query") {
		t.Errorf("reflection missing failure reason: %q", last.Text())
	}
}

func TestRewriteCompressesConsecutiveFailures(t *testing.T) {
	m := NewBacktrackManager()
	rt := NewRuntimeContext("s1", "c1", "u1")
	rt.Append(UserMessage("search something"))

	f := searchFailure("empty query")
	d := m.Decide(context.Background(), rt, f)
	m.Rewrite(rt, f, d)
	d = m.Decide(context.Background(), rt, f)
	m.Rewrite(rt, f, d)

	reflections := 0
	var text string
	for _, msg := range rt.Messages {
		if msg.Role == RoleUser && strings.Contains(msg.Text(), "Previously attempted") {
			reflections++
			text = msg.Text()
		}
	}
	if reflections != 1 {
		t.Fatalf("reflection entries = %d, want 1", reflections)
	}
	if !strings.Contains(text, "2 times") {
		t.Errorf("compressed reflection = %q", text)
	}
}

func TestBacktrackReset(t *testing.T) {
	m := NewBacktrackManager()
	rt := NewRuntimeContext("s1", "c1", "u1")
	f := searchFailure("x")

	m.Decide(context.Background(), rt, f)
	m.Decide(context.Background(), rt, f)
	m.Reset()

	d := m.Decide(context.Background(), rt, f)
	if d.Strategy != StrategyParamAdjust {
		t.Errorf("post-reset strategy = %s, want PARAM_ADJUST", d.Strategy)
	}
}
