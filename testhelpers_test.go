package dazee

import (
	"context"
	"encoding/json"
	"testing"
)

// --- provider fakes ---

// mockProvider is a test Provider that returns canned responses, popped in
// order. A non-nil entry in errs at the same index fails that call instead.
// ChatStream replays the response's blocks as chunks, splitting tool_use
// input into two JSON fragments to exercise reassembly.
type mockProvider struct {
	name      string
	responses []ModelResponse
	errs      []error
	idx       int
	requests  []ModelRequest // captured in call order
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	m.requests = append(m.requests, req)
	return m.next()
}

func (m *mockProvider) ChatStream(ctx context.Context, req ModelRequest, ch chan<- StreamChunk) (ModelResponse, error) {
	defer close(ch)
	m.requests = append(m.requests, req)
	resp, err := m.next()
	if err != nil {
		return ModelResponse{}, err
	}

	send := func(c StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !send(StreamChunk{Type: ChunkMessageStart, Model: resp.Message.Model}) {
		return ModelResponse{}, ctx.Err()
	}
	for i := range resp.Message.Content {
		bl := resp.Message.Content[i]
		head := bl
		head.Text = ""
		head.Input = nil
		if !send(StreamChunk{Type: ChunkContentStart, Index: i, Block: &head}) {
			return ModelResponse{}, ctx.Err()
		}
		switch bl.Type {
		case BlockText:
			if !send(StreamChunk{Type: ChunkContentDelta, Index: i, Delta: bl.Text}) {
				return ModelResponse{}, ctx.Err()
			}
		case BlockToolUse:
			raw := string(bl.Input)
			if raw == "" {
				raw = "{}"
			}
			mid := len(raw) / 2
			for _, frag := range []string{raw[:mid], raw[mid:]} {
				if frag == "" {
					continue
				}
				if !send(StreamChunk{Type: ChunkContentDelta, Index: i, Delta: frag}) {
					return ModelResponse{}, ctx.Err()
				}
			}
		}
		if !send(StreamChunk{Type: ChunkContentStop, Index: i}) {
			return ModelResponse{}, ctx.Err()
		}
	}
	send(StreamChunk{Type: ChunkMessageStop, StopReason: resp.Message.StopReason, Usage: &resp.Usage})
	return resp, nil
}

func (m *mockProvider) next() (ModelResponse, error) {
	if m.idx < len(m.errs) && m.errs[m.idx] != nil {
		err := m.errs[m.idx]
		m.idx++
		return ModelResponse{}, err
	}
	if m.idx >= len(m.responses) {
		return ModelResponse{Message: AssistantMessage("exhausted")}, nil
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp, nil
}

// --- response builders ---

func textResponse(text string) ModelResponse {
	msg := AssistantMessage(text)
	msg.StopReason = StopEndTurn
	return ModelResponse{Message: msg, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

// toolUseResponse builds an assistant turn that calls one tool.
func toolUseResponse(toolUseID, name string, input string) ModelResponse {
	msg := Message{
		ID:   NewID(),
		Role: RoleAssistant,
		Content: []ContentBlock{{
			Type:  BlockToolUse,
			Index: 0,
			ID:    toolUseID,
			Name:  name,
			Input: json.RawMessage(input),
		}},
		StopReason: StopToolUse,
		CreatedAt:  NowUnix(),
	}
	return ModelResponse{Message: msg, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

func proposalResponse(strategy BacktrackStrategy) ModelResponse {
	return ModelResponse{Message: AssistantMessage(string(strategy)), Usage: Usage{InputTokens: 5, OutputTokens: 2}}
}

// intentResponse wraps a classifier reply the way the model returns it.
func intentResponse(body string) ModelResponse {
	return ModelResponse{Message: AssistantMessage(body), Usage: Usage{InputTokens: 30, OutputTokens: 12}}
}

// --- tool fakes ---

// scriptedTool is a configurable test tool. The exec func drives behavior;
// paths feeds IntentPaths.
type scriptedTool struct {
	def   ToolDefinition
	paths []string
	exec  func(ctx context.Context, args json.RawMessage) (ToolResult, error)
	calls int
}

func (t *scriptedTool) Definitions() []ToolDefinition { return []ToolDefinition{t.def} }

func (t *scriptedTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t.calls++
	return t.exec(ctx, args)
}

func (t *scriptedTool) IntentPaths(name string, args json.RawMessage) []string { return t.paths }

func okTool(name, content string) *scriptedTool {
	return &scriptedTool{
		def: ToolDefinition{Name: name, Description: name},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{Content: content}, nil
		},
	}
}

func failingTool(name, errText string) *scriptedTool {
	return &scriptedTool{
		def: ToolDefinition{Name: name, Description: name},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{Error: errText}, nil
		},
	}
}

func confirmTool(name, content string) *scriptedTool {
	return &scriptedTool{
		def: ToolDefinition{Name: name, Description: name, RequiresConfirmation: true},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{Content: content}, nil
		},
	}
}

// --- event stream helpers ---

func unmarshalData(t *testing.T, ev Event, into any) {
	t.Helper()
	if err := json.Unmarshal(ev.Data, into); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Type, err)
	}
}

func findEvent(t *testing.T, evs []Event, typ EventType) Event {
	t.Helper()
	for _, ev := range evs {
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event in %v", typ, eventTypes(evs))
	return Event{}
}

func countEvents(evs []Event, typ EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func sessionEnd(t *testing.T, evs []Event) SessionEndData {
	t.Helper()
	var data SessionEndData
	unmarshalData(t, findEvent(t, evs, EventSessionEnd), &data)
	return data
}
