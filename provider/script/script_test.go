package script

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

func userReq(text string) dazee.ModelRequest {
	return dazee.ModelRequest{Messages: []dazee.Message{dazee.UserMessage(text)}}
}

func collectStream(t *testing.T, p *Provider, ctx context.Context, req dazee.ModelRequest) ([]dazee.StreamChunk, dazee.ModelResponse, error) {
	t.Helper()
	ch := make(chan dazee.StreamChunk, 64)
	var resp dazee.ModelResponse
	var err error
	done := make(chan struct{})
	go func() {
		resp, err = p.ChatStream(ctx, req, ch)
		close(done)
	}()
	var chunks []dazee.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ChatStream did not return after closing the channel")
	}
	return chunks, resp, err
}

func TestChatMatchesRule(t *testing.T) {
	p := New([]Rule{
		{Match: "weather", Respond: "It is sunny."},
		{Match: "news", Respond: "Nothing happened."},
	})

	resp, err := p.Chat(context.Background(), userReq("What's the WEATHER like?"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := resp.Message.Text(); got != "It is sunny." {
		t.Errorf("text = %q", got)
	}
	if resp.Message.StopReason != dazee.StopEndTurn {
		t.Errorf("stop reason = %q", resp.Message.StopReason)
	}
	if resp.Message.Model != "script-1" {
		t.Errorf("model = %q", resp.Message.Model)
	}
	if resp.Usage.InputTokens == 0 || resp.Usage.OutputTokens == 0 {
		t.Errorf("usage should be non-zero: %+v", resp.Usage)
	}
}

func TestChatFirstRuleWins(t *testing.T) {
	p := New([]Rule{
		{Match: "report", Respond: "first"},
		{Match: "weekly report", Respond: "second"},
	})

	resp, _ := p.Chat(context.Background(), userReq("send the weekly report"))
	if resp.Message.Text() != "first" {
		t.Errorf("text = %q", resp.Message.Text())
	}
}

func TestChatFallback(t *testing.T) {
	p := New([]Rule{{Match: "weather", Respond: "sunny"}}, WithFallback("try again"))

	resp, _ := p.Chat(context.Background(), userReq("completely unrelated"))
	if resp.Message.Text() != "try again" {
		t.Errorf("text = %q", resp.Message.Text())
	}
}

func TestChatEmptyMatchCatchesAll(t *testing.T) {
	p := New([]Rule{
		{Match: "weather", Respond: "sunny"},
		{Respond: "catch-all"},
	})

	resp, _ := p.Chat(context.Background(), userReq("anything else"))
	if resp.Message.Text() != "catch-all" {
		t.Errorf("text = %q", resp.Message.Text())
	}
}

func TestToolRuleCallsToolThenAnswers(t *testing.T) {
	input := json.RawMessage(`{"url":"https://example.com/weather"}`)
	p := New([]Rule{{Match: "weather", Tool: "web_read", Input: input, Respond: "It is sunny."}})

	req := userReq("weather in oslo")
	first, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	uses := first.Message.ToolUses()
	if len(uses) != 1 {
		t.Fatalf("expected 1 tool use, got %d", len(uses))
	}
	if uses[0].Name != "web_read" || string(uses[0].Input) != string(input) {
		t.Errorf("unexpected tool call: %+v", uses[0])
	}
	if first.Message.StopReason != dazee.StopToolUse {
		t.Errorf("stop reason = %q", first.Message.StopReason)
	}

	// Feed the result back; the same rule now answers with text.
	req.Messages = append(req.Messages,
		first.Message,
		dazee.ToolResultMessage(dazee.ContentBlock{
			Type:      dazee.BlockToolResult,
			ToolUseID: uses[0].ID,
			Content:   "18C, clear",
		}),
	)
	second, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if second.Message.Text() != "It is sunny." {
		t.Errorf("follow-up text = %q", second.Message.Text())
	}
	if second.Message.StopReason != dazee.StopEndTurn {
		t.Errorf("follow-up stop reason = %q", second.Message.StopReason)
	}
}

func TestToolRuleDefaultsEmptyInput(t *testing.T) {
	p := New([]Rule{{Match: "list", Tool: "file_read"}})

	resp, _ := p.Chat(context.Background(), userReq("list things"))
	uses := resp.Message.ToolUses()
	if len(uses) != 1 || string(uses[0].Input) != "{}" {
		t.Fatalf("expected empty-object input, got %+v", uses)
	}
}

func TestChatStreamReassemblesText(t *testing.T) {
	const answer = "The quick brown fox jumps over the lazy dog tonight."
	p := New([]Rule{{Match: "fox", Respond: answer}})

	chunks, resp, err := collectStream(t, p, context.Background(), userReq("tell me about the fox"))
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if chunks[0].Type != dazee.ChunkMessageStart {
		t.Errorf("first chunk = %s", chunks[0].Type)
	}
	if last := chunks[len(chunks)-1]; last.Type != dazee.ChunkMessageStop || last.StopReason != dazee.StopEndTurn {
		t.Errorf("last chunk = %+v", last)
	}

	var streamed strings.Builder
	deltas := 0
	for _, c := range chunks {
		if c.Type == dazee.ChunkContentDelta {
			streamed.WriteString(c.Delta)
			deltas++
		}
	}
	if streamed.String() != answer {
		t.Errorf("streamed %q, want %q", streamed.String(), answer)
	}
	if deltas < 2 {
		t.Errorf("expected word-chunked deltas, got %d", deltas)
	}
	if resp.Message.Text() != answer {
		t.Errorf("returned response text = %q", resp.Message.Text())
	}
}

func TestChatStreamToolInputFragments(t *testing.T) {
	input := `{"path":"notes/today.md"}`
	p := New([]Rule{{Match: "read", Tool: "file_read", Input: json.RawMessage(input), Respond: "done"}})

	chunks, _, err := collectStream(t, p, context.Background(), userReq("read my notes"))
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var start *dazee.ContentBlock
	var got strings.Builder
	for _, c := range chunks {
		switch c.Type {
		case dazee.ChunkContentStart:
			start = c.Block
		case dazee.ChunkContentDelta:
			got.WriteString(c.Delta)
		}
	}
	if start == nil || start.Type != dazee.BlockToolUse || start.Name != "file_read" {
		t.Fatalf("unexpected block shell: %+v", start)
	}
	if len(start.Input) != 0 {
		t.Error("block shell must not carry input, deltas do")
	}
	if got.String() != input {
		t.Errorf("reassembled input = %q, want %q", got.String(), input)
	}
}

func TestChatStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New([]Rule{{Respond: "never delivered"}}, WithChunkDelay(10*time.Millisecond))

	chunks, _, err := collectStream(t, p, ctx, userReq("anything"))
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(chunks) != 0 {
		t.Errorf("expected no chunks after cancellation, got %d", len(chunks))
	}
}

func TestChatCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(nil)

	if _, err := p.Chat(ctx, userReq("anything")); err == nil {
		t.Fatal("expected context error")
	}
}

func TestFollowUpMatchSkipsToolResults(t *testing.T) {
	p := New([]Rule{
		{Match: "weather", Tool: "web_read", Respond: "Sunny."},
		{Respond: "catch-all"},
	})

	messages := []dazee.Message{
		dazee.UserMessage("weather please"),
		{
			Role: dazee.RoleAssistant,
			Content: []dazee.ContentBlock{{
				Type: dazee.BlockToolUse, ID: "tu1", Name: "web_read", Input: json.RawMessage(`{}`),
			}},
			StopReason: dazee.StopToolUse,
		},
		dazee.ToolResultMessage(dazee.ContentBlock{
			Type: dazee.BlockToolResult, ToolUseID: "tu1", Content: "18C",
		}),
	}
	resp, _ := p.Chat(context.Background(), dazee.ModelRequest{Messages: messages})
	if resp.Message.Text() != "Sunny." {
		t.Errorf("text = %q, rule should re-match the original utterance", resp.Message.Text())
	}
}

func TestChunkWords(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one two three", 1},
		{"one two three four", 2},
		{"a b c d e f g", 3},
	}
	for _, tt := range tests {
		chunks := chunkWords(tt.in, wordsPerChunk)
		if len(chunks) != tt.want {
			t.Errorf("chunkWords(%q) = %d chunks, want %d", tt.in, len(chunks), tt.want)
		}
		if got := strings.Join(chunks, ""); got != tt.in {
			t.Errorf("chunks do not reassemble: %q != %q", got, tt.in)
		}
	}
}
