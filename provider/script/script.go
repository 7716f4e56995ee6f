// Package script implements a deterministic, in-process Provider driven by
// match rules. It backs the daemon's dev mode, demos, and integration tests:
// no network, stable output, realistic chunked streaming.
//
// The provider keeps no state between calls. Every response is a pure
// function of the request, so concurrent sessions can share one instance.
package script

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// wordsPerChunk controls how much text each streaming delta carries.
const wordsPerChunk = 3

// Rule maps a user utterance to a scripted exchange. The first rule whose
// Match is contained in the latest user text wins, so put catch-alls last.
type Rule struct {
	// Match is compared case-insensitively against the latest user message
	// that carries text. Empty matches everything.
	Match string
	// Tool and Input, when set, make the assistant call that tool first.
	// Once the conversation already contains a call to Tool, the rule
	// answers with Respond instead, closing the loop.
	Tool  string
	Input json.RawMessage
	// Respond is the assistant's text answer.
	Respond string
}

// Provider replays scripted responses. The zero value is unusable; use New.
type Provider struct {
	rules    []Rule
	fallback string
	model    string
	delay    time.Duration
}

var _ dazee.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model name reported on responses. Default "script-1".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithChunkDelay inserts a pause between streaming chunks so dev-mode
// output scrolls like a live model. Default 0 (no delay).
func WithChunkDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// WithFallback sets the text returned when no rule matches.
func WithFallback(text string) Option {
	return func(p *Provider) { p.fallback = text }
}

// New creates a scripted provider. Rules are evaluated in order.
func New(rules []Rule, opts ...Option) *Provider {
	p := &Provider{
		rules:    rules,
		fallback: "I don't have a scripted answer for that yet.",
		model:    "script-1",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return "script" }

func (p *Provider) Chat(ctx context.Context, req dazee.ModelRequest) (dazee.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return dazee.ModelResponse{}, err
	}
	return p.respond(req), nil
}

func (p *Provider) ChatStream(ctx context.Context, req dazee.ModelRequest, ch chan<- dazee.StreamChunk) (dazee.ModelResponse, error) {
	defer close(ch)
	resp := p.respond(req)

	send := func(c dazee.StreamChunk) bool {
		if p.delay > 0 {
			select {
			case <-time.After(p.delay):
			case <-ctx.Done():
				return false
			}
		}
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(dazee.StreamChunk{Type: dazee.ChunkMessageStart, Model: resp.Message.Model, Usage: &dazee.Usage{InputTokens: resp.Usage.InputTokens}}) {
		return dazee.ModelResponse{}, ctx.Err()
	}
	for i := range resp.Message.Content {
		bl := resp.Message.Content[i]
		head := bl
		head.Text = ""
		head.Input = nil
		if !send(dazee.StreamChunk{Type: dazee.ChunkContentStart, Index: i, Block: &head}) {
			return dazee.ModelResponse{}, ctx.Err()
		}
		var frags []string
		switch bl.Type {
		case dazee.BlockText:
			frags = chunkWords(bl.Text, wordsPerChunk)
		case dazee.BlockToolUse:
			frags = splitJSON(bl.Input)
		}
		for _, frag := range frags {
			if !send(dazee.StreamChunk{Type: dazee.ChunkContentDelta, Index: i, Delta: frag}) {
				return dazee.ModelResponse{}, ctx.Err()
			}
		}
		if !send(dazee.StreamChunk{Type: dazee.ChunkContentStop, Index: i}) {
			return dazee.ModelResponse{}, ctx.Err()
		}
	}
	if !send(dazee.StreamChunk{Type: dazee.ChunkMessageStop, StopReason: resp.Message.StopReason, Usage: &resp.Usage}) {
		return dazee.ModelResponse{}, ctx.Err()
	}
	return resp, nil
}

// respond picks the matching rule and builds the full assistant turn.
func (p *Provider) respond(req dazee.ModelRequest) dazee.ModelResponse {
	text := lastUserText(req.Messages)
	rule, ok := p.match(text)

	switch {
	case !ok:
		return p.textResponse(req, p.fallback)
	case rule.Tool != "" && !toolCalled(req.Messages, rule.Tool):
		return p.toolResponse(req, rule)
	default:
		return p.textResponse(req, rule.Respond)
	}
}

func (p *Provider) match(text string) (Rule, bool) {
	lower := strings.ToLower(text)
	for _, r := range p.rules {
		if r.Match == "" || strings.Contains(lower, strings.ToLower(r.Match)) {
			return r, true
		}
	}
	return Rule{}, false
}

func (p *Provider) textResponse(req dazee.ModelRequest, text string) dazee.ModelResponse {
	msg := dazee.Message{
		ID:         dazee.NewID(),
		Role:       dazee.RoleAssistant,
		Content:    []dazee.ContentBlock{{Type: dazee.BlockText, Index: 0, Text: text}},
		Model:      p.model,
		StopReason: dazee.StopEndTurn,
		CreatedAt:  dazee.NowUnix(),
	}
	return dazee.ModelResponse{Message: msg, Usage: p.usage(req, text)}
}

func (p *Provider) toolResponse(req dazee.ModelRequest, rule Rule) dazee.ModelResponse {
	input := rule.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	msg := dazee.Message{
		ID:   dazee.NewID(),
		Role: dazee.RoleAssistant,
		Content: []dazee.ContentBlock{{
			Type:  dazee.BlockToolUse,
			Index: 0,
			ID:    dazee.NewID(),
			Name:  rule.Tool,
			Input: input,
		}},
		Model:      p.model,
		StopReason: dazee.StopToolUse,
		CreatedAt:  dazee.NowUnix(),
	}
	return dazee.ModelResponse{Message: msg, Usage: p.usage(req, string(input))}
}

// usage fabricates plausible token counts so cost tracking and the
// terminator's ladder see non-zero numbers in dev mode.
func (p *Provider) usage(req dazee.ModelRequest, out string) dazee.Usage {
	in := len(req.SystemText())
	for i := range req.Messages {
		in += len(req.Messages[i].Text())
	}
	return dazee.Usage{
		InputTokens:  in/4 + 1,
		OutputTokens: len(out)/4 + 1,
	}
}

// lastUserText walks the conversation backwards for the newest user message
// that carries text, skipping tool-result turns so follow-up responses keep
// matching the utterance that started the exchange.
func lastUserText(messages []dazee.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != dazee.RoleUser {
			continue
		}
		if text := messages[i].Text(); text != "" {
			return text
		}
	}
	return ""
}

// toolCalled reports whether any assistant turn already invoked name.
func toolCalled(messages []dazee.Message, name string) bool {
	for i := range messages {
		if messages[i].Role != dazee.RoleAssistant {
			continue
		}
		for _, use := range messages[i].ToolUses() {
			if use.Name == name {
				return true
			}
		}
	}
	return false
}

// chunkWords splits s into delta-sized fragments that reassemble verbatim.
func chunkWords(s string, size int) []string {
	if s == "" {
		return nil
	}
	words := strings.SplitAfter(s, " ")
	chunks := make([]string, 0, (len(words)+size-1)/size)
	for start := 0; start < len(words); start += size {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], ""))
	}
	return chunks
}

// splitJSON halves raw tool input so consumers exercise fragment reassembly.
func splitJSON(raw json.RawMessage) []string {
	s := string(raw)
	if s == "" {
		s = "{}"
	}
	mid := len(s) / 2
	if mid == 0 {
		return []string{s}
	}
	return []string{s[:mid], s[mid:]}
}
