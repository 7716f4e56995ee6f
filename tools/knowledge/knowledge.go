// Package knowledge exposes the reference library as a tool, so the model
// can search ingested documents on demand instead of relying only on the
// per-turn context injector.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// defaultTopK is the number of passages returned per search.
const defaultTopK = 5

// Tool searches the knowledge base built by the ingest pipeline.
type Tool struct {
	source dazee.KnowledgeSource
	topK   int
}

var _ dazee.Tool = (*Tool)(nil)

// Option configures a Tool.
type Option func(*Tool)

// WithTopK sets the number of passages to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.topK = n
		}
	}
}

// New creates a knowledge search tool backed by source.
func New(source dazee.KnowledgeSource, opts ...Option) *Tool {
	t := &Tool{source: source, topK: defaultTopK}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{{
		Name:        "knowledge_search",
		Description: "Search the user's personal knowledge base of ingested documents and notes for previously saved information.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (dazee.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return dazee.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return dazee.ToolResult{Error: "empty query"}, nil
	}

	passages, err := t.source.Search(ctx, query, t.topK)
	if err != nil {
		return dazee.ToolResult{Error: "search error: " + err.Error()}, nil
	}
	if len(passages) == 0 {
		return dazee.ToolResult{Content: fmt.Sprintf("No relevant information found for %q.", query)}, nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Found %d passage(s) for %q:\n", len(passages), query)
	for i, p := range passages {
		fmt.Fprintf(&out, "\n[%d] %s\n", i+1, p.Text)
		if p.Source != "" {
			fmt.Fprintf(&out, "Source: %s\n", p.Source)
		}
	}
	return dazee.ToolResult{Content: out.String()}, nil
}
