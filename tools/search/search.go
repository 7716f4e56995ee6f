// Package search exposes a search tool over a pluggable backend.
//
// The default backend is a deterministic local BM25 index over workspace
// documents; a Brave API backend is available when a key is configured.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// defaultResultCount is how many hits a query returns by default.
const defaultResultCount = 8

// Result is a single search hit. Score is backend-specific: the local index
// reports BM25 scores, remote APIs may leave it zero.
type Result struct {
	Title   string
	URL     string
	Snippet string
	Score   float32
}

// Backend answers search queries. Implementations return results already
// ranked best-first.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Search returns up to count results for the query.
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// Option configures a Tool.
type Option func(*Tool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tool) {
		if logger != nil {
			t.logger = logger
		}
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var nopLogger = slog.New(discardHandler{})

// Tool performs searches via the configured backend.
type Tool struct {
	backend Backend
	logger  *slog.Logger
}

var _ dazee.Tool = (*Tool)(nil)

// New creates a search tool over the given backend.
func New(backend Backend, opts ...Option) *Tool {
	t := &Tool{backend: backend, logger: nopLogger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{{
		Name:        "search",
		Description: "Search for information by keyword. Returns ranked results with snippets and sources.",
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
	if strings.TrimSpace(params.Query) == "" {
		return dazee.ToolResult{Error: "empty query"}, nil
	}

	results, err := t.backend.Search(ctx, params.Query, defaultResultCount)
	if err != nil {
		t.logger.Warn("search failed", "backend", t.backend.Name(), "error", err)
		return dazee.ToolResult{Error: err.Error()}, nil
	}
	t.logger.Debug("search done", "backend", t.backend.Name(), "query", params.Query, "results", len(results))

	return dazee.ToolResult{Content: formatResults(params.Query, results)}, nil
}

func formatResults(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q. Try a different keyword.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d result(s) for %q:\n", len(results), query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, r.Title, r.Snippet)
		if r.URL != "" {
			fmt.Fprintf(&b, "Source: %s\n", r.URL)
		}
	}
	return b.String()
}
