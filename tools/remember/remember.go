// Package remember lets the model save and discard long-term user facts.
//
// Facts go through the same memory store the prompt injector reads, so
// anything remembered here shows up in future session context.
package remember

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// validCategories is the closed set the extraction prompt also uses.
var validCategories = map[string]bool{
	"personal":     true,
	"preference":   true,
	"work":         true,
	"habit":        true,
	"relationship": true,
}

const defaultCategory = "personal"

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

// Tool saves facts to and removes facts from the user's memory store.
type Tool struct {
	store    dazee.MemoryStore
	embedder dazee.EmbeddingProvider
	logger   *slog.Logger
}

var _ dazee.Tool = (*Tool)(nil)

// New creates a remember tool. The embedder may be nil; facts stored
// without embeddings skip similarity dedup and semantic retrieval.
func New(store dazee.MemoryStore, embedder dazee.EmbeddingProvider, opts ...Option) *Tool {
	t := &Tool{store: store, embedder: embedder, logger: nopLogger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{
		{
			Name:        "remember",
			Description: "Save a fact about the user to long-term memory. Use when the user explicitly asks to remember something, or states a lasting preference.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"fact":{"type":"string","description":"A single concise fact about the user"},"category":{"type":"string","description":"One of: personal, preference, work, habit, relationship"}},"required":["fact"]}`),
		},
		{
			Name:        "forget",
			Description: "Delete stored facts about the user that match a phrase. Use when the user asks to forget something.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string","description":"Phrase to match against stored facts, case-insensitive"}},"required":["pattern"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (dazee.ToolResult, error) {
	var params struct {
		Fact     string `json:"fact"`
		Category string `json:"category"`
		Pattern  string `json:"pattern"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return dazee.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "remember":
		return t.remember(ctx, params.Fact, params.Category)
	case "forget":
		return t.forget(ctx, params.Pattern)
	default:
		return dazee.ToolResult{Error: "unknown memory tool: " + name}, nil
	}
}

func (t *Tool) remember(ctx context.Context, fact, category string) (dazee.ToolResult, error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return dazee.ToolResult{Error: "fact is required"}, nil
	}

	category = strings.ToLower(strings.TrimSpace(category))
	if !validCategories[category] {
		category = defaultCategory
	}

	var embedding []float32
	if t.embedder != nil {
		vecs, err := t.embedder.Embed(ctx, []string{fact})
		if err != nil || len(vecs) == 0 {
			t.logger.Warn("fact embedding failed, storing without", "error", err)
		} else {
			embedding = vecs[0]
		}
	}

	if err := t.store.UpsertFact(ctx, fact, category, embedding); err != nil {
		return dazee.ToolResult{Error: "save failed: " + err.Error()}, nil
	}
	return dazee.ToolResult{Content: fmt.Sprintf("Remembered [%s]: %s", category, fact)}, nil
}

func (t *Tool) forget(ctx context.Context, pattern string) (dazee.ToolResult, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return dazee.ToolResult{Error: "pattern is required"}, nil
	}
	if err := t.store.DeleteMatchingFacts(ctx, pattern); err != nil {
		return dazee.ToolResult{Error: "forget failed: " + err.Error()}, nil
	}
	return dazee.ToolResult{Content: fmt.Sprintf("Deleted stored facts matching %q.", pattern)}, nil
}
