package dazee

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// PathProber is implemented by file-mutating tools to report which absolute
// paths a call would touch, so the executor can capture them before the
// first byte of modification.
type PathProber interface {
	IntentPaths(name string, args json.RawMessage) []string
}

// ToolDefinition describes one callable tool function.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema

	// MutatesFiles marks handlers whose target paths must be captured by the
	// snapshot store before execution.
	MutatesFiles bool `json:"-"`
	// RequiresConfirmation gates execution behind explicit human approval.
	RequiresConfirmation bool `json:"-"`
	// Timeout overrides the executor's default per-tool bound when non-zero.
	Timeout time.Duration `json:"-"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// toolEntry pairs a registered definition with its owner and compiled schema.
type toolEntry struct {
	tool   Tool
	def    ToolDefinition
	schema *jsonschema.Schema // nil when the definition has no usable schema
}

type registrySnapshot struct {
	tools   []Tool
	entries map[string]*toolEntry
	defs    []ToolDefinition
}

// ToolRegistry holds all registered tools and dispatches execution. The
// registry is immutable after process start in the hot path sense: Add and
// ReplaceAll build a new snapshot and swap it atomically, so lookups never
// lock.
type ToolRegistry struct {
	snap   atomic.Pointer[registrySnapshot]
	logger *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(buildSnapshot(nil, r.logger))
	return r
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithRegistryLogger sets the structured logger (default: no output).
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// Add registers a tool, replacing any previous definitions with the same
// names.
func (r *ToolRegistry) Add(t Tool) {
	cur := r.snap.Load()
	tools := make([]Tool, 0, len(cur.tools)+1)
	tools = append(tools, cur.tools...)
	tools = append(tools, t)
	r.snap.Store(buildSnapshot(tools, r.logger))
}

// ReplaceAll atomically swaps in a registry built from tools. Used by
// hot-reload: the replacement is fully constructed before the swap.
func (r *ToolRegistry) ReplaceAll(tools []Tool) {
	r.snap.Store(buildSnapshot(tools, r.logger))
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	return r.snap.Load().defs
}

// Lookup resolves a tool name to its entry.
func (r *ToolRegistry) Lookup(name string) (Tool, ToolDefinition, bool) {
	e, ok := r.snap.Load().entries[name]
	if !ok {
		return nil, ToolDefinition{}, false
	}
	return e.tool, e.def, true
}

// Validate checks args against the named tool's compiled schema. A tool
// without a schema accepts anything.
func (r *ToolRegistry) Validate(name string, args json.RawMessage) error {
	e, ok := r.snap.Load().entries[name]
	if !ok {
		return ErrToolNotFound
	}
	if e.schema == nil {
		return nil
	}
	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return err
	}
	return e.schema.Validate(v)
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	e, ok := r.snap.Load().entries[name]
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return e.tool.Execute(ctx, name, args)
}

func buildSnapshot(tools []Tool, logger *slog.Logger) *registrySnapshot {
	snap := &registrySnapshot{
		tools:   tools,
		entries: make(map[string]*toolEntry),
	}
	seen := make(map[string]int)
	for _, t := range tools {
		for _, def := range t.Definitions() {
			entry := &toolEntry{tool: t, def: def}
			if len(def.Parameters) > 0 {
				schema, err := jsonschema.CompileString(def.Name+".json", string(def.Parameters))
				if err != nil {
					logger.Warn("tool schema failed to compile; skipping input validation",
						"tool", def.Name, "error", err)
				} else {
					entry.schema = schema
				}
			}
			snap.entries[def.Name] = entry
			if i, dup := seen[def.Name]; dup {
				snap.defs[i] = def
				continue
			}
			seen[def.Name] = len(snap.defs)
			snap.defs = append(snap.defs, def)
		}
	}
	return snap
}
