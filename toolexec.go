package dazee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// --- operation reporting ---

// opCollector accumulates the file operations a tool performs during one
// call. Tools report through the Record* helpers below; the executor drains
// the collector after the call returns.
type opCollector struct {
	mu  sync.Mutex
	ops []OperationRecord
}

func (c *opCollector) add(op OperationRecord) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *opCollector) take() []OperationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := c.ops
	c.ops = nil
	return ops
}

type opCollectorCtxKey struct{}

func withOpCollector(ctx context.Context, c *opCollector) context.Context {
	return context.WithValue(ctx, opCollectorCtxKey{}, c)
}

// RecordFileWrite reports that the tool overwrote an existing file at path.
// No-op when called outside a tool execution.
func RecordFileWrite(ctx context.Context, path string) {
	recordOp(ctx, OpFileWrite, []string{path}, pathInverse{Path: path})
}

// RecordFileCreate reports that the tool created a new file at path.
func RecordFileCreate(ctx context.Context, path string) {
	recordOp(ctx, OpFileCreate, []string{path}, pathInverse{Path: path})
}

// RecordFileDelete reports that the tool deleted the file at path.
func RecordFileDelete(ctx context.Context, path string) {
	recordOp(ctx, OpFileDelete, []string{path}, pathInverse{Path: path})
}

// RecordFileRename reports that the tool moved a file from one path to another.
func RecordFileRename(ctx context.Context, from, to string) {
	recordOp(ctx, OpFileRename, []string{from, to}, renameInverse{From: from, To: to})
}

func recordOp(ctx context.Context, kind OperationKind, targets []string, inverse any) {
	c, ok := ctx.Value(opCollectorCtxKey{}).(*opCollector)
	if !ok {
		return
	}
	raw, err := json.Marshal(inverse)
	if err != nil {
		return
	}
	c.add(OperationRecord{Kind: kind, Targets: targets, Inverse: raw})
}

// --- progress reporting ---

type progressCtxKey struct{}

func withProgress(ctx context.Context, fn func(note string)) context.Context {
	return context.WithValue(ctx, progressCtxKey{}, fn)
}

// ReportProgress streams a human-readable note from a running tool to the
// session's event feed. No-op when no progress sink is attached.
func ReportProgress(ctx context.Context, note string) {
	fn, ok := ctx.Value(progressCtxKey{}).(func(note string))
	if !ok || fn == nil {
		return
	}
	fn(note)
}

// --- executor ---

const (
	// defaultToolTimeout bounds a single tool call when the definition does
	// not carry its own budget.
	defaultToolTimeout = 60 * time.Second

	// maxToolResultLen is the maximum rune length for a tool result fed back
	// into the conversation. Results exceeding it are truncated with a marker
	// so the model knows content was trimmed.
	maxToolResultLen = 100_000 // ~25K tokens

	// maxToolAttempts bounds transparent retries of transient failures.
	maxToolAttempts = 3
)

// ToolRun bundles the inputs for one tool call.
type ToolRun struct {
	SessionID string
	ToolUseID string
	Name      string
	Input     json.RawMessage

	// Approved marks a call whose confirmation gate has already been passed.
	Approved bool
	// Progress receives streaming notes from the tool. Nil discards them.
	Progress func(note string)
}

// ToolOutcome is the full result of one tool call. Exactly one of the
// following holds: Pending is set (awaiting human approval), Failure is set
// (classified error, Block carries the error result), or neither (success,
// Block carries the content).
type ToolOutcome struct {
	Result   ToolResult
	Block    ContentBlock
	Pending  *ConfirmationRequest
	Failure  *ErrorClassification
	Attempts int
	Duration time.Duration
}

// ToolExecutor runs tool calls through the full pipeline: schema validation,
// confirmation gating, pre-mutation snapshot capture, bounded execution with
// panic recovery, operation recording, and failure classification.
type ToolExecutor struct {
	registry  *ToolRegistry
	snapshots *SnapshotStore
	logger    *slog.Logger
	timeout   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// ToolExecOption configures a ToolExecutor.
type ToolExecOption func(*ToolExecutor)

// WithToolTimeout overrides the default per-call timeout.
func WithToolTimeout(d time.Duration) ToolExecOption {
	return func(x *ToolExecutor) { x.timeout = d }
}

// WithToolExecLogger sets the executor's logger.
func WithToolExecLogger(l *slog.Logger) ToolExecOption {
	return func(x *ToolExecutor) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithToolSnapshots attaches the snapshot store used for pre-mutation
// capture and operation recording.
func WithToolSnapshots(s *SnapshotStore) ToolExecOption {
	return func(x *ToolExecutor) { x.snapshots = s }
}

// NewToolExecutor returns an executor over the given registry.
func NewToolExecutor(reg *ToolRegistry, opts ...ToolExecOption) *ToolExecutor {
	x := &ToolExecutor{
		registry: reg,
		logger:   nopLogger,
		timeout:  defaultToolTimeout,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Run executes one tool call end to end.
func (x *ToolExecutor) Run(ctx context.Context, run ToolRun) ToolOutcome {
	start := time.Now()
	fail := func(c ErrorClassification) ToolOutcome {
		return ToolOutcome{
			Result:   ToolResult{Error: c.Detail},
			Block:    ToolResultBlock(run.ToolUseID, "error: "+c.Detail, true),
			Failure:  &c,
			Duration: time.Since(start),
		}
	}

	tool, def, ok := x.registry.Lookup(run.Name)
	if !ok {
		return fail(bizClass(BizWrongTool, "unknown tool: "+run.Name))
	}
	if err := x.registry.Validate(run.Name, run.Input); err != nil {
		return fail(bizClass(BizBadParam, err.Error()))
	}

	if def.RequiresConfirmation && !run.Approved {
		return ToolOutcome{
			Pending: &ConfirmationRequest{
				RequestID: NewID(),
				ToolName:  run.Name,
				ToolUseID: run.ToolUseID,
				Input:     run.Input,
				Message:   fmt.Sprintf("%s requires confirmation before it runs", run.Name),
			},
			Duration: time.Since(start),
		}
	}

	var before map[string]bool
	if def.MutatesFiles && x.snapshots != nil {
		paths := probePaths(tool, run.Name, run.Input)
		if len(paths) > 0 {
			if err := x.snapshots.EnsureCaptured(run.SessionID, paths); err != nil {
				return fail(bizClass(BizValidationFailed, "snapshot capture: "+err.Error()))
			}
			before = existence(paths)
		}
	}

	collector := &opCollector{}
	callCtx := withOpCollector(ctx, collector)
	if run.Progress != nil {
		callCtx = withProgress(callCtx, run.Progress)
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = x.timeout
	}

	result, err, attempts := x.callWithRetry(callCtx, tool, def, run, timeout)

	ops := collector.take()
	if len(ops) == 0 && def.MutatesFiles {
		ops = inferOps(before)
	}
	x.record(run, ops)

	if err != nil {
		c := ClassifyToolError(err, ToolResult{})
		out := fail(c)
		out.Attempts = attempts
		return out
	}
	if result.Error != "" || strings.TrimSpace(result.Content) == "" {
		c := ClassifyToolError(nil, result)
		out := fail(c)
		out.Result = result
		out.Attempts = attempts
		return out
	}

	content := result.Content
	if len([]rune(content)) > maxToolResultLen {
		content = truncateStr(content, maxToolResultLen) + "\n\n[output truncated; original was longer]"
	}
	return ToolOutcome{
		Result:   result,
		Block:    ToolResultBlock(run.ToolUseID, content, false),
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

// callWithRetry invokes the tool, transparently retrying transient
// infrastructure failures. Mutating tools run once: a half-applied write must
// reach the rollback path, not run twice. Timeouts are not retried either
// since the call already consumed its budget.
func (x *ToolExecutor) callWithRetry(ctx context.Context, tool Tool, def ToolDefinition, run ToolRun, timeout time.Duration) (ToolResult, error, int) {
	var result ToolResult
	var err error
	for attempt := 1; ; attempt++ {
		result, err = x.invoke(ctx, tool, run.Name, run.Input, timeout)
		if err == nil {
			return result, nil, attempt
		}
		c := ClassifyToolError(err, ToolResult{})
		if !c.Infrastructure() || c.Kind == InfraTimeout || def.MutatesFiles || attempt >= maxToolAttempts {
			return result, err, attempt
		}
		wait := c.RetryAfter
		if wait <= 0 {
			wait = time.Duration(attempt) * 500 * time.Millisecond
		}
		x.logger.Warn("transient tool failure, retrying",
			"tool", run.Name, "attempt", attempt, "wait", wait, "error", err)
		if serr := x.sleep(ctx, wait); serr != nil {
			return result, err, attempt
		}
	}
}

// invoke runs a single attempt under the per-call timeout, converting panics
// in tool handlers into errors.
func (x *ToolExecutor) invoke(ctx context.Context, tool Tool, name string, args json.RawMessage, timeout time.Duration) (result ToolResult, err error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			x.logger.Error("tool panicked", "tool", name, "panic", p)
			err = fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()
	return tool.Execute(callCtx, name, args)
}

// record attributes the collected operations to the session and persists
// them. Captures taken here, after the call, hold post-call bytes; accurate
// restore needs the path predicted up front via IntentPaths.
func (x *ToolExecutor) record(run ToolRun, ops []OperationRecord) {
	for i := range ops {
		ops[i].SessionID = run.SessionID
		ops[i].ToolUseID = run.ToolUseID
		if x.snapshots == nil {
			continue
		}
		if err := x.snapshots.EnsureCaptured(run.SessionID, ops[i].Targets); err != nil {
			x.logger.Warn("late capture failed", "tool", run.Name, "targets", ops[i].Targets, "error", err)
		}
		if err := x.snapshots.Record(ops[i]); err != nil {
			x.logger.Warn("operation record failed", "tool", run.Name, "kind", ops[i].Kind, "error", err)
		}
	}
}

// probePaths asks the tool which paths a call intends to touch.
func probePaths(tool Tool, name string, args json.RawMessage) []string {
	if p, ok := tool.(PathProber); ok {
		return p.IntentPaths(name, args)
	}
	return nil
}

// existence snapshots which of the given paths currently exist.
func existence(paths []string) map[string]bool {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		_, err := os.Stat(p)
		m[filepath.Clean(p)] = err == nil
	}
	return m
}

// inferOps derives operation records by comparing file existence before and
// after the call. Tools that report precise operations skip this path.
func inferOps(before map[string]bool) []OperationRecord {
	paths := make([]string, 0, len(before))
	for p := range before {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var ops []OperationRecord
	for _, path := range paths {
		_, err := os.Stat(path)
		exists := err == nil
		existed := before[path]
		var kind OperationKind
		switch {
		case !existed && exists:
			kind = OpFileCreate
		case existed && exists:
			kind = OpFileWrite
		case existed && !exists:
			kind = OpFileDelete
		default:
			continue
		}
		raw, merr := json.Marshal(pathInverse{Path: path})
		if merr != nil {
			continue
		}
		ops = append(ops, OperationRecord{Kind: kind, Targets: []string{path}, Inverse: raw})
	}
	return ops
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Fast path: byte length ≤ n guarantees rune count ≤ n,
	// avoiding the []rune allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
