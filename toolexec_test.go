package dazee

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestExecutor(tool Tool, opts ...ToolExecOption) *ToolExecutor {
	reg := NewToolRegistry()
	reg.Add(tool)
	return NewToolExecutor(reg, opts...)
}

func TestToolExecutorSuccess(t *testing.T) {
	x := newTestExecutor(okTool("echo", "hello"))
	out := x.Run(context.Background(), ToolRun{SessionID: "s1", ToolUseID: "tu1", Name: "echo"})
	if out.Failure != nil {
		t.Fatalf("unexpected failure: %+v", out.Failure)
	}
	if out.Pending != nil {
		t.Fatal("unexpected pending confirmation")
	}
	if out.Block.Type != BlockToolResult || out.Block.ToolUseID != "tu1" {
		t.Errorf("block = %+v", out.Block)
	}
	if out.Block.Content != "hello" || out.Block.IsError {
		t.Errorf("content = %q isError = %v", out.Block.Content, out.Block.IsError)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
}

func TestToolExecutorUnknownTool(t *testing.T) {
	x := newTestExecutor(okTool("echo", "hi"))
	out := x.Run(context.Background(), ToolRun{ToolUseID: "tu1", Name: "missing"})
	if out.Failure == nil || out.Failure.Kind != BizWrongTool {
		t.Fatalf("failure = %+v, want wrong_tool", out.Failure)
	}
	if !out.Block.IsError || !strings.Contains(out.Block.Content, "unknown tool") {
		t.Errorf("block = %+v", out.Block)
	}
}

func TestToolExecutorSchemaRejectsBeforeExecute(t *testing.T) {
	tool := okTool("write", "done")
	tool.def.Parameters = json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	x := newTestExecutor(tool)
	out := x.Run(context.Background(), ToolRun{Name: "write", Input: json.RawMessage(`{"path": 5}`)})
	if out.Failure == nil || out.Failure.Kind != BizBadParam {
		t.Fatalf("failure = %+v, want bad_param", out.Failure)
	}
	if tool.calls != 0 {
		t.Errorf("tool ran %d times despite invalid input", tool.calls)
	}
}

func TestToolExecutorConfirmationGate(t *testing.T) {
	tool := okTool("delete_folder", "gone")
	tool.def.RequiresConfirmation = true
	x := newTestExecutor(tool)

	out := x.Run(context.Background(), ToolRun{ToolUseID: "tu1", Name: "delete_folder", Input: json.RawMessage(`{}`)})
	if out.Pending == nil {
		t.Fatal("expected pending confirmation")
	}
	if out.Pending.ToolName != "delete_folder" || out.Pending.ToolUseID != "tu1" {
		t.Errorf("pending = %+v", out.Pending)
	}
	if out.Pending.RequestID == "" {
		t.Error("pending request has no id")
	}
	if tool.calls != 0 {
		t.Errorf("tool ran %d times before approval", tool.calls)
	}

	out = x.Run(context.Background(), ToolRun{ToolUseID: "tu1", Name: "delete_folder", Approved: true})
	if out.Pending != nil || out.Failure != nil {
		t.Fatalf("approved run: pending=%v failure=%v", out.Pending, out.Failure)
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", tool.calls)
	}
}

func TestToolExecutorPanicRecovery(t *testing.T) {
	tool := &scriptedTool{
		def: ToolDefinition{Name: "boom"},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			panic("nil map write")
		},
	}
	x := newTestExecutor(tool)
	out := x.Run(context.Background(), ToolRun{Name: "boom"})
	if out.Failure == nil || out.Failure.Class != ClassBusiness {
		t.Fatalf("failure = %+v", out.Failure)
	}
	if !strings.Contains(out.Block.Content, "panicked") {
		t.Errorf("block content = %q", out.Block.Content)
	}
}

func TestToolExecutorTimeout(t *testing.T) {
	tool := &scriptedTool{
		def: ToolDefinition{Name: "slow", Timeout: 20 * time.Millisecond},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	}
	x := newTestExecutor(tool)
	out := x.Run(context.Background(), ToolRun{Name: "slow"})
	if out.Failure == nil || out.Failure.Kind != InfraTimeout {
		t.Fatalf("failure = %+v, want timeout", out.Failure)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, timeouts must not retry", out.Attempts)
	}
}

func TestToolExecutorRetriesTransient(t *testing.T) {
	attempt := 0
	tool := &scriptedTool{
		def: ToolDefinition{Name: "flaky"},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			attempt++
			if attempt < 3 {
				return ToolResult{}, &ErrHTTP{Status: 503, Body: "unavailable"}
			}
			return ToolResult{Content: "ok"}, nil
		},
	}
	x := newTestExecutor(tool)
	x.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	out := x.Run(context.Background(), ToolRun{Name: "flaky"})
	if out.Failure != nil {
		t.Fatalf("unexpected failure: %+v", out.Failure)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
}

func TestToolExecutorMutatingToolRunsOnce(t *testing.T) {
	tool := &scriptedTool{
		def: ToolDefinition{Name: "write_file", MutatesFiles: true},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{}, &ErrHTTP{Status: 503}
		},
	}
	x := newTestExecutor(tool)
	x.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	out := x.Run(context.Background(), ToolRun{Name: "write_file"})
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, mutating tools must not retry", out.Attempts)
	}
	if tool.calls != 1 {
		t.Errorf("calls = %d", tool.calls)
	}
}

func TestToolExecutorEmptyResult(t *testing.T) {
	x := newTestExecutor(okTool("search", "   "))
	out := x.Run(context.Background(), ToolRun{Name: "search"})
	if out.Failure == nil || out.Failure.Kind != BizEmptyResult {
		t.Fatalf("failure = %+v, want empty_result", out.Failure)
	}
}

func TestToolExecutorTruncatesLongResults(t *testing.T) {
	x := newTestExecutor(okTool("read", strings.Repeat("x", maxToolResultLen+500)))
	out := x.Run(context.Background(), ToolRun{Name: "read"})
	if out.Failure != nil {
		t.Fatalf("unexpected failure: %+v", out.Failure)
	}
	if !strings.Contains(out.Block.Content, "[output truncated") {
		t.Error("missing truncation marker")
	}
	if len([]rune(out.Block.Content)) > maxToolResultLen+100 {
		t.Errorf("content length = %d", len([]rune(out.Block.Content)))
	}
}

func TestToolExecutorInfersOperations(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "notes.txt")
	writeFileT(t, existing, "old")
	created := filepath.Join(dir, "new.txt")

	tool := &scriptedTool{
		def:   ToolDefinition{Name: "edit", MutatesFiles: true},
		paths: []string{existing, created},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			writeFileT(t, existing, "new")
			writeFileT(t, created, "fresh")
			return ToolResult{Content: "edited"}, nil
		},
	}
	snaps, err := NewSnapshotStore(filepath.Join(dir, "snaps"))
	if err != nil {
		t.Fatal(err)
	}
	x := newTestExecutor(tool, WithToolSnapshots(snaps))

	out := x.Run(context.Background(), ToolRun{SessionID: "s1", ToolUseID: "tu1", Name: "edit"})
	if out.Failure != nil {
		t.Fatalf("unexpected failure: %+v", out.Failure)
	}

	ops := snaps.Pending("s1")
	if len(ops) != 2 {
		t.Fatalf("pending ops = %d, want 2", len(ops))
	}
	kinds := map[string]OperationKind{}
	for _, op := range ops {
		if op.ToolUseID != "tu1" {
			t.Errorf("op %s tool_use_id = %q", op.ID, op.ToolUseID)
		}
		kinds[op.Targets[0]] = op.Kind
	}
	if kinds[filepath.Clean(existing)] != OpFileWrite {
		t.Errorf("existing file op = %s, want file_write", kinds[filepath.Clean(existing)])
	}
	if kinds[filepath.Clean(created)] != OpFileCreate {
		t.Errorf("created file op = %s, want file_create", kinds[filepath.Clean(created)])
	}

	// Rollback must restore both: original bytes back, created file gone.
	if _, err := snaps.Rollback("s1", nil); err != nil {
		t.Fatal(err)
	}
	if got := readFileT(t, existing); got != "old" {
		t.Errorf("restored content = %q, want old", got)
	}
	if _, err := os.Stat(created); !os.IsNotExist(err) {
		t.Error("created file still exists after rollback")
	}
}

func TestToolExecutorCollectorReportedOps(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "made.txt")
	tool := &scriptedTool{
		def: ToolDefinition{Name: "make", MutatesFiles: true},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			writeFileT(t, target, "data")
			RecordFileCreate(ctx, target)
			return ToolResult{Content: "made"}, nil
		},
	}
	snaps, err := NewSnapshotStore(filepath.Join(dir, "snaps"))
	if err != nil {
		t.Fatal(err)
	}
	x := newTestExecutor(tool, WithToolSnapshots(snaps))

	out := x.Run(context.Background(), ToolRun{SessionID: "s1", ToolUseID: "tu9", Name: "make"})
	if out.Failure != nil {
		t.Fatalf("unexpected failure: %+v", out.Failure)
	}
	ops := snaps.Pending("s1")
	if len(ops) != 1 || ops[0].Kind != OpFileCreate || ops[0].ToolUseID != "tu9" {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestToolExecutorProgress(t *testing.T) {
	tool := &scriptedTool{
		def: ToolDefinition{Name: "long"},
		exec: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			ReportProgress(ctx, "step 1 of 2")
			ReportProgress(ctx, "step 2 of 2")
			return ToolResult{Content: "done"}, nil
		},
	}
	x := newTestExecutor(tool)

	var notes []string
	x.Run(context.Background(), ToolRun{Name: "long", Progress: func(note string) {
		notes = append(notes, note)
	}})
	if len(notes) != 2 || notes[0] != "step 1 of 2" {
		t.Errorf("notes = %v", notes)
	}
}

func TestReportProgressWithoutSink(t *testing.T) {
	// Must not panic when no sink is attached.
	ReportProgress(context.Background(), "ignored")
}
