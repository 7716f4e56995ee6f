package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func marshalArgs(t *testing.T, m map[string]string) json.RawMessage {
	t.Helper()
	args, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return args
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	args := marshalArgs(t, map[string]string{"path": "notes.txt", "content": "hello world"})
	result, err := tool.Execute(context.Background(), "file_write", args)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("write result error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "11 bytes") {
		t.Errorf("result = %q, want byte count", result.Content)
	}

	args = marshalArgs(t, map[string]string{"path": "notes.txt"})
	result, err = tool.Execute(context.Background(), "file_read", args)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Content != "hello world" {
		t.Errorf("read content = %q, want %q", result.Content, "hello world")
	}
}

func TestWriteCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	args := marshalArgs(t, map[string]string{"path": "a/b/c.txt", "content": "nested"})
	result, err := tool.Execute(context.Background(), "file_write", args)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("write result error: %s", result.Error)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a", "b", "c.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "nested" {
		t.Errorf("content = %q, want %q", data, "nested")
	}
}

func TestWriteOverwrites(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	args := marshalArgs(t, map[string]string{"path": "log.txt", "content": "new"})
	result, err := tool.Execute(context.Background(), "file_write", args)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("write result error: %s", result.Error)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("content = %q, want %q", data, "new")
	}
}

func TestReadMissingFile(t *testing.T) {
	tool := New(t.TempDir())

	args := marshalArgs(t, map[string]string{"path": "missing.txt"})
	result, err := tool.Execute(context.Background(), "file_read", args)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Error == "" {
		t.Error("expected result error for missing file")
	}
}

func TestReadTruncatesLargeFile(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	big := strings.Repeat("x", maxReadChars+100)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	args := marshalArgs(t, map[string]string{"path": "big.txt"})
	result, err := tool.Execute(context.Background(), "file_read", args)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(result.Content, "... (truncated)") {
		t.Error("expected truncation marker")
	}
	if len(result.Content) > maxReadChars+50 {
		t.Errorf("content length = %d, want around %d", len(result.Content), maxReadChars)
	}
}

func TestCreateNewFile(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	args := marshalArgs(t, map[string]string{"path": "fresh.txt", "content": "born"})
	result, err := tool.Execute(context.Background(), "file_create", args)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("create result error: %s", result.Error)
	}

	data, err := os.ReadFile(filepath.Join(dir, "fresh.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "born" {
		t.Errorf("content = %q, want %q", data, "born")
	}
}

func TestCreateExistingFileFails(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "taken.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	args := marshalArgs(t, map[string]string{"path": "taken.txt", "content": "y"})
	result, err := tool.Execute(context.Background(), "file_create", args)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(result.Error, "already exists") {
		t.Errorf("result error = %q, want already exists", result.Error)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "taken.txt"))
	if string(data) != "x" {
		t.Errorf("existing file was clobbered: %q", data)
	}
}

func TestDeleteFile(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	path := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(path, []byte("bye"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	args := marshalArgs(t, map[string]string{"path": "gone.txt"})
	result, err := tool.Execute(context.Background(), "file_delete", args)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("delete result error: %s", result.Error)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}
}

func TestDeleteRejectsFolder(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("seed: %v", err)
	}

	args := marshalArgs(t, map[string]string{"path": "sub"})
	result, err := tool.Execute(context.Background(), "file_delete", args)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(result.Error, "delete_folder") {
		t.Errorf("result error = %q, want delete_folder hint", result.Error)
	}
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "old.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	args := marshalArgs(t, map[string]string{"from": "old.txt", "to": "sub/new.txt"})
	result, err := tool.Execute(context.Background(), "file_rename", args)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("rename result error: %s", result.Error)
	}

	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Error("source still exists after rename")
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("dest content = %q, want %q", data, "payload")
	}
}

func TestRenameDestinationExists(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644)

	args := marshalArgs(t, map[string]string{"from": "a.txt", "to": "b.txt"})
	result, err := tool.Execute(context.Background(), "file_rename", args)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !strings.Contains(result.Error, "already exists") {
		t.Errorf("result error = %q, want already exists", result.Error)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "b.txt"))
	if string(data) != "b" {
		t.Errorf("destination was clobbered: %q", data)
	}
}

func TestDeleteFolder(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	sub := filepath.Join(dir, "project")
	os.MkdirAll(filepath.Join(sub, "deep"), 0o755)
	os.WriteFile(filepath.Join(sub, "a.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(sub, "deep", "b.txt"), []byte("b"), 0o644)

	args := marshalArgs(t, map[string]string{"path": "project"})
	result, err := tool.Execute(context.Background(), "delete_folder", args)
	if err != nil {
		t.Fatalf("delete_folder: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("delete_folder result error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "2 files") {
		t.Errorf("result = %q, want file count", result.Content)
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Error("folder still exists after delete_folder")
	}
}

func TestDeleteFolderRejectsFile(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	os.WriteFile(filepath.Join(dir, "plain.txt"), []byte("x"), 0o644)

	args := marshalArgs(t, map[string]string{"path": "plain.txt"})
	result, err := tool.Execute(context.Background(), "delete_folder", args)
	if err != nil {
		t.Fatalf("delete_folder: %v", err)
	}
	if !strings.Contains(result.Error, "file_delete") {
		t.Errorf("result error = %q, want file_delete hint", result.Error)
	}
}

func TestResolvePathRejections(t *testing.T) {
	tool := New(t.TempDir())

	tests := []struct {
		name string
		path string
	}{
		{"absolute", "/etc/passwd"},
		{"traversal", "../outside.txt"},
		{"embedded traversal", "sub/../../outside.txt"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tool.resolvePath(tt.path); err == nil {
				t.Errorf("resolvePath(%q) succeeded, want error", tt.path)
			}
		})
	}
}

func TestExecuteRejectsBadPaths(t *testing.T) {
	tool := New(t.TempDir())

	args := marshalArgs(t, map[string]string{"path": "../escape.txt", "content": "x"})
	result, err := tool.Execute(context.Background(), "file_write", args)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(result.Error, "traversal") {
		t.Errorf("result error = %q, want traversal rejection", result.Error)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	tool := New(t.TempDir())

	result, err := tool.Execute(context.Background(), "file_zip", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result.Error, "unknown file tool") {
		t.Errorf("result error = %q, want unknown tool", result.Error)
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	tool := New(t.TempDir())

	result, err := tool.Execute(context.Background(), "file_read", json.RawMessage(`{"path":`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result.Error, "invalid args") {
		t.Errorf("result error = %q, want invalid args", result.Error)
	}
}

func TestDefinitions(t *testing.T) {
	tool := New(t.TempDir())
	defs := tool.Definitions()
	if len(defs) != 6 {
		t.Fatalf("got %d definitions, want 6", len(defs))
	}

	byName := make(map[string]bool)
	mutates := make(map[string]bool)
	confirms := make(map[string]bool)
	for _, d := range defs {
		byName[d.Name] = true
		mutates[d.Name] = d.MutatesFiles
		confirms[d.Name] = d.RequiresConfirmation
	}

	for _, name := range []string{"file_read", "file_write", "file_create", "file_delete", "file_rename", "delete_folder"} {
		if !byName[name] {
			t.Errorf("missing definition %s", name)
		}
	}
	if mutates["file_read"] {
		t.Error("file_read should not mutate files")
	}
	for _, name := range []string{"file_write", "file_create", "file_delete", "file_rename", "delete_folder"} {
		if !mutates[name] {
			t.Errorf("%s should mutate files", name)
		}
	}
	if !confirms["delete_folder"] {
		t.Error("delete_folder should require confirmation")
	}
	if confirms["file_delete"] {
		t.Error("file_delete should not require confirmation")
	}
}

func TestIntentPaths(t *testing.T) {
	dir := t.TempDir()
	tool := New(dir)

	t.Run("write", func(t *testing.T) {
		args := marshalArgs(t, map[string]string{"path": "out.txt", "content": "x"})
		paths := tool.IntentPaths("file_write", args)
		want := []string{filepath.Join(dir, "out.txt")}
		if len(paths) != 1 || paths[0] != want[0] {
			t.Errorf("paths = %v, want %v", paths, want)
		}
	})

	t.Run("rename", func(t *testing.T) {
		args := marshalArgs(t, map[string]string{"from": "a.txt", "to": "b.txt"})
		paths := tool.IntentPaths("file_rename", args)
		if len(paths) != 2 {
			t.Fatalf("got %d paths, want 2", len(paths))
		}
		if paths[0] != filepath.Join(dir, "a.txt") || paths[1] != filepath.Join(dir, "b.txt") {
			t.Errorf("paths = %v", paths)
		}
	})

	t.Run("read declares nothing", func(t *testing.T) {
		args := marshalArgs(t, map[string]string{"path": "a.txt"})
		if paths := tool.IntentPaths("file_read", args); paths != nil {
			t.Errorf("paths = %v, want nil", paths)
		}
	})

	t.Run("bad path declares nothing", func(t *testing.T) {
		args := marshalArgs(t, map[string]string{"path": "../escape.txt"})
		if paths := tool.IntentPaths("file_write", args); paths != nil {
			t.Errorf("paths = %v, want nil", paths)
		}
	})

	t.Run("delete_folder walks contents", func(t *testing.T) {
		sub := filepath.Join(dir, "tree")
		os.MkdirAll(filepath.Join(sub, "inner"), 0o755)
		os.WriteFile(filepath.Join(sub, "one.txt"), []byte("1"), 0o644)
		os.WriteFile(filepath.Join(sub, "inner", "two.txt"), []byte("2"), 0o644)

		args := marshalArgs(t, map[string]string{"path": "tree"})
		paths := tool.IntentPaths("delete_folder", args)
		sort.Strings(paths)

		want := []string{
			sub,
			filepath.Join(sub, "inner", "two.txt"),
			filepath.Join(sub, "one.txt"),
		}
		sort.Strings(want)
		if len(paths) != len(want) {
			t.Fatalf("got %d paths %v, want %d", len(paths), paths, len(want))
		}
		for i := range want {
			if paths[i] != want[i] {
				t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
			}
		}
	})
}
