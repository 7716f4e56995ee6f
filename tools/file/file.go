// Package file provides workspace-rooted file manipulation tools.
//
// All paths are relative to the workspace directory; absolute paths and
// traversal are rejected. Mutating handlers report the operations they
// perform so rollback can invert them, and IntentPaths declares targets
// ahead of execution so the session snapshot captures pre-images first.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// maxReadChars bounds file_read output fed back to the model.
const maxReadChars = 8000

// maxProbeFiles bounds how many files a delete_folder probe will declare.
const maxProbeFiles = 4096

// Tool provides file read/write/create/delete/rename within a workspace.
type Tool struct {
	workspacePath string
}

var (
	_ dazee.Tool       = (*Tool)(nil)
	_ dazee.PathProber = (*Tool)(nil)
)

// New creates a file tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:         "file_write",
			Description:  "Write content to a file in the workspace, overwriting if it exists. Creates parent directories if needed.",
			Parameters:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
			MutatesFiles: true,
		},
		{
			Name:         "file_create",
			Description:  "Create a new file in the workspace. Fails if the file already exists.",
			Parameters:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
			MutatesFiles: true,
		},
		{
			Name:         "file_delete",
			Description:  "Delete a single file from the workspace.",
			Parameters:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
			MutatesFiles: true,
		},
		{
			Name:         "file_rename",
			Description:  "Move or rename a file within the workspace. Fails if the destination already exists.",
			Parameters:   json.RawMessage(`{"type":"object","properties":{"from":{"type":"string","description":"Current path relative to workspace"},"to":{"type":"string","description":"New path relative to workspace"}},"required":["from","to"]}`),
			MutatesFiles: true,
		},
		{
			Name:                 "delete_folder",
			Description:          "Delete a folder and everything inside it. Asks the user for confirmation first.",
			Parameters:           json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Folder path relative to workspace"}},"required":["path"]}`),
			MutatesFiles:         true,
			RequiresConfirmation: true,
		},
	}
}

type fileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (dazee.ToolResult, error) {
	var params fileArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return dazee.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "file_read":
		resolved, err := t.resolvePath(params.Path)
		if err != nil {
			return dazee.ToolResult{Error: err.Error()}, nil
		}
		return t.read(resolved)
	case "file_write":
		resolved, err := t.resolvePath(params.Path)
		if err != nil {
			return dazee.ToolResult{Error: err.Error()}, nil
		}
		return t.write(ctx, resolved, params.Content)
	case "file_create":
		resolved, err := t.resolvePath(params.Path)
		if err != nil {
			return dazee.ToolResult{Error: err.Error()}, nil
		}
		return t.create(ctx, resolved, params.Content)
	case "file_delete":
		resolved, err := t.resolvePath(params.Path)
		if err != nil {
			return dazee.ToolResult{Error: err.Error()}, nil
		}
		return t.delete(ctx, resolved)
	case "file_rename":
		from, err := t.resolvePath(params.From)
		if err != nil {
			return dazee.ToolResult{Error: err.Error()}, nil
		}
		to, err := t.resolvePath(params.To)
		if err != nil {
			return dazee.ToolResult{Error: err.Error()}, nil
		}
		return t.rename(ctx, from, to)
	case "delete_folder":
		resolved, err := t.resolvePath(params.Path)
		if err != nil {
			return dazee.ToolResult{Error: err.Error()}, nil
		}
		return t.deleteFolder(ctx, resolved)
	default:
		return dazee.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

// IntentPaths reports the absolute paths a call would touch. For
// delete_folder that includes every file currently inside the folder, so
// the snapshot holds a pre-image of each.
func (t *Tool) IntentPaths(name string, args json.RawMessage) []string {
	var params fileArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil
	}

	switch name {
	case "file_write", "file_create", "file_delete":
		resolved, err := t.resolvePath(params.Path)
		if err != nil {
			return nil
		}
		return []string{resolved}
	case "file_rename":
		from, err := t.resolvePath(params.From)
		if err != nil {
			return nil
		}
		to, err := t.resolvePath(params.To)
		if err != nil {
			return nil
		}
		return []string{from, to}
	case "delete_folder":
		resolved, err := t.resolvePath(params.Path)
		if err != nil {
			return nil
		}
		paths := []string{resolved}
		_ = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if len(paths) >= maxProbeFiles {
				return fs.SkipAll
			}
			if !d.IsDir() {
				paths = append(paths, p)
			}
			return nil
		})
		return paths
	default:
		return nil
	}
}

func (t *Tool) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	// Double-check it's still within workspace
	if !strings.HasPrefix(resolved, t.workspacePath) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (dazee.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return dazee.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return dazee.ToolResult{Content: content}, nil
}

func (t *Tool) write(ctx context.Context, path, content string) (dazee.ToolResult, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dazee.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	_, statErr := os.Stat(path)
	existed := statErr == nil
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return dazee.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	if existed {
		dazee.RecordFileWrite(ctx, path)
	} else {
		dazee.RecordFileCreate(ctx, path)
	}
	return dazee.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func (t *Tool) create(ctx context.Context, path, content string) (dazee.ToolResult, error) {
	if _, err := os.Stat(path); err == nil {
		return dazee.ToolResult{Error: "file already exists: " + filepath.Base(path)}, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dazee.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return dazee.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	dazee.RecordFileCreate(ctx, path)
	return dazee.ToolResult{Content: fmt.Sprintf("Created %s (%d bytes)", filepath.Base(path), len(content))}, nil
}

func (t *Tool) delete(ctx context.Context, path string) (dazee.ToolResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return dazee.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	if info.IsDir() {
		return dazee.ToolResult{Error: "path is a folder, use delete_folder: " + filepath.Base(path)}, nil
	}
	if err := os.Remove(path); err != nil {
		return dazee.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	dazee.RecordFileDelete(ctx, path)
	return dazee.ToolResult{Content: "Deleted " + filepath.Base(path)}, nil
}

func (t *Tool) rename(ctx context.Context, from, to string) (dazee.ToolResult, error) {
	if _, err := os.Stat(from); err != nil {
		return dazee.ToolResult{Error: "rename error: " + err.Error()}, nil
	}
	if _, err := os.Stat(to); err == nil {
		return dazee.ToolResult{Error: "destination already exists: " + filepath.Base(to)}, nil
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return dazee.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.Rename(from, to); err != nil {
		return dazee.ToolResult{Error: "rename error: " + err.Error()}, nil
	}
	dazee.RecordFileRename(ctx, from, to)
	return dazee.ToolResult{Content: fmt.Sprintf("Renamed %s to %s", filepath.Base(from), filepath.Base(to))}, nil
}

func (t *Tool) deleteFolder(ctx context.Context, path string) (dazee.ToolResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return dazee.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	if !info.IsDir() {
		return dazee.ToolResult{Error: "path is a file, use file_delete: " + filepath.Base(path)}, nil
	}

	// Report each file removal so rollback can restore them individually.
	var files []string
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if walkErr != nil {
		return dazee.ToolResult{Error: "walk error: " + walkErr.Error()}, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return dazee.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	for _, f := range files {
		dazee.RecordFileDelete(ctx, f)
	}
	return dazee.ToolResult{Content: fmt.Sprintf("Deleted folder %s (%d files)", filepath.Base(path), len(files))}, nil
}
