// Package shell executes commands in the workspace directory.
//
// Commands run directly on the host, so every call is gated on user
// confirmation before it executes. A small blocklist catches the most
// destructive patterns before they even reach the confirmation prompt.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// maxOutputChars bounds command output fed back to the model.
const maxOutputChars = 4000

// maxTimeoutSeconds caps per-call timeouts requested by the model.
const maxTimeoutSeconds = 300

// Tool executes shell commands in the workspace directory.
type Tool struct {
	workspacePath  string
	defaultTimeout int // seconds
}

var _ dazee.Tool = (*Tool)(nil)

// New creates a shell tool. Commands run in workspacePath with the given
// default timeout in seconds.
func New(workspacePath string, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Tool{workspacePath: workspacePath, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{{
		Name:                 "shell_exec",
		Description:          "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks. The user is asked to approve each command.",
		Parameters:           json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
		RequiresConfirmation: true,
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (dazee.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return dazee.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	if params.Command == "" {
		return dazee.ToolResult{Error: "command is required"}, nil
	}

	// Basic blocklist
	lower := strings.ToLower(params.Command)
	blocked := []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return dazee.ToolResult{Error: "command blocked for safety: " + b}, nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > maxTimeoutSeconds {
		timeout = maxTimeoutSeconds
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}

	if len(output) > maxOutputChars {
		output = output[:maxOutputChars] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return dazee.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %ds", timeout)}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return dazee.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}

	if output == "" {
		output = "(no output)"
	}

	return dazee.ToolResult{Content: output}, nil
}
