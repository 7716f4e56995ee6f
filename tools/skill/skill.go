package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// Tool exposes the skill library to the model: list what is installed,
// save new skills learned from experience.
type Tool struct {
	lib *Library
}

var _ dazee.Tool = (*Tool)(nil)

// NewTool creates a skill tool over the given library.
func NewTool(lib *Library) *Tool {
	return &Tool{lib: lib}
}

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{
		{
			Name:        "skill_list",
			Description: "List the installed skills with their descriptions.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "skill_save",
			Description: "Save a new skill from experience, or update an existing one. A skill is a stored instruction package applied when future requests match it.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Short identifier for the skill (e.g. weekly-report)"},"description":{"type":"string","description":"One line describing when this skill applies"},"instructions":{"type":"string","description":"Detailed instructions injected into the system prompt when this skill is in focus"}},"required":["name","instructions"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (dazee.ToolResult, error) {
	switch name {
	case "skill_list":
		return t.list(ctx)
	case "skill_save":
		return t.save(ctx, args)
	default:
		return dazee.ToolResult{Error: "unknown skill tool: " + name}, nil
	}
}

func (t *Tool) list(ctx context.Context) (dazee.ToolResult, error) {
	groups, err := t.lib.Groups(ctx)
	if err != nil {
		return dazee.ToolResult{Error: err.Error()}, nil
	}
	if len(groups) == 0 {
		return dazee.ToolResult{Content: "No skills installed."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d skill(s) installed:\n", len(groups))
	for _, g := range groups {
		fmt.Fprintf(&b, "- %s", g.Name)
		if g.Description != "" {
			fmt.Fprintf(&b, ": %s", g.Description)
		}
		b.WriteString("\n")
	}
	return dazee.ToolResult{Content: b.String()}, nil
}

func (t *Tool) save(ctx context.Context, args json.RawMessage) (dazee.ToolResult, error) {
	var p struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return dazee.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Instructions) == "" {
		return dazee.ToolResult{Error: "name and instructions are required"}, nil
	}

	if err := t.lib.Save(ctx, p.Name, strings.TrimSpace(p.Description), p.Instructions); err != nil {
		return dazee.ToolResult{Error: err.Error()}, nil
	}
	return dazee.ToolResult{Content: fmt.Sprintf("Saved skill %q.", slugify(p.Name))}, nil
}
