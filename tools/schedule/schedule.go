// Package schedule manages scheduled prompts: recurring or one-shot
// instructions the scheduler fires through the chat façade.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// Tool creates, lists, and cancels scheduled prompts for one user.
type Tool struct {
	store    dazee.Store
	userID   string
	tzOffset int // hours from UTC
}

var _ dazee.Tool = (*Tool)(nil)

// New creates a schedule tool for the given user.
func New(store dazee.Store, userID string, tzOffset int) *Tool {
	return &Tool{store: store, userID: userID, tzOffset: tzOffset}
}

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{
		{
			Name:        "schedule_create",
			Description: "Schedule a prompt to run automatically, once or on a recurring schedule. Use when the user wants something done later or periodically (daily briefings, weekly summaries, reminders).",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"prompt":{"type":"string","description":"The instruction to run when the schedule fires"},
				"interval":{"type":"string","description":"Run this long from now and repeat, as a duration like 30m or 24h. Mutually exclusive with time."},
				"time":{"type":"string","description":"Time in HH:MM format (24-hour, user's local timezone)"},
				"recurrence":{"type":"string","enum":["once","daily","custom","weekly","monthly"],"description":"How often to run (with time)"},
				"day":{"type":"string","description":"For weekly: day name. For custom: comma-separated day names. For monthly: day number (1-31)."}
			},"required":["prompt"]}`),
		},
		{
			Name:        "schedule_list",
			Description: "List the scheduled prompts with their schedules and next run times.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "schedule_cancel",
			Description: "Cancel scheduled prompts. Matches by prompt substring, or '*' to cancel all.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"query":{"type":"string","description":"Substring to match the prompt, or '*' for all"}
			},"required":["query"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (dazee.ToolResult, error) {
	var result string
	var err error

	switch name {
	case "schedule_create":
		result, err = t.handleCreate(ctx, args)
	case "schedule_list":
		result, err = t.handleList(ctx)
	case "schedule_cancel":
		result, err = t.handleCancel(ctx, args)
	default:
		return dazee.ToolResult{Error: "unknown schedule tool: " + name}, nil
	}

	if err != nil {
		return dazee.ToolResult{Error: err.Error()}, nil
	}
	return dazee.ToolResult{Content: result}, nil
}

func (t *Tool) handleCreate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Prompt     string `json:"prompt"`
		Interval   string `json:"interval"`
		Time       string `json:"time"`
		Recurrence string `json:"recurrence"`
		Day        string `json:"day"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	var schedule string
	switch {
	case p.Interval != "":
		schedule = strings.TrimSpace(p.Interval)
	case p.Time != "":
		schedule = buildScheduleString(p.Time, p.Recurrence, p.Day)
	default:
		schedule = "once"
	}

	now := dazee.NowUnix()
	nextRun, ok := dazee.ComputeNextRun(schedule, now, t.tzOffset)
	if !ok {
		return "", fmt.Errorf("invalid schedule format: %s", schedule)
	}

	task := dazee.ScheduledTask{
		ID:        dazee.NewID(),
		UserID:    t.userID,
		Prompt:    p.Prompt,
		Schedule:  schedule,
		NextRun:   nextRun,
		Enabled:   true,
		CreatedAt: now,
	}
	if err := t.store.SaveScheduledTask(ctx, task); err != nil {
		return "", err
	}

	return fmt.Sprintf("Scheduled: %s\nSchedule: %s\nNext run: %s",
		p.Prompt, schedule, dazee.FormatLocalTime(nextRun, t.tzOffset)), nil
}

func (t *Tool) handleList(ctx context.Context) (string, error) {
	tasks, err := t.store.ListScheduledTasks(ctx, t.userID)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "No scheduled prompts.", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%d scheduled prompt(s):\n\n", len(tasks))
	for i, task := range tasks {
		status := "active"
		if !task.Enabled {
			status = "paused"
		}
		fmt.Fprintf(&out, "%d. %s [%s]\n   Schedule: %s | Next: %s\n",
			i+1, task.Prompt, status, task.Schedule,
			dazee.FormatLocalTime(task.NextRun, t.tzOffset))
	}
	return out.String(), nil
}

func (t *Tool) handleCancel(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	tasks, err := t.store.ListScheduledTasks(ctx, t.userID)
	if err != nil {
		return "", err
	}

	var matches []dazee.ScheduledTask
	if p.Query == "*" {
		matches = tasks
	} else {
		needle := strings.ToLower(p.Query)
		for _, task := range tasks {
			if strings.Contains(strings.ToLower(task.Prompt), needle) {
				matches = append(matches, task)
			}
		}
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No scheduled prompt matching %q.", p.Query), nil
	}

	for _, task := range matches {
		if err := t.store.DeleteScheduledTask(ctx, task.ID); err != nil {
			return "", err
		}
	}

	if len(matches) == 1 {
		return fmt.Sprintf("Cancelled: %s", matches[0].Prompt), nil
	}
	return fmt.Sprintf("Cancelled %d scheduled prompt(s).", len(matches)), nil
}

// --- Schedule string builders (tool-specific) ---

func buildScheduleString(timeStr, recurrence, day string) string {
	if timeStr == "" {
		timeStr = "08:00"
	}
	return timeStr + " " + buildRecurrencePart(recurrence, day)
}

func buildRecurrencePart(recurrence, day string) string {
	switch recurrence {
	case "once":
		return "once"
	case "custom":
		if day == "" {
			day = "monday,wednesday,friday"
		}
		return fmt.Sprintf("custom(%s)", normalizeDayList(day))
	case "weekly":
		if day == "" {
			day = "monday"
		}
		return fmt.Sprintf("weekly(%s)", strings.ToLower(strings.TrimSpace(day)))
	case "monthly":
		if day == "" {
			day = "1"
		}
		return fmt.Sprintf("monthly(%s)", day)
	default:
		return "daily"
	}
}

func normalizeDayList(input string) string {
	parts := strings.Split(input, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}
