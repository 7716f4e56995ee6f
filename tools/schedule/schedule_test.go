package schedule

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

type fakeStore struct {
	tasks []dazee.ScheduledTask
}

func (f *fakeStore) GetOrCreateConversation(_ context.Context, id, userID, agentID string) (dazee.Conversation, error) {
	return dazee.Conversation{}, nil
}

func (f *fakeStore) ListConversations(context.Context, string, int) ([]dazee.Conversation, error) {
	return nil, nil
}

func (f *fakeStore) SaveMessage(context.Context, dazee.Message) error { return nil }

func (f *fakeStore) GetMessages(context.Context, string, int) ([]dazee.Message, error) {
	return nil, nil
}

func (f *fakeStore) AppendEvent(context.Context, dazee.Event) error { return nil }

func (f *fakeStore) GetEvents(context.Context, string, int64) ([]dazee.Event, error) {
	return nil, nil
}

func (f *fakeStore) SaveScheduledTask(_ context.Context, task dazee.ScheduledTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeStore) DueScheduledTasks(context.Context, int64) ([]dazee.ScheduledTask, error) {
	return nil, nil
}

func (f *fakeStore) ListScheduledTasks(_ context.Context, userID string) ([]dazee.ScheduledTask, error) {
	var out []dazee.ScheduledTask
	for _, t := range f.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateScheduledTask(_ context.Context, task dazee.ScheduledTask) error {
	for i := range f.tasks {
		if f.tasks[i].ID == task.ID {
			f.tasks[i] = task
		}
	}
	return nil
}

func (f *fakeStore) DeleteScheduledTask(_ context.Context, id string) error {
	kept := f.tasks[:0]
	for _, t := range f.tasks {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	f.tasks = kept
	return nil
}

func (f *fakeStore) Init(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func TestScheduleCreateInterval(t *testing.T) {
	store := &fakeStore{}
	tool := New(store, "u1", 0)

	before := time.Now().Unix()
	args, _ := json.Marshal(map[string]string{"prompt": "check the feeds", "interval": "30m"})
	result, err := tool.Execute(context.Background(), "schedule_create", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "Scheduled: check the feeds") {
		t.Errorf("content = %q", result.Content)
	}

	if len(store.tasks) != 1 {
		t.Fatalf("stored %d tasks, want 1", len(store.tasks))
	}
	task := store.tasks[0]
	if task.Schedule != "30m" || task.UserID != "u1" || !task.Enabled {
		t.Errorf("task = %+v", task)
	}
	if task.NextRun < before+1790 || task.NextRun > before+1815 {
		t.Errorf("next run = %d, want ~%d", task.NextRun, before+1800)
	}
}

func TestScheduleCreateClockSchedule(t *testing.T) {
	store := &fakeStore{}
	tool := New(store, "u1", 7)

	args, _ := json.Marshal(map[string]string{"prompt": "morning briefing", "time": "08:00", "recurrence": "daily"})
	result, _ := tool.Execute(context.Background(), "schedule_create", args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if store.tasks[0].Schedule != "08:00 daily" {
		t.Errorf("schedule = %q", store.tasks[0].Schedule)
	}
	if store.tasks[0].NextRun <= time.Now().Unix()-60 {
		t.Errorf("next run = %d, want in the future", store.tasks[0].NextRun)
	}
}

func TestScheduleCreateWeeklyDefaultsTime(t *testing.T) {
	store := &fakeStore{}
	tool := New(store, "u1", 0)

	args, _ := json.Marshal(map[string]string{"prompt": "weekly report", "time": "09:30", "recurrence": "weekly", "day": "Friday"})
	result, _ := tool.Execute(context.Background(), "schedule_create", args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if store.tasks[0].Schedule != "09:30 weekly(friday)" {
		t.Errorf("schedule = %q", store.tasks[0].Schedule)
	}
}

func TestScheduleCreateDefaultsToOnce(t *testing.T) {
	store := &fakeStore{}
	tool := New(store, "u1", 0)

	args, _ := json.Marshal(map[string]string{"prompt": "fire now"})
	result, _ := tool.Execute(context.Background(), "schedule_create", args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if store.tasks[0].Schedule != "once" {
		t.Errorf("schedule = %q, want once", store.tasks[0].Schedule)
	}
}

func TestScheduleCreateInvalidSchedule(t *testing.T) {
	tool := New(&fakeStore{}, "u1", 0)

	args, _ := json.Marshal(map[string]string{"prompt": "x", "time": "25:99", "recurrence": "daily"})
	result, _ := tool.Execute(context.Background(), "schedule_create", args)
	if !strings.Contains(result.Error, "invalid schedule") {
		t.Errorf("result error = %q", result.Error)
	}
}

func TestScheduleCreateMissingPrompt(t *testing.T) {
	tool := New(&fakeStore{}, "u1", 0)

	args, _ := json.Marshal(map[string]string{"interval": "30m"})
	result, _ := tool.Execute(context.Background(), "schedule_create", args)
	if !strings.Contains(result.Error, "prompt is required") {
		t.Errorf("result error = %q", result.Error)
	}
}

func TestScheduleListEmpty(t *testing.T) {
	tool := New(&fakeStore{}, "u1", 0)

	result, _ := tool.Execute(context.Background(), "schedule_list", json.RawMessage(`{}`))
	if result.Content != "No scheduled prompts." {
		t.Errorf("content = %q", result.Content)
	}
}

func TestScheduleListShowsStatus(t *testing.T) {
	store := &fakeStore{tasks: []dazee.ScheduledTask{
		{ID: "t1", UserID: "u1", Prompt: "briefing", Schedule: "08:00 daily", NextRun: 1700000000, Enabled: true},
		{ID: "t2", UserID: "u1", Prompt: "cleanup", Schedule: "24h", NextRun: 1700000000, Enabled: false},
		{ID: "t3", UserID: "other", Prompt: "not mine", Schedule: "once", NextRun: 1700000000, Enabled: true},
	}}
	tool := New(store, "u1", 0)

	result, _ := tool.Execute(context.Background(), "schedule_list", json.RawMessage(`{}`))
	if !strings.Contains(result.Content, "2 scheduled prompt(s)") {
		t.Errorf("content = %q", result.Content)
	}
	if !strings.Contains(result.Content, "briefing [active]") {
		t.Errorf("content = %q, want active marker", result.Content)
	}
	if !strings.Contains(result.Content, "cleanup [paused]") {
		t.Errorf("content = %q, want paused marker", result.Content)
	}
	if strings.Contains(result.Content, "not mine") {
		t.Error("listed another user's task")
	}
}

func TestScheduleCancelBySubstring(t *testing.T) {
	store := &fakeStore{tasks: []dazee.ScheduledTask{
		{ID: "t1", UserID: "u1", Prompt: "morning briefing", Enabled: true},
		{ID: "t2", UserID: "u1", Prompt: "evening summary", Enabled: true},
	}}
	tool := New(store, "u1", 0)

	args, _ := json.Marshal(map[string]string{"query": "Briefing"})
	result, _ := tool.Execute(context.Background(), "schedule_cancel", args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "Cancelled: morning briefing") {
		t.Errorf("content = %q", result.Content)
	}
	if len(store.tasks) != 1 || store.tasks[0].ID != "t2" {
		t.Errorf("remaining tasks = %+v", store.tasks)
	}
}

func TestScheduleCancelAll(t *testing.T) {
	store := &fakeStore{tasks: []dazee.ScheduledTask{
		{ID: "t1", UserID: "u1", Prompt: "a", Enabled: true},
		{ID: "t2", UserID: "u1", Prompt: "b", Enabled: true},
	}}
	tool := New(store, "u1", 0)

	args, _ := json.Marshal(map[string]string{"query": "*"})
	result, _ := tool.Execute(context.Background(), "schedule_cancel", args)
	if !strings.Contains(result.Content, "Cancelled 2 scheduled prompt(s)") {
		t.Errorf("content = %q", result.Content)
	}
	if len(store.tasks) != 0 {
		t.Errorf("remaining tasks = %+v", store.tasks)
	}
}

func TestScheduleCancelNoMatch(t *testing.T) {
	tool := New(&fakeStore{}, "u1", 0)

	args, _ := json.Marshal(map[string]string{"query": "ghost"})
	result, _ := tool.Execute(context.Background(), "schedule_cancel", args)
	if !strings.Contains(result.Content, `No scheduled prompt matching "ghost"`) {
		t.Errorf("content = %q", result.Content)
	}
}

func TestBuildRecurrencePart(t *testing.T) {
	tests := []struct {
		recurrence, day, want string
	}{
		{"once", "", "once"},
		{"daily", "", "daily"},
		{"", "", "daily"},
		{"weekly", "Tuesday", "weekly(tuesday)"},
		{"weekly", "", "weekly(monday)"},
		{"custom", "Mon, Wed", "custom(mon,wed)"},
		{"custom", "", "custom(monday,wednesday,friday)"},
		{"monthly", "15", "monthly(15)"},
		{"monthly", "", "monthly(1)"},
	}
	for _, tt := range tests {
		if got := buildRecurrencePart(tt.recurrence, tt.day); got != tt.want {
			t.Errorf("buildRecurrencePart(%q, %q) = %q, want %q", tt.recurrence, tt.day, got, tt.want)
		}
	}
}
