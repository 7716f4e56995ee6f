package dazee

import "context"

// Store abstracts conversation, message, event and scheduled-task
// persistence. store/sqlite and store/postgres implement it. The core writes
// messages as they complete and events through the broadcaster's sink;
// scheduled tasks belong to the scheduler.
type Store interface {
	// --- Conversations ---
	GetOrCreateConversation(ctx context.Context, id, userID, agentID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)

	// --- Messages ---
	SaveMessage(ctx context.Context, msg Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// --- Events (audit + replay) ---
	AppendEvent(ctx context.Context, ev Event) error
	GetEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error)

	// --- Scheduled tasks ---
	SaveScheduledTask(ctx context.Context, task ScheduledTask) error
	DueScheduledTasks(ctx context.Context, now int64) ([]ScheduledTask, error)
	ListScheduledTasks(ctx context.Context, userID string) ([]ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, task ScheduledTask) error
	DeleteScheduledTask(ctx context.Context, id string) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
