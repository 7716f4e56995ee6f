// Package postgres implements dazee.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// Store implements dazee.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ dazee.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content JSONB NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			usage JSONB,
			stop_reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			event_uuid TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			timestamp BIGINT NOT NULL,
			data JSONB,
			UNIQUE(session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS events_session_idx ON events(session_id, seq)`,

		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule TEXT NOT NULL,
			next_run BIGINT NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS scheduled_tasks_due_idx ON scheduled_tasks(enabled, next_run)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Conversations ---

// GetOrCreateConversation returns the conversation with the given id,
// inserting a fresh row when none exists yet.
func (s *Store) GetOrCreateConversation(ctx context.Context, id, userID, agentID string) (dazee.Conversation, error) {
	now := dazee.NowUnix()
	var c dazee.Conversation
	// ON CONFLICT DO NOTHING + RETURNING misses the existing row, so upsert
	// with a no-op update to always get one back.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, user_id, agent_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, '', $4, $4)
		 ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		 RETURNING id, user_id, agent_id, title, created_at, updated_at`,
		id, userID, agentID, now,
	).Scan(&c.ID, &c.UserID, &c.AgentID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return dazee.Conversation{}, fmt.Errorf("postgres: get or create conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]dazee.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at
		 FROM conversations
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []dazee.Conversation
	for rows.Next() {
		var c dazee.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.AgentID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// --- Messages ---

// SaveMessage inserts or replaces a message and bumps the owning
// conversation's updated_at.
func (s *Store) SaveMessage(ctx context.Context, msg dazee.Message) error {
	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("postgres: marshal content: %w", err)
	}
	var usageJSON []byte
	if msg.Usage != nil {
		usageJSON, _ = json.Marshal(msg.Usage)
	}
	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = dazee.NowUnix()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, model, usage, stop_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   conversation_id = EXCLUDED.conversation_id,
		   role = EXCLUDED.role,
		   content = EXCLUDED.content,
		   model = EXCLUDED.model,
		   usage = EXCLUDED.usage,
		   stop_reason = EXCLUDED.stop_reason,
		   created_at = EXCLUDED.created_at`,
		msg.ID, msg.ConversationID, string(msg.Role), contentJSON, msg.Model, usageJSON, msg.StopReason, createdAt)
	if err != nil {
		return fmt.Errorf("postgres: save message: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, dazee.NowUnix(), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("postgres: touch conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// GetMessages returns the most recent messages for a conversation,
// ordered chronologically (oldest first).
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit int) ([]dazee.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, model, usage, stop_reason, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var messages []dazee.Message
	for rows.Next() {
		var m dazee.Message
		var role string
		var contentJSON, usageJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &contentJSON, &m.Model, &usageJSON, &m.StopReason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Role = dazee.Role(role)
		if err := json.Unmarshal(contentJSON, &m.Content); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal content: %w", err)
		}
		if len(usageJSON) > 0 {
			var u dazee.Usage
			if json.Unmarshal(usageJSON, &u) == nil {
				m.Usage = &u
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// --- Events ---

// AppendEvent stores one emitted event for replay and audit.
// Re-appending the same event_uuid is a no-op.
func (s *Store) AppendEvent(ctx context.Context, ev dazee.Event) error {
	var data []byte
	if len(ev.Data) > 0 {
		data = []byte(ev.Data)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (event_uuid, session_id, seq, type, conversation_id, message_id, timestamp, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_uuid) DO NOTHING`,
		ev.EventUUID, ev.SessionID, ev.Seq, string(ev.Type), ev.ConversationID, ev.MessageID, ev.Timestamp, data)
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

// GetEvents returns a session's events with seq > afterSeq, in seq order.
func (s *Store) GetEvents(ctx context.Context, sessionID string, afterSeq int64) ([]dazee.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_uuid, session_id, seq, type, conversation_id, message_id, timestamp, data
		 FROM events
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq`,
		sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("postgres: get events: %w", err)
	}
	defer rows.Close()

	var events []dazee.Event
	for rows.Next() {
		var ev dazee.Event
		var typ string
		var data []byte
		if err := rows.Scan(&ev.EventUUID, &ev.SessionID, &ev.Seq, &typ, &ev.ConversationID, &ev.MessageID, &ev.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = dazee.EventType(typ)
		if len(data) > 0 {
			ev.Data = json.RawMessage(data)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Scheduled tasks ---

func (s *Store) SaveScheduledTask(ctx context.Context, task dazee.ScheduledTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_tasks (id, user_id, prompt, schedule, next_run, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   prompt = EXCLUDED.prompt,
		   schedule = EXCLUDED.schedule,
		   next_run = EXCLUDED.next_run,
		   enabled = EXCLUDED.enabled`,
		task.ID, task.UserID, task.Prompt, task.Schedule, task.NextRun, task.Enabled, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save scheduled task: %w", err)
	}
	return nil
}

func (s *Store) DueScheduledTasks(ctx context.Context, now int64) ([]dazee.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, prompt, schedule, next_run, enabled, created_at
		 FROM scheduled_tasks WHERE enabled AND next_run <= $1 ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: due scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanScheduledTasks(rows)
}

func (s *Store) ListScheduledTasks(ctx context.Context, userID string) ([]dazee.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, prompt, schedule, next_run, enabled, created_at
		 FROM scheduled_tasks WHERE user_id = $1 ORDER BY next_run`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanScheduledTasks(rows)
}

func (s *Store) UpdateScheduledTask(ctx context.Context, task dazee.ScheduledTask) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks SET prompt=$1, schedule=$2, next_run=$3, enabled=$4 WHERE id=$5`,
		task.Prompt, task.Schedule, task.NextRun, task.Enabled, task.ID)
	if err != nil {
		return fmt.Errorf("postgres: update scheduled task: %w", err)
	}
	return nil
}

func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete scheduled task: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func scanScheduledTasks(rows pgx.Rows) ([]dazee.ScheduledTask, error) {
	var tasks []dazee.ScheduledTask
	for rows.Next() {
		var t dazee.ScheduledTask
		if err := rows.Scan(&t.ID, &t.UserID, &t.Prompt, &t.Schedule, &t.NextRun, &t.Enabled, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan scheduled task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
