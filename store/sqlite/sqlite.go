// Package sqlite implements dazee.Store using pure-Go SQLite in WAL mode.
// Zero CGO required. One file holds conversations, messages, the event log,
// and scheduled tasks; message content and event data are stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	dazee "github.com/malue-ai/dazee-small-sub000"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements dazee.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ dazee.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init enables WAL mode and creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	// WAL keeps readers (event replay, session listing) from blocking the
	// single writer connection.
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `PRAGMA busy_timeout=5000`)

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT,
			usage TEXT,
			stop_reason TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_uuid TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			conversation_id TEXT,
			message_id TEXT,
			timestamp INTEGER NOT NULL,
			data TEXT,
			UNIQUE(session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule TEXT NOT NULL,
			next_run INTEGER NOT NULL,
			enabled INTEGER DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(enabled, next_run)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// GetOrCreateConversation returns the conversation with the given id,
// inserting a fresh row when none exists yet.
func (s *Store) GetOrCreateConversation(ctx context.Context, id, userID, agentID string) (dazee.Conversation, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get or create conversation", "id", id, "user_id", userID)

	var c dazee.Conversation
	var agent, title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.UserID, &agent, &title, &c.CreatedAt, &c.UpdatedAt)
	switch {
	case err == nil:
		if agent.Valid {
			c.AgentID = agent.String
		}
		if title.Valid {
			c.Title = title.String
		}
		s.logger.Debug("sqlite: conversation found", "id", id, "duration", time.Since(start))
		return c, nil
	case err != sql.ErrNoRows:
		s.logger.Error("sqlite: get conversation failed", "id", id, "error", err, "duration", time.Since(start))
		return dazee.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	now := time.Now().Unix()
	c = dazee.Conversation{ID: id, UserID: userID, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, agent_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, ?)`,
		c.ID, c.UserID, nullIfEmpty(c.AgentID), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create conversation failed", "id", id, "error", err, "duration", time.Since(start))
		return dazee.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Debug("sqlite: conversation created", "id", id, "duration", time.Since(start))
	return c, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]dazee.Conversation, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list conversations", "user_id", userID, "limit", limit)

	query := `SELECT id, user_id, agent_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = ?
		 ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list conversations failed", "user_id", userID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []dazee.Conversation
	for rows.Next() {
		var c dazee.Conversation
		var agent, title sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &agent, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if agent.Valid {
			c.AgentID = agent.String
		}
		if title.Valid {
			c.Title = title.String
		}
		convs = append(convs, c)
	}
	s.logger.Debug("sqlite: list conversations ok", "user_id", userID, "count", len(convs), "duration", time.Since(start))
	return convs, rows.Err()
}

// SaveMessage inserts or replaces a message and bumps the owning
// conversation's updated_at.
func (s *Store) SaveMessage(ctx context.Context, msg dazee.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: save message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role, "blocks", len(msg.Content))

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	var usageJSON *string
	if msg.Usage != nil {
		data, _ := json.Marshal(msg.Usage)
		v := string(data)
		usageJSON = &v
	}
	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, conversation_id, role, content, model, usage, stop_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), string(contentJSON),
		nullIfEmpty(msg.Model), usageJSON, nullIfEmpty(msg.StopReason), createdAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().Unix(), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: save message commit failed", "id", msg.ID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: save message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

// GetMessages returns the most recent messages for a conversation,
// ordered chronologically (oldest first).
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit int) ([]dazee.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "conversation_id", conversationID, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, model, usage, stop_reason, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "conversation_id", conversationID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []dazee.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: get messages ok", "conversation_id", conversationID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// AppendEvent stores one emitted event for replay and audit.
func (s *Store) AppendEvent(ctx context.Context, ev dazee.Event) error {
	start := time.Now()

	var data *string
	if len(ev.Data) > 0 {
		v := string(ev.Data)
		data = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (event_uuid, session_id, seq, type, conversation_id, message_id, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventUUID, ev.SessionID, ev.Seq, string(ev.Type),
		nullIfEmpty(ev.ConversationID), nullIfEmpty(ev.MessageID), ev.Timestamp, data,
	)
	if err != nil {
		s.logger.Error("sqlite: append event failed", "session_id", ev.SessionID, "seq", ev.Seq, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append event: %w", err)
	}
	s.logger.Debug("sqlite: append event ok", "session_id", ev.SessionID, "seq", ev.Seq, "type", ev.Type, "duration", time.Since(start))
	return nil
}

// GetEvents returns a session's events with seq > afterSeq, in seq order.
func (s *Store) GetEvents(ctx context.Context, sessionID string, afterSeq int64) ([]dazee.Event, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get events", "session_id", sessionID, "after_seq", afterSeq)

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_uuid, session_id, seq, type, conversation_id, message_id, timestamp, data
		 FROM events
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq`,
		sessionID, afterSeq,
	)
	if err != nil {
		s.logger.Error("sqlite: get events failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []dazee.Event
	for rows.Next() {
		var ev dazee.Event
		var typ string
		var conv, msg, data sql.NullString
		if err := rows.Scan(&ev.EventUUID, &ev.SessionID, &ev.Seq, &typ, &conv, &msg, &ev.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = dazee.EventType(typ)
		if conv.Valid {
			ev.ConversationID = conv.String
		}
		if msg.Valid {
			ev.MessageID = msg.String
		}
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}
		events = append(events, ev)
	}
	s.logger.Debug("sqlite: get events ok", "session_id", sessionID, "count", len(events), "duration", time.Since(start))
	return events, rows.Err()
}

// --- Scheduled tasks ---

func (s *Store) SaveScheduledTask(ctx context.Context, task dazee.ScheduledTask) error {
	start := time.Now()
	s.logger.Debug("sqlite: save scheduled task", "id", task.ID, "schedule", task.Schedule, "next_run", task.NextRun)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO scheduled_tasks (id, user_id, prompt, schedule, next_run, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.Prompt, task.Schedule, task.NextRun, boolToInt(task.Enabled), task.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: save scheduled task failed", "id", task.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save scheduled task: %w", err)
	}
	s.logger.Debug("sqlite: save scheduled task ok", "id", task.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) DueScheduledTasks(ctx context.Context, now int64) ([]dazee.ScheduledTask, error) {
	start := time.Now()
	s.logger.Debug("sqlite: due scheduled tasks", "now", now)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, prompt, schedule, next_run, enabled, created_at
		 FROM scheduled_tasks WHERE enabled = 1 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		s.logger.Error("sqlite: due scheduled tasks failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("due scheduled tasks: %w", err)
	}
	defer rows.Close()
	tasks, err := scanScheduledTasks(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: due scheduled tasks ok", "count", len(tasks), "duration", time.Since(start))
	return tasks, nil
}

func (s *Store) ListScheduledTasks(ctx context.Context, userID string) ([]dazee.ScheduledTask, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list scheduled tasks", "user_id", userID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, prompt, schedule, next_run, enabled, created_at
		 FROM scheduled_tasks WHERE user_id = ? ORDER BY next_run`, userID)
	if err != nil {
		s.logger.Error("sqlite: list scheduled tasks failed", "user_id", userID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	tasks, err := scanScheduledTasks(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: list scheduled tasks ok", "user_id", userID, "count", len(tasks), "duration", time.Since(start))
	return tasks, nil
}

func (s *Store) UpdateScheduledTask(ctx context.Context, task dazee.ScheduledTask) error {
	start := time.Now()
	s.logger.Debug("sqlite: update scheduled task", "id", task.ID, "next_run", task.NextRun, "enabled", task.Enabled)

	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET prompt=?, schedule=?, next_run=?, enabled=? WHERE id=?`,
		task.Prompt, task.Schedule, task.NextRun, boolToInt(task.Enabled), task.ID)
	if err != nil {
		s.logger.Error("sqlite: update scheduled task failed", "id", task.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update scheduled task: %w", err)
	}
	s.logger.Debug("sqlite: update scheduled task ok", "id", task.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete scheduled task", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id=?`, id)
	if err != nil {
		s.logger.Error("sqlite: delete scheduled task failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	s.logger.Debug("sqlite: delete scheduled task ok", "id", id, "duration", time.Since(start))
	return nil
}

// DB returns the underlying *sql.DB for sharing with sibling stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanMessage(rows *sql.Rows) (dazee.Message, error) {
	var m dazee.Message
	var role, content string
	var model, usage, stopReason sql.NullString
	if err := rows.Scan(&m.ID, &m.ConversationID, &role, &content, &model, &usage, &stopReason, &m.CreatedAt); err != nil {
		return dazee.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Role = dazee.Role(role)
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return dazee.Message{}, fmt.Errorf("unmarshal content: %w", err)
	}
	if model.Valid {
		m.Model = model.String
	}
	if usage.Valid {
		var u dazee.Usage
		if json.Unmarshal([]byte(usage.String), &u) == nil {
			m.Usage = &u
		}
	}
	if stopReason.Valid {
		m.StopReason = stopReason.String
	}
	return m, nil
}

func scanScheduledTasks(rows *sql.Rows) ([]dazee.ScheduledTask, error) {
	var tasks []dazee.ScheduledTask
	for rows.Next() {
		var t dazee.ScheduledTask
		var enabled int
		if err := rows.Scan(&t.ID, &t.UserID, &t.Prompt, &t.Schedule, &t.NextRun, &enabled, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		t.Enabled = enabled != 0
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
