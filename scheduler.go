package dazee

import (
	"context"
	"log/slog"
	"time"
)

// ChatSender is the slice of the chat service the scheduler drives. Each due
// task becomes one Send call on a fresh conversation.
type ChatSender interface {
	Send(ctx context.Context, req ChatRequest) (string, <-chan Event, error)
}

// ScheduleHook is called after each scheduled task's session ends, success or
// failure. Use it to route output without coupling Scheduler to a
// destination.
type ScheduleHook func(task ScheduledTask, sessionID string, err error)

// schedulerConfig holds options accumulated by SchedulerOption calls.
type schedulerConfig struct {
	interval time.Duration
	tzOffset int
	onRun    ScheduleHook
	logger   *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

// WithSchedulerInterval sets the polling interval. Default: 1 minute.
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.interval = d }
}

// WithSchedulerTZOffset sets the UTC offset in hours used when re-arming
// clock schedules. Default: 0 (UTC).
func WithSchedulerTZOffset(hours int) SchedulerOption {
	return func(c *schedulerConfig) { c.tzOffset = hours }
}

// WithScheduleHook sets a callback invoked after every fired task.
func WithScheduleHook(h ScheduleHook) SchedulerOption {
	return func(c *schedulerConfig) { c.onRun = h }
}

// WithSchedulerLogger sets the logger. Default: silent.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(c *schedulerConfig) { c.logger = l }
}

// Scheduler polls the store for due tasks and fires each one as a chat
// request. Tasks run sequentially; a long session delays later tasks rather
// than overlapping them.
type Scheduler struct {
	store    Store
	sender   ChatSender
	interval time.Duration
	tzOffset int
	onRun    ScheduleHook
	logger   *slog.Logger
}

// NewScheduler creates a scheduler over the given store and chat service.
func NewScheduler(store Store, sender ChatSender, opts ...SchedulerOption) *Scheduler {
	cfg := schedulerConfig{interval: time.Minute, logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		store:    store,
		sender:   sender,
		interval: cfg.interval,
		tzOffset: cfg.tzOffset,
		onRun:    cfg.onRun,
		logger:   cfg.logger,
	}
}

// Start runs the polling loop until ctx is cancelled. It always returns nil;
// the error return keeps it drop-in compatible with errgroup-style runners.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// tick fetches tasks whose NextRun has passed and fires them in order.
func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.store.DueScheduledTasks(ctx, time.Now().Unix())
	if err != nil {
		s.logger.Error("due task fetch failed", "error", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, task)
	}
}

// run fires one task. The task is re-armed (or disabled, for once schedules)
// before the session starts, so a slow session cannot make the next tick fire
// the same task again.
func (s *Scheduler) run(ctx context.Context, task ScheduledTask) {
	if scheduleIsOnce(task.Schedule) {
		task.Enabled = false
	} else if next, ok := ComputeNextRun(task.Schedule, time.Now().Unix(), s.tzOffset); ok {
		task.NextRun = next
	} else {
		// Unparseable after an edit. Disable instead of firing every tick.
		s.logger.Warn("disabling task with bad schedule", "task_id", task.ID, "schedule", task.Schedule)
		task.Enabled = false
	}
	if err := s.store.UpdateScheduledTask(ctx, task); err != nil {
		s.logger.Error("task re-arm failed", "task_id", task.ID, "error", err)
	}

	s.logger.Info("firing scheduled task", "task_id", task.ID, "user_id", task.UserID)
	sessionID, events, err := s.sender.Send(ctx, ChatRequest{
		UserID:  task.UserID,
		Message: task.Prompt,
	})
	if err != nil {
		s.logger.Error("scheduled send failed", "task_id", task.ID, "error", err)
		if s.onRun != nil {
			s.onRun(task, "", err)
		}
		return
	}
	for range events {
		// Drain until the session ends. Scheduled runs have no live viewer;
		// the transcript lands in the store like any other conversation.
	}
	s.logger.Info("scheduled task completed", "task_id", task.ID, "session_id", sessionID)
	if s.onRun != nil {
		s.onRun(task, sessionID, nil)
	}
}
