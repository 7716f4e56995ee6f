// Command dazee runs the assistant daemon: the execution core behind a local
// WebSocket/SSE/HTTP gateway, plus the scheduler for stored prompts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	dazee "github.com/malue-ai/dazee-small-sub000"
	"github.com/malue-ai/dazee-small-sub000/ingest"
	"github.com/malue-ai/dazee-small-sub000/internal/config"
	"github.com/malue-ai/dazee-small-sub000/internal/gateway"
	"github.com/malue-ai/dazee-small-sub000/memory"
	"github.com/malue-ai/dazee-small-sub000/observer"
	"github.com/malue-ai/dazee-small-sub000/playbook"
	"github.com/malue-ai/dazee-small-sub000/provider/script"
	"github.com/malue-ai/dazee-small-sub000/store/postgres"
	"github.com/malue-ai/dazee-small-sub000/store/sqlite"
	"github.com/malue-ai/dazee-small-sub000/tools/data"
	"github.com/malue-ai/dazee-small-sub000/tools/file"
	"github.com/malue-ai/dazee-small-sub000/tools/knowledge"
	"github.com/malue-ai/dazee-small-sub000/tools/remember"
	"github.com/malue-ai/dazee-small-sub000/tools/schedule"
	"github.com/malue-ai/dazee-small-sub000/tools/search"
	"github.com/malue-ai/dazee-small-sub000/tools/shell"
	"github.com/malue-ai/dazee-small-sub000/tools/skill"
	"github.com/malue-ai/dazee-small-sub000/tools/web"
)

// defaultUserID identifies the machine's single user for scheduled prompts
// created through the schedule tool.
const defaultUserID = "local"

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("dazee exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config and logging
	cfg := config.Load(os.Getenv("DAZEE_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability (optional)
	var inst *observer.Instruments
	pricing := buildPricing(cfg)
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, observer.Config{
			Endpoint:    cfg.Observer.Endpoint,
			ServiceName: cfg.Observer.ServiceName,
			Pricing:     pricing,
		})
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
	}

	// 3. Conversation store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// 4. Snapshot store, recovering uncommitted entries from a crash
	snapshots, err := dazee.NewSnapshotStore(cfg.Snapshot.Dir,
		dazee.WithSnapshotTTL(cfg.Snapshot.TTL.Duration),
		dazee.WithMinFreeBytes(uint64(cfg.Snapshot.MinFreeBytes)),
		dazee.WithSnapshotLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	if err := snapshots.Recover(); err != nil {
		logger.Warn("snapshot recovery incomplete", "error", err)
	}

	// 5. Model provider: scripted in dev, wrapped with rate limiting,
	// retries, and instrumentation
	provider, err := buildProvider(cfg, logger, inst)
	if err != nil {
		return err
	}
	var embedder dazee.EmbeddingProvider = script.NewEmbedder(0)
	if inst != nil {
		embedder = observer.WrapEmbedding(embedder, embedder.Name(), inst)
	}

	// 6. Context sources: memory, skills, playbooks, knowledge
	memStore := memory.New(cfg.Memory.Path, memory.WithLogger(logger))
	if err := memStore.Init(ctx); err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}

	skills := skill.NewLibrary(filepath.Join(config.InstanceDir(), "skills"), skill.WithLogger(logger))
	if err := skills.Load(ctx); err != nil {
		logger.Warn("skill library load", "error", err)
	}

	playbooks := playbook.New(cfg.Playbooks.Dir, playbook.WithLogger(logger))
	if err := playbooks.Load(ctx); err != nil {
		logger.Warn("playbook library load", "error", err)
	}

	knowledgeIx := search.NewIndex()
	knowledgeDir := filepath.Join(config.InstanceDir(), "knowledge")
	if err := knowledgeIx.LoadDir(knowledgeDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("knowledge index load", "dir", knowledgeDir, "error", err)
	}
	logger.Info("knowledge index ready", "documents", knowledgeIx.Len())
	knowledgeSrc := search.NewKnowledge(knowledgeIx)

	// 7. Tools
	registry := dazee.NewToolRegistry(dazee.WithRegistryLogger(logger))
	addTool := func(t dazee.Tool) {
		if inst != nil {
			t = observer.WrapTool(t, inst)
		}
		registry.Add(t)
	}

	if err := os.MkdirAll(cfg.Workspace.Dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", cfg.Workspace.Dir, err)
	}
	addTool(file.New(cfg.Workspace.Dir))
	addTool(web.New())
	addTool(shell.New(cfg.Workspace.Dir, 30))
	addTool(remember.New(memStore, embedder, remember.WithLogger(logger)))
	addTool(skill.NewTool(skills))
	addTool(schedule.New(store, defaultUserID, tzOffsetHours()))
	addTool(data.New())
	addTool(knowledge.New(knowledgeSrc))

	var backend search.Backend = knowledgeIx
	if key := os.Getenv("DAZEE_BRAVE_API_KEY"); key != "" {
		backend = search.NewBrave(key)
	}
	addTool(search.New(backend, search.WithLogger(logger)))

	// 8. Chat façade over the execution core
	var tracer dazee.Tracer
	var sink dazee.EventSink = store
	if inst != nil {
		tracer = observer.NewTracer()
		sink = observer.WrapEvents(store, inst)
	}
	broadcaster := dazee.NewBroadcaster(
		dazee.WithBroadcastLogger(logger),
		dazee.WithEventSink(sink),
	)
	chat := dazee.NewChatService(dazee.ChatConfig{
		Provider:       provider,
		Model:          cfg.Model.Chat,
		IntentModel:    cfg.Model.Intent,
		BacktrackModel: cfg.Model.Backtrack,
		MaxTokens:      cfg.Model.MaxTokens,
		MaxBacktracks:  cfg.Executor.MaxBacktracks,

		Tools:       registry,
		ToolTimeout: cfg.Executor.ToolTimeout.Duration,
		Snapshots:   snapshots,
		Store:       store,
		Broadcaster: broadcaster,
		Pricing:     pricing,
		Terminator: dazee.TerminatorConfig{
			MaxTurns:            cfg.Executor.MaxTurns,
			MaxDuration:         cfg.Executor.MaxDuration.Duration,
			IdleTimeout:         cfg.Executor.IdleTimeout.Duration,
			ConsecutiveFailures: cfg.Executor.ConsecutiveFailures,
			LongRunThreshold:    cfg.Executor.LongRunThreshold,
			CostWarnUSD:         cfg.Cost.WarnUSD,
			CostConfirmUSD:      cfg.Cost.ConfirmUSD,
			CostUrgentUSD:       cfg.Cost.UrgentUSD,
		},

		Embedder:  embedder,
		Skills:    skills,
		Memory:    memStore,
		Knowledge: knowledgeSrc,
		Playbooks: playbooks,
		Ingester:  ingest.New(ingest.WithLogger(logger)),

		Tracer:    tracer,
		Logger:    logger,
		ResumeTTL: cfg.Executor.ResumeTTL.Duration,
	})

	// 9. Scheduler for stored prompts
	sched := dazee.NewScheduler(store, chat,
		dazee.WithSchedulerTZOffset(tzOffsetHours()),
		dazee.WithSchedulerLogger(logger),
	)
	go func() {
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	// 10. Periodic eviction of finished sessions and expired snapshots
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				chat.Evict()
			}
		}
	}()

	// 11. Gateway; block until a signal, then drain
	srv := gateway.NewServer(chat,
		gateway.WithLogger(logger),
		gateway.WithHeartbeat(cfg.Server.Heartbeat.Duration),
	)
	if err := srv.Start(cfg.Server.Addr); err != nil {
		return err
	}
	logger.Info("dazee ready", "addr", cfg.Server.Addr, "workspace", cfg.Workspace.Dir, "db", cfg.Database.Driver)

	<-ctx.Done()
	logger.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(drainCtx)
}

// openStore opens the configured conversation store and runs its migrations.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (dazee.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		s := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildProvider assembles the model provider chain. The rate limiter sits
// innermost so every retry attempt re-acquires budget; instrumentation wraps
// the whole chain.
func buildProvider(cfg config.Config, logger *slog.Logger, inst *observer.Instruments) (dazee.Provider, error) {
	if cfg.Model.Provider != "script" {
		return nil, fmt.Errorf("unknown model provider %q (the daemon ships with \"script\"; real providers are injected by the embedding app)", cfg.Model.Provider)
	}

	var p dazee.Provider = script.New(devRules(),
		script.WithModel(cfg.Model.Chat),
		script.WithChunkDelay(40*time.Millisecond),
	)
	if cfg.RateLimit.RPM > 0 || cfg.RateLimit.TPM > 0 {
		p = dazee.WithRateLimit(p, dazee.RPM(cfg.RateLimit.RPM), dazee.TPM(cfg.RateLimit.TPM))
	}
	p = dazee.WithRetry(p, dazee.RetryLogger(logger))
	if inst != nil {
		p = observer.WrapProvider(p, cfg.Model.Chat, inst)
	}
	return p, nil
}

// devRules is the built-in script: enough coverage to demo each tool family
// from a fresh install.
func devRules() []script.Rule {
	return []script.Rule{
		{
			Match:   "write a note",
			Tool:    "file_write",
			Input:   json.RawMessage(`{"path":"notes/hello.md","content":"# Hello\n\nWritten by the scripted provider.\n"}`),
			Respond: "I wrote notes/hello.md in your workspace.",
		},
		{
			Match:   "search",
			Tool:    "search",
			Input:   json.RawMessage(`{"query":"getting started"}`),
			Respond: "Those are the closest documents I have indexed.",
		},
		{
			Match:   "remember",
			Tool:    "remember",
			Input:   json.RawMessage(`{"fact":"The user is trying out dazee.","category":"personal"}`),
			Respond: "Noted. I'll keep that in mind.",
		},
		{
			Match:   "schedule",
			Tool:    "schedule_list",
			Respond: "That's everything currently scheduled.",
		},
		{
			Match:   "hello",
			Respond: "Hello! I'm running on the scripted dev provider. Ask me to write a note, search, or remember something to see the tool loop in action.",
		},
		{
			Respond: "The scripted dev provider has no rule for that. Configure a real provider, or try: \"write a note\", \"search for X\", \"remember that ...\".",
		},
	}
}

func buildPricing(cfg config.Config) *dazee.PricingTable {
	if len(cfg.Cost.Pricing) == 0 {
		return dazee.NewPricingTable(nil)
	}
	overrides := make(map[string]dazee.ModelPricing, len(cfg.Cost.Pricing))
	for model, p := range cfg.Cost.Pricing {
		overrides[model] = dazee.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return dazee.NewPricingTable(overrides)
}

// tzOffsetHours reports the machine's UTC offset, which the daemon treats as
// the user's timezone for clock schedules.
func tzOffsetHours() int {
	_, offset := time.Now().Zone()
	return offset / 3600
}

func logLevel() slog.Level {
	switch os.Getenv("DAZEE_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
