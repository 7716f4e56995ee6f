package dazee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// stopHandoverWait bounds how long Send waits for a stopped session to wind
// down before claiming its conversation slot.
const stopHandoverWait = 3 * time.Second

const defaultSystemRole = "You are a careful desktop assistant. You work on the user's machine: " +
	"prefer small verifiable steps, use the provided tools for anything outside plain conversation, " +
	"and say clearly when something cannot be done."

// ChatRequest is the payload of chat.send.
type ChatRequest struct {
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	Message        string            `json:"message"`
	Files          []FileAttachment  `json:"files,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// FileAttachment is a file sent with a chat request, either by local path or
// inline bytes.
type FileAttachment struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// FileIngester extracts model-readable text from an attachment.
type FileIngester interface {
	Ingest(ctx context.Context, f FileAttachment) (string, error)
}

// ChatConfig bundles the collaborators the façade composes. Provider and
// Tools carry the session; everything else defaults to a working no-op.
type ChatConfig struct {
	Provider       Provider
	Model          string
	IntentModel    string
	BacktrackModel string
	MaxTokens      int
	MaxBacktracks  int
	SystemRole     string

	Tools       *ToolRegistry
	ToolTimeout time.Duration
	Broadcaster *Broadcaster
	Snapshots   *SnapshotStore
	Store       Store
	Pricing     *PricingTable
	Terminator  TerminatorConfig
	Injectors   *InjectorPipeline

	Embedder  EmbeddingProvider
	Skills    SkillSource
	Memory    MemoryStore
	Knowledge KnowledgeSource
	Playbooks PlaybookSource
	Pages     PageSource
	Ingester  FileIngester

	Tracer    Tracer
	Logger    *slog.Logger
	ResumeTTL time.Duration
}

// ChatService is the façade in front of the execution core: it validates
// requests, classifies intent, enforces the one-session-per-conversation
// rule, and hands sessions to the executor. All methods are safe for
// concurrent use.
type ChatService struct {
	cfg         ChatConfig
	sessions    *SessionManager
	broadcaster *Broadcaster
	intent      *IntentAnalyzer
	exec        *RVRBExecutor
	logger      *slog.Logger
}

// NewChatService wires the core around cfg, filling gaps with defaults: an
// in-process broadcaster, default termination thresholds, default pricing,
// and an injector pipeline assembled from whichever context sources cfg
// carries.
func NewChatService(cfg ChatConfig) *ChatService {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	if cfg.IntentModel == "" {
		cfg.IntentModel = cfg.Model
	}
	if cfg.BacktrackModel == "" {
		cfg.BacktrackModel = cfg.Model
	}
	if cfg.SystemRole == "" {
		cfg.SystemRole = defaultSystemRole
	}
	if cfg.Tools == nil {
		cfg.Tools = NewToolRegistry(WithRegistryLogger(logger))
	}
	if cfg.Broadcaster == nil {
		opts := []BroadcasterOption{WithBroadcastLogger(logger)}
		if cfg.Store != nil {
			opts = append(opts, WithEventSink(cfg.Store))
		}
		cfg.Broadcaster = NewBroadcaster(opts...)
	}
	if cfg.Pricing == nil {
		cfg.Pricing = NewPricingTable(nil)
	}
	if cfg.Injectors == nil {
		cfg.Injectors = defaultInjectors(cfg)
	}

	toolOpts := []ToolExecOption{WithToolExecLogger(logger)}
	if cfg.Snapshots != nil {
		toolOpts = append(toolOpts, WithToolSnapshots(cfg.Snapshots))
	}
	if cfg.ToolTimeout > 0 {
		toolOpts = append(toolOpts, WithToolTimeout(cfg.ToolTimeout))
	}
	toolExec := NewToolExecutor(cfg.Tools, toolOpts...)

	intentOpts := []IntentOption{WithIntentLogger(logger)}
	if cfg.Embedder != nil {
		intentOpts = append(intentOpts, WithIntentEmbedder(cfg.Embedder))
	}
	if cfg.Skills != nil {
		intentOpts = append(intentOpts, WithIntentSkills(cfg.Skills))
	}

	svc := &ChatService{
		cfg:         cfg,
		sessions:    NewSessionManager(logger),
		broadcaster: cfg.Broadcaster,
		intent:      NewIntentAnalyzer(cfg.Provider, cfg.IntentModel, intentOpts...),
		logger:      logger,
	}
	svc.exec = NewRVRBExecutor(ExecutorConfig{
		Provider:       cfg.Provider,
		Model:          cfg.Model,
		BacktrackModel: cfg.BacktrackModel,
		MaxTokens:      cfg.MaxTokens,
		MaxBacktracks:  cfg.MaxBacktracks,
		Tools:          toolExec,
		Registry:       cfg.Tools,
		Broadcaster:    cfg.Broadcaster,
		Terminator:     NewTerminator(cfg.Terminator, cfg.Pricing),
		Injectors:      cfg.Injectors,
		Snapshots:      cfg.Snapshots,
		Store:          cfg.Store,
		Pricing:        cfg.Pricing,
		Tracer:         cfg.Tracer,
		Logger:         logger,
		ResumeTTL:      cfg.ResumeTTL,
	})
	return svc
}

// defaultInjectors assembles the three-phase pipeline from the context
// sources cfg provides.
func defaultInjectors(cfg ChatConfig) *InjectorPipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	p := NewInjectorPipeline(logger)
	p.Add(NewSystemRoleInjector(cfg.SystemRole))
	p.Add(NewHistorySummaryInjector())
	p.Add(NewToolGuideInjector(cfg.Tools))
	if cfg.Skills != nil {
		p.Add(NewSkillFocusInjector(cfg.Skills))
	}
	if cfg.Memory != nil && cfg.Embedder != nil {
		p.Add(NewUserMemoryInjector(cfg.Memory, cfg.Embedder))
	}
	if cfg.Playbooks != nil {
		p.Add(NewPlaybookHintInjector(cfg.Playbooks))
	}
	if cfg.Knowledge != nil {
		p.Add(NewKnowledgeContextInjector(cfg.Knowledge))
	}
	p.Add(NewPlanTodoInjector())
	if cfg.Pages != nil {
		p.Add(NewPageEditorInjector(cfg.Pages))
	}
	return p
}

// Send starts a session for the request and returns its id together with the
// ordered event stream. The stream closes after the terminal session_end.
// The request context covers setup only; the session itself runs detached
// and is stopped through Stop, gates, or the terminator.
func (c *ChatService) Send(ctx context.Context, req ChatRequest) (string, <-chan Event, error) {
	if err := validateChatRequest(&req); err != nil {
		return "", nil, err
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = NewID()
	}

	var history []Message
	if c.cfg.Store != nil {
		if _, err := c.cfg.Store.GetOrCreateConversation(ctx, conversationID, req.UserID, req.AgentID); err != nil {
			return "", nil, fmt.Errorf("open conversation: %w", err)
		}
		msgs, err := c.cfg.Store.GetMessages(ctx, conversationID, maxVisibleMessages)
		if err != nil {
			c.logger.Warn("history load failed", "conversation_id", conversationID, "error", err)
		} else {
			history = msgs
		}
	}

	intent := c.intent.Analyze(ctx, req.Message, history)
	c.logger.Debug("intent classified",
		"conversation_id", conversationID, "complexity", intent.Complexity,
		"wants_to_stop", intent.WantsToStop, "wants_rollback", intent.WantsRollback)

	if intent.WantsToStop {
		c.stopActive(conversationID)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := newSession(conversationID, req.UserID, req.AgentID, cancel)
	if err := c.sessions.register(s); err != nil {
		cancel()
		return "", nil, err
	}

	rt := NewRuntimeContext(s.ID, conversationID, req.UserID)
	rt.AgentID = req.AgentID
	rt.Messages = history

	userMsg := UserMessage(c.composeMessage(ctx, req))
	userMsg.ConversationID = conversationID
	rt.Append(userMsg)
	s.syncCounters(rt)
	if c.cfg.Store != nil {
		if err := c.cfg.Store.SaveMessage(ctx, userMsg); err != nil {
			c.logger.Warn("user message persist failed",
				"conversation_id", conversationID, "error", err)
		}
	}

	events, _ := c.broadcaster.Subscribe(s.ID, 0)

	if intent.WantsRollback {
		c.offerPriorRollback(s, conversationID)
	}

	go c.exec.Run(sctx, s, rt, intent)
	go func() {
		<-s.Done()
		c.sessions.release(s)
	}()

	return s.ID, events, nil
}

// stopActive ends the conversation's running session, if any, and waits
// briefly for the slot to free.
func (c *ChatService) stopActive(conversationID string) {
	old, ok := c.sessions.Active(conversationID)
	if !ok {
		return
	}
	c.logger.Info("stop intent, ending active session",
		"conversation_id", conversationID, "session_id", old.ID)
	old.Stop()
	select {
	case <-old.Done():
	case <-time.After(stopHandoverWait):
		c.logger.Warn("stopped session still winding down", "session_id", old.ID)
	}
}

// offerPriorRollback surfaces the previous session's reversible operations on
// the new session's stream so an undo request can act on finished work.
func (c *ChatService) offerPriorRollback(s *Session, conversationID string) {
	if c.cfg.Snapshots == nil {
		return
	}
	lastID, ok := c.sessions.LastFinished(conversationID)
	if !ok {
		return
	}
	ops := c.cfg.Snapshots.Pending(lastID)
	if len(ops) == 0 {
		return
	}
	options := make([]RollbackOption, 0, len(ops))
	for _, op := range ops {
		options = append(options, RollbackOption{
			OperationID: op.ID,
			Kind:        op.Kind,
			Targets:     op.Targets,
			ToolUseID:   op.ToolUseID,
		})
	}
	ev := NewEvent(EventRollbackOptions, s.ID, RollbackOptionsData{
		SessionID:  lastID,
		Operations: options,
	}).WithConversation(conversationID)
	c.broadcaster.Emit(s.ID, ev)
}

// composeMessage applies variables and inlines attachment text.
func (c *ChatService) composeMessage(ctx context.Context, req ChatRequest) string {
	text := applyVariables(req.Message, req.Variables)
	if c.cfg.Ingester == nil || len(req.Files) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, f := range req.Files {
		extracted, err := c.cfg.Ingester.Ingest(ctx, f)
		if err != nil {
			c.logger.Warn("attachment ingest failed", "name", f.Name, "error", err)
			continue
		}
		if extracted == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n<attachment name=%q>\n%s\n</attachment>", f.Name, extracted)
	}
	return b.String()
}

// applyVariables substitutes {{name}} placeholders in the message.
func applyVariables(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Stop signals a session to halt.
func (c *ChatService) Stop(sessionID string) error {
	return c.sessions.Stop(sessionID)
}

// ConfirmContinue resolves a continue-style gate. approved=false ends the
// session as a user stop.
func (c *ChatService) ConfirmContinue(sessionID string, approved bool) error {
	return c.sessions.ConfirmContinue(sessionID, approved)
}

// RespondHITL answers a pending confirmation by request id.
func (c *ChatService) RespondHITL(sessionID, requestID, response string, metadata json.RawMessage) error {
	return c.sessions.RespondHITL(sessionID, requestID, response, metadata)
}

// Rollback reverses a finished session's recorded operations, all of them
// when selectIDs is empty. Active sessions roll back through their gates, not
// here.
func (c *ChatService) Rollback(sessionID string, selectIDs []string) ([]RollbackResult, error) {
	if c.cfg.Snapshots == nil {
		return nil, fmt.Errorf("rollback unavailable: no snapshot store")
	}
	if s, err := c.sessions.Get(sessionID); err == nil {
		if st := s.State(); !st.IsTerminal() {
			return nil, fmt.Errorf("session %s is still active; stop it before rolling back", sessionID)
		}
	}
	results, err := c.cfg.Snapshots.Rollback(sessionID, selectIDs)
	if err != nil {
		return nil, err
	}
	// The session's live stream is already closed once rollback is legal, so
	// the per-operation outcome goes straight to the durable event log.
	if c.cfg.Store != nil {
		ev := NewEvent(EventRollbackCompleted, sessionID, RollbackCompletedData{Results: results})
		ev.EventUUID = NewID()
		ev.Seq = c.broadcaster.LastSeq(sessionID) + 1
		ev.Timestamp = NowUnixMilli()
		if aerr := c.cfg.Store.AppendEvent(context.Background(), ev); aerr != nil {
			c.logger.Warn("rollback event not persisted", "session_id", sessionID, "error", aerr)
		}
	}
	return results, nil
}

// Info returns a point-in-time snapshot of a session.
func (c *ChatService) Info(sessionID string) (SessionInfo, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.Info(), nil
}

// List returns every non-terminal session.
func (c *ChatService) List() []SessionInfo {
	return c.sessions.ListActive()
}

// Broadcaster exposes the event fan-out for transports that reattach to
// running sessions.
func (c *ChatService) Broadcaster() *Broadcaster {
	return c.broadcaster
}

// Evict drops finished sessions past the retention window, their retained
// event logs, and expired snapshots. Callers run it on a timer.
func (c *ChatService) Evict() int {
	evicted := c.sessions.Evict()
	for _, id := range evicted {
		c.broadcaster.Purge(id)
	}
	if c.cfg.Snapshots != nil {
		c.cfg.Snapshots.ExpireOld()
	}
	return len(evicted)
}
