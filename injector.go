package dazee

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// CacheStrategy tags a prompt fragment with how often its text changes.
// Fragment ordering is stable-first so the provider's prompt cache prefix
// stays long across turns.
type CacheStrategy string

const (
	// CacheStable fragments are identical for the process lifetime.
	CacheStable CacheStrategy = "stable"
	// CacheSession fragments are fixed for one session.
	CacheSession CacheStrategy = "session"
	// CacheDynamic fragments may change every turn.
	CacheDynamic CacheStrategy = "dynamic"
)

func cacheRank(c CacheStrategy) int {
	switch c {
	case CacheStable:
		return 0
	case CacheSession:
		return 1
	default:
		return 2
	}
}

// PromptFragment is one piece of the assembled system prompt.
type PromptFragment struct {
	Cache CacheStrategy `json:"cache"`
	Text  string        `json:"text"`
}

// InjectPhase orders injector execution. Phase 1 establishes the agent's
// frame, phase 2 adds retrieved context, phase 3 adds per-turn working state.
type InjectPhase int

const (
	PhaseFrame   InjectPhase = 1
	PhaseContext InjectPhase = 2
	PhaseWorking InjectPhase = 3
)

// Injector contributes prompt fragments to one turn's system prompt. Inject
// sees the current working set and the session's intent classification; an
// empty return means nothing to contribute this turn. Implementations must be
// safe for concurrent use, one call per session turn.
type Injector interface {
	Name() string
	Phase() InjectPhase
	Inject(ctx context.Context, rt *RuntimeContext, intent IntentResult) ([]PromptFragment, error)
}

// InjectorPipeline runs injectors phase by phase and assembles the final
// fragment order. An injector error skips that injector for the turn; prompt
// building never fails outright.
type InjectorPipeline struct {
	injectors []Injector
	logger    *slog.Logger
}

// NewInjectorPipeline returns an empty pipeline.
func NewInjectorPipeline(logger *slog.Logger) *InjectorPipeline {
	if logger == nil {
		logger = nopLogger
	}
	return &InjectorPipeline{logger: logger}
}

// Add registers injectors. Within a phase, registration order is preserved.
func (p *InjectorPipeline) Add(injs ...Injector) {
	for _, in := range injs {
		if in != nil {
			p.injectors = append(p.injectors, in)
		}
	}
}

// Len returns the number of registered injectors.
func (p *InjectorPipeline) Len() int { return len(p.injectors) }

// Build runs all three phases against rt and returns the system fragments
// ordered stable, session, dynamic; within one cache class the phase order
// and registration order are preserved. The per-phase output is also stored
// on rt.Injections for inspection.
func (p *InjectorPipeline) Build(ctx context.Context, rt *RuntimeContext, intent IntentResult) []PromptFragment {
	byPhase := make(map[InjectPhase][]PromptFragment)
	var all []PromptFragment
	for _, phase := range []InjectPhase{PhaseFrame, PhaseContext, PhaseWorking} {
		for _, in := range p.injectors {
			if in.Phase() != phase {
				continue
			}
			frags, err := in.Inject(ctx, rt, intent)
			if err != nil {
				p.logger.Warn("injector failed, skipping",
					"injector", in.Name(), "phase", int(phase), "error", err)
				continue
			}
			for _, f := range frags {
				if strings.TrimSpace(f.Text) == "" {
					continue
				}
				byPhase[phase] = append(byPhase[phase], f)
				all = append(all, f)
			}
		}
	}
	rt.Injections = byPhase

	// Stable sort: cache rank decides, everything else keeps pipeline order.
	sort.SliceStable(all, func(i, j int) bool {
		return cacheRank(all[i].Cache) < cacheRank(all[j].Cache)
	})
	return all
}

// --- built-in injectors ---

// funcInjector adapts a closure into an Injector.
type funcInjector struct {
	name  string
	phase InjectPhase
	fn    func(ctx context.Context, rt *RuntimeContext, intent IntentResult) ([]PromptFragment, error)
}

func (f *funcInjector) Name() string       { return f.name }
func (f *funcInjector) Phase() InjectPhase { return f.phase }
func (f *funcInjector) Inject(ctx context.Context, rt *RuntimeContext, intent IntentResult) ([]PromptFragment, error) {
	return f.fn(ctx, rt, intent)
}

// InjectorFunc wraps a function as an Injector.
func InjectorFunc(name string, phase InjectPhase, fn func(ctx context.Context, rt *RuntimeContext, intent IntentResult) ([]PromptFragment, error)) Injector {
	return &funcInjector{name: name, phase: phase, fn: fn}
}

// NewSystemRoleInjector emits the agent's base role prompt. Phase 1, stable.
func NewSystemRoleInjector(role string) Injector {
	return InjectorFunc("system_role", PhaseFrame, func(context.Context, *RuntimeContext, IntentResult) ([]PromptFragment, error) {
		if role == "" {
			return nil, nil
		}
		return []PromptFragment{{Cache: CacheStable, Text: role}}, nil
	})
}

// historySummaryThreshold is the message count past which older turns are
// compressed into a summary fragment instead of riding in full.
const historySummaryThreshold = 30

// NewHistorySummaryInjector compresses long conversations: when the visible
// message list exceeds the threshold, it emits a short orientation fragment
// (opening request plus turn count) so the model keeps the thread even after
// the executor trims old messages. Phase 1, session-cached.
func NewHistorySummaryInjector() Injector {
	return InjectorFunc("history_summary", PhaseFrame, func(_ context.Context, rt *RuntimeContext, _ IntentResult) ([]PromptFragment, error) {
		if len(rt.Messages) < historySummaryThreshold {
			return nil, nil
		}
		opening := ""
		for _, m := range rt.Messages {
			if m.Role == RoleUser {
				if t := m.Text(); t != "" {
					opening = truncateStr(t, 200)
					break
				}
			}
		}
		if opening == "" {
			return nil, nil
		}
		text := fmt.Sprintf(
			"This conversation is long (%d messages over %d turns). The user's opening request was: %q. Stay focused on completing it.",
			len(rt.Messages), rt.Turns, opening)
		return []PromptFragment{{Cache: CacheSession, Text: text}}, nil
	})
}

// NewToolGuideInjector emits a usage guide over the registered tools: names,
// one-line descriptions, and which ones mutate files or need confirmation.
// The structured definitions still travel in ModelRequest.Tools; this
// fragment steers selection. Phase 1, stable.
func NewToolGuideInjector(reg *ToolRegistry) Injector {
	return InjectorFunc("tool_guide", PhaseFrame, func(context.Context, *RuntimeContext, IntentResult) ([]PromptFragment, error) {
		defs := reg.AllDefinitions()
		if len(defs) == 0 {
			return nil, nil
		}
		var b strings.Builder
		b.WriteString("Available tools:\n")
		for _, d := range defs {
			b.WriteString("- ")
			b.WriteString(d.Name)
			if d.Description != "" {
				b.WriteString(": ")
				b.WriteString(firstLine(d.Description))
			}
			switch {
			case d.RequiresConfirmation:
				b.WriteString(" (asks the user before running)")
			case d.MutatesFiles:
				b.WriteString(" (modifies files; changes are reversible)")
			}
			b.WriteString("\n")
		}
		return []PromptFragment{{Cache: CacheStable, Text: b.String()}}, nil
	})
}

// NewSkillFocusInjector pulls instructions for the skill groups the intent
// marked relevant. Phase 1, session-cached.
func NewSkillFocusInjector(skills SkillSource) Injector {
	return InjectorFunc("skill_focus", PhaseFrame, func(ctx context.Context, _ *RuntimeContext, intent IntentResult) ([]PromptFragment, error) {
		if skills == nil || len(intent.RelevantSkillGroups) == 0 {
			return nil, nil
		}
		focus, err := skills.Focus(ctx, intent.RelevantSkillGroups)
		if err != nil {
			return nil, err
		}
		if focus == "" {
			return nil, nil
		}
		return []PromptFragment{{Cache: CacheSession, Text: focus}}, nil
	})
}

// NewUserMemoryInjector retrieves stored user facts relevant to the latest
// user message. Skipped when the intent says the request doesn't need memory.
// Phase 2, session-cached.
func NewUserMemoryInjector(memory MemoryStore, embedder EmbeddingProvider) Injector {
	return InjectorFunc("user_memory", PhaseContext, func(ctx context.Context, rt *RuntimeContext, intent IntentResult) ([]PromptFragment, error) {
		if memory == nil || embedder == nil || intent.SkipMemory {
			return nil, nil
		}
		query := rt.LastUserText()
		if query == "" {
			return nil, nil
		}
		embs, err := embedder.Embed(ctx, []string{query})
		if err != nil || len(embs) == 0 {
			return nil, err
		}
		memCtx, err := memory.BuildContext(ctx, embs[0])
		if err != nil || memCtx == "" {
			return nil, err
		}
		return []PromptFragment{{Cache: CacheSession, Text: memCtx}}, nil
	})
}

// NewPlaybookHintInjector surfaces the best-matching playbook for the latest
// user request. Phase 2, session-cached.
func NewPlaybookHintInjector(playbooks PlaybookSource) Injector {
	return InjectorFunc("playbook_hint", PhaseContext, func(ctx context.Context, rt *RuntimeContext, _ IntentResult) ([]PromptFragment, error) {
		if playbooks == nil {
			return nil, nil
		}
		query := rt.LastUserText()
		if query == "" {
			return nil, nil
		}
		body, err := playbooks.Match(ctx, query)
		if err != nil || body == "" {
			return nil, err
		}
		return []PromptFragment{{
			Cache: CacheSession,
			Text:  "A stored playbook matches this request. Follow it unless the user says otherwise:\n\n" + body,
		}}, nil
	})
}

// knowledgeTopK bounds passages pulled per turn.
const knowledgeTopK = 4

// NewKnowledgeContextInjector retrieves reference passages for the latest
// user message. Phase 2, dynamic (retrieval shifts as the conversation moves).
func NewKnowledgeContextInjector(knowledge KnowledgeSource) Injector {
	return InjectorFunc("knowledge_context", PhaseContext, func(ctx context.Context, rt *RuntimeContext, _ IntentResult) ([]PromptFragment, error) {
		if knowledge == nil {
			return nil, nil
		}
		query := rt.LastUserText()
		if query == "" {
			return nil, nil
		}
		passages, err := knowledge.Search(ctx, query, knowledgeTopK)
		if err != nil || len(passages) == 0 {
			return nil, err
		}
		var b strings.Builder
		b.WriteString("Reference material:\n")
		for _, p := range passages {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", p.Source, truncateStr(p.Text, 2000))
		}
		return []PromptFragment{{Cache: CacheDynamic, Text: b.String()}}, nil
	})
}

// NewPlanTodoInjector renders the working plan as a markdown checklist so the
// model sees step progress each turn. Phase 3, dynamic.
func NewPlanTodoInjector() Injector {
	return InjectorFunc("plan_todo", PhaseWorking, func(_ context.Context, rt *RuntimeContext, _ IntentResult) ([]PromptFragment, error) {
		if rt.Plan == nil || len(rt.Plan.Steps) == 0 {
			return nil, nil
		}
		done, total := rt.Plan.Progress()
		text := fmt.Sprintf("Current plan (%d/%d done):\n%s\nWork the first unchecked step next.",
			done, total, rt.Plan.Markdown())
		return []PromptFragment{{Cache: CacheDynamic, Text: text}}, nil
	})
}

// maxPageChars caps how much of an open page rides in the prompt.
const maxPageChars = 12_000

// NewPageEditorInjector includes the document the user currently has open so
// edits land in the right place. Phase 3, dynamic.
func NewPageEditorInjector(pages PageSource) Injector {
	return InjectorFunc("page_editor", PhaseWorking, func(ctx context.Context, rt *RuntimeContext, _ IntentResult) ([]PromptFragment, error) {
		if pages == nil {
			return nil, nil
		}
		title, content, ok, err := pages.ActivePage(ctx, rt.ConversationID)
		if err != nil || !ok {
			return nil, err
		}
		text := fmt.Sprintf("The user has %q open in the editor. Current content:\n\n%s",
			title, truncateStr(content, maxPageChars))
		return []PromptFragment{{Cache: CacheDynamic, Text: text}}, nil
	})
}

// firstLine returns s up to the first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
