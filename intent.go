package dazee

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Intent analyzer defaults.
const (
	intentCacheSize     = 256
	intentSimThreshold  = 0.92
	intentHistoryUsers  = 5
	intentAssistantTrim = 100
	intentModelTimeout  = 10 * time.Second
	intentMaxTokens     = 400
)

const intentSystemPrompt = `You classify one user request for a desktop assistant. Reply with a single JSON object and nothing else:
{
  "complexity": "simple" | "medium" | "complex",
  "skip_memory": boolean,
  "is_follow_up": boolean,
  "wants_to_stop": boolean,
  "wants_rollback": boolean,
  "relevant_skill_groups": [string]
}
Rules:
- "simple" fits a single answer or one obvious tool call; "complex" needs several coordinated steps or touches many files.
- skip_memory is true when stored facts about the user cannot improve the answer (calculations, translations, self-contained lookups).
- is_follow_up is true when the request only makes sense as a continuation of the conversation shown.
- wants_to_stop is true when the user asks to stop, cancel or abort the work in progress.
- wants_rollback is true when the user asks to undo, revert or restore earlier changes.
- relevant_skill_groups may only contain names from the skill list given below. Empty when none apply.`

// IntentAnalyzer classifies incoming user messages before a session starts.
// Four layers, cheapest first: an exact-hash cache, an embedding-similarity
// cache, a model call, and a deterministic skill-name sweep over the query.
// Both caches are process-global and shared across conversations; concurrent
// Analyze calls are safe.
type IntentAnalyzer struct {
	provider Provider
	model    string
	embedder EmbeddingProvider
	skills   SkillSource
	logger   *slog.Logger

	simThreshold float32
	cacheSize    int

	mu       sync.RWMutex
	exact    map[string]IntentResult
	semantic []intentEntry
}

type intentEntry struct {
	vec    []float32
	result IntentResult
}

// IntentOption configures the analyzer.
type IntentOption func(*IntentAnalyzer)

// WithIntentEmbedder enables the semantic cache layer.
func WithIntentEmbedder(e EmbeddingProvider) IntentOption {
	return func(a *IntentAnalyzer) { a.embedder = e }
}

// WithIntentSkills supplies the skill groups for classification and the
// deterministic name sweep.
func WithIntentSkills(s SkillSource) IntentOption {
	return func(a *IntentAnalyzer) { a.skills = s }
}

// WithIntentLogger sets the structured logger.
func WithIntentLogger(l *slog.Logger) IntentOption {
	return func(a *IntentAnalyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithIntentThreshold sets the cosine similarity floor for semantic cache
// hits. Default 0.92.
func WithIntentThreshold(t float32) IntentOption {
	return func(a *IntentAnalyzer) {
		if t > 0 && t <= 1 {
			a.simThreshold = t
		}
	}
}

// WithIntentCacheSize caps both cache layers. Default 256 entries each.
func WithIntentCacheSize(n int) IntentOption {
	return func(a *IntentAnalyzer) {
		if n > 0 {
			a.cacheSize = n
		}
	}
}

// NewIntentAnalyzer builds an analyzer around the given provider and model.
// A nil provider disables the model layer; classification then comes from the
// caches and the skill-name sweep alone.
func NewIntentAnalyzer(provider Provider, model string, opts ...IntentOption) *IntentAnalyzer {
	a := &IntentAnalyzer{
		provider:     provider,
		model:        model,
		logger:       nopLogger,
		simThreshold: intentSimThreshold,
		cacheSize:    intentCacheSize,
		exact:        make(map[string]IntentResult),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// defaultIntent is the fail-open classification: plan, keep memory, no
// session signals.
func defaultIntent() IntentResult {
	return IntentResult{Complexity: ComplexityMedium}
}

// Analyze classifies query against the conversation tail. It never fails:
// every error path degrades to the default classification, logged but not
// surfaced, so a broken classifier cannot block a chat request.
func (a *IntentAnalyzer) Analyze(ctx context.Context, query string, history []Message) IntentResult {
	q := normalizeText(strings.TrimSpace(query))
	if q == "" {
		return defaultIntent()
	}
	key := intentKey(q)

	if r, ok := a.lookupExact(key); ok {
		a.logger.Debug("intent cache hit", "layer", "exact")
		return a.augment(ctx, q, r)
	}

	var vec []float32
	if a.embedder != nil {
		vecs, err := a.embedder.Embed(ctx, []string{q})
		if err != nil {
			a.logger.Debug("intent embedding failed", "error", err)
		} else if len(vecs) == 1 {
			vec = vecs[0]
			if r, ok := a.lookupSemantic(vec); ok {
				a.logger.Debug("intent cache hit", "layer", "semantic")
				a.store(key, nil, r)
				return a.augment(ctx, q, r)
			}
		}
	}

	r, err := a.classify(ctx, q, history)
	if err != nil {
		a.logger.Warn("intent classification failed, using defaults", "error", err)
		return a.augment(ctx, q, defaultIntent())
	}

	a.store(key, vec, r)
	return a.augment(ctx, q, r)
}

func (a *IntentAnalyzer) lookupExact(key string) (IntentResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.exact[key]
	return r, ok
}

func (a *IntentAnalyzer) lookupSemantic(vec []float32) (IntentResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := len(a.semantic) - 1; i >= 0; i-- {
		if cosineSim(vec, a.semantic[i].vec) >= a.simThreshold {
			return a.semantic[i].result, true
		}
	}
	return IntentResult{}, false
}

// store caches a classification under its exact key and, when vec is set,
// in the semantic layer. Eviction is oldest-first for the semantic slice and
// arbitrary for the map.
func (a *IntentAnalyzer) store(key string, vec []float32, r IntentResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.exact) >= a.cacheSize {
		for k := range a.exact {
			delete(a.exact, k)
			break
		}
	}
	a.exact[key] = r
	if vec != nil {
		if len(a.semantic) >= a.cacheSize {
			a.semantic = a.semantic[1:]
		}
		a.semantic = append(a.semantic, intentEntry{vec: vec, result: r})
	}
}

// classify runs the model layer: skill list in the system prompt, filtered
// conversation tail plus the query as the sole user message, JSON out.
func (a *IntentAnalyzer) classify(ctx context.Context, q string, history []Message) (IntentResult, error) {
	if a.provider == nil {
		return IntentResult{}, errors.New("no intent provider")
	}
	ctx, cancel := context.WithTimeout(ctx, intentModelTimeout)
	defer cancel()

	system := []PromptFragment{{Cache: CacheStable, Text: intentSystemPrompt}}
	if list := a.skillList(ctx); list != "" {
		system = append(system, PromptFragment{Cache: CacheSession, Text: "Skill list:\n" + list})
	}

	var b strings.Builder
	if tail := filterIntentHistory(history); tail != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(tail)
		b.WriteString("\n\n")
	}
	b.WriteString("Classify this request:\n")
	b.WriteString(q)

	resp, err := a.provider.Chat(ctx, ModelRequest{
		Model:     a.model,
		System:    system,
		Messages:  []Message{UserMessage(b.String())},
		MaxTokens: intentMaxTokens,
	})
	if err != nil {
		return IntentResult{}, err
	}

	var r IntentResult
	if err := json.Unmarshal(extractJSON(resp.Message.Text()), &r); err != nil {
		return IntentResult{}, fmt.Errorf("parse intent response: %w", err)
	}
	switch r.Complexity {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
	default:
		r.Complexity = ComplexityMedium
	}
	return r, nil
}

func (a *IntentAnalyzer) skillList(ctx context.Context) string {
	if a.skills == nil {
		return ""
	}
	groups, err := a.skills.Groups(ctx)
	if err != nil || len(groups) == 0 {
		return ""
	}
	var b strings.Builder
	for _, g := range groups {
		b.WriteString("- ")
		b.WriteString(g.Name)
		if g.Description != "" {
			b.WriteString(": ")
			b.WriteString(g.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// augment adds skill groups whose names appear verbatim in the query. Runs on
// every lookup, cached or not, so newly installed skills take effect without
// invalidating cached classifications.
func (a *IntentAnalyzer) augment(ctx context.Context, q string, r IntentResult) IntentResult {
	if a.skills == nil {
		return r
	}
	groups, err := a.skills.Groups(ctx)
	if err != nil || len(groups) == 0 {
		return r
	}
	have := make(map[string]bool, len(r.RelevantSkillGroups))
	for _, name := range r.RelevantSkillGroups {
		have[name] = true
	}
	lower := strings.ToLower(q)
	var adds []string
	for _, g := range groups {
		name := strings.TrimSpace(g.Name)
		if name == "" || have[name] {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			adds = append(adds, name)
			have[name] = true
		}
	}
	if len(adds) > 0 {
		merged := make([]string, 0, len(r.RelevantSkillGroups)+len(adds))
		merged = append(merged, r.RelevantSkillGroups...)
		merged = append(merged, adds...)
		r.RelevantSkillGroups = merged
	}
	return r
}

// filterIntentHistory renders the conversation tail the classifier sees: the
// last five plain-text user messages and the last assistant message truncated
// to 100 characters, in conversation order. Tool carriers and non-text blocks
// never reach the classifier.
func filterIntentHistory(history []Message) string {
	type line struct {
		idx  int
		role Role
		text string
	}
	var lines []line

	users := 0
	for i := len(history) - 1; i >= 0 && users < intentHistoryUsers; i-- {
		m := history[i]
		if m.Role != RoleUser || carriesToolResult(m) {
			continue
		}
		t := strings.TrimSpace(m.Text())
		if t == "" {
			continue
		}
		lines = append(lines, line{idx: i, role: RoleUser, text: t})
		users++
	}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != RoleAssistant {
			continue
		}
		if t := strings.TrimSpace(m.Text()); t != "" {
			lines = append(lines, line{idx: i, role: RoleAssistant, text: truncateStr(t, intentAssistantTrim)})
		}
		break
	}
	if len(lines) == 0 {
		return ""
	}

	// Lines were collected newest-first; restore conversation order.
	sort.Slice(lines, func(i, j int) bool { return lines[i].idx < lines[j].idx })

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(string(l.role))
		b.WriteString(": ")
		b.WriteString(l.text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// extractJSON pulls the first JSON object out of a model response. Models
// sometimes wrap JSON in markdown fences or prose; the outermost brace pair
// is taken verbatim.
func extractJSON(s string) []byte {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return []byte(s[start : end+1])
		}
	}
	return []byte(s)
}

// intentKey hashes the normalized query for the exact cache.
func intentKey(q string) string {
	sum := sha256.Sum256([]byte(q))
	return hex.EncodeToString(sum[:])
}

// cosineSim computes cosine similarity between two vectors.
func cosineSim(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
