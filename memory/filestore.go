// Package memory implements file-backed long-term user memory with semantic
// deduplication, plus storage-agnostic helpers for fact extraction.
//
// Facts live as JSON lines in a single file under the instance dir. The
// working set is held in memory behind a mutex and rewritten on every
// mutation; user memory stays small enough that brute-force cosine scans
// and full rewrites cost nothing measurable.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

const (
	// mergeThreshold is the cosine similarity above which an incoming fact
	// updates an existing one instead of inserting.
	mergeThreshold = 0.85
	// minConfidence is the retrieval floor; facts below it are invisible.
	minConfidence = 0.3
	decayFactor   = 0.95
	decayAfterSec = 7 * 86400
	purgeAfterSec = 30 * 86400
)

// Fact is one stored user fact, one JSON line in the memory file.
type Fact struct {
	ID         string    `json:"id"`
	Fact       string    `json:"fact"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// StoreOption configures a FileStore.
type StoreOption func(*FileStore)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *FileStore) { s.logger = l }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// FileStore implements dazee.MemoryStore on a JSON-lines file.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	facts []Fact
}

var _ dazee.MemoryStore = (*FileStore)(nil)

// New creates a memory store over the given file path. Call Init to load it.
func New(path string, opts ...StoreOption) *FileStore {
	s := &FileStore{path: path, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init loads the memory file into the working set. A missing file is an
// empty memory; unreadable lines are skipped with a warning.
func (s *FileStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("memory: create dir: %w", err)
		}
	}

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.facts = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("memory: open: %w", err)
	}
	defer f.Close()

	var facts []Fact
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var fact Fact
		if err := json.Unmarshal([]byte(raw), &fact); err != nil {
			s.logger.Warn("memory: skipping bad line", "line", line, "error", err)
			continue
		}
		facts = append(facts, fact)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("memory: read: %w", err)
	}
	s.facts = facts
	s.logger.Debug("memory loaded", "path", s.path, "facts", len(facts))
	return nil
}

// UpsertFact inserts the fact, or merges it into the closest existing fact
// when their embeddings exceed the dedup threshold. Merging bumps confidence.
func (s *FileStore) UpsertFact(ctx context.Context, fact, category string, embedding []float32) error {
	now := dazee.NowUnix()

	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	var bestSim float32
	for i := range s.facts {
		if len(s.facts[i].Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, s.facts[i].Embedding)
		if sim > mergeThreshold && (best == -1 || sim > bestSim) {
			best = i
			bestSim = sim
		}
	}

	if best >= 0 {
		f := &s.facts[best]
		f.Fact = fact
		f.Category = category
		f.Embedding = embedding
		f.Confidence = math.Min(f.Confidence+0.1, 1.0)
		f.UpdatedAt = now
		return s.persistLocked()
	}

	s.facts = append(s.facts, Fact{
		ID:         dazee.NewID(),
		Fact:       fact,
		Category:   category,
		Confidence: 1.0,
		Embedding:  embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	return s.persistLocked()
}

// SearchFacts scores every visible fact against the query embedding and
// returns the topK by similarity.
func (s *FileStore) SearchFacts(ctx context.Context, embedding []float32, topK int) ([]dazee.ScoredFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var scored []dazee.ScoredFact
	for i := range s.facts {
		f := &s.facts[i]
		if f.Confidence < minConfidence || len(f.Embedding) == 0 {
			continue
		}
		scored = append(scored, dazee.ScoredFact{
			ID:       f.ID,
			Fact:     f.Fact,
			Category: f.Category,
			Score:    cosineSimilarity(embedding, f.Embedding),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// BuildContext renders the facts relevant to the query as a prompt block.
// Without a query embedding it falls back to the highest-confidence facts.
func (s *FileStore) BuildContext(ctx context.Context, queryEmbedding []float32) (string, error) {
	var facts []dazee.ScoredFact
	if len(queryEmbedding) > 0 {
		var err error
		facts, err = s.SearchFacts(ctx, queryEmbedding, 10)
		if err != nil {
			return "", err
		}
	} else {
		facts = s.topFacts(15)
	}
	if len(facts) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## What you know about the user\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s [%s]\n", f.Fact, f.Category)
	}
	return b.String(), nil
}

func (s *FileStore) topFacts(limit int) []dazee.ScoredFact {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := make([]int, 0, len(s.facts))
	for i := range s.facts {
		if s.facts[i].Confidence >= minConfidence {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		fa, fb := &s.facts[idx[a]], &s.facts[idx[b]]
		if fa.Confidence != fb.Confidence {
			return fa.Confidence > fb.Confidence
		}
		return fa.UpdatedAt > fb.UpdatedAt
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]dazee.ScoredFact, len(idx))
	for i, j := range idx {
		f := &s.facts[j]
		out[i] = dazee.ScoredFact{ID: f.ID, Fact: f.Fact, Category: f.Category}
	}
	return out
}

// DeleteFact removes a single fact by ID.
func (s *FileStore) DeleteFact(ctx context.Context, factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.facts[:0]
	for _, f := range s.facts {
		if f.ID != factID {
			kept = append(kept, f)
		}
	}
	s.facts = kept
	return s.persistLocked()
}

// DeleteMatchingFacts removes facts whose text contains pattern,
// case-insensitively.
func (s *FileStore) DeleteMatchingFacts(ctx context.Context, pattern string) error {
	needle := strings.ToLower(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.facts[:0]
	for _, f := range s.facts {
		if !strings.Contains(strings.ToLower(f.Fact), needle) {
			kept = append(kept, f)
		}
	}
	s.facts = kept
	return s.persistLocked()
}

// DecayOldFacts lowers the confidence of facts untouched for a week and
// drops facts that have faded below the floor for a month.
func (s *FileStore) DecayOldFacts(ctx context.Context) error {
	now := dazee.NowUnix()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.facts[:0]
	for _, f := range s.facts {
		if f.UpdatedAt < now-decayAfterSec && f.Confidence > minConfidence {
			f.Confidence *= decayFactor
		}
		if f.Confidence < minConfidence && f.UpdatedAt < now-purgeAfterSec {
			continue
		}
		kept = append(kept, f)
	}
	s.facts = kept
	return s.persistLocked()
}

// persistLocked rewrites the memory file. Caller holds mu.
func (s *FileStore) persistLocked() error {
	var b strings.Builder
	for i := range s.facts {
		data, err := json.Marshal(&s.facts[i])
		if err != nil {
			return fmt.Errorf("memory: marshal fact: %w", err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(s.path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("memory: write: %w", err)
	}
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
