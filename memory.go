package dazee

import "context"

// ScoredFact is one stored user fact with its retrieval score.
type ScoredFact struct {
	ID       string  `json:"id"`
	Fact     string  `json:"fact"`
	Category string  `json:"category"`
	Score    float32 `json:"score"`
}

// MemoryStore provides long-term user memory with semantic deduplication.
// Optional everywhere; the user-memory injector and the remember tool are the
// two callers.
type MemoryStore interface {
	UpsertFact(ctx context.Context, fact, category string, embedding []float32) error
	// SearchFacts returns facts semantically similar to the query embedding,
	// sorted by Score descending.
	SearchFacts(ctx context.Context, embedding []float32, topK int) ([]ScoredFact, error)
	// BuildContext renders the facts relevant to the query embedding as a
	// prompt-ready block, or "" when nothing applies.
	BuildContext(ctx context.Context, queryEmbedding []float32) (string, error)
	// DeleteFact removes a single fact by its ID.
	DeleteFact(ctx context.Context, factID string) error
	// DeleteMatchingFacts removes facts whose text contains pattern.
	DeleteMatchingFacts(ctx context.Context, pattern string) error
	// DecayOldFacts ages out stale facts.
	DecayOldFacts(ctx context.Context) error
	Init(ctx context.Context) error
}

// SkillGroup is one named capability bundle with usage instructions.
type SkillGroup struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Instruction string `json:"instruction"`
}

// SkillSource resolves skill group names to focused instructions. The intent
// analyzer augments classification with the group list; the skill-focus
// injector pulls instructions for the groups the intent marked relevant.
type SkillSource interface {
	// Groups lists the known skill groups.
	Groups(ctx context.Context) ([]SkillGroup, error)
	// Focus returns instruction text for the named groups, "" when none match.
	Focus(ctx context.Context, names []string) (string, error)
}

// Passage is one retrieved reference snippet.
type Passage struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float32 `json:"score,omitempty"`
}

// KnowledgeSource retrieves reference passages for the knowledge-context
// injector.
type KnowledgeSource interface {
	Search(ctx context.Context, query string, topK int) ([]Passage, error)
}

// PlaybookSource matches a query against stored playbooks. Match returns the
// most relevant playbook body, or "" when nothing scores.
type PlaybookSource interface {
	Match(ctx context.Context, query string) (string, error)
}

// PageSource exposes the document the user currently has open, if any. The
// page-editor injector includes it so the model can edit in place.
type PageSource interface {
	// ActivePage returns the open page's title and content for the
	// conversation, or ok=false when no page is open.
	ActivePage(ctx context.Context, conversationID string) (title, content string, ok bool, err error)
}
