package search

import (
	"context"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// Knowledge adapts an Index to the assistant's knowledge-source contract, so
// one set of reference documents serves both the search tool and the
// knowledge-context injector.
type Knowledge struct {
	ix *Index
}

var _ dazee.KnowledgeSource = (*Knowledge)(nil)

// NewKnowledge wraps ix as a knowledge source.
func NewKnowledge(ix *Index) *Knowledge {
	return &Knowledge{ix: ix}
}

func (k *Knowledge) Search(ctx context.Context, query string, topK int) ([]dazee.Passage, error) {
	results, err := k.ix.Search(ctx, query, topK)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	passages := make([]dazee.Passage, len(results))
	for i, r := range results {
		source := r.URL
		if source == "" {
			source = r.Title
		}
		passages[i] = dazee.Passage{Source: source, Text: r.Snippet, Score: r.Score}
	}
	return passages, nil
}
