// local.go implements a BM25-scored full-text index over local documents.
//
// Queries are tokenized into terms and scored using Okapi BM25 with heading
// boosts, so multi-word queries like "meeting notes q3" correctly match
// documents containing those terms rather than requiring an exact substring.
package search

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 tuning parameters.
const (
	bm25K1       = 1.2
	bm25B        = 0.75
	headingBoost = 2.0 // multiplier for terms found in headings
)

// Document is a single indexable item.
type Document struct {
	Title string
	URL   string
	Text  string
}

// Index is a deterministic in-memory BM25 index. It is safe for concurrent
// use; Add and Search may interleave.
type Index struct {
	mu        sync.RWMutex
	docs      []Document
	postings  map[string][]posting    // term -> doc postings
	headTerms map[string]map[int]bool // term -> docIdx set (terms in headings)
	docLens   []int                   // token count per doc
	totalLen  int
}

// posting records a term's frequency in a single document.
type posting struct {
	doc  int // index into docs
	freq int // how many times the term appears
}

var _ Backend = (*Index)(nil)

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		postings:  make(map[string][]posting),
		headTerms: make(map[string]map[int]bool),
	}
}

func (idx *Index) Name() string { return "local" }

// Add indexes one document.
func (idx *Index) Add(doc Document) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := len(idx.docs)
	idx.docs = append(idx.docs, doc)

	tokens := tokenize(doc.Text)
	idx.docLens = append(idx.docLens, len(tokens))
	idx.totalLen += len(tokens)

	tf := make(map[string]int)
	for _, t := range tokens {
		tf[t]++
	}
	for term, freq := range tf {
		idx.postings[term] = append(idx.postings[term], posting{doc: i, freq: freq})
	}

	// Track terms that appear in markdown headings.
	for _, line := range strings.Split(doc.Text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			for _, t := range tokenize(line) {
				if idx.headTerms[t] == nil {
					idx.headTerms[t] = make(map[int]bool)
				}
				idx.headTerms[t][i] = true
			}
		}
	}
}

// LoadDir indexes every .md and .txt file under dir. File names become
// titles and paths become sources.
func (idx *Index) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		idx.Add(Document{
			Title: strings.TrimSuffix(d.Name(), ext),
			URL:   path,
			Text:  string(data),
		})
		return nil
	})
}

// Len reports how many documents are indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search finds documents matching the query, ranked by BM25 score.
func (idx *Index) Search(_ context.Context, query string, count int) ([]Result, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	// Deduplicate query terms.
	seen := make(map[string]bool)
	var unique []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := float64(len(idx.docs))
	if n == 0 {
		return nil, nil
	}
	avgDL := float64(idx.totalLen) / n
	scores := make(map[int]float64)

	for _, term := range unique {
		posts, ok := idx.postings[term]
		if !ok {
			continue
		}

		df := float64(len(posts))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)

		for _, p := range posts {
			dl := float64(idx.docLens[p.doc])
			tf := float64(p.freq)
			tfNorm := (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*(dl/avgDL)))

			score := idf * tfNorm
			if idx.headTerms[term][p.doc] {
				score *= headingBoost
			}

			scores[p.doc] += score
		}
	}

	if len(scores) == 0 {
		return nil, nil
	}

	termSet := make(map[string]bool, len(unique))
	for _, t := range unique {
		termSet[t] = true
	}

	type hit struct {
		doc   int
		score float64
	}
	hits := make([]hit, 0, len(scores))
	for docIdx, score := range scores {
		hits = append(hits, hit{doc: docIdx, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc < hits[j].doc
	})
	if count > 0 && len(hits) > count {
		hits = hits[:count]
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		doc := idx.docs[h.doc]
		results = append(results, Result{
			Title:   doc.Title,
			URL:     doc.URL,
			Snippet: extractSnippet(doc.Text, termSet),
			Score:   float32(h.score),
		})
	}
	return results, nil
}

// extractSnippet finds the most relevant section of content for the given
// query terms. Returns the best matching window with surrounding context
// and the nearest heading above it.
func extractSnippet(content string, queryTerms map[string]bool) string {
	lines := strings.Split(content, "\n")

	// Score each line by distinct query terms it contains.
	lineScores := make([]int, len(lines))
	for i, line := range lines {
		seen := make(map[string]bool)
		for _, t := range tokenize(line) {
			if queryTerms[t] && !seen[t] {
				lineScores[i]++
				seen[t] = true
			}
		}
	}

	// Find best 5-line window by total score.
	const windowSize = 5
	bestStart, bestScore := 0, 0
	for i := 0; i < len(lines); i++ {
		score := 0
		end := min(i+windowSize, len(lines))
		for j := i; j < end; j++ {
			score += lineScores[j]
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	// Expand window with 1 line of context on each side.
	start := max(bestStart-1, 0)
	end := min(bestStart+windowSize+1, len(lines))
	snippet := strings.TrimSpace(strings.Join(lines[start:end], "\n"))

	// Prepend the nearest heading above for context.
	heading := ""
	for i := bestStart; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "#") {
			heading = strings.TrimSpace(lines[i])
			break
		}
	}
	if heading != "" && !strings.Contains(snippet, heading) {
		snippet = heading + "\n\n" + snippet
	}

	return snippet
}

// tokenize splits text into lowercase search tokens. Hyphenated words are
// indexed both as a whole ("multi-agent") and as parts ("multi", "agent").
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	var tokens []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		word := strings.Trim(buf.String(), "-")
		buf.Reset()
		if len(word) < 2 {
			return
		}
		tokens = append(tokens, word)
		// Also index parts of hyphenated words.
		if strings.Contains(word, "-") {
			for _, part := range strings.Split(word, "-") {
				if len(part) >= 2 {
					tokens = append(tokens, part)
				}
			}
		}
	}

	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			buf.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}
