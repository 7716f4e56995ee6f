// Package playbook loads a directory of markdown playbooks and matches user
// requests against them by keyword overlap with the playbook headings.
//
// Each markdown file contributes one entry per top-level heading; the entry
// body runs until the next top-level heading. Matching is deliberately cheap:
// playbooks are short operator-written procedures, not a knowledge base.
package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

// entryHeadingLevel is the deepest heading level that starts a new playbook
// entry. Deeper headings stay inside the enclosing entry and only feed its
// keyword set.
const entryHeadingLevel = 2

// Entry is one playbook: a heading, the markdown under it, and the heading
// terms it is matched by.
type Entry struct {
	Title string
	Body  string
	Path  string

	// titleTerms are tokens from the entry's own heading; headTerms adds
	// tokens from sub-headings inside the body. Title terms score double.
	titleTerms map[string]bool
	headTerms  map[string]bool
}

// Option configures a Library.
type Option func(*Library)

// WithLogger sets a structured logger for the library.
func WithLogger(l *slog.Logger) Option {
	return func(lib *Library) { lib.logger = l }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Library implements dazee.PlaybookSource over a directory of markdown files.
type Library struct {
	dir    string
	logger *slog.Logger
	md     goldmark.Markdown

	mu      sync.RWMutex
	entries []Entry
}

var _ dazee.PlaybookSource = (*Library)(nil)

// New creates a playbook library over dir. Call Load to read it.
func New(dir string, opts ...Option) *Library {
	lib := &Library{
		dir:    dir,
		logger: nopLogger,
		md:     goldmark.New(),
	}
	for _, opt := range opts {
		opt(lib)
	}
	return lib
}

// Load reads every .md file in the directory and rebuilds the entry set.
// A missing directory is an empty library. Load may be called again to
// pick up edits.
func (lib *Library) Load(ctx context.Context) error {
	dirents, err := os.ReadDir(lib.dir)
	if os.IsNotExist(err) {
		lib.mu.Lock()
		lib.entries = nil
		lib.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("playbook: read dir: %w", err)
	}

	var entries []Entry
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			continue
		}
		path := filepath.Join(lib.dir, name)
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("playbook: read %s: %w", name, err)
		}
		parsed := lib.parse(path, src)
		if len(parsed) == 0 {
			lib.logger.Warn("playbook file has no headings, skipping", "file", name)
			continue
		}
		entries = append(entries, parsed...)
	}

	// Directory order is not contractual; sort for a stable tie-break in Match.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].Title < entries[j].Title
	})

	lib.mu.Lock()
	lib.entries = entries
	lib.mu.Unlock()
	lib.logger.Debug("playbooks loaded", "dir", lib.dir, "entries", len(entries))
	return nil
}

// Entries returns the loaded playbooks.
func (lib *Library) Entries() []Entry {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	out := make([]Entry, len(lib.entries))
	copy(out, lib.entries)
	return out
}

// Match scores the query's tokens against each entry's heading terms and
// returns the best entry's body. Terms from the entry's own title count
// double. Returns "" when no entry shares a term with the query.
func (lib *Library) Match(ctx context.Context, query string) (string, error) {
	terms := dedupe(tokenize(query))
	if len(terms) == 0 {
		return "", nil
	}

	lib.mu.RLock()
	defer lib.mu.RUnlock()

	bestIdx, bestScore := -1, 0
	for i := range lib.entries {
		e := &lib.entries[i]
		score := 0
		for _, t := range terms {
			if e.titleTerms[t] {
				score += 2
			} else if e.headTerms[t] {
				score++
			}
		}
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx < 0 {
		return "", nil
	}
	return lib.entries[bestIdx].Body, nil
}

// parse splits one markdown file into entries at top-level headings using the
// goldmark AST. The body keeps the raw markdown, heading line included.
func (lib *Library) parse(path string, src []byte) []Entry {
	doc := lib.md.Parser().Parse(text.NewReader(src))

	type headingMark struct {
		level int
		title string
		start int // byte offset of the heading line in src
	}
	var marks []headingMark

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		h := n.(*ast.Heading)
		if h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		marks = append(marks, headingMark{
			level: h.Level,
			title: nodeText(h, src),
			start: lineStart(src, h.Lines().At(0).Start),
		})
		return ast.WalkContinue, nil
	})

	var entries []Entry
	for i, m := range marks {
		if m.level > entryHeadingLevel {
			continue
		}
		// Body runs to the next entry-level heading or EOF.
		end := len(src)
		for j := i + 1; j < len(marks); j++ {
			if marks[j].level <= entryHeadingLevel {
				end = marks[j].start
				break
			}
		}
		e := Entry{
			Title:      m.title,
			Body:       strings.TrimSpace(string(src[m.start:end])),
			Path:       path,
			titleTerms: make(map[string]bool),
			headTerms:  make(map[string]bool),
		}
		for _, t := range tokenize(m.title) {
			e.titleTerms[t] = true
		}
		// Sub-headings inside the section feed the keyword set too.
		for j := i + 1; j < len(marks) && marks[j].start < end; j++ {
			for _, t := range tokenize(marks[j].title) {
				e.headTerms[t] = true
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// nodeText collects the plain text under a node.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// lineStart walks back from offset to the start of its line.
func lineStart(src []byte, offset int) int {
	for offset > 0 && src[offset-1] != '\n' {
		offset--
	}
	return offset
}

// tokenize splits text into lowercase match tokens. Hyphenated words are
// kept whole and also split into parts.
func tokenize(s string) []string {
	lower := strings.ToLower(s)
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

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
