// Package skill loads directory-backed skill groups and lets the model
// save new ones at runtime.
//
// Each skill lives in its own directory as a SKILL.md file: an optional
// frontmatter block with name and description, then the instruction body
// that is injected into the prompt when the skill is in focus.
package skill

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

const skillFileName = "SKILL.md"

// Option configures a Library.
type Option func(*Library)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var nopLogger = slog.New(discardHandler{})

// Library is a directory of skills. It serves the loaded groups to the
// intent analyzer and the skill-focus injector.
type Library struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	groups []dazee.SkillGroup
}

var _ dazee.SkillSource = (*Library)(nil)

// NewLibrary creates a skill library rooted at dir. Call Load before use.
func NewLibrary(dir string, opts ...Option) *Library {
	l := &Library{dir: dir, logger: nopLogger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every skill directory under the library root. A missing root
// is treated as an empty library.
func (l *Library) Load(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.groups = nil
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("skill: read dir: %w", err)
	}

	var groups []dazee.SkillGroup
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(l.dir, e.Name(), skillFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("skill unreadable, skipping", "path", path, "error", err)
			}
			continue
		}
		g := parseSkillFile(e.Name(), string(data))
		if strings.TrimSpace(g.Instruction) == "" {
			l.logger.Warn("skill has no instructions, skipping", "path", path)
			continue
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	l.mu.Lock()
	l.groups = groups
	l.mu.Unlock()
	l.logger.Debug("skills loaded", "dir", l.dir, "count", len(groups))
	return nil
}

// Groups lists the loaded skill groups.
func (l *Library) Groups(ctx context.Context) ([]dazee.SkillGroup, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]dazee.SkillGroup, len(l.groups))
	copy(out, l.groups)
	return out, nil
}

// Focus returns the instruction text for the named groups, "" when none
// match. Names are matched case-insensitively.
func (l *Library) Focus(ctx context.Context, names []string) (string, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(strings.TrimSpace(n))] = true
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var parts []string
	for _, g := range l.groups {
		if !want[strings.ToLower(g.Name)] {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Skill: %s\n\n%s", g.Name, strings.TrimSpace(g.Instruction)))
	}
	return strings.Join(parts, "\n\n"), nil
}

// Save writes a skill to disk and makes it immediately available. An
// existing skill with the same name is overwritten.
func (l *Library) Save(ctx context.Context, name, description, instruction string) error {
	slug := slugify(name)
	if slug == "" {
		return fmt.Errorf("skill: name %q has no usable characters", name)
	}

	dir := filepath.Join(l.dir, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("skill: mkdir: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "name: %s\n", slug)
	if description != "" {
		fmt.Fprintf(&b, "description: %s\n", description)
	}
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n")

	if err := os.WriteFile(filepath.Join(dir, skillFileName), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("skill: write: %w", err)
	}

	return l.Load(ctx)
}

// parseSkillFile parses a SKILL.md. The frontmatter block is optional;
// the directory name is the fallback skill name.
func parseSkillFile(dirName, src string) dazee.SkillGroup {
	g := dazee.SkillGroup{Name: dirName}
	body := src

	if strings.HasPrefix(src, "---\n") {
		rest := src[len("---\n"):]
		if end := strings.Index(rest, "\n---"); end >= 0 {
			for _, line := range strings.Split(rest[:end], "\n") {
				key, value, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				value = strings.TrimSpace(value)
				switch strings.TrimSpace(key) {
				case "name":
					if value != "" {
						g.Name = value
					}
				case "description":
					g.Description = value
				}
			}
			body = rest[end+len("\n---"):]
		}
	}

	g.Instruction = strings.TrimSpace(body)
	return g
}

// slugify lowercases the name and keeps letters, digits, and hyphens.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
