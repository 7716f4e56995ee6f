// Package ingest extracts model-readable text from chat attachments.
//
// Each attachment is dispatched to a format extractor by filename extension;
// unknown formats pass through as plain text. Input size and extracted text
// are both capped so one large upload cannot blow out the prompt.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

const (
	// DefaultMaxFileBytes is the largest attachment accepted.
	DefaultMaxFileBytes = 10 << 20
	// DefaultMaxTextRunes caps the extracted text inlined into the prompt.
	DefaultMaxTextRunes = 32000
)

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingester) { ing.logger = l }
}

// WithMaxFileBytes caps the raw attachment size.
func WithMaxFileBytes(n int64) Option {
	return func(ing *Ingester) { ing.maxFileBytes = n }
}

// WithMaxTextRunes caps the extracted text length.
func WithMaxTextRunes(n int) Option {
	return func(ing *Ingester) { ing.maxTextRunes = n }
}

// WithExtractor registers an Extractor for a content type, replacing the
// default for that type if one exists.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingester) { ing.extractors[ct] = e }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Ingester converts chat attachments to text fragments.
type Ingester struct {
	extractors   map[ContentType]Extractor
	maxFileBytes int64
	maxTextRunes int
	logger       *slog.Logger
}

var _ dazee.FileIngester = (*Ingester)(nil)

// New creates an Ingester with the built-in extractors registered.
func New(opts ...Option) *Ingester {
	ing := &Ingester{
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeHTML:      HTMLExtractor{},
			TypeMarkdown:  MarkdownExtractor{},
			TypeCSV:       NewCSVExtractor(),
			TypeJSON:      NewJSONExtractor(),
			TypePDF:       NewPDFExtractor(),
			TypeDOCX:      NewDOCXExtractor(),
		},
		maxFileBytes: DefaultMaxFileBytes,
		maxTextRunes: DefaultMaxTextRunes,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(ing)
	}
	return ing
}

// Ingest extracts text from the attachment, reading from its inline data or
// its local path. The result is truncated to the configured rune cap.
func (ing *Ingester) Ingest(ctx context.Context, f dazee.FileAttachment) (string, error) {
	content, err := ing.load(f)
	if err != nil {
		return "", err
	}

	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	ct := ContentTypeFromExtension(ext)

	extractor, ok := ing.extractors[ct]
	if !ok {
		extractor = PlainTextExtractor{}
	}

	text, err := extractor.Extract(content)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", ct, err)
	}

	truncated := truncateRunes(text, ing.maxTextRunes)
	if len(truncated) < len(text) {
		ing.logger.Debug("attachment text truncated", "name", name, "extracted", len(text), "kept", len(truncated))
		truncated += "\n\n[attachment truncated]"
	}
	return truncated, nil
}

// load returns the attachment bytes, enforcing the size cap. Inline data
// wins over a path when both are set.
func (ing *Ingester) load(f dazee.FileAttachment) ([]byte, error) {
	if len(f.Data) > 0 {
		if int64(len(f.Data)) > ing.maxFileBytes {
			return nil, fmt.Errorf("attachment %q is %d bytes, cap is %d", f.Name, len(f.Data), ing.maxFileBytes)
		}
		return f.Data, nil
	}
	if f.Path == "" {
		return nil, fmt.Errorf("attachment %q has neither data nor path", f.Name)
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", f.Name, err)
	}
	if info.Size() > ing.maxFileBytes {
		return nil, fmt.Errorf("attachment %q is %d bytes, cap is %d", f.Name, info.Size(), ing.maxFileBytes)
	}
	content, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", f.Name, err)
	}
	return content, nil
}

// truncateRunes cuts s to at most n runes without splitting one.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
