package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"

	"movieanalyzer/internal/report"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
	minChunkSize        = 200

	metaSection = "section"
	metaAuthor  = "author"
	metaScore   = "score"

	SectionDetails  = "details"
	SectionComments = "comments"
)

// DocumentBuilder turns a movie report into retrievable chunks.
type DocumentBuilder struct {
	loader   *file.FileLoader
	splitter *Splitter
}

func NewDocumentBuilder(ctx context.Context, chunkSize, overlap int) (*DocumentBuilder, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init report parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init report loader: %w", err)
	}
	return &DocumentBuilder{
		loader:   loader,
		splitter: NewSplitter(chunkSize, overlap),
	}, nil
}

// FromFile loads the report file and splits it.
func (b *DocumentBuilder) FromFile(ctx context.Context, path string) ([]*schema.Document, error) {
	docs, err := b.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	return b.split(ctx, docs)
}

// FromText splits a report kept in memory, e.g. one restored from storage.
func (b *DocumentBuilder) FromText(ctx context.Context, text string) ([]*schema.Document, error) {
	return b.split(ctx, []*schema.Document{{ID: "report", Content: text}})
}

func (b *DocumentBuilder) split(ctx context.Context, docs []*schema.Document) ([]*schema.Document, error) {
	chunks, err := b.splitter.Transform(ctx, docs)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.New("report has no readable text content")
	}
	return chunks, nil
}

// Splitter is a document.Transformer that cuts a report into a details chunk
// and comment chunks that never mix two authors.
type Splitter struct {
	size    int
	overlap int
}

var _ document.Transformer = (*Splitter)(nil)

func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if size < minChunkSize {
		size = minChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}
	return &Splitter{size: size, overlap: overlap}
}

func (s *Splitter) Transform(ctx context.Context, src []*schema.Document, opts ...document.TransformerOption) ([]*schema.Document, error) {
	var out []*schema.Document
	for _, doc := range src {
		if doc == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, s.splitReport(doc)...)
	}
	return out, nil
}

func (s *Splitter) splitReport(doc *schema.Document) []*schema.Document {
	text := strings.ReplaceAll(doc.Content, "\r\n", "\n")
	details, comments := text, ""
	if idx := strings.Index(text, "\n"+report.CommentsHeader+"\n"); idx >= 0 {
		details = text[:idx]
		comments = text[idx+len(report.CommentsHeader)+2:]
	}

	var out []*schema.Document
	add := func(content string, meta map[string]any) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		out = append(out, &schema.Document{
			ID:       doc.ID + "#" + strconv.Itoa(len(out)),
			Content:  content,
			MetaData: meta,
		})
	}

	for _, part := range s.window(strings.TrimSpace(details)) {
		add(part, map[string]any{metaSection: SectionDetails})
	}
	for _, group := range strings.Split(comments, "\n"+report.GroupSeparator+"\n") {
		group = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(group), report.GroupSeparator))
		if group == "" {
			continue
		}
		author := authorOf(group)
		for _, part := range s.window(group) {
			if author != "" && !strings.HasPrefix(part, "Author: ") {
				part = "Author: " + author + "\n" + part
			}
			add(part, map[string]any{metaSection: SectionComments, metaAuthor: author})
		}
	}
	return out
}

// window cuts text into rune windows of s.size that overlap by s.overlap.
func (s *Splitter) window(text string) []string {
	runes := []rune(text)
	if len(runes) <= s.size {
		return []string{text}
	}
	step := s.size - s.overlap
	var parts []string
	for start := 0; start < len(runes); start += step {
		end := start + s.size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return parts
}

func authorOf(group string) string {
	first, _, _ := strings.Cut(group, "\n")
	if name, ok := strings.CutPrefix(first, "Author: "); ok {
		return strings.TrimSpace(name)
	}
	return ""
}

// Section reports which part of the report a chunk came from.
func Section(doc *schema.Document) string {
	if doc == nil || doc.MetaData == nil {
		return ""
	}
	v, _ := doc.MetaData[metaSection].(string)
	return v
}
