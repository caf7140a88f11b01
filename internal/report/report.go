package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"movieanalyzer/internal/models"
)

// Section headers of the rendered report. The rag package splits on them.
const (
	CommentsHeader = "Comments:"
	GroupSeparator = "---"

	continuationIndent = "  "
)

// Writer overwrites a single report file. Writes are serialized and atomic.
type Writer struct {
	path string
	mu   sync.Mutex
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the file the writer overwrites.
func (w *Writer) Path() string {
	return w.path
}

// Write renders the movie and replaces the report file with it, returning the text.
// fn, when not nil, runs while the file lock is still held so the caller can read back
// exactly the content it wrote.
func (w *Writer) Write(detail models.Detail, comments models.Comments, fn func(path string) error) (string, error) {
	const op = "report.Write"
	text := Render(detail, comments)

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%s: create directory: %w", op, err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("%s: create temp file: %w", op, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%s: write: %w", op, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%s: close: %w", op, err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%s: rename: %w", op, err)
	}
	if fn != nil {
		if err := fn(w.path); err != nil {
			return text, err
		}
	}
	return text, nil
}

// Render produces the human-readable dump of a movie and its comments.
// Continuation lines of multi-line values are indented so no value can
// start a line with a section header or separator.
func Render(detail models.Detail, comments models.Comments) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", indent(detail.Title))
	fmt.Fprintf(&b, "Year: %s\n", indent(detail.Year))
	fmt.Fprintf(&b, "Genres: %s\n", indent(detail.Genres))
	fmt.Fprintf(&b, "Plot: %s\n", indent(detail.Plot))
	fmt.Fprintf(&b, "Rating: %s\n", indent(detail.Rating))
	b.WriteString("\n")
	b.WriteString(CommentsHeader)
	b.WriteString("\n")
	for _, group := range comments {
		fmt.Fprintf(&b, "Author: %s\n", indent(group.Author))
		for _, c := range group.Comments {
			fmt.Fprintf(&b, "Comment: %s\n", indent(c))
		}
		b.WriteString(GroupSeparator)
		b.WriteString("\n")
	}
	return b.String()
}

func indent(value string) string {
	value = strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(value, "\n", "\n"+continuationIndent)
}
