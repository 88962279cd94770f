// Package ingest implements the asynchronous indexing side of the platform:
// text normalization and chunking, mime-aware preprocessing, the embedding
// pipeline that consumes content events from a queue, and the dead-letter
// reprocessor that retries transient failures.
package ingest

import (
	"strings"
)

// Chunker defaults. A chunk never exceeds maxChunkSize characters; pieces
// shorter than minChunkSize are dropped (except when the whole text fits in
// one chunk); consecutive chunks share overlapSize characters of context.
const (
	DefaultMaxChunkSize = 8000
	DefaultMinChunkSize = 100
	DefaultOverlapSize  = 200

	// breakWindow is how far back from the hard cut a natural break point
	// is searched for.
	breakWindow = 100
)

// breakSeps are natural break points in preference order. Within the chosen
// separator the latest occurrence wins, producing the largest chunk.
var breakSeps = []string{". ", "! ", "? ", "\n\n", "\n"}

// Chunker splits normalized text into bounded, overlapping chunks at
// natural break points.
type Chunker struct {
	maxChunkSize int
	minChunkSize int
	overlapSize  int
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithMaxChunkSize sets the maximum chunk length in characters (default 8000).
func WithMaxChunkSize(n int) ChunkerOption {
	return func(c *Chunker) { c.maxChunkSize = n }
}

// WithMinChunkSize sets the minimum chunk length in characters (default 100).
func WithMinChunkSize(n int) ChunkerOption {
	return func(c *Chunker) { c.minChunkSize = n }
}

// WithOverlapSize sets the overlap between consecutive chunks (default 200).
func WithOverlapSize(n int) ChunkerOption {
	return func(c *Chunker) { c.overlapSize = n }
}

// NewChunker creates a Chunker. Out-of-range options are clamped so the
// chunk loop always makes forward progress: overlap must stay smaller than
// the max chunk size minus the break window.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		maxChunkSize: DefaultMaxChunkSize,
		minChunkSize: DefaultMinChunkSize,
		overlapSize:  DefaultOverlapSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxChunkSize < 1 {
		c.maxChunkSize = DefaultMaxChunkSize
	}
	if c.minChunkSize < 1 {
		c.minChunkSize = 1
	}
	if c.overlapSize < 0 {
		c.overlapSize = 0
	}
	if c.overlapSize >= c.maxChunkSize-breakWindow {
		c.overlapSize = max(0, c.maxChunkSize-breakWindow-1)
	}
	return c
}

// Normalize prepares raw text for chunking: trims, collapses runs of spaces
// and tabs to one space, collapses runs of newlines to one newline, then
// replaces every character outside the retained set with a space. The
// retained set is letters, digits, space, newline, and common punctuation:
//
//	A-Z a-z 0-9 space . , ? ! ; : ( ) [ ] { } " ' ` - \n
func (c *Chunker) Normalize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	var prevSpace, prevNewline bool
	for _, r := range text {
		switch {
		case r == '\n':
			if prevNewline {
				continue
			}
			b.WriteByte('\n')
			prevNewline = true
			prevSpace = false
		case r == ' ' || r == '\t' || r == '\f' || r == '\v':
			if prevSpace {
				continue
			}
			b.WriteByte(' ')
			prevSpace = true
			prevNewline = false
		default:
			b.WriteRune(r)
			prevSpace = false
			prevNewline = false
		}
	}

	return replaceOutsideCharset(b.String())
}

// replaceOutsideCharset maps every rune outside the retained set to a space.
// Runs this last, so replaced runs are not re-collapsed; that matches the
// documented normalization order.
func replaceOutsideCharset(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if retainedRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func retainedRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == ' ' || r == '\n':
		return true
	}
	switch r {
	case '.', ',', '?', '!', ';', ':', '(', ')', '[', ']', '{', '}', '"', '\'', '`', '-':
		return true
	}
	return false
}

// Chunk splits already-normalized text into overlapping chunks. Text that
// fits within maxChunkSize comes back as a single chunk even when shorter
// than minChunkSize; inside the loop, pieces below minChunkSize are dropped.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.maxChunkSize {
		return []string{text}
	}

	var chunks []string
	n := len(text)
	start := 0
	for {
		end := start + c.maxChunkSize
		if end < n {
			end = c.findBreak(text, start, end)
		} else {
			end = n
		}

		piece := strings.TrimSpace(text[start:end])
		if len(piece) >= c.minChunkSize {
			chunks = append(chunks, piece)
		}

		if end >= n {
			break
		}
		next := end - c.overlapSize
		if next <= start || next <= 0 || next >= n-c.minChunkSize {
			break
		}
		start = next
	}
	return chunks
}

// findBreak locates the best cut position in (start, end]. Separators are
// tried in preference order within the trailing breakWindow; the latest
// occurrence of the first matching separator wins, and the separator itself
// stays inside the chunk. With no separator present the last space before
// end is used, and with no space at all the hard cut stands.
func (c *Chunker) findBreak(text string, start, end int) int {
	windowStart := end - breakWindow
	if windowStart < start {
		windowStart = start
	}
	window := text[windowStart:end]

	for _, sep := range breakSeps {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return windowStart + i + len(sep)
		}
	}
	if i := strings.LastIndexByte(text[start:end], ' '); i > 0 {
		return start + i + 1
	}
	return end
}

// Process normalizes then chunks. Chunking never fails the caller: any
// panic inside the split falls back to a single best-effort chunk holding
// the normalized head of the text.
func (c *Chunker) Process(text string) (chunks []string) {
	defer func() {
		if r := recover(); r != nil {
			head := text
			if len(head) > c.maxChunkSize {
				head = head[:c.maxChunkSize]
			}
			if normalized := c.Normalize(head); normalized != "" {
				chunks = []string{normalized}
			} else {
				chunks = nil
			}
		}
	}()
	return c.Chunk(c.Normalize(text))
}
