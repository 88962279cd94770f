package ingest

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeTrimsAndCollapses(t *testing.T) {
	c := NewChunker()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "   \t\n  ", ""},
		{"trim", "  hello  ", "hello"},
		{"collapse spaces", "a  \t b", "a b"},
		{"collapse newlines", "a\n\n\nb", "a\nb"},
		{"windows newlines", "a\r\n\r\nb", "a\nb"},
		{"keeps single newline", "a\nb", "a\nb"},
		{"keeps punctuation", `a.b,c?d!e;f:g(h)i[j]k{l}m"n'o` + "`p-q", `a.b,c?d!e;f:g(h)i[j]k{l}m"n'o` + "`p-q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeReplacesOutsideCharset(t *testing.T) {
	c := NewChunker()

	// Replacement runs after collapsing, so replaced runs are not merged.
	if got := c.Normalize("a@b"); got != "a b" {
		t.Errorf("got %q, want %q", got, "a b")
	}
	if got := c.Normalize("a@@b"); got != "a  b" {
		t.Errorf("replacement must not re-collapse: got %q, want %q", got, "a  b")
	}
	// Each non-ASCII rune becomes exactly one space. Trim happens before
	// replacement, so the replacement spaces survive.
	if got := c.Normalize("héllo"); got != "h llo" {
		t.Errorf("got %q, want %q", got, "h llo")
	}
	if got := c.Normalize("日本"); got != "  " {
		t.Errorf("got %q, want two spaces", got)
	}
}

func TestChunkEmpty(t *testing.T) {
	c := NewChunker()
	if chunks := c.Chunk(""); len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
}

func TestChunkShortTextSingleChunk(t *testing.T) {
	c := NewChunker()
	text := "A short note about nothing in particular."
	chunks := c.Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != text {
		t.Errorf("chunk = %q, want %q", chunks[0], text)
	}
}

func TestChunkExactBoundary(t *testing.T) {
	c := NewChunker(WithMaxChunkSize(50), WithMinChunkSize(5), WithOverlapSize(10))
	text := strings.Repeat("x", 50)
	chunks := c.Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("text of exactly maxChunkSize should be one chunk, got %d", len(chunks))
	}
}

func TestChunkPrefersSentenceBreak(t *testing.T) {
	// 120 chars of filler, a sentence break, then more filler. With
	// maxChunkSize 150 the hard cut lands past the break; the chunker must
	// cut at ". " instead.
	c := NewChunker(WithMaxChunkSize(150), WithMinChunkSize(10), WithOverlapSize(20))
	text := strings.Repeat("a", 118) + ". " + strings.Repeat("b", 200)
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], ".") {
		t.Errorf("first chunk should end at the sentence break, got suffix %q", tail(chunks[0], 10))
	}
}

func TestChunkBreakPreferenceOrder(t *testing.T) {
	// Window contains both a newline (later) and a ". " (earlier). The
	// sentence break is preferred despite the newline's later position.
	c := NewChunker(WithMaxChunkSize(100), WithMinChunkSize(5), WithOverlapSize(10))
	text := strings.Repeat("a", 50) + ". " + strings.Repeat("b", 30) + "\n" + strings.Repeat("c", 100)
	chunks := c.Chunk(text)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	if !strings.HasSuffix(chunks[0], ".") {
		t.Errorf("expected cut at %q, got chunk ending %q", ". ", tail(chunks[0], 10))
	}
}

func TestChunkLaterBreakWins(t *testing.T) {
	// Two sentence breaks inside the search window: the later one produces
	// the larger chunk and must win.
	c := NewChunker(WithMaxChunkSize(100), WithMinChunkSize(5), WithOverlapSize(10))
	text := strings.Repeat("a", 20) + ". " + strings.Repeat("b", 40) + ". " + strings.Repeat("c", 100)
	chunks := c.Chunk(text)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	want := strings.Repeat("a", 20) + ". " + strings.Repeat("b", 40) + "."
	if chunks[0] != want {
		t.Errorf("first chunk = %q, want %q", chunks[0], want)
	}
}

func TestChunkFallsBackToLastSpace(t *testing.T) {
	c := NewChunker(WithMaxChunkSize(60), WithMinChunkSize(5), WithOverlapSize(10))
	text := strings.Repeat("x", 40) + " " + strings.Repeat("y", 80)
	chunks := c.Chunk(text)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	if chunks[0] != strings.Repeat("x", 40) {
		t.Errorf("first chunk = %q, want 40 x's", chunks[0])
	}
}

func TestChunkHardCutWithoutSpaces(t *testing.T) {
	c := NewChunker(WithMaxChunkSize(50), WithMinChunkSize(5), WithOverlapSize(10))
	text := strings.Repeat("z", 120)
	chunks := c.Chunk(text)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	if len(chunks[0]) != 50 {
		t.Errorf("first chunk length = %d, want hard cut at 50", len(chunks[0]))
	}
}

func TestChunkOverlap(t *testing.T) {
	c := NewChunker(WithMaxChunkSize(50), WithMinChunkSize(5), WithOverlapSize(10))
	text := strings.Repeat("z", 200)
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// Consecutive all-z chunks share the 10-char overlap: the second chunk
	// starts 40 characters after the first.
	if got := chunks[1][:10]; got != strings.Repeat("z", 10) {
		t.Errorf("second chunk should start inside the first chunk's tail, got %q", got)
	}
}

func TestChunkSizeInvariants(t *testing.T) {
	c := NewChunker()
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 600)
	chunks := c.Chunk(c.Normalize(text))
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch) > DefaultMaxChunkSize {
			t.Errorf("chunk %d length %d exceeds max %d", i, len(ch), DefaultMaxChunkSize)
		}
		if i < len(chunks)-1 && len(ch) < DefaultMinChunkSize {
			t.Errorf("chunk %d length %d below min %d", i, len(ch), DefaultMinChunkSize)
		}
	}
}

func TestChunkRepeatedSentences(t *testing.T) {
	c := NewChunker()
	text := strings.Repeat("Hello world. ", 2000)
	chunks := c.Process(text)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks for ~26kB at max 8000 / overlap 200, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if !strings.HasPrefix(ch, "Hello") && !strings.Contains(ch[:20], "world") {
			t.Errorf("chunk %d starts oddly: %q", i, ch[:20])
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	c := NewChunker()
	text := strings.Repeat("Some content with sentences. And more of them! Yes? ", 500)
	a := c.Process(text)
	b := c.Process(text)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkForwardProgress(t *testing.T) {
	// Pathological config: overlap nearly as large as max. The constructor
	// clamps it so the loop still terminates.
	c := NewChunker(WithMaxChunkSize(120), WithMinChunkSize(5), WithOverlapSize(500))
	text := strings.Repeat("w ", 600)
	done := make(chan []string, 1)
	go func() { done <- c.Chunk(text) }()
	select {
	case chunks := <-done:
		if len(chunks) == 0 {
			t.Error("expected chunks")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chunker did not terminate")
	}
}

func TestProcessEqualsChunkOfNormalize(t *testing.T) {
	c := NewChunker()
	text := "  Mixed   content\n\n\nwith über-chars™ and  spacing. " + strings.Repeat("More text here. ", 700)
	got := c.Process(text)
	want := c.Chunk(c.Normalize(text))
	if len(got) != len(want) {
		t.Fatalf("Process produced %d chunks, Chunk∘Normalize produced %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("chunk %d differs", i)
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
