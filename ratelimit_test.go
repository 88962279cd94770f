package cairn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitPassthroughWithoutCaps(t *testing.T) {
	p := &scriptedProvider{response: "ok"}
	llm := WithRateLimit(p)

	for i := 0; i < 5; i++ {
		if _, err := llm.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("Chat %d: %v", i, err)
		}
	}
	if p.calls != 5 {
		t.Errorf("calls = %d, want 5", p.calls)
	}
	if llm.Name() != "scripted" {
		t.Errorf("Name = %q", llm.Name())
	}
}

func TestRateLimitAdmitsUnderRPM(t *testing.T) {
	p := &scriptedProvider{response: "ok"}
	llm := WithRateLimit(p, RPM(10))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := llm.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("Chat %d: %v", i, err)
		}
	}
	if time.Since(start) > time.Second {
		t.Error("calls under budget should not block")
	}
}

func TestRateLimitBlocksOverRPM(t *testing.T) {
	p := &scriptedProvider{response: "ok"}
	llm := WithRateLimit(p, RPM(1))

	if _, err := llm.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("first Chat: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := llm.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while waiting for window, got %v", err)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
}

func TestRateLimitTokenBudgetBlocks(t *testing.T) {
	// scriptedProvider reports 15 tokens per call; a 10-token budget admits
	// the first call and blocks the second until the window slides.
	p := &scriptedProvider{response: "ok"}
	llm := WithRateLimit(p, TPM(10))

	if _, err := llm.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("first Chat: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := llm.Chat(ctx, ChatRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while waiting for token window, got %v", err)
	}
}

func TestRateLimitStreamClosesChannelWhenBlocked(t *testing.T) {
	p := &scriptedProvider{tokens: []string{"x"}}
	llm := WithRateLimit(p, RPM(1))

	if _, err := llm.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ch := make(chan string, 4)
	_, err := llm.ChatStream(ctx, ChatRequest{}, ch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// The channel contract holds even on admission failure.
	if got := collectStream(t, ch); len(got) != 0 {
		t.Errorf("tokens = %v, want none", got)
	}
}
