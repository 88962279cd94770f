package cairn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryRecoversAfterTransientErrors(t *testing.T) {
	p := &scriptedProvider{failFirst: 2, response: "ok"}
	llm := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	resp, err := llm.Chat(context.Background(), ChatRequest{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := &scriptedProvider{failFirst: 10}
	llm := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := llm.Chat(context.Background(), ChatRequest{})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("expected 503 after exhaustion, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
}

func TestRetrySkipsNonTransientErrors(t *testing.T) {
	p := &scriptedProvider{failFirst: 1, failErr: &Error{Kind: KindValidation, Message: "bad request"}}
	llm := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := llm.Chat(context.Background(), ChatRequest{})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
}

func TestRetryHonorsRetryAfterFloor(t *testing.T) {
	p := &scriptedProvider{
		failFirst: 1,
		failErr:   &ErrHTTP{Status: 429, Body: "slow down", RetryAfter: 50 * time.Millisecond},
		response:  "ok",
	}
	llm := WithRetry(p, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	start := time.Now()
	_, err := llm.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Errorf("retried after %v, want Retry-After floor of 50ms", elapsed)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	p := &scriptedProvider{failFirst: 10}
	llm := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := llm.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("backoff did not respect context cancellation")
	}
}

func TestRetryStreamRetriesBeforeFirstToken(t *testing.T) {
	p := &scriptedProvider{streamErr: &ErrHTTP{Status: 503}}
	llm := WithRetry(p, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	ch := make(chan string, 8)
	_, err := llm.ChatStream(context.Background(), ChatRequest{}, ch)
	if got := collectStream(t, ch); len(got) != 0 {
		t.Errorf("tokens = %v, want none", got)
	}
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("expected 503, got %v", err)
	}
	if p.streamCalls != 2 {
		t.Errorf("streamCalls = %d, want 2", p.streamCalls)
	}
}

func TestRetryStreamPassesThroughAfterTokens(t *testing.T) {
	p := &scriptedProvider{tokens: []string{"partial"}, streamErr: &ErrHTTP{Status: 503}}
	llm := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	ch := make(chan string, 8)
	_, err := llm.ChatStream(context.Background(), ChatRequest{}, ch)
	if got := collectStream(t, ch); len(got) != 1 || got[0] != "partial" {
		t.Errorf("tokens = %v", got)
	}
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("expected error passthrough, got %v", err)
	}
	if p.streamCalls != 1 {
		t.Errorf("streamCalls = %d, want 1 (no retry once tokens flowed)", p.streamCalls)
	}
}

func TestRetryStreamSuccessForwardsTokens(t *testing.T) {
	p := &scriptedProvider{tokens: []string{"a", "b"}}
	llm := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	ch := make(chan string, 8)
	resp, err := llm.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got := collectStream(t, ch); len(got) != 2 {
		t.Errorf("tokens = %v", got)
	}
	if resp.Content != "ab" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestExpBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 4; i++ {
		d := expBackoff(base, i, 0)
		min := base * (1 << i)
		max := min + min/2
		if d < min || d > max {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i, d, min, max)
		}
	}
	if d := expBackoff(base, 10, 300*time.Millisecond); d > 300*time.Millisecond {
		t.Errorf("cap ignored: %v", d)
	}
}
