package cairn

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting: requests
// block until the per-minute budgets allow them. Used to keep many
// concurrent runs inside one shared backend quota instead of bouncing off
// 429s.
type rateLimitProvider struct {
	inner  Provider
	logger *slog.Logger

	mu sync.Mutex
	// Sliding one-minute window of admitted request times.
	rpm      int
	requests []time.Time
	// Sliding one-minute window of completed-call token counts.
	tpm    int
	spends []tokenSpend
}

type tokenSpend struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM caps admitted requests per minute. Zero disables the request cap.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM caps tokens per minute, input and output combined, recorded from
// ChatResponse.Usage after each call. The limit is soft: the call that
// crosses it completes, and later calls block until the window slides.
// Zero disables the token cap.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// RateLimitLogger sets the structured logger; waits log at DEBUG.
func RateLimitLogger(l *slog.Logger) RateLimitOption {
	return func(r *rateLimitProvider) { r.logger = l }
}

// WithRateLimit wraps p with proactive rate limiting. Compose freely with
// the other provider wrappers:
//
//	llm := cairn.WithRateLimit(cairn.WithRetry(p), cairn.RPM(60))
//	llm := cairn.WithRateLimit(p, cairn.RPM(60), cairn.TPM(100_000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// admit blocks until both budgets have room, then records the request.
// Returns ctx.Err() if the context ends while waiting.
func (r *rateLimitProvider) admit(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		r.prune(cutoff)

		requestsOK := r.rpm <= 0 || len(r.requests) < r.rpm
		tokensOK := true
		if r.tpm > 0 {
			var total int
			for _, s := range r.spends {
				total += s.tokens
			}
			tokensOK = total < r.tpm
		}

		if requestsOK && tokensOK {
			if r.rpm > 0 {
				r.requests = append(r.requests, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry of whichever window is blocking
		// slides out of the minute.
		var wait time.Duration
		if !requestsOK && len(r.requests) > 0 {
			wait = r.requests[0].Add(time.Minute).Sub(now)
		}
		if !tokensOK && len(r.spends) > 0 {
			if w := r.spends[0].at.Add(time.Minute).Sub(now); wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		r.logger.Debug("rate limit wait", "provider", r.inner.Name(), "wait", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// recordUsage adds the call's token total to the TPM window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.spends = append(r.spends, tokenSpend{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// prune drops window entries older than cutoff. Both windows are
// append-only and time-sorted, so a prefix scan suffices. Caller holds mu.
func (r *rateLimitProvider) prune(cutoff time.Time) {
	i := 0
	for i < len(r.requests) && r.requests[i].Before(cutoff) {
		i++
	}
	r.requests = r.requests[i:]

	j := 0
	for j < len(r.spends) && r.spends[j].at.Before(cutoff) {
		j++
	}
	r.spends = r.spends[j:]
}

var _ Provider = (*rateLimitProvider)(nil)
