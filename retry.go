package cairn

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient HTTP
// errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff. It sits below the Caller policy layer: the Caller
// handles timeouts and the final fallback, this wrapper handles the
// rate-limit dance with Retry-After.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN and final failures at ERROR. Defaults to a no-op logger.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient HTTP errors (429,
// 503). Retries use exponential backoff with jitter; a server-sent
// Retry-After duration acts as the delay floor. Compose with any Provider:
//
//	llm := cairn.WithRetry(openaicompat.NewProvider(key, model, base))
//	llm := cairn.WithRetry(p, cairn.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatStream implements Provider with retry. Retries happen only while no
// tokens have been forwarded to ch; once streaming has started, errors pass
// through immediately so the client never sees duplicate content.
// ch is always closed before returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan string, 64)
		var (
			resp      ChatResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
		}()

		var tokensSent bool
		for tok := range mid {
			tokensSent = true
			ch <- tok
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || tokensSent {
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(streamErr),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepCtx(ctx, retryDelay(r.baseDelay, i, streamErr)); err != nil {
				close(ch)
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	close(ch)
	return ChatResponse{}, lastErr
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := expBackoff(base, i, 0)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between transient
// failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			if err := sleepCtx(ctx, retryDelay(base, i, err)); err != nil {
				return zero, err
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// expBackoff returns the delay for retry i (0-indexed): base * 2^i plus up
// to 50% random jitter, capped at max when max > 0.
func expBackoff(base time.Duration, i int, max time.Duration) time.Duration {
	exp := base * (1 << i)
	if max > 0 && exp > max {
		exp = max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	d := exp + jitter
	if max > 0 && d > max {
		d = max
	}
	return d
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
