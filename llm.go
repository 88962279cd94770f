package cairn

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// DefaultApology is returned by the Caller once every attempt against the
// provider has failed. Deployments can replace it with CallerApology.
const DefaultApology = "I'm sorry, I'm having trouble generating a response right now. Please try again in a moment."

// testModeResponse is the canned output used when no provider is bound.
const testModeResponse = "No language model is configured. This is a canned test-mode response."

// CallResult is the outcome of one adapter call. FellBack marks Text as
// the apology fallback after exhausted attempts; Err then carries the final
// provider error so callers can record it in run metadata. A stream that
// died after its first token returns the partial Text with Err set and
// FellBack false.
type CallResult struct {
	Text     string
	Usage    Usage
	FellBack bool
	Err      error
}

// Caller is the single policy layer in front of a Provider: timeouts,
// bounded retry, and the apology fallback live here and nowhere else.
// Sync calls get a 60s timeout and one retry on transport or timeout
// errors. Streams get a 120s wall clock, a 30s inter-token gap limit, and
// never retry once the first token is out. A nil provider switches the
// Caller into test mode, answering with a canned string (sync) or a
// one-chunk stream.
type Caller struct {
	provider      Provider
	syncTimeout   time.Duration
	streamTimeout time.Duration
	tokenGap      time.Duration
	retries       int
	apology       string
	logger        *slog.Logger
	tracer        Tracer
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// CallerSyncTimeout sets the per-attempt timeout for Call (default: 60s).
func CallerSyncTimeout(d time.Duration) CallerOption {
	return func(c *Caller) { c.syncTimeout = d }
}

// CallerStreamTimeout sets the wall-clock limit for CallStream
// (default: 120s).
func CallerStreamTimeout(d time.Duration) CallerOption {
	return func(c *Caller) { c.streamTimeout = d }
}

// CallerTokenGap sets the maximum silence between stream tokens
// (default: 30s).
func CallerTokenGap(d time.Duration) CallerOption {
	return func(c *Caller) { c.tokenGap = d }
}

// CallerRetries sets extra sync attempts after the first (default: 1).
func CallerRetries(n int) CallerOption {
	return func(c *Caller) { c.retries = n }
}

// CallerApology replaces the fallback message.
func CallerApology(msg string) CallerOption {
	return func(c *Caller) { c.apology = msg }
}

// CallerLogger sets the structured logger (default: no-op).
func CallerLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) { c.logger = l }
}

// CallerTracer sets the tracer for call spans (default: none).
func CallerTracer(t Tracer) CallerOption {
	return func(c *Caller) { c.tracer = t }
}

// NewCaller wraps provider with the adapter policy. provider may be nil
// for test mode.
func NewCaller(provider Provider, opts ...CallerOption) *Caller {
	c := &Caller{
		provider:      provider,
		syncTimeout:   60 * time.Second,
		streamTimeout: 120 * time.Second,
		tokenGap:      30 * time.Second,
		retries:       1,
		apology:       DefaultApology,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// Call sends a non-streaming request. The returned error is non-nil only
// when ctx itself ended; provider failures resolve to the apology fallback
// with FellBack set.
func (c *Caller) Call(ctx context.Context, messages []Message, opts RunOptions) (CallResult, error) {
	if c.provider == nil {
		return CallResult{Text: testModeResponse}, nil
	}
	var span Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "llm.call", StringAttr("provider", c.provider.Name()))
		defer span.End()
	}

	req := ChatRequest{Messages: messages, MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}
	attempts := c.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.syncTimeout)
		resp, err := c.provider.Chat(callCtx, req)
		cancel()
		if err == nil {
			return CallResult{Text: resp.Content, Usage: resp.Usage}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return CallResult{}, ctx.Err()
		}
		kind := KindOf(err)
		if kind != KindTransport && kind != KindTimeout {
			break
		}
		if attempt < attempts {
			c.logger.Warn("llm call failed, retrying",
				"provider", c.provider.Name(),
				"attempt", attempt,
				"error", err)
		}
	}

	c.logger.Error("llm call exhausted, returning fallback",
		"provider", c.provider.Name(),
		"attempts", attempts,
		"error", lastErr)
	if span != nil {
		span.Error(lastErr)
	}
	return CallResult{Text: c.apology, FellBack: true, Err: lastErr}, nil
}

// CallStream streams tokens into out as they arrive and returns the full
// accumulated text. out is closed exactly once before returning, on every
// path. When the stream fails before its first token, the apology is sent
// as a single chunk and FellBack is set; a failure after the first token
// ends the stream cleanly with the partial text and Err set. The returned
// error is non-nil only when ctx itself ended.
func (c *Caller) CallStream(ctx context.Context, messages []Message, opts RunOptions, out chan<- string) (CallResult, error) {
	closed := false
	closeOut := func() {
		if !closed {
			closed = true
			close(out)
		}
	}
	defer closeOut()

	if c.provider == nil {
		select {
		case out <- testModeResponse:
		case <-ctx.Done():
			return CallResult{}, ctx.Err()
		}
		return CallResult{Text: testModeResponse}, nil
	}
	var span Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "llm.stream", StringAttr("provider", c.provider.Name()))
		defer span.End()
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	req := ChatRequest{Messages: messages, MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}
	mid := make(chan string, 64)
	type outcome struct {
		resp ChatResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := c.provider.ChatStream(streamCtx, req, mid)
		done <- outcome{resp, err}
	}()

	var (
		text        strings.Builder
		tokenCount  int
		gapExceeded bool
	)
	gap := time.NewTimer(c.tokenGap)
	defer gap.Stop()

receive:
	for {
		select {
		case tok, ok := <-mid:
			if !ok {
				break receive
			}
			tokenCount++
			text.WriteString(tok)
			select {
			case out <- tok:
			case <-ctx.Done():
				cancel()
				for range mid {
				}
				break receive
			}
			if !gap.Stop() {
				select {
				case <-gap.C:
				default:
				}
			}
			gap.Reset(c.tokenGap)
		case <-gap.C:
			gapExceeded = true
			cancel()
			for range mid {
			}
			break receive
		case <-ctx.Done():
			cancel()
			for range mid {
			}
			break receive
		}
	}
	res := <-done

	if ctx.Err() != nil {
		// Client gone: no apology, just report how far we got.
		return CallResult{Text: text.String()}, ctx.Err()
	}

	streamErr := res.err
	if gapExceeded {
		streamErr = &Error{
			Kind:    KindTimeout,
			Message: "inter-token gap exceeded",
			Err:     res.err,
		}
	}
	if streamErr != nil {
		if span != nil {
			span.Error(streamErr)
		}
		if tokenCount == 0 {
			c.logger.Error("llm stream failed before first token, streaming fallback",
				"provider", c.provider.Name(),
				"error", streamErr)
			select {
			case out <- c.apology:
			case <-ctx.Done():
				return CallResult{}, ctx.Err()
			}
			return CallResult{Text: c.apology, FellBack: true, Err: streamErr}, nil
		}
		c.logger.Warn("llm stream ended early",
			"provider", c.provider.Name(),
			"tokens", tokenCount,
			"error", streamErr)
		return CallResult{Text: text.String(), Err: streamErr}, nil
	}

	final := text.String()
	if final == "" {
		final = res.resp.Content
	}
	if span != nil {
		span.SetAttr(IntAttr("tokens", tokenCount))
	}
	return CallResult{Text: final, Usage: res.resp.Usage}, nil
}
