package cairn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an error for routing decisions: what surfaces to the
// client, what is retried, and what is merely recorded in run metadata.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindEmbedding     Kind = "embedding"
	KindVectorize     Kind = "vectorize"
	KindPreprocessing Kind = "preprocessing"
	KindTool          Kind = "tool"
	KindTimeout       Kind = "timeout"
	KindTransport     Kind = "transport"
	KindInternal      Kind = "internal"
)

// Error is the platform's kinded error. Wrap lower-level causes in Err so
// errors.Is/As keep working through the chain.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain. Context deadline and
// cancellation map to KindTimeout; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var embed *ErrEmbedding
	if errors.As(err, &embed) {
		return KindEmbedding
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return KindTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// ErrEmbedding reports an embedding batch that failed after all retry
// attempts, or a response the embedder could not interpret.
type ErrEmbedding struct {
	Model     string
	BatchSize int
	Attempts  int
	Err       error
}

func (e *ErrEmbedding) Error() string {
	return fmt.Sprintf("embedding: model %s, batch %d, attempts %d: %v",
		e.Model, e.BatchSize, e.Attempts, e.Err)
}

func (e *ErrEmbedding) Unwrap() error { return e.Err }

// ErrHTTP is a non-2xx response from a provider or index backend. Status and
// Body are kept for logging; RetryAfter carries the parsed Retry-After
// header when the server sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Status, body)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
