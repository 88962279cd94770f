package cairn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"kinded", &Error{Kind: KindForbidden, Message: "nope"}, KindForbidden},
		{"wrapped kinded", fmt.Errorf("node retrieve: %w", &Error{Kind: KindValidation}), KindValidation},
		{"embedding", &ErrEmbedding{Model: "m", Err: errors.New("boom")}, KindEmbedding},
		{"http", &ErrHTTP{Status: 503}, KindTransport},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"cancelled", context.Canceled, KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: KindOf = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	cause := errors.New("tcp reset")
	cases := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindTransport, Message: "call failed", Err: cause}, "transport: call failed: tcp reset"},
		{&Error{Kind: KindValidation, Message: "empty userId"}, "validation: empty userId"},
		{&Error{Kind: KindTransport, Err: cause}, "transport: tcp reset"},
		{&Error{Kind: KindInternal}, "internal"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := &ErrHTTP{Status: 429}
	err := &Error{Kind: KindTransport, Message: "rate limited", Err: cause}
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Errorf("expected ErrHTTP through Unwrap, got %v", err)
	}
}

func TestErrHTTPTruncatesBody(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	err := &ErrHTTP{Status: 500, Body: string(long)}
	if got := err.Error(); len(got) > 250 {
		t.Errorf("body not truncated: %d chars", len(got))
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := ParseRetryAfter(" 5 "); got != 5*time.Second {
		t.Errorf("padded seconds form = %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
	if got := ParseRetryAfter("-5"); got != 0 {
		t.Errorf("negative = %v", got)
	}

	future := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(future); got <= time.Hour {
		t.Errorf("future date = %v, want > 1h", got)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("past date = %v, want 0", got)
	}
}
