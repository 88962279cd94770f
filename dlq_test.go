package cairn

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseDLQEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		entry DLQEntry
	}{
		{
			"parse error",
			NewParseError(errors.New("missing id"), []byte(`{"userId":"u1"}`)),
		},
		{
			"embed error",
			NewEmbedError(errors.New("rate limit"), ContentEvent{ID: "c1", UserID: "u1", Version: 2}, 1),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.entry)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got := ParseDLQEntry(raw)
			if got.Kind != tc.entry.Kind {
				t.Fatalf("kind = %q, want %q", got.Kind, tc.entry.Kind)
			}
			switch got.Kind {
			case DLQParseError:
				if got.Error != tc.entry.Error {
					t.Errorf("error = %q, want %q", got.Error, tc.entry.Error)
				}
				if string(got.OriginalMessage) != string(tc.entry.OriginalMessage) {
					t.Errorf("originalMessage = %q, want %q", got.OriginalMessage, tc.entry.OriginalMessage)
				}
			case DLQEmbedError:
				if got.Err != tc.entry.Err {
					t.Errorf("err = %q, want %q", got.Err, tc.entry.Err)
				}
				if got.Job == nil || got.Job.ID != "c1" {
					t.Errorf("job = %+v, want id c1", got.Job)
				}
				if got.Attempts != 1 {
					t.Errorf("attempts = %d, want 1", got.Attempts)
				}
			}
		})
	}
}

func TestParseDLQEntryRejectsUnknown(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "!!garbage!!"},
		{"unknown kind", `{"kind":"mystery","err":"x"}`},
		{"missing kind", `{"err":"boom"}`},
		{"embed error without job", `{"kind":"embed_error","err":"boom","attempts":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseDLQEntry([]byte(tc.raw))
			if got.Kind != DLQUnknown {
				t.Fatalf("kind = %q, want %q", got.Kind, DLQUnknown)
			}
			if string(got.Raw) != tc.raw {
				t.Errorf("raw = %q, want original bytes preserved", got.Raw)
			}
		})
	}
}

func TestNewParseErrorPreservesOriginal(t *testing.T) {
	original := []byte(`{"userId":"u1"}`)
	entry := NewParseError(errors.New("content event: empty id"), original)

	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// originalMessage still identifies the user after a wire round trip.
	decoded := ParseDLQEntry(raw)
	if !strings.Contains(string(decoded.OriginalMessage), `"userId":"u1"`) {
		t.Errorf("originalMessage lost payload: %q", decoded.OriginalMessage)
	}
	// Mutating the caller's buffer must not change the entry.
	original[2] = 'X'
	if strings.Contains(string(entry.OriginalMessage), "X") {
		t.Error("entry aliases the caller's buffer")
	}
}

func TestNewEmbedErrorNilCause(t *testing.T) {
	entry := NewEmbedError(nil, ContentEvent{ID: "c1"}, 0)
	if entry.Err == "" {
		t.Fatal("nil cause must still produce a message")
	}
}
