package openaicompat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	cairn "github.com/go-cairn/cairn"
)

func TestBuildBody(t *testing.T) {
	req := cairn.ChatRequest{
		Messages: []cairn.Message{
			{Role: cairn.RoleSystem, Content: "You are terse.", Timestamp: time.Now()},
			{Role: cairn.RoleUser, Content: "Hi"},
			{Role: cairn.RoleAssistant, Content: "Hello."},
			{Role: cairn.RoleUser, Content: "Bye"},
		},
		MaxTokens:   2048,
		Temperature: 0.7,
	}

	body := buildBody(req, "gpt-4o", false)

	if body.Model != "gpt-4o" {
		t.Errorf("model = %q", body.Model)
	}
	if len(body.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(body.Messages))
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	for i, m := range body.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	if body.MaxTokens != 2048 {
		t.Errorf("max_tokens = %d", body.MaxTokens)
	}
	if body.Temperature == nil || *body.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", body.Temperature)
	}
	if body.Stream || body.StreamOptions != nil {
		t.Error("non-streaming body must not set stream fields")
	}
}

func TestBuildBody_Stream(t *testing.T) {
	body := buildBody(cairn.ChatRequest{
		Messages: []cairn.Message{{Role: cairn.RoleUser, Content: "Hi"}},
	}, "gpt-4o", true)

	if !body.Stream {
		t.Error("expected stream=true")
	}
	if body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
		t.Error("expected stream_options.include_usage=true")
	}
}

func TestBuildBody_ZeroTemperatureOmitted(t *testing.T) {
	body := buildBody(cairn.ChatRequest{
		Messages: []cairn.Message{{Role: cairn.RoleUser, Content: "Hi"}},
	}, "gpt-4o", false)

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "temperature") {
		t.Errorf("zero temperature must be omitted from the wire: %s", raw)
	}
	if strings.Contains(string(raw), "timestamp") {
		t.Errorf("timestamps must not leave the process: %s", raw)
	}
}
