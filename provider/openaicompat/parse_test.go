package openaicompat

import (
	"encoding/json"
	"testing"
)

func TestParseResponse(t *testing.T) {
	raw := `{
		"id": "chatcmpl-1",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
	}`
	var wire chatCompletion
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := parseResponse(wire)
	if resp.Content != "Hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestParseResponse_EmptyChoices(t *testing.T) {
	resp := parseResponse(chatCompletion{ID: "chatcmpl-2"})
	if resp.Content != "" {
		t.Errorf("content = %q, want empty", resp.Content)
	}
	if resp.Usage.InputTokens != 0 || resp.Usage.OutputTokens != 0 {
		t.Errorf("usage = %+v, want zero", resp.Usage)
	}
}

func TestParseResponse_NoUsage(t *testing.T) {
	resp := parseResponse(chatCompletion{
		Choices: []choice{{Message: &choiceMessage{Content: "ok"}}},
	})
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 0 || resp.Usage.OutputTokens != 0 {
		t.Errorf("usage = %+v, want zero", resp.Usage)
	}
}
