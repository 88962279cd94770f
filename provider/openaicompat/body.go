package openaicompat

import (
	cairn "github.com/go-cairn/cairn"
)

// chatBody is the chat completions request payload.
type chatBody struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamOptions requests a final usage chunk on streaming responses.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// buildBody converts a cairn.ChatRequest into the wire payload. Timestamps
// are a transcript concern and never leave the process. Temperature zero
// means unset, so the provider default applies.
func buildBody(req cairn.ChatRequest, model string, stream bool) chatBody {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	body := chatBody{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}
