package openaicompat

import (
	cairn "github.com/go-cairn/cairn"
)

// chatCompletion is the chat completions response payload. The same shape
// carries both full responses (Message) and streamed chunks (Delta).
type chatCompletion struct {
	ID      string      `json:"id"`
	Choices []choice    `json:"choices"`
	Usage   *usageBlock `json:"usage"`
}

type choice struct {
	Message      *choiceMessage `json:"message"`
	Delta        *choiceMessage `json:"delta"`
	FinishReason string         `json:"finish_reason"`
}

type choiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageBlock) toUsage() cairn.Usage {
	if u == nil {
		return cairn.Usage{}
	}
	return cairn.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
}

// parseResponse extracts content and usage from choices[0]. An empty choices
// array yields an empty response rather than an error; some gateways send
// keep-alive completions with no choices.
func parseResponse(wire chatCompletion) cairn.ChatResponse {
	var out cairn.ChatResponse
	if len(wire.Choices) > 0 && wire.Choices[0].Message != nil {
		out.Content = wire.Choices[0].Message.Content
	}
	out.Usage = wire.Usage.toUsage()
	return out
}
