package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	cairn "github.com/go-cairn/cairn"
)

// streamSSE reads an SSE stream from body, forwards content deltas to ch, and
// returns the fully accumulated response. ch is closed when streaming
// completes. Callers read from ch in a separate goroutine; the context
// cancels channel sends when the consumer has gone away.
//
// Expected wire format:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (cairn.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Large buffer for providers that pack big deltas into one SSE line.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var usage cairn.Usage

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletion
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage.toUsage()
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk sent after the final delta.
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}

		content.WriteString(delta.Content)
		select {
		case ch <- delta.Content:
		case <-ctx.Done():
			return cairn.ChatResponse{}, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return cairn.ChatResponse{}, err
	}

	return cairn.ChatResponse{
		Content: content.String(),
		Usage:   usage,
	}, nil
}
