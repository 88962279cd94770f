package cairn

import (
	"context"
	"fmt"
)

// maxHistoryMessages bounds the conversation tail sent to the model. The
// prompt budget covers the context section; the tail gets a simple cap.
const maxHistoryMessages = 20

// historyTail returns the most recent conversation messages, oldest first.
func historyTail(messages []Message) []Message {
	if len(messages) <= maxHistoryMessages {
		return messages
	}
	return messages[len(messages)-maxHistoryMessages:]
}

// docSources builds the citation list in doc order; indices are 1-based
// and match the [n] markers the prompt instructs the model to use.
func docSources(docs []Doc) []Source {
	if len(docs) == 0 {
		return nil
	}
	sources := make([]Source, len(docs))
	for i, d := range docs {
		sources[i] = Source{Index: i + 1, ID: d.ID, Title: d.Title}
	}
	return sources
}

// generateAnswer assembles the final prompt and streams the model's
// answer: one answer event per token, then a final answer event with the
// full text and citation sources, then the assistant message appended to
// the conversation. A stream that dies mid-way keeps its partial output;
// an adapter that never produced a token fails the run so the transport
// layer can surface the outage.
func (r *RAG) generateAnswer(ctx context.Context, state *AgentState) (*AgentState, error) {
	prompt := r.assembler.Build(state.Docs, state.Tasks.ToolResults, state.Options)
	messages := make([]Message, 0, maxHistoryMessages+1)
	messages = append(messages, SystemMessage(prompt))
	messages = append(messages, historyTail(state.Messages)...)

	tokens := make(chan string, 64)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for tok := range tokens {
			Emit(ctx, TokenEvent(tok))
		}
	}()
	res, err := r.caller.CallStream(ctx, messages, state.Options, tokens)
	<-forwarded
	if err != nil {
		return state, err
	}
	if res.FellBack {
		if res.Err == nil {
			return state, &Error{Kind: KindTransport, Message: "language model unavailable"}
		}
		return state, fmt.Errorf("language model unavailable: %w", res.Err)
	}
	if res.Err != nil {
		state.RecordError(NodeGenerateAnswer, res.Err)
		r.logger.Warn("answer stream ended early, keeping partial output",
			"runId", state.RunID,
			"error", res.Err)
	}

	Emit(ctx, FinalAnswer(res.Text, docSources(state.Docs)))
	state.Messages = append(state.Messages, AssistantMessage(res.Text))
	return state, nil
}
