package cairn

import (
	"context"
	"time"
)

const (
	defaultToolTimeout = 10 * time.Second
	defaultToolRetries = 2
	toolBackoffBase    = 100 * time.Millisecond
	toolBackoffCap     = time.Second
)

// runTool executes the routed tool: input validation, bounded invocation
// with exponential backoff, and the tool's fallback text when every
// attempt fails. Exactly one ToolResult is appended per visit, carrying
// either the output or the fallback plus the error. Tool trouble never
// fails the run.
func (r *RAG) runTool(ctx context.Context, state *AgentState) (*AgentState, error) {
	name := state.Tasks.ToolToRun
	if name == "" {
		return state, nil
	}
	params := state.Tasks.ToolParameters
	start := time.Now()

	record := func(output string, err error) {
		result := ToolResult{
			ToolName:        name,
			Input:           params,
			Output:          output,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Err = err.Error()
			state.RecordError(NodeRunTool, err)
		}
		state.Tasks.ToolResults = append(state.Tasks.ToolResults, result)
	}

	tool, ok := r.tools.Get(name)
	if !ok {
		err := &Error{Kind: KindTool, Message: "tool " + name + " not registered"}
		record("", err)
		return state, nil
	}
	if err := r.tools.ValidateInput(name, params); err != nil {
		record(tool.fallbackText(params, err), err)
		r.logger.Warn("tool input rejected",
			"runId", state.RunID,
			"tool", name,
			"error", err)
		return state, nil
	}

	var lastErr error
	for attempt := 0; attempt <= r.toolRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, expBackoff(toolBackoffBase, attempt-1, toolBackoffCap)); err != nil {
				record("", err)
				return state, nil
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
		output, err := tool.Execute(callCtx, params)
		cancel()
		if err == nil {
			record(output, nil)
			r.logger.Debug("tool complete",
				"runId", state.RunID,
				"tool", name,
				"elapsedMs", time.Since(start).Milliseconds())
			return state, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("tool attempt failed",
			"runId", state.RunID,
			"tool", name,
			"attempt", attempt+1,
			"error", err)
	}

	record(tool.fallbackText(params, lastErr), &Error{
		Kind:    KindTool,
		Message: "tool " + name + " exhausted retries",
		Err:     lastErr,
	})
	return state, nil
}
