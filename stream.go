package cairn

import "time"

// EventType names one member of the closed SSE event set. Consumers must
// reject anything outside this set at the boundary.
type EventType string

const (
	// EventWorkflowStep marks node entry and exit during a run.
	EventWorkflowStep EventType = "workflow_step"
	// EventAnswer carries either one incremental token or the final answer
	// text with its sources.
	EventAnswer EventType = "answer"
	// EventError reports a request-fatal error (the run still ends with done).
	EventError EventType = "error"
	// EventDone terminates every stream, success or failure.
	EventDone EventType = "done"
)

// Phase distinguishes node entry from node exit in workflow_step events.
type Phase string

const (
	PhaseEnter Phase = "enter"
	PhaseExit  Phase = "exit"
)

// Source is one citation in a final answer, 1-based in citation order.
type Source struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Event is one server-sent event. Type selects which payload fields are
// set; unused fields marshal away via omitempty.
type Event struct {
	Type EventType `json:"-"`

	// workflow_step
	Node      string `json:"node,omitempty"`
	Phase     Phase  `json:"phase,omitempty"`
	ElapsedMs int64  `json:"elapsedMs,omitempty"`

	// answer: incremental token or final text+sources
	Token   string   `json:"token,omitempty"`
	Text    string   `json:"text,omitempty"`
	Sources []Source `json:"sources,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// done
	RunID string `json:"runId,omitempty"`
}

// StepEnter builds the workflow_step event emitted when a node starts.
func StepEnter(node string) Event {
	return Event{Type: EventWorkflowStep, Node: node, Phase: PhaseEnter}
}

// StepExit builds the workflow_step event emitted when a node finishes.
func StepExit(node string, elapsed time.Duration) Event {
	return Event{Type: EventWorkflowStep, Node: node, Phase: PhaseExit, ElapsedMs: elapsed.Milliseconds()}
}

// TokenEvent builds an incremental answer event.
func TokenEvent(token string) Event {
	return Event{Type: EventAnswer, Token: token}
}

// FinalAnswer builds the final answer event with its citation list.
func FinalAnswer(text string, sources []Source) Event {
	return Event{Type: EventAnswer, Text: text, Sources: sources}
}

// ErrEvent builds an error event from a code and message.
func ErrEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// DoneEvent builds the terminal event for a run.
func DoneEvent(runID string) Event {
	return Event{Type: EventDone, RunID: runID}
}

// Error codes surfaced in EventError payloads.
const (
	CodeForbidden  = "FORBIDDEN"
	CodeValidation = "VALIDATION"
	CodeCancelled  = "CANCELLED"
	CodeLLM        = "LLM_UNAVAILABLE"
	CodeInternal   = "INTERNAL"
)

// ErrorCode maps an error kind to its SSE error code.
func ErrorCode(kind Kind) string {
	switch kind {
	case KindForbidden:
		return CodeForbidden
	case KindValidation:
		return CodeValidation
	case KindTimeout, KindTransport:
		return CodeLLM
	default:
		return CodeInternal
	}
}
