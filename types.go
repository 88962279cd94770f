package cairn

import (
	"fmt"
	"time"
)

// PublicUserID is the sentinel user id marking content visible to every
// user. Queries filtered by a specific user always include public content
// (see Index.Query).
const PublicUserID = "public"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// UserMessage creates a user message stamped with the current time.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantMessage creates an assistant message stamped with the current time.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
}

// SystemMessage creates a system message stamped with the current time.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// ContentEvent announces that a piece of content was created, updated, or
// deleted. Producers publish it to the new-content queue; the embedding
// pipeline consumes it exactly once. ID must be non-empty; an empty UserID
// means the content is public.
type ContentEvent struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Category  string `json:"category"`
	MimeType  string `json:"mimeType"`
	CreatedAt int64  `json:"createdAt"`
	Version   uint32 `json:"version"`
	Deleted   bool   `json:"deleted"`
}

// Validate reports whether the event satisfies its schema.
func (e ContentEvent) Validate() error {
	if e.ID == "" {
		return &Error{Kind: KindValidation, Message: "content event: empty id"}
	}
	return nil
}

// Owner returns the effective owner id, mapping the empty UserID to
// PublicUserID.
func (e ContentEvent) Owner() string {
	if e.UserID == "" {
		return PublicUserID
	}
	return e.UserID
}

// ContentItem is a content event joined with its body from the content
// store. An empty body is not an error; the pipeline skips it with a
// warning.
type ContentItem struct {
	ContentEvent
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// Chunk is one bounded slice of normalized text. Index is contiguous from 0
// within a content item.
type Chunk struct {
	Index uint32 `json:"index"`
	Text  string `json:"text"`
}

// VectorMeta is the metadata stored alongside every vector.
type VectorMeta struct {
	UserID    string `json:"userId"`
	ContentID string `json:"contentId"`
	Category  string `json:"category"`
	MimeType  string `json:"mimeType"`
	CreatedAt int64  `json:"createdAt"`
	Version   uint32 `json:"version"`
}

// VectorRecord is one upsertable entry in the vector index. ID follows the
// "content:{contentId}:{chunkIndex}" scheme (see VectorID) so that re-runs
// of the pipeline overwrite rather than duplicate.
type VectorRecord struct {
	ID     string     `json:"id"`
	Values []float32  `json:"values"`
	Meta   VectorMeta `json:"metadata"`
}

// VectorMatch is one query result from the index, score descending.
type VectorMatch struct {
	ID    string     `json:"id"`
	Score float32    `json:"score"`
	Meta  VectorMeta `json:"metadata"`
}

// IndexStats summarizes the index contents.
type IndexStats struct {
	VectorCount int64 `json:"vectorCount"`
	Dimension   int   `json:"dimension"`
}

// Doc is one retrieved context document inside AgentState.
type Doc struct {
	ID        string    `json:"id"`
	Score     float32   `json:"score"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	SourceRef string    `json:"sourceRef,omitempty"`
}

// ToolResult records one tool execution, successful or not. Err is empty on
// success; on failure Output holds the tool's fallback text.
type ToolResult struct {
	ToolName        string         `json:"toolName"`
	Input           map[string]any `json:"input,omitempty"`
	Output          string         `json:"output,omitempty"`
	Err             string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
}

// Tasks carries the per-run working set the RAG nodes read and write.
type Tasks struct {
	OriginalQuery    string         `json:"originalQuery,omitempty"`
	RewrittenQuery   string         `json:"rewrittenQuery,omitempty"`
	NeedsWidening    bool           `json:"needsWidening"`
	WideningAttempts uint32         `json:"wideningAttempts"`
	TopK             int            `json:"topK,omitempty"`
	RequiredTools    []string       `json:"requiredTools,omitempty"`
	ToolToRun        string         `json:"toolToRun,omitempty"`
	ToolParameters   map[string]any `json:"toolParameters,omitempty"`
	ToolResults      []ToolResult   `json:"toolResults,omitempty"`
}

// RunOptions are the per-request tuning knobs supplied by the client.
type RunOptions struct {
	EnhanceWithContext bool    `json:"enhanceWithContext"`
	MaxContextItems    int     `json:"maxContextItems"`
	IncludeSourceInfo  bool    `json:"includeSourceInfo"`
	MaxTokens          int     `json:"maxTokens"`
	Temperature        float64 `json:"temperature"`
}

// DefaultRunOptions returns the documented option defaults.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		EnhanceWithContext: true,
		MaxContextItems:    10,
		IncludeSourceInfo:  true,
		MaxTokens:          4000,
		Temperature:        0.7,
	}
}

// NodeError is one recovered node failure recorded in run metadata.
type NodeError struct {
	Node      string    `json:"node"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RunMeta holds observability data accumulated across a run.
type RunMeta struct {
	TraceID     string           `json:"traceId,omitempty"`
	NodeTimings map[string]int64 `json:"nodeTimings,omitempty"`
	Errors      []NodeError      `json:"errors,omitempty"`
}

// AgentState is the record threaded through the RAG graph. Nodes treat it as
// immutable: each returns a fresh copy with its deltas applied (see Clone).
type AgentState struct {
	RunID    string     `json:"runId"`
	UserID   string     `json:"userId"`
	Messages []Message  `json:"messages"`
	Tasks    Tasks      `json:"tasks"`
	Docs     []Doc      `json:"docs,omitempty"`
	Options  RunOptions `json:"options"`
	Meta     RunMeta    `json:"metadata"`
}

// Clone returns a deep copy of the state. Slices and maps are copied so a
// node can mutate the clone without aliasing its input.
func (s *AgentState) Clone() *AgentState {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Docs = append([]Doc(nil), s.Docs...)
	c.Tasks.RequiredTools = append([]string(nil), s.Tasks.RequiredTools...)
	c.Tasks.ToolResults = append([]ToolResult(nil), s.Tasks.ToolResults...)
	if s.Tasks.ToolParameters != nil {
		c.Tasks.ToolParameters = make(map[string]any, len(s.Tasks.ToolParameters))
		for k, v := range s.Tasks.ToolParameters {
			c.Tasks.ToolParameters[k] = v
		}
	}
	if s.Meta.NodeTimings != nil {
		c.Meta.NodeTimings = make(map[string]int64, len(s.Meta.NodeTimings))
		for k, v := range s.Meta.NodeTimings {
			c.Meta.NodeTimings[k] = v
		}
	}
	c.Meta.Errors = append([]NodeError(nil), s.Meta.Errors...)
	return &c
}

// LastUserMessage returns the most recent user message, if any.
func (s *AgentState) LastUserMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// RecordTiming stores the elapsed milliseconds for a node, allocating the
// timings map on first use.
func (s *AgentState) RecordTiming(node string, elapsed time.Duration) {
	if s.Meta.NodeTimings == nil {
		s.Meta.NodeTimings = make(map[string]int64)
	}
	s.Meta.NodeTimings[node] = elapsed.Milliseconds()
}

// RecordError appends a recovered node failure to run metadata.
func (s *AgentState) RecordError(node string, err error) {
	s.Meta.Errors = append(s.Meta.Errors, NodeError{
		Node:      node,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// ValidateFresh checks the invariants a brand-new run must satisfy: a user
// id, a non-empty message history ending with a user message.
func (s *AgentState) ValidateFresh() error {
	if s.UserID == "" {
		return &Error{Kind: KindValidation, Message: "state: empty userId"}
	}
	if len(s.Messages) == 0 {
		return &Error{Kind: KindValidation, Message: "state: empty messages"}
	}
	if last := s.Messages[len(s.Messages)-1]; last.Role != RoleUser {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("state: last message role %q, want %q", last.Role, RoleUser)}
	}
	return nil
}

// ChatRequest is a non-streaming or streaming request to a Provider.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// ChatResponse is the complete output of a Provider call.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
