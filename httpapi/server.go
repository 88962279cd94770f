// Package httpapi exposes the chat service over HTTP: POST /chat runs the
// RAG graph and streams its events as server-sent events, GET /healthz
// answers liveness probes. Request failures never take the process down;
// they surface as an SSE error event followed by done.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	cairn "github.com/go-cairn/cairn"
)

const (
	// DefaultRequestTimeout bounds the pre-stream phase of a chat request.
	// Once answer tokens flow, only the adapter's wall clock and
	// inter-token gap limits apply.
	DefaultRequestTimeout = 120 * time.Second

	// DefaultMaxBodyBytes caps the chat request body.
	DefaultMaxBodyBytes = 1 << 20
)

// errRequestDeadline marks a run cancelled by the request timer rather
// than by the client.
var errRequestDeadline = errors.New("request deadline exceeded")

var nopLogger = slog.New(slog.DiscardHandler)

// Server serves the chat API. Construct with NewServer and mount Handler
// on an http.Server; the zero value is not usable.
type Server struct {
	rag      *cairn.RAG
	logger   *slog.Logger
	timeout  time.Duration
	maxBody  int64
	defaults cairn.RunOptions
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRequestTimeout sets the pre-stream deadline for chat requests
// (default: 120s).
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithMaxBodyBytes caps the request body size (default: 1 MiB).
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithDefaultOptions sets the run options applied when a request omits
// them (default: cairn.DefaultRunOptions).
func WithDefaultOptions(opts cairn.RunOptions) Option {
	return func(s *Server) { s.defaults = opts }
}

// NewServer wraps rag in the HTTP transport layer.
func NewServer(rag *cairn.RAG, opts ...Option) *Server {
	s := &Server{
		rag:      rag,
		timeout:  DefaultRequestTimeout,
		maxBody:  DefaultMaxBodyBytes,
		defaults: cairn.DefaultRunOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Handler returns the route table: POST /chat and GET /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// chatRequest is the POST /chat body.
type chatRequest struct {
	InitialState struct {
		UserID   string           `json:"userId"`
		Messages []cairn.Message  `json:"messages"`
		Options  cairn.RunOptions `json:"options"`
	} `json:"initialState"`
	// RunID resumes an existing run from its checkpoint.
	RunID string `json:"runId"`
}

// handleChat decodes the request, runs the graph, and relays its events
// as SSE. A body that does not parse is the only plain-HTTP failure;
// everything after the stream starts is reported in-band as an error
// event followed by done.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var req chatRequest
	// Absent or partial options fall back field by field to the server
	// defaults.
	req.InitialState.Options = s.defaults
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("chat request rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	state := &cairn.AgentState{
		RunID:    req.RunID,
		UserID:   req.InitialState.UserID,
		Messages: req.InitialState.Messages,
		Options:  req.InitialState.Options,
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// The request deadline covers the pre-stream phase only: the timer is
	// disarmed on the first answer event, leaving the stream to the
	// adapter's own wall clock and gap limits.
	runCtx, cancelRun := context.WithCancelCause(r.Context())
	defer cancelRun(nil)
	deadline := time.AfterFunc(s.timeout, func() { cancelRun(errRequestDeadline) })
	defer deadline.Stop()

	emit := func(ev cairn.Event) {
		if ev.Type == cairn.EventAnswer {
			deadline.Stop()
		}
		if r.Context().Err() != nil {
			// Client gone; stop emitting.
			return
		}
		sse.Send(ev)
	}

	start := time.Now()
	final, runErr := s.rag.Run(runCtx, state, emit)
	deadline.Stop()

	runID := state.RunID
	if final != nil && final.RunID != "" {
		runID = final.RunID
	}

	if runErr != nil {
		if r.Context().Err() != nil {
			s.logger.Info("chat request cancelled by client",
				"runId", runID,
				"elapsedMs", time.Since(start).Milliseconds())
			return
		}
		code, msg := s.errorPayload(runCtx, runErr, final)
		s.logger.Warn("chat run failed",
			"runId", runID,
			"code", code,
			"elapsedMs", time.Since(start).Milliseconds(),
			"error", runErr)
		sse.Send(cairn.ErrEvent(code, msg))
		sse.Send(cairn.DoneEvent(runID))
		return
	}

	sse.Send(cairn.DoneEvent(runID))
	s.logger.Info("chat run completed",
		"runId", runID,
		"userId", final.UserID,
		"elapsedMs", time.Since(start).Milliseconds())
}

// errorPayload maps a run error to the SSE error code and user-facing
// message. Forbidden gets the fixed security notice, exhausted adapters
// the fixed apology, and anything unexpected a generic message carrying
// the trace id.
func (s *Server) errorPayload(runCtx context.Context, err error, state *cairn.AgentState) (code, msg string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(context.Cause(runCtx), errRequestDeadline) {
			return cairn.CodeCancelled, "request deadline exceeded"
		}
		return cairn.CodeCancelled, "request cancelled"
	}
	switch cairn.KindOf(err) {
	case cairn.KindForbidden:
		return cairn.CodeForbidden, cairn.SecurityNotice
	case cairn.KindValidation:
		return cairn.CodeValidation, err.Error()
	case cairn.KindTransport, cairn.KindTimeout:
		return cairn.CodeLLM, cairn.DefaultApology
	default:
		msg := "We're experiencing technical difficulties. Please try again later."
		if state != nil && state.Meta.TraceID != "" {
			msg = fmt.Sprintf("%s (trace %s)", msg, state.Meta.TraceID)
		}
		return cairn.CodeInternal, msg
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure means the client is gone; nothing sensible to do.
	_ = json.NewEncoder(w).Encode(v)
}
