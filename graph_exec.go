package cairn

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// --- Event emission ---

type emitterKey struct{}

// WithEmitter returns a context carrying fn as the run's event sink.
// Nodes use Emit to stream events (answer tokens, mostly) to whoever is
// watching the run; the Runner installs the sink it is given.
func WithEmitter(ctx context.Context, fn func(Event)) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, emitterKey{}, fn)
}

// Emit sends ev to the emitter carried by ctx. A context without an
// emitter drops the event, so nodes can emit unconditionally.
func Emit(ctx context.Context, ev Event) {
	if fn, ok := ctx.Value(emitterKey{}).(func(Event)); ok {
		fn(ev)
	}
}

// --- Runner ---

// Runner executes a validated Graph: one node at a time from the entry,
// following edges until End. Around each node it emits workflow_step
// events, records timing into the state, opens a trace span, and saves a
// checkpoint so an interrupted run can resume at the next node. Node
// executions are capped to keep predicate bugs from looping forever.
//
// The Runner emits only workflow_step events itself. Nodes emit their own
// answer events through Emit, and terminal error/done events belong to
// the transport layer wrapping the run.
type Runner struct {
	graph          *Graph
	checkpoints    CheckpointStore
	tracer         Tracer
	logger         *slog.Logger
	maxTransitions int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCheckpoints enables per-node state persistence in store.
func WithCheckpoints(store CheckpointStore) RunnerOption {
	return func(r *Runner) { r.checkpoints = store }
}

// WithTracer wraps each node execution in a span from t.
func WithTracer(t Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithRunnerLogger sets the structured logger (default: no-op).
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMaxTransitions overrides the node execution cap. The default is the
// node count plus four, which covers the built-in graphs' bounded loops.
func WithMaxTransitions(n int) RunnerOption {
	return func(r *Runner) { r.maxTransitions = n }
}

// NewRunner validates g and wraps it in a Runner.
func NewRunner(g *Graph, opts ...RunnerOption) (*Runner, error) {
	if g == nil {
		return nil, &Error{Kind: KindValidation, Message: "nil graph"}
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		graph:          g,
		maxTransitions: len(g.nodes) + 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r, nil
}

// Run executes the graph to End and returns the final state. A state
// without a RunID gets fresh run and trace IDs; a state whose RunID has a
// saved checkpoint resumes at the successor of the last completed node,
// discarding the passed-in state in favor of the checkpoint snapshot.
//
// emit receives workflow_step and answer events as the run progresses;
// nil is fine. The returned error is nil on normal completion, the
// context error when ctx ended mid-run, and the failing node's error
// otherwise. The state returned alongside an error reflects progress up
// to the failure.
func (r *Runner) Run(ctx context.Context, state *AgentState, emit func(Event)) (*AgentState, error) {
	if state == nil {
		return nil, &Error{Kind: KindValidation, Message: "nil state"}
	}
	if emit == nil {
		emit = func(Event) {}
	}

	current := r.graph.entry
	if state.RunID == "" {
		state.RunID = NewRunID()
	} else if r.checkpoints != nil {
		resumed, resumeAt, err := r.resume(ctx, state)
		if err != nil {
			return state, err
		}
		if resumed != nil {
			if resumeAt == End {
				r.logger.Info("run already complete", "runId", resumed.RunID)
				return resumed, nil
			}
			r.logger.Info("resuming run",
				"runId", resumed.RunID,
				"node", resumeAt)
			state = resumed
			current = resumeAt
		}
	}
	if state.Meta.TraceID == "" {
		state.Meta.TraceID = NewTraceID()
	}
	ctx = WithEmitter(ctx, emit)

	executions := 0
	for current != End {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("run interrupted",
				"runId", state.RunID,
				"node", current,
				"error", err)
			return state, fmt.Errorf("run %s interrupted before %s: %w", state.RunID, current, err)
		}
		executions++
		if executions > r.maxTransitions {
			return state, &Error{
				Kind:    KindInternal,
				Message: fmt.Sprintf("run %s exceeded %d node executions at %s", state.RunID, r.maxTransitions, current),
			}
		}

		fn, ok := r.graph.nodes[current]
		if !ok {
			return state, &Error{
				Kind:    KindInternal,
				Message: fmt.Sprintf("run %s routed to unknown node %q", state.RunID, current),
			}
		}

		emit(StepEnter(current))
		nodeCtx := ctx
		var span Span
		if r.tracer != nil {
			nodeCtx, span = r.tracer.Start(ctx, "node."+current,
				StringAttr("graph", r.graph.name),
				StringAttr("runId", state.RunID))
		}
		start := time.Now()
		next, err := r.invoke(nodeCtx, fn, current, state)
		elapsed := time.Since(start)
		if err != nil {
			if span != nil {
				span.Error(err)
				span.End()
			}
			r.logger.Error("node failed",
				"runId", state.RunID,
				"node", current,
				"elapsedMs", elapsed.Milliseconds(),
				"error", err)
			return state, fmt.Errorf("node %s: %w", current, err)
		}
		if next != nil {
			state = next
		}
		state.RecordTiming(current, elapsed)
		if span != nil {
			span.SetAttr(IntAttr("elapsedMs", int(elapsed.Milliseconds())))
			span.End()
		}
		emit(StepExit(current, elapsed))
		r.logger.Debug("node complete",
			"runId", state.RunID,
			"node", current,
			"elapsedMs", elapsed.Milliseconds())

		r.save(ctx, state, current)

		current, err = r.graph.next(current, state)
		if err != nil {
			return state, err
		}
	}

	// The final checkpoint stays behind so replays of the same run id
	// return the finished state instead of re-executing nodes.
	return state, nil
}

// resume loads the checkpoint for state.RunID and resolves the node to
// continue from. A missing checkpoint means a fresh run with a caller
// chosen id: resume returns (nil, "", nil) and Run proceeds from entry.
func (r *Runner) resume(ctx context.Context, state *AgentState) (*AgentState, string, error) {
	cp, err := r.checkpoints.Load(ctx, state.RunID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("load checkpoint for run %s: %w", state.RunID, err)
	}
	if cp.State == nil {
		return nil, "", &Error{
			Kind:    KindInternal,
			Message: fmt.Sprintf("checkpoint for run %s has no state", state.RunID),
		}
	}
	next, err := r.graph.next(cp.LastNode, cp.State)
	if err != nil {
		return nil, "", err
	}
	return cp.State, next, nil
}

// invoke runs one node with panic containment. A panicking node fails the
// run like an error return instead of tearing down the process.
func (r *Runner) invoke(ctx context.Context, fn NodeFunc, name string, state *AgentState) (out *AgentState, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("node panicked",
				"node", name,
				"panic", rec,
				"stack", string(debug.Stack()))
			out = nil
			err = &Error{
				Kind:    KindInternal,
				Message: fmt.Sprintf("node %s panicked: %v", name, rec),
			}
		}
	}()
	return fn(ctx, state)
}

// save persists a checkpoint after a completed node. Persistence failures
// degrade resumability, not the run, so they only log.
func (r *Runner) save(ctx context.Context, state *AgentState, lastNode string) {
	if r.checkpoints == nil {
		return
	}
	cp := Checkpoint{
		RunID:     state.RunID,
		State:     state,
		LastNode:  lastNode,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		r.logger.Warn("checkpoint save failed",
			"runId", state.RunID,
			"node", lastNode,
			"error", err)
	}
}
