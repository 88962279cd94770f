package cairn

import (
	"context"
	"log/slog"
	"time"
)

// RAG is the retrieval-augmented chat orchestrator. It owns the node
// graph (rewrite, retrieve, widen, tool routing, answer) and the
// components the nodes call into. Construct one with NewRAG and serve
// requests with Run; the zero value is not usable.
type RAG struct {
	embed     *BatchEmbedder
	index     *Index
	caller    *Caller
	tools     *Registry
	assembler *Assembler
	filter    *InjectionFilter
	contents  ContentStore
	runner    *Runner

	widenThreshold int
	maxWidening    int
	toolTimeout    time.Duration
	toolRetries    int
	logger         *slog.Logger
	tracer         Tracer
	checkpoints    CheckpointStore
}

// RAGOption configures a RAG.
type RAGOption func(*RAG)

// RAGTools sets the tool registry (default: empty registry).
func RAGTools(reg *Registry) RAGOption {
	return func(r *RAG) { r.tools = reg }
}

// RAGAssembler replaces the prompt assembler.
func RAGAssembler(a *Assembler) RAGOption {
	return func(r *RAG) { r.assembler = a }
}

// RAGFilter replaces the prompt-injection filter.
func RAGFilter(f *InjectionFilter) RAGOption {
	return func(r *RAG) { r.filter = f }
}

// RAGContentStore sets the store used to hydrate retrieved docs with
// their bodies. Without one, docs carry scores and ids only.
func RAGContentStore(s ContentStore) RAGOption {
	return func(r *RAG) { r.contents = s }
}

// RAGCheckpoints enables run resumption through store.
func RAGCheckpoints(store CheckpointStore) RAGOption {
	return func(r *RAG) { r.checkpoints = store }
}

// RAGWidenThreshold sets the doc count below which retrieval widens
// (default 3).
func RAGWidenThreshold(n int) RAGOption {
	return func(r *RAG) { r.widenThreshold = n }
}

// RAGMaxWidening caps widening passes per run (default 2).
func RAGMaxWidening(n int) RAGOption {
	return func(r *RAG) { r.maxWidening = n }
}

// RAGToolTimeout sets the per-attempt tool timeout (default 10s).
func RAGToolTimeout(d time.Duration) RAGOption {
	return func(r *RAG) { r.toolTimeout = d }
}

// RAGToolRetries sets extra tool attempts after the first (default 2).
func RAGToolRetries(n int) RAGOption {
	return func(r *RAG) { r.toolRetries = n }
}

// RAGLogger sets the structured logger (default: no-op).
func RAGLogger(l *slog.Logger) RAGOption {
	return func(r *RAG) { r.logger = l }
}

// RAGTracer sets the tracer for node spans.
func RAGTracer(t Tracer) RAGOption {
	return func(r *RAG) { r.tracer = t }
}

// NewRAG assembles the orchestrator and builds its graph:
//
//	split_rewrite -> retrieve -> {dynamic_widen | tool_route | generate_answer}
//	dynamic_widen -> {retrieve | generate_answer}
//	tool_route    -> {run_tool | generate_answer}
//	run_tool      -> generate_answer -> END
//
// embed, index, and caller are required; everything else has defaults.
func NewRAG(embed *BatchEmbedder, index *Index, caller *Caller, opts ...RAGOption) (*RAG, error) {
	if embed == nil {
		return nil, &Error{Kind: KindValidation, Message: "nil embedder"}
	}
	if index == nil {
		return nil, &Error{Kind: KindValidation, Message: "nil index"}
	}
	if caller == nil {
		return nil, &Error{Kind: KindValidation, Message: "nil caller"}
	}
	r := &RAG{
		embed:          embed,
		index:          index,
		caller:         caller,
		widenThreshold: DefaultWidenThreshold,
		maxWidening:    DefaultMaxWidening,
		toolTimeout:    defaultToolTimeout,
		toolRetries:    defaultToolRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tools == nil {
		r.tools = NewRegistry()
	}
	if r.assembler == nil {
		r.assembler = NewAssembler()
	}
	if r.filter == nil {
		r.filter = NewInjectionFilter()
	}
	if r.logger == nil {
		r.logger = nopLogger
	}

	g := NewGraph("rag").
		AddNode(NodeSplitRewrite, r.splitRewrite).
		AddNode(NodeRetrieve, r.retrieve).
		AddNode(NodeDynamicWiden, r.dynamicWiden).
		AddNode(NodeToolRoute, r.toolRoute).
		AddNode(NodeRunTool, r.runTool).
		AddNode(NodeGenerateAnswer, r.generateAnswer).
		AddEdge(NodeSplitRewrite, NodeRetrieve).
		AddConditionalEdge(NodeRetrieve, r.routeAfterRetrieve,
			NodeDynamicWiden, NodeToolRoute, NodeGenerateAnswer).
		AddConditionalEdge(NodeDynamicWiden, r.routeAfterWiden,
			NodeRetrieve, NodeGenerateAnswer).
		AddConditionalEdge(NodeToolRoute, r.routeAfterToolRoute,
			NodeRunTool, NodeGenerateAnswer).
		AddEdge(NodeRunTool, NodeGenerateAnswer).
		AddEdge(NodeGenerateAnswer, End).
		SetEntry(NodeSplitRewrite)

	runnerOpts := []RunnerOption{
		WithRunnerLogger(r.logger),
		WithMaxTransitions(6 + 2*r.maxWidening),
	}
	if r.checkpoints != nil {
		runnerOpts = append(runnerOpts, WithCheckpoints(r.checkpoints))
	}
	if r.tracer != nil {
		runnerOpts = append(runnerOpts, WithTracer(r.tracer))
	}
	runner, err := NewRunner(g, runnerOpts...)
	if err != nil {
		return nil, err
	}
	r.runner = runner
	return r, nil
}

// Run validates the request, screens it for prompt injection, and
// executes the graph. Validation and injection failures return before any
// node runs and before any event is emitted; the transport layer decides
// how to surface them. On success the returned state carries the final
// assistant message, retrieved docs, tool results, and run metadata.
func (r *RAG) Run(ctx context.Context, state *AgentState, emit func(Event)) (*AgentState, error) {
	if state == nil {
		return nil, &Error{Kind: KindValidation, Message: "nil state"}
	}
	if err := state.ValidateFresh(); err != nil {
		return state, err
	}
	if err := r.filter.Check(state.Messages); err != nil {
		r.logger.Warn("request blocked",
			"userId", state.UserID,
			"error", err)
		return state, err
	}
	return r.runner.Run(ctx, state, emit)
}
