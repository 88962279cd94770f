package cairn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// visitNode returns a NodeFunc that appends its name to visited.
func visitNode(name string, visited *[]string) NodeFunc {
	return func(_ context.Context, state *AgentState) (*AgentState, error) {
		*visited = append(*visited, name)
		return state, nil
	}
}

func freshState() *AgentState {
	return &AgentState{
		UserID:   "u1",
		Messages: []Message{UserMessage("hello")},
		Options:  DefaultRunOptions(),
	}
}

func TestGraphLinearRun(t *testing.T) {
	var visited []string
	g := NewGraph("linear").
		AddNode("a", visitNode("a", &visited)).
		AddNode("b", visitNode("b", &visited)).
		AddNode("c", visitNode("c", &visited)).
		AddEdge("a", "b").
		AddEdge("b", "c").
		AddEdge("c", End).
		SetEntry("a")

	r, err := NewRunner(g)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	var events []Event
	state, err := r.Run(context.Background(), freshState(), func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(visited, ","); got != "a,b,c" {
		t.Fatalf("visited %q", got)
	}
	if state.RunID == "" || state.Meta.TraceID == "" {
		t.Fatal("run and trace ids must be assigned")
	}
	for _, node := range []string{"a", "b", "c"} {
		if _, ok := state.Meta.NodeTimings[node]; !ok {
			t.Fatalf("no timing recorded for %s", node)
		}
	}

	want := []struct {
		node  string
		phase Phase
	}{
		{"a", PhaseEnter}, {"a", PhaseExit},
		{"b", PhaseEnter}, {"b", PhaseExit},
		{"c", PhaseEnter}, {"c", PhaseExit},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, w := range want {
		ev := events[i]
		if ev.Type != EventWorkflowStep || ev.Node != w.node || ev.Phase != w.phase {
			t.Fatalf("event %d = %+v, want %s/%s", i, ev, w.node, w.phase)
		}
	}
}

func TestGraphConditionalRouting(t *testing.T) {
	var visited []string
	pred := func(state *AgentState) string {
		if state.Tasks.NeedsWidening {
			return "wide"
		}
		return "narrow"
	}
	g := NewGraph("cond").
		AddNode("start", func(_ context.Context, s *AgentState) (*AgentState, error) {
			s.Tasks.NeedsWidening = true
			return s, nil
		}).
		AddNode("wide", visitNode("wide", &visited)).
		AddNode("narrow", visitNode("narrow", &visited)).
		AddConditionalEdge("start", pred, "wide", "narrow").
		AddEdge("wide", End).
		AddEdge("narrow", End).
		SetEntry("start")

	r, err := NewRunner(g)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Run(context.Background(), freshState(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(visited, ",") != "wide" {
		t.Fatalf("visited %q, want wide", visited)
	}
}

func TestGraphImplicitEnd(t *testing.T) {
	var visited []string
	g := NewGraph("implicit").
		AddNode("only", visitNode("only", &visited)).
		SetEntry("only")

	r, err := NewRunner(g)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Run(context.Background(), freshState(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(visited, ",") != "only" {
		t.Fatalf("visited %q", visited)
	}
}

func TestGraphValidation(t *testing.T) {
	noop := func(_ context.Context, s *AgentState) (*AgentState, error) { return s, nil }
	tests := []struct {
		name string
		g    *Graph
		want string
	}{
		{
			name: "no nodes",
			g:    NewGraph("g"),
			want: "no nodes",
		},
		{
			name: "no entry",
			g:    NewGraph("g").AddNode("a", noop),
			want: "no entry",
		},
		{
			name: "unknown entry",
			g:    NewGraph("g").AddNode("a", noop).SetEntry("missing"),
			want: "entry node",
		},
		{
			name: "duplicate node",
			g:    NewGraph("g").AddNode("a", noop).AddNode("a", noop).SetEntry("a"),
			want: "duplicate node",
		},
		{
			name: "edge to unknown node",
			g:    NewGraph("g").AddNode("a", noop).AddEdge("a", "missing").SetEntry("a"),
			want: "unknown node",
		},
		{
			name: "second outgoing edge",
			g: NewGraph("g").AddNode("a", noop).AddNode("b", noop).
				AddEdge("a", "b").AddEdge("a", End).SetEntry("a"),
			want: "already has an outgoing edge",
		},
		{
			name: "conditional after static",
			g: NewGraph("g").AddNode("a", noop).AddNode("b", noop).
				AddEdge("a", "b").
				AddConditionalEdge("a", func(*AgentState) string { return "b" }, "b").
				SetEntry("a"),
			want: "already has an outgoing edge",
		},
		{
			name: "nil predicate",
			g: NewGraph("g").AddNode("a", noop).
				AddConditionalEdge("a", nil, End).SetEntry("a"),
			want: "nil predicate",
		},
		{
			name: "reserved node name",
			g:    NewGraph("g").AddNode(End, noop).SetEntry(End),
			want: "reserved",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.g)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestGraphPredicateUndeclaredTarget(t *testing.T) {
	noop := func(_ context.Context, s *AgentState) (*AgentState, error) { return s, nil }
	g := NewGraph("g").
		AddNode("a", noop).
		AddNode("b", noop).
		AddConditionalEdge("a", func(*AgentState) string { return "rogue" }, "b").
		AddEdge("b", End).
		SetEntry("a")

	r, err := NewRunner(g)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	_, err = r.Run(context.Background(), freshState(), nil)
	if err == nil || !strings.Contains(err.Error(), "undeclared target") {
		t.Fatalf("err = %v, want undeclared target", err)
	}
}

func TestGraphExecutionCap(t *testing.T) {
	noop := func(_ context.Context, s *AgentState) (*AgentState, error) { return s, nil }
	g := NewGraph("loop").
		AddNode("a", noop).
		AddNode("b", noop).
		AddEdge("a", "b").
		AddEdge("b", "a").
		SetEntry("a")

	r, err := NewRunner(g, WithMaxTransitions(7))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	_, err = r.Run(context.Background(), freshState(), nil)
	if err == nil {
		t.Fatal("expected execution cap error")
	}
	if KindOf(err) != KindInternal || !strings.Contains(err.Error(), "exceeded 7 node executions") {
		t.Fatalf("err = %v", err)
	}
}

func TestGraphPanicRecovery(t *testing.T) {
	g := NewGraph("panicky").
		AddNode("boom", func(_ context.Context, _ *AgentState) (*AgentState, error) {
			panic("kaboom")
		}).
		SetEntry("boom")

	r, err := NewRunner(g)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	_, err = r.Run(context.Background(), freshState(), nil)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("err = %v, want panic error", err)
	}
	if KindOf(err) != KindInternal {
		t.Fatalf("kind = %v, want internal", KindOf(err))
	}
}

func TestGraphCancellationPersistsProgress(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx, cancel := context.WithCancel(context.Background())

	var visited []string
	g := NewGraph("cancel").
		AddNode("a", visitNode("a", &visited)).
		AddNode("b", func(_ context.Context, s *AgentState) (*AgentState, error) {
			visited = append(visited, "b")
			cancel()
			return s, nil
		}).
		AddNode("c", visitNode("c", &visited)).
		AddEdge("a", "b").
		AddEdge("b", "c").
		AddEdge("c", End).
		SetEntry("a")

	r, err := NewRunner(g, WithCheckpoints(store))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	state, err := r.Run(ctx, freshState(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if strings.Join(visited, ",") != "a,b" {
		t.Fatalf("visited %q, want a,b", visited)
	}

	cp, err := store.Load(context.Background(), state.RunID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.LastNode != "b" {
		t.Fatalf("LastNode = %q, want b", cp.LastNode)
	}
}

func TestGraphResumeSkipsCompletedNodes(t *testing.T) {
	store := NewMemoryCheckpointStore()
	var visited []string
	failB := true

	g := func() *Graph {
		return NewGraph("resume").
			AddNode("a", func(_ context.Context, s *AgentState) (*AgentState, error) {
				visited = append(visited, "a")
				s.Tasks.OriginalQuery = "from a"
				return s, nil
			}).
			AddNode("b", func(_ context.Context, s *AgentState) (*AgentState, error) {
				if failB {
					return nil, &Error{Kind: KindTransport, Message: "b is down"}
				}
				visited = append(visited, "b")
				return s, nil
			}).
			AddNode("c", visitNode("c", &visited)).
			AddEdge("a", "b").
			AddEdge("b", "c").
			AddEdge("c", End).
			SetEntry("a")
	}

	r, err := NewRunner(g(), WithCheckpoints(store))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	state, err := r.Run(context.Background(), freshState(), nil)
	if err == nil {
		t.Fatal("first run should fail at b")
	}
	runID := state.RunID

	failB = false
	resumeState := &AgentState{RunID: runID, UserID: "u1", Messages: []Message{UserMessage("hello")}}
	final, err := r.Run(context.Background(), resumeState, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if strings.Join(visited, ",") != "a,b,c" {
		t.Fatalf("visited %q, want a,b,c (a must not repeat)", visited)
	}
	if final.Tasks.OriginalQuery != "from a" {
		t.Fatal("resumed run must carry the checkpoint snapshot, not the passed-in state")
	}
}

func TestGraphResumeCompletedRun(t *testing.T) {
	store := NewMemoryCheckpointStore()
	var visited []string
	g := NewGraph("done").
		AddNode("a", visitNode("a", &visited)).
		AddEdge("a", End).
		SetEntry("a")

	r, err := NewRunner(g, WithCheckpoints(store))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	state, err := r.Run(context.Background(), freshState(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	again := &AgentState{RunID: state.RunID, UserID: "u1", Messages: []Message{UserMessage("hello")}}
	if _, err := r.Run(context.Background(), again, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if strings.Join(visited, ",") != "a" {
		t.Fatalf("visited %q, replay of a finished run must not re-execute nodes", visited)
	}
}

func TestGraphNilStateKeepsPrevious(t *testing.T) {
	g := NewGraph("nilstate").
		AddNode("a", func(_ context.Context, s *AgentState) (*AgentState, error) {
			s.Tasks.OriginalQuery = "kept"
			return nil, nil
		}).
		AddEdge("a", End).
		SetEntry("a")

	r, err := NewRunner(g)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	state, err := r.Run(context.Background(), freshState(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state == nil || state.Tasks.OriginalQuery != "kept" {
		t.Fatal("nil node output must keep the previous state")
	}
}

func TestMemoryCheckpointStore(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	if KindOf(err) != KindNotFound {
		t.Fatalf("Load missing: kind = %v, want not_found", KindOf(err))
	}

	state := freshState()
	state.RunID = "run-1"
	if err := store.Save(ctx, Checkpoint{RunID: "run-1", State: state, LastNode: "a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutating the original after Save must not leak into the stored copy.
	state.Tasks.OriginalQuery = "mutated"

	cp, err := store.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.State.Tasks.OriginalQuery != "" {
		t.Fatal("stored state aliases the caller's state")
	}
	if cp.LastNode != "a" {
		t.Fatalf("LastNode = %q", cp.LastNode)
	}
	if cp.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt must be stamped")
	}

	// Mutating a loaded copy must not corrupt the store.
	cp.State.Tasks.OriginalQuery = "scribble"
	cp2, _ := store.Load(ctx, "run-1")
	if cp2.State.Tasks.OriginalQuery != "" {
		t.Fatal("loaded state aliases the stored copy")
	}

	if err := store.Delete(ctx, "run-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx, "run-1"); KindOf(err) != KindNotFound {
		t.Fatal("Delete must remove the checkpoint")
	}

	if err := store.Save(ctx, Checkpoint{State: state}); KindOf(err) != KindValidation {
		t.Fatal("Save without run id must fail validation")
	}
}

func TestGraphStepExitCarriesElapsed(t *testing.T) {
	g := NewGraph("timing").
		AddNode("slow", func(_ context.Context, s *AgentState) (*AgentState, error) {
			time.Sleep(5 * time.Millisecond)
			return s, nil
		}).
		AddEdge("slow", End).
		SetEntry("slow")

	r, err := NewRunner(g)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	var exit Event
	_, err = r.Run(context.Background(), freshState(), func(ev Event) {
		if ev.Phase == PhaseExit {
			exit = ev
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.ElapsedMs < 5 {
		t.Fatalf("ElapsedMs = %d, want >= 5", exit.ElapsedMs)
	}
}
