package cairn

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// End is the terminal pseudo-node. Routing to End finishes the run; it is
// always a valid edge target and never executes.
const End = "__end__"

// NodeFunc is one unit of graph work. It receives the current state and
// returns the state to carry forward, which may be the same pointer
// mutated in place or a fresh value. Returning an error aborts the run.
type NodeFunc func(ctx context.Context, state *AgentState) (*AgentState, error)

// Predicate picks the next node after a conditional edge. It must return
// one of the targets declared on the edge; anything else fails the run.
type Predicate func(state *AgentState) string

type conditionalEdge struct {
	predicate Predicate
	targets   map[string]bool
}

// Graph is a named, directed state graph: nodes connected by static edges
// and predicate-routed conditional edges. Build one with the chainable
// Add/Set methods; construction problems accumulate and surface when the
// graph is handed to NewRunner, so call sites stay uncluttered.
//
// A node has at most one outgoing route (a static edge or a conditional
// edge, not both). A node with no outgoing route terminates the run, same
// as an explicit edge to End.
type Graph struct {
	name  string
	nodes map[string]NodeFunc
	order []string
	edges map[string]string
	conds map[string]conditionalEdge
	entry string
	errs  []error
}

// NewGraph creates an empty graph with the given name. The name shows up
// in traces, logs, and validation errors.
func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]NodeFunc),
		edges: make(map[string]string),
		conds: make(map[string]conditionalEdge),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// AddNode registers a named node. Names must be unique and non-empty, and
// End is reserved.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	switch {
	case name == "":
		g.errs = append(g.errs, fmt.Errorf("graph %q: node with empty name", g.name))
	case name == End:
		g.errs = append(g.errs, fmt.Errorf("graph %q: node name %q is reserved", g.name, End))
	case fn == nil:
		g.errs = append(g.errs, fmt.Errorf("graph %q: node %q has nil func", g.name, name))
	default:
		if _, dup := g.nodes[name]; dup {
			g.errs = append(g.errs, fmt.Errorf("graph %q: duplicate node %q", g.name, name))
			return g
		}
		g.nodes[name] = fn
		g.order = append(g.order, name)
	}
	return g
}

// AddEdge declares a static edge: after from completes, control moves
// to to. to may be End.
func (g *Graph) AddEdge(from, to string) *Graph {
	if _, dup := g.edges[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("graph %q: node %q already has an outgoing edge", g.name, from))
		return g
	}
	if _, dup := g.conds[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("graph %q: node %q already has a conditional edge", g.name, from))
		return g
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdge declares a predicate-routed edge: after from
// completes, pred chooses among targets. Every value pred can return must
// be listed in targets (End included, if pred can end the run).
func (g *Graph) AddConditionalEdge(from string, pred Predicate, targets ...string) *Graph {
	if pred == nil {
		g.errs = append(g.errs, fmt.Errorf("graph %q: conditional edge from %q has nil predicate", g.name, from))
		return g
	}
	if len(targets) == 0 {
		g.errs = append(g.errs, fmt.Errorf("graph %q: conditional edge from %q has no targets", g.name, from))
		return g
	}
	if _, dup := g.edges[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("graph %q: node %q already has an outgoing edge", g.name, from))
		return g
	}
	if _, dup := g.conds[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("graph %q: node %q already has a conditional edge", g.name, from))
		return g
	}
	ts := make(map[string]bool, len(targets))
	for _, t := range targets {
		ts[t] = true
	}
	g.conds[from] = conditionalEdge{predicate: pred, targets: ts}
	return g
}

// SetEntry names the node where every fresh run starts.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// validate checks structural integrity: accumulated builder errors, a
// known entry node, and every edge endpoint resolving to a declared node
// or End.
func (g *Graph) validate() error {
	errs := append([]error(nil), g.errs...)

	if len(g.nodes) == 0 {
		errs = append(errs, fmt.Errorf("graph %q: no nodes", g.name))
	}
	if g.entry == "" {
		errs = append(errs, fmt.Errorf("graph %q: no entry node set", g.name))
	} else if _, ok := g.nodes[g.entry]; !ok {
		errs = append(errs, fmt.Errorf("graph %q: entry node %q not declared", g.name, g.entry))
	}

	froms := make([]string, 0, len(g.edges))
	for from := range g.edges {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		to := g.edges[from]
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("graph %q: edge from unknown node %q", g.name, from))
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				errs = append(errs, fmt.Errorf("graph %q: edge %q -> unknown node %q", g.name, from, to))
			}
		}
	}

	froms = froms[:0]
	for from := range g.conds {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("graph %q: conditional edge from unknown node %q", g.name, from))
		}
		targets := make([]string, 0, len(g.conds[from].targets))
		for t := range g.conds[from].targets {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			if t == End {
				continue
			}
			if _, ok := g.nodes[t]; !ok {
				errs = append(errs, fmt.Errorf("graph %q: conditional edge %q -> unknown node %q", g.name, from, t))
			}
		}
	}

	return errors.Join(errs...)
}

// next resolves the successor of from against the given state. A node
// with no outgoing route resolves to End.
func (g *Graph) next(from string, state *AgentState) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	ce, ok := g.conds[from]
	if !ok {
		return End, nil
	}
	target := ce.predicate(state)
	if !ce.targets[target] {
		return "", &Error{
			Kind:    KindInternal,
			Message: fmt.Sprintf("graph %s: predicate after %s chose undeclared target %q", g.name, from, target),
		}
	}
	return target, nil
}
