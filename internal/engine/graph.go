package engine

import (
	"fmt"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
)

// End is the terminal pseudo-node. Edges and routes may target it; the
// driver stops when a run reaches it.
const End = "__end__"

// Marker describes who a suspended run is waiting for and where its
// prompt landed. It is persisted inside the checkpoint row and nowhere
// else.
type Marker struct {
	Role      state.Role
	Actor     string
	InboxPath string
}

// NodeFunc is an ordinary node: full accumulated state in, partial
// update out. Nodes never see each other's locals.
type NodeFunc func(run *state.Run) (state.Delta, error)

// AwaitFunc is the pre-suspension half of a waiting node. It must be
// idempotent: if the process dies before the checkpoint lands, the next
// attempt runs it again.
type AwaitFunc func(run *state.Run) (Marker, state.Delta, error)

// ResumeFunc is the post-suspension half. It runs once per externally
// supplied value; the value stands in for the paused step's result.
type ResumeFunc func(run *state.Run, value any) (state.Delta, error)

// RouteFunc inspects the accumulated state and names the branch to take
// out of a node with a conditional edge.
type RouteFunc func(run *state.Run) string

type node struct {
	name   string
	fn     NodeFunc
	await  AwaitFunc
	resume ResumeFunc
}

type route struct {
	fn      RouteFunc
	targets map[string]string
}

// Graph is a directed graph of named nodes with a single entry point.
// Build it with the Add methods, then hand it to New, which validates
// it once. Graphs are not safe for mutation after an engine holds them.
type Graph struct {
	nodes  map[string]*node
	edges  map[string]string
	routes map[string]*route
	entry  string
}

func NewGraph() *Graph {
	return &Graph{
		nodes:  make(map[string]*node),
		edges:  make(map[string]string),
		routes: make(map[string]*route),
	}
}

// AddNode registers an ordinary node.
func (g *Graph) AddNode(name string, fn NodeFunc) {
	g.nodes[name] = &node{name: name, fn: fn}
}

// AddAwaitNode registers a suspending node split into its await and
// resume phases.
func (g *Graph) AddAwaitNode(name string, await AwaitFunc, resume ResumeFunc) {
	g.nodes[name] = &node{name: name, await: await, resume: resume}
}

// AddEdge wires an unconditional transition. to may be End.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from] = to
}

// AddConditionalEdge wires a branching transition: fn names a branch,
// targets maps branch names to destination nodes (or End).
func (g *Graph) AddConditionalEdge(from string, fn RouteFunc, targets map[string]string) {
	g.routes[from] = &route{fn: fn, targets: targets}
}

// SetEntry names the node a fresh run starts at.
func (g *Graph) SetEntry(name string) {
	g.entry = name
}

// Validate checks the graph is runnable: an entry exists, every node
// has exactly one way out, and every edge target is registered.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no entry node")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %q is not registered", g.entry)
	}
	for name, n := range g.nodes {
		if n.fn == nil && (n.await == nil || n.resume == nil) {
			return fmt.Errorf("node %q needs a node function or both await and resume phases", name)
		}
		_, hasEdge := g.edges[name]
		_, hasRoute := g.routes[name]
		if hasEdge && hasRoute {
			return fmt.Errorf("node %q has both an unconditional and a conditional edge", name)
		}
		if !hasEdge && !hasRoute {
			return fmt.Errorf("node %q has no outgoing edge", name)
		}
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge from unknown node %q", from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("edge from %q to unknown node %q", from, to)
			}
		}
	}
	for from, r := range g.routes {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("conditional edge from unknown node %q", from)
		}
		if r.fn == nil {
			return fmt.Errorf("conditional edge from %q has no route function", from)
		}
		for branch, to := range r.targets {
			if to != End {
				if _, ok := g.nodes[to]; !ok {
					return fmt.Errorf("conditional edge %q/%q targets unknown node %q", from, branch, to)
				}
			}
		}
	}
	return nil
}

// next resolves the transition out of a completed node.
func (g *Graph) next(from string, run *state.Run) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	if r, ok := g.routes[from]; ok {
		branch := r.fn(run)
		to, ok := r.targets[branch]
		if !ok {
			return "", fmt.Errorf("node %q routed to unmapped branch %q", from, branch)
		}
		return to, nil
	}
	return "", fmt.Errorf("node %q has no outgoing edge", from)
}
