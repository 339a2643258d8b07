// Package runtime provides the WorkflowGraph engine: a builder for named
// stage graphs, compile-time validation, and a sequential per-session
// runner that checkpoints after every node.
package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/jeeves-cluster-organization/eraif/coreengine/casestate"
	"github.com/jeeves-cluster-organization/eraif/coreengine/config"
)

// Label is a router outcome. Each router declares its closed set of labels.
type Label string

// Terminal is the sentinel target that ends a traversal.
const Terminal = "__end__"

// Handler is a stage function. It mutates the state in place. Expected
// domain conditions are recorded on the state and return nil.
type Handler func(ctx context.Context, st *casestate.CaseState) error

// Router selects the next branch after a node. Route must be pure and must
// only return members of Labels.
type Router interface {
	Route(st *casestate.CaseState) Label
	Labels() []Label
}

type routerFunc struct {
	labels []Label
	fn     func(*casestate.CaseState) Label
}

func (r *routerFunc) Route(st *casestate.CaseState) Label { return r.fn(st) }
func (r *routerFunc) Labels() []Label                     { return r.labels }

// NewRouter builds a Router from a function and its label set.
func NewRouter(fn func(*casestate.CaseState) Label, labels ...Label) Router {
	return &routerFunc{labels: labels, fn: fn}
}

type edge struct {
	to     string
	router Router
	routes map[Label]string
}

func (e *edge) targets() []string {
	if e.router == nil {
		return []string{e.to}
	}
	out := make([]string, 0, len(e.routes))
	for _, t := range e.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// BUILDER
// =============================================================================

// Graph accumulates a workflow definition. Builder mistakes are collected
// and reported together by Compile.
type Graph struct {
	name     string
	entry    string
	nodes    map[string]Handler
	order    []string
	edges    map[string]*edge
	maxSteps int
	problems []string
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:     name,
		nodes:    make(map[string]Handler),
		edges:    make(map[string]*edge),
		maxSteps: config.DefaultMaxSteps,
	}
}

// AddNode registers a stage handler under name.
func (g *Graph) AddNode(name string, handler Handler) *Graph {
	switch {
	case name == "":
		g.problems = append(g.problems, "node name is required")
	case name == Terminal:
		g.problems = append(g.problems, fmt.Sprintf("node name '%s' is reserved", Terminal))
	case g.hasNode(name):
		g.problems = append(g.problems, fmt.Sprintf("duplicate node name: %s", name))
	default:
		g.nodes[name] = handler
		g.order = append(g.order, name)
	}
	return g
}

// SetEntry sets the node traversal starts from.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// AddEdge adds an unconditional transition.
func (g *Graph) AddEdge(from, to string) *Graph {
	if _, exists := g.edges[from]; exists {
		g.problems = append(g.problems, fmt.Sprintf("node '%s' already has an outgoing edge", from))
		return g
	}
	g.edges[from] = &edge{to: to}
	return g
}

// AddConditionalEdge adds a router-driven transition. mapping must cover
// exactly the router's labels.
func (g *Graph) AddConditionalEdge(from string, router Router, mapping map[Label]string) *Graph {
	if _, exists := g.edges[from]; exists {
		g.problems = append(g.problems, fmt.Sprintf("node '%s' already has an outgoing edge", from))
		return g
	}
	if router == nil {
		g.problems = append(g.problems, fmt.Sprintf("node '%s' conditional edge has no router", from))
		return g
	}
	routes := make(map[Label]string, len(mapping))
	for label, target := range mapping {
		routes[label] = target
	}
	g.edges[from] = &edge{router: router, routes: routes}
	return g
}

// SetMaxSteps bounds the number of nodes one traversal may run.
func (g *Graph) SetMaxSteps(n int) *Graph {
	g.maxSteps = n
	return g
}

func (g *Graph) hasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// =============================================================================
// COMPILE
// =============================================================================

// CompileOption configures a compiled graph.
type CompileOption func(*CompiledGraph)

// Compile validates the graph and returns an executable CompiledGraph. All
// problems are reported in one GraphValidationError.
func (g *Graph) Compile(opts ...CompileOption) (*CompiledGraph, error) {
	problems := append([]string(nil), g.problems...)
	problems = append(problems, g.validateNodes()...)
	problems = append(problems, g.validateEdges()...)
	if len(problems) == 0 {
		problems = append(problems, g.validateCycles()...)
		problems = append(problems, g.validateReachability()...)
	}
	if len(problems) > 0 {
		return nil, NewGraphValidationError(g.name, problems...)
	}

	maxSteps := g.maxSteps
	if maxSteps <= 0 {
		maxSteps = config.DefaultMaxSteps
	}

	cg := newCompiledGraph(g.name, g.entry, g.order, g.nodes, g.edges, maxSteps)
	for _, opt := range opts {
		opt(cg)
	}
	return cg, nil
}

func (g *Graph) validateNodes() []string {
	var problems []string
	if g.name == "" {
		problems = append(problems, "workflow name is required")
	}
	if len(g.order) == 0 {
		problems = append(problems, "workflow has no nodes")
	}
	if g.entry == "" {
		problems = append(problems, "entry node is not set")
	} else if !g.hasNode(g.entry) {
		problems = append(problems, fmt.Sprintf("entry '%s' not found", g.entry))
	}
	for _, name := range g.order {
		if g.nodes[name] == nil {
			problems = append(problems, fmt.Sprintf("node '%s' has no handler", name))
		}
	}
	return problems
}

func (g *Graph) validateEdges() []string {
	var problems []string

	froms := make([]string, 0, len(g.edges))
	for from := range g.edges {
		froms = append(froms, from)
	}
	sort.Strings(froms)

	for _, from := range froms {
		e := g.edges[from]
		if !g.hasNode(from) {
			problems = append(problems, fmt.Sprintf("edge from unknown node '%s'", from))
			continue
		}
		for _, target := range e.targets() {
			if target != Terminal && !g.hasNode(target) {
				problems = append(problems, fmt.Sprintf("node '%s' routes to unknown target '%s'", from, target))
			}
		}
		if e.router == nil {
			continue
		}

		declared := make(map[Label]bool)
		for _, label := range e.router.Labels() {
			declared[label] = true
			if _, ok := e.routes[label]; !ok {
				problems = append(problems, fmt.Sprintf("node '%s' router label '%s' has no route", from, label))
			}
		}
		if len(declared) == 0 {
			problems = append(problems, fmt.Sprintf("node '%s' router declares no labels", from))
		}
		for _, label := range sortedLabels(e.routes) {
			if !declared[label] {
				problems = append(problems, fmt.Sprintf("node '%s' maps label '%s' the router never returns", from, label))
			}
		}
	}
	return problems
}

// validateCycles rejects loops built from unconditional edges alone. Loops
// through a router are allowed and bounded by MaxSteps at run time.
func (g *Graph) validateCycles() []string {
	inDegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		inDegree[name] = 0
	}
	for _, e := range g.edges {
		if e.router == nil && e.to != Terminal {
			inDegree[e.to]++
		}
	}

	// Kahn's algorithm over the unconditional subgraph
	queue := make([]string, 0)
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		if e, ok := g.edges[current]; ok && e.router == nil && e.to != Terminal {
			inDegree[e.to]--
			if inDegree[e.to] == 0 {
				queue = append(queue, e.to)
			}
		}
	}

	if visited == len(g.order) {
		return nil
	}
	cycleNodes := []string{}
	for _, name := range g.order {
		if inDegree[name] > 0 {
			cycleNodes = append(cycleNodes, name)
		}
	}
	return []string{fmt.Sprintf("dependency cycle detected involving stages: %v", cycleNodes)}
}

func (g *Graph) validateReachability() []string {
	reached := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		e, ok := g.edges[current]
		if !ok {
			continue
		}
		for _, target := range e.targets() {
			if target != Terminal && !reached[target] {
				reached[target] = true
				queue = append(queue, target)
			}
		}
	}

	var problems []string
	for _, name := range g.order {
		if !reached[name] {
			problems = append(problems, fmt.Sprintf("node '%s' is unreachable from entry '%s'", name, g.entry))
		}
	}
	return problems
}

func sortedLabels(m map[Label]string) []Label {
	out := make([]Label, 0, len(m))
	for label := range m {
		out = append(out, label)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// FROM SPEC
// =============================================================================

// FromSpec builds a graph from a declarative WorkflowSpec. Handlers are
// looked up by node name and routers by the node's router name. The "end"
// target maps to Terminal.
func FromSpec(spec *config.WorkflowSpec, handlers map[string]Handler, routers map[string]Router, opts ...CompileOption) (*CompiledGraph, error) {
	if spec == nil {
		return nil, NewGraphValidationError("", "workflow spec is nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, NewGraphValidationError(spec.Name, err.Error())
	}

	target := func(name string) string {
		if name == config.EndTarget {
			return Terminal
		}
		return name
	}

	g := NewGraph(spec.Name).SetEntry(spec.Entry).SetMaxSteps(spec.MaxSteps)
	for _, node := range spec.Nodes {
		handler, ok := handlers[node.Name]
		if !ok {
			g.problems = append(g.problems, fmt.Sprintf("no handler registered for node '%s'", node.Name))
			continue
		}
		g.AddNode(node.Name, handler)

		switch {
		case node.IsConditional():
			router, ok := routers[node.Router]
			if !ok {
				g.problems = append(g.problems, fmt.Sprintf("node '%s' uses unknown router '%s'", node.Name, node.Router))
				continue
			}
			mapping := make(map[Label]string, len(node.Routes))
			for label, to := range node.Routes {
				mapping[Label(label)] = target(to)
			}
			g.AddConditionalEdge(node.Name, router, mapping)
		case node.Next != "":
			g.AddEdge(node.Name, target(node.Next))
		}
	}
	return g.Compile(opts...)
}
