// Package config provides declarative workflow definitions and system
// configuration for the orchestration core.
package config

import (
	"fmt"
)

// EndTarget is the route target that terminates a workflow.
const EndTarget = "end"

// NodeSpec is the declarative definition of one workflow node.
//
// A node either has an unconditional Next, or a Router with Routes mapping
// each router label to a target. A node with neither terminates the
// workflow after it runs.
type NodeSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Next        string            `json:"next,omitempty" yaml:"next,omitempty"`
	Router      string            `json:"router,omitempty" yaml:"router,omitempty"`
	Routes      map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// IsConditional returns true if the node routes through a router.
func (n *NodeSpec) IsConditional() bool {
	return n.Router != ""
}

// Targets returns every target the node can transition to.
func (n *NodeSpec) Targets() []string {
	if n.IsConditional() {
		targets := make([]string, 0, len(n.Routes))
		for _, t := range n.Routes {
			targets = append(targets, t)
		}
		return targets
	}
	if n.Next != "" {
		return []string{n.Next}
	}
	return nil
}

// WorkflowSpec is a named graph of nodes with a single entry point.
type WorkflowSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       string      `json:"entry" yaml:"entry"`
	Nodes       []*NodeSpec `json:"nodes" yaml:"nodes"`
	// MaxSteps bounds traversal for workflows that loop through routers.
	MaxSteps int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
}

// DefaultMaxSteps bounds graph traversal when a spec leaves MaxSteps unset.
const DefaultMaxSteps = 64

// NewWorkflowSpec creates a spec with defaults.
func NewWorkflowSpec(name, entry string) *WorkflowSpec {
	return &WorkflowSpec{
		Name:     name,
		Entry:    entry,
		Nodes:    make([]*NodeSpec, 0),
		MaxSteps: DefaultMaxSteps,
	}
}

// AddNode appends a node to the spec.
func (w *WorkflowSpec) AddNode(node *NodeSpec) error {
	if node == nil || node.Name == "" {
		return fmt.Errorf("workflow '%s': NodeSpec.Name is required", w.Name)
	}
	if w.GetNode(node.Name) != nil {
		return fmt.Errorf("workflow '%s': duplicate node name: %s", w.Name, node.Name)
	}
	w.Nodes = append(w.Nodes, node)
	return nil
}

// Chain appends nodes linked by unconditional edges, in order. The last
// node links to next, which may be empty.
func (w *WorkflowSpec) Chain(next string, names ...string) error {
	for i, name := range names {
		target := next
		if i < len(names)-1 {
			target = names[i+1]
		}
		if err := w.AddNode(&NodeSpec{Name: name, Next: target}); err != nil {
			return err
		}
	}
	return nil
}

// GetNode gets a node by name.
func (w *WorkflowSpec) GetNode(name string) *NodeSpec {
	for _, n := range w.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// NodeNames returns node names in declaration order.
func (w *WorkflowSpec) NodeNames() []string {
	names := make([]string, len(w.Nodes))
	for i, n := range w.Nodes {
		names[i] = n.Name
	}
	return names
}

// Validate checks the spec's structure: names, entry, and that every
// target exists. Reachability and router labels are checked when the
// workflow is compiled against its handlers.
func (w *WorkflowSpec) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("WorkflowSpec.Name is required")
	}
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow '%s' has no nodes", w.Name)
	}
	if w.MaxSteps <= 0 {
		w.MaxSteps = DefaultMaxSteps
	}

	names := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.Name == "" {
			return fmt.Errorf("workflow '%s': NodeSpec.Name is required", w.Name)
		}
		if n.Name == EndTarget {
			return fmt.Errorf("workflow '%s': node name '%s' is reserved", w.Name, EndTarget)
		}
		if names[n.Name] {
			return fmt.Errorf("workflow '%s': duplicate node name: %s", w.Name, n.Name)
		}
		names[n.Name] = true
	}

	if w.Entry == "" {
		return fmt.Errorf("workflow '%s' has no entry node", w.Name)
	}
	if !names[w.Entry] {
		return fmt.Errorf("workflow '%s' entry '%s' not found", w.Name, w.Entry)
	}

	for _, n := range w.Nodes {
		if n.IsConditional() {
			if n.Next != "" {
				return fmt.Errorf("node '%s' has both next and router", n.Name)
			}
			if len(n.Routes) == 0 {
				return fmt.Errorf("node '%s' router '%s' has no routes", n.Name, n.Router)
			}
		} else if len(n.Routes) > 0 {
			return fmt.Errorf("node '%s' has routes but no router", n.Name)
		}

		for _, target := range n.Targets() {
			if target != EndTarget && !names[target] {
				return fmt.Errorf("node '%s' routes to unknown target '%s'", n.Name, target)
			}
		}
	}

	return nil
}
