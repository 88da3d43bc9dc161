// Package graph defines the immutable graph structures the engine
// executes: named nodes, static edges, conditional routers, and nested
// subgraph references. Definitions are built once at startup and
// validated before any run starts.
package graph

import (
	"context"
	"fmt"

	"github.com/forgeline/foreman/internal/state"
)

// End is the sentinel terminal node. A router returning End (or a static
// edge leading to it) completes the run.
const End = "__end__"

// NodeFunc is one node body. It receives the current state and returns a
// partial update to merge; it never mutates its input. Failures the
// owning graph should route on are captured into state fields, not
// returned: a returned error is unrecoverable and fails the run.
type NodeFunc func(ctx context.Context, st state.State) (state.State, error)

// Router picks the next node name from the merged state. Returning an
// already-visited node forms a loop; termination is the node logic's
// responsibility via counters in state.
type Router func(st state.State) string

// Node is one vertex of a definition.
type Node struct {
	ID string
	// Func is the node body. Nil for subgraph references.
	Func NodeFunc
	// Subgraph, when set, runs a nested definition under a child thread
	// in place of a node body.
	Subgraph *Definition
	// Interrupt marks the node as a suspension point: the engine
	// checkpoints awaiting-input and stops before running the body.
	Interrupt bool
}

// Definition is an immutable, validated graph.
type Definition struct {
	name    string
	entry   string
	schema  state.Schema
	nodes   map[string]*Node
	edges   map[string]string
	routers map[string]Router
}

// Name returns the definition's name (used as the checkpoint namespace
// component for subruns).
func (d *Definition) Name() string { return d.name }

// Entry returns the entry node id
func (d *Definition) Entry() string { return d.entry }

// Schema returns the declared state schema
func (d *Definition) Schema() state.Schema { return d.schema }

// Node looks up a node by id
func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Route resolves the next node after from, given the merged state.
// Exactly one of a static edge or a router exists per node, enforced at
// build time, so resolution is unambiguous.
func (d *Definition) Route(from string, st state.State) (string, error) {
	if to, ok := d.edges[from]; ok {
		return to, nil
	}
	if router, ok := d.routers[from]; ok {
		to := router(st)
		if to != End {
			if _, ok := d.nodes[to]; !ok {
				return "", fmt.Errorf("router of %q returned unknown node %q", from, to)
			}
		}
		return to, nil
	}
	return "", fmt.Errorf("node %q has no outgoing edge or router", from)
}

// Builder assembles a Definition. All structural errors surface from
// Build, before any run starts.
type Builder struct {
	def  *Definition
	errs []error
}

// NewBuilder starts a definition with the given name and state schema
func NewBuilder(name string, schema state.Schema) *Builder {
	return &Builder{
		def: &Definition{
			name:    name,
			schema:  schema,
			nodes:   make(map[string]*Node),
			edges:   make(map[string]string),
			routers: make(map[string]Router),
		},
	}
}

func (b *Builder) addNode(n *Node) *Builder {
	if n.ID == "" || n.ID == End {
		b.errs = append(b.errs, fmt.Errorf("invalid node id %q", n.ID))
		return b
	}
	if _, exists := b.def.nodes[n.ID]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", n.ID))
		return b
	}
	b.def.nodes[n.ID] = n
	return b
}

// AddNode registers a plain node body
func (b *Builder) AddNode(id string, fn NodeFunc) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q has nil body", id))
		return b
	}
	return b.addNode(&Node{ID: id, Func: fn})
}

// AddInterrupt registers a suspension-point node. The body runs only
// after the thread is resumed with external input.
func (b *Builder) AddInterrupt(id string, fn NodeFunc) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("interrupt node %q has nil body", id))
		return b
	}
	return b.addNode(&Node{ID: id, Func: fn, Interrupt: true})
}

// AddSubgraph registers a node that runs a nested definition under a
// child thread. The parent blocks at a pending-subrun marker until the
// child reaches a terminal status.
func (b *Builder) AddSubgraph(id string, sub *Definition) *Builder {
	if sub == nil {
		b.errs = append(b.errs, fmt.Errorf("subgraph node %q has nil definition", id))
		return b
	}
	return b.addNode(&Node{ID: id, Subgraph: sub})
}

// AddEdge registers a static edge from one node to another (or to End)
func (b *Builder) AddEdge(from, to string) *Builder {
	if _, exists := b.def.edges[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q already has a static edge", from))
		return b
	}
	b.def.edges[from] = to
	return b
}

// AddRouter registers a conditional router for a node
func (b *Builder) AddRouter(from string, router Router) *Builder {
	if router == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q has nil router", from))
		return b
	}
	if _, exists := b.def.routers[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q already has a router", from))
		return b
	}
	b.def.routers[from] = router
	return b
}

// SetEntry names the node every run starts at
func (b *Builder) SetEntry(id string) *Builder {
	b.def.entry = id
	return b
}

// Build validates the definition and freezes it
func (b *Builder) Build() (*Definition, error) {
	errs := append([]error{}, b.errs...)
	d := b.def

	if len(d.nodes) == 0 {
		errs = append(errs, fmt.Errorf("graph %q has no nodes", d.name))
	}
	if d.entry == "" {
		errs = append(errs, fmt.Errorf("graph %q has no entry node", d.name))
	} else if _, ok := d.nodes[d.entry]; !ok {
		errs = append(errs, fmt.Errorf("graph %q entry %q is not a node", d.name, d.entry))
	}

	for from, to := range d.edges {
		if _, ok := d.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("edge from unknown node %q", from))
		}
		if to != End {
			if _, ok := d.nodes[to]; !ok {
				errs = append(errs, fmt.Errorf("edge %q -> unknown node %q", from, to))
			}
		}
	}
	for from := range d.routers {
		if _, ok := d.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("router on unknown node %q", from))
		}
	}

	for id := range d.nodes {
		_, hasEdge := d.edges[id]
		_, hasRouter := d.routers[id]
		switch {
		case hasEdge && hasRouter:
			errs = append(errs, fmt.Errorf("node %q has both a static edge and a router", id))
		case !hasEdge && !hasRouter:
			errs = append(errs, fmt.Errorf("node %q has no outgoing edge or router", id))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid graph %q: %w", d.name, joinErrors(errs))
	}
	b.def = nil // freeze: the builder cannot mutate a built definition
	return d, nil
}

func joinErrors(errs []error) error {
	err := errs[0]
	for _, e := range errs[1:] {
		err = fmt.Errorf("%w; %w", err, e)
	}
	return err
}
