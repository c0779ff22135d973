package dataflow

import (
	"fmt"
	"sort"
)

// TraversalResult is one node activation handed out by a Machine.
type TraversalResult struct {
	// ID is the stable activation id, unique within one Machine.
	ID int
	// Node is the node to run.
	Node *Node
	// Inputs are the node configuration overlaid with the deliveries
	// consumed for this activation.
	Inputs Values
	// Missing lists required input ports that were never delivered.
	// Only set on skipped activations.
	Missing []string
	// Opportunities are edges whose source has delivered but whose target
	// is still waiting for other inputs.
	Opportunities []Edge
	// Skip is true when the node cannot run: the frontier drained while it
	// still lacked required inputs. No handler runs for a skipped activation.
	Skip bool
	// State is the store this result was computed against.
	State *StateStore

	machine *Machine
}

// MachineState returns the serializable state of the machine that produced
// this result, as of the moment the result was handed out.
func (r *TraversalResult) MachineState() MachineState {
	if r.machine == nil {
		return MachineState{}
	}
	return r.machine.Snapshot()
}

// pendingActivation is one entry of the frontier work queue. Entries are
// addressed by stable integer ids, never by pointer.
type pendingActivation struct {
	ID   int    `json:"id"`
	Node string `json:"node"`
	Seq  int    `json:"seq"`
}

// ActivationState is the serialized form of an in-flight activation.
type ActivationState struct {
	ID     int    `json:"id"`
	Node   string `json:"node"`
	Inputs Values `json:"inputs"`
}

// MachineState is the serializable state of a Machine.
type MachineState struct {
	Store          StateSnapshot       `json:"store"`
	Pending        []pendingActivation `json:"pending,omitempty"`
	Activated      []string            `json:"activated,omitempty"`
	Current        *ActivationState    `json:"current,omitempty"`
	Seq            int                 `json:"seq"`
	NextID         int                 `json:"next_id"`
	Issued         int                 `json:"issued"`
	DeferredSeeded bool                `json:"deferred_seeded,omitempty"`
}

// machineConfig holds Machine options.
type machineConfig struct {
	maxActivations int
}

// MachineOption configures a Machine.
type MachineOption func(*machineConfig)

// WithMaxActivations bounds the number of node activations the machine will
// hand out. Zero means unlimited.
func WithMaxActivations(n int) MachineOption {
	return func(c *machineConfig) {
		if n >= 0 {
			c.maxActivations = n
		}
	}
}

// Machine is the traversal state machine. It never runs handlers itself:
// Next hands out an activation, the caller runs the node, and Resume (or Fail)
// feeds the result back.
//
//	m := dataflow.NewMachine(g)
//	for {
//	    res, err := m.Next()
//	    if err != nil || res == nil {
//	        break
//	    }
//	    if res.Skip {
//	        continue
//	    }
//	    outputs, err := run(res.Node, res.Inputs)
//	    if err != nil {
//	        m.Fail(err)
//	        continue
//	    }
//	    m.Resume(outputs)
//	}
//
// Machine is NOT safe for concurrent use.
type Machine struct {
	graph *Graph
	store *StateStore
	cfg   machineConfig

	pending        []pendingActivation
	activated      map[string]bool
	current        *TraversalResult
	seq            int
	nextID         int
	issued         int
	deferredSeeded bool
}

// NewMachine creates a machine positioned at the graph's entry points.
func NewMachine(g *Graph, opts ...MachineOption) *Machine {
	m := newMachine(g, NewStateStore(g), opts)
	for _, id := range g.entries {
		m.enqueue(id)
	}
	return m
}

func newMachine(g *Graph, store *StateStore, opts []MachineOption) *Machine {
	m := &Machine{
		graph:     g,
		store:     store,
		activated: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(&m.cfg)
	}
	return m
}

// Graph returns the graph this machine traverses.
func (m *Machine) Graph() *Graph {
	return m.graph
}

// Store returns the machine's state store.
func (m *Machine) Store() *StateStore {
	return m.store
}

// Current returns the in-flight activation, or nil.
func (m *Machine) Current() *TraversalResult {
	return m.current
}

// Done reports whether the machine has nothing left to hand out.
func (m *Machine) Done() bool {
	if m.current != nil || len(m.pending) > 0 {
		return false
	}
	if m.deferredSeeded {
		return true
	}
	for _, id := range m.graph.deferred {
		if !m.activated[id] {
			return false
		}
	}
	return true
}

// enqueue adds node to the frontier, or refreshes its arrival sequence if it
// is already waiting.
func (m *Machine) enqueue(node string) {
	m.seq++
	for i := range m.pending {
		if m.pending[i].Node == node {
			m.pending[i].Seq = m.seq
			return
		}
	}
	m.nextID++
	m.pending = append(m.pending, pendingActivation{ID: m.nextID, Node: node, Seq: m.seq})
}

// missing returns the required input ports of node that nothing satisfies.
func (m *Machine) missing(node string) []string {
	return missingInputs(m.graph, m.store, node)
}

// missingInputs lists the required input ports of node that nothing in store
// satisfies. A named port is satisfied by a delivery from the edge's source
// carrying it, or by the node's own configuration. Control and wildcard
// edges are satisfied by any delivery from their source.
func missingInputs(g *Graph, store *StateStore, node string) []string {
	n := g.byID[node]
	var out []string
	for _, e := range g.incoming[node] {
		if e.Optional {
			continue
		}
		switch e.Kind {
		case KindControl, KindWildcard:
			if !store.Has(node, e.From) {
				out = append(out, e.String())
			}
		default:
			if store.Delivered(node, e.From, e.In) {
				continue
			}
			if _, ok := n.Configuration[e.In]; ok {
				continue
			}
			out = append(out, e.In)
		}
	}
	return out
}

// activationInputs is the node configuration overlaid with what store has
// for it.
func activationInputs(node *Node, store *StateStore) Values {
	inputs := Values{}
	for k, v := range node.Configuration {
		inputs[k] = v
	}
	for k, v := range store.AvailableInputs(node.ID) {
		inputs[k] = v
	}
	return inputs
}

// errorEdges selects the edges a failure travels on: those leaving the
// $error port and wildcard edges.
func errorEdges(edges []Edge) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.Out == ErrorPort || e.Kind == KindWildcard {
			out = append(out, e)
		}
	}
	return out
}

// opportunities lists edges into still-waiting nodes whose source delivered.
func (m *Machine) opportunities() []Edge {
	var out []Edge
	for _, p := range m.pending {
		for _, e := range m.graph.incoming[p.Node] {
			if m.store.Has(p.Node, e.From) {
				out = append(out, e)
			}
		}
	}
	return out
}

// before orders pending activations by arrival, then node id.
func before(a, b pendingActivation) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Node < b.Node
}

// Next returns the next activation. It returns (nil, nil) once the machine is
// done. While an activation is in flight, Next returns that same activation
// again; call Resume or Fail first to advance.
//
// Selection rules, in order:
//  1. The eligible waiting node whose latest delivery arrived first (ties by
//     node id). Its inputs are consumed from the store.
//  2. If nothing is eligible, deferred entries that never ran are enqueued
//     once and rule 1 is retried.
//  3. Otherwise waiting nodes are handed out one at a time with Skip set.
func (m *Machine) Next() (*TraversalResult, error) {
	if m.current != nil {
		return m.current, nil
	}

	for {
		best := -1
		for i, p := range m.pending {
			if len(m.missing(p.Node)) > 0 {
				continue
			}
			if best < 0 || before(p, m.pending[best]) {
				best = i
			}
		}
		if best >= 0 {
			return m.activate(best)
		}

		if !m.deferredSeeded {
			m.deferredSeeded = true
			seeded := false
			for _, id := range m.graph.deferred {
				if !m.activated[id] {
					m.enqueue(id)
					seeded = true
				}
			}
			if seeded {
				continue
			}
		}
		break
	}

	if len(m.pending) == 0 {
		return nil, nil
	}

	first := 0
	for i := range m.pending {
		if before(m.pending[i], m.pending[first]) {
			first = i
		}
	}
	p := m.pending[first]
	m.pending = append(m.pending[:first], m.pending[first+1:]...)
	return &TraversalResult{
		ID:      p.ID,
		Node:    m.graph.byID[p.Node],
		Inputs:  m.store.AvailableInputs(p.Node),
		Missing: m.missing(p.Node),
		Skip:    true,
		State:   m.store,
		machine: m,
	}, nil
}

func (m *Machine) activate(idx int) (*TraversalResult, error) {
	p := m.pending[idx]
	if m.cfg.maxActivations > 0 && m.issued >= m.cfg.maxActivations {
		return nil, &MaxIterationsError{Max: m.cfg.maxActivations, LastNodeID: p.Node}
	}
	m.pending = append(m.pending[:idx], m.pending[idx+1:]...)

	node := m.graph.byID[p.Node]
	inputs := activationInputs(node, m.store)
	m.store.UseInputs(p.Node)
	m.issued++

	m.current = &TraversalResult{
		ID:            p.ID,
		Node:          node,
		Inputs:        inputs,
		Opportunities: m.opportunities(),
		State:         m.store,
		machine:       m,
	}
	return m.current, nil
}

// Resume completes the in-flight activation with the handler's outputs and
// propagates them along every outgoing edge. Outputs are stored in canonical
// form (see Values.Canonical), so a serialized machine restores to the same
// values it held.
func (m *Machine) Resume(outputs Values) error {
	if m.current == nil {
		return ErrNoActivation
	}
	canonical, err := outputs.Canonical()
	if err != nil {
		return err
	}
	return m.deliver(canonical)
}

// deliver is Resume for outputs that are already canonical.
func (m *Machine) deliver(outputs Values) error {
	if m.current == nil {
		return ErrNoActivation
	}
	node := m.current.Node.ID
	edges := m.graph.outgoing[node]
	m.store.Update(node, edges, outputs)
	m.settle(node, edges, outputs)
	return nil
}

// Fail completes the in-flight activation with a handler error. The node's
// regular outputs are not propagated; instead an $error value travels along
// edges whose output port is $error (or the wildcard), so graphs can route
// around failures. Downstream nodes that needed the regular outputs end up
// skipped.
func (m *Machine) Fail(err error) error {
	if m.current == nil {
		return ErrNoActivation
	}
	node := m.current.Node
	outputs := Values{ErrorPort: ErrorValue(node, err)}

	all := m.graph.outgoing[node.ID]
	m.store.Update(node.ID, errorEdges(all), outputs)
	m.settle(node.ID, all, outputs)
	return nil
}

// settle finishes the in-flight activation. Successors that received
// something are enqueued; successors that never ran are enqueued too, so a
// branch that gets no data is reported as skipped instead of vanishing.
func (m *Machine) settle(node string, edges []Edge, outputs Values) {
	m.activated[node] = true
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		if seen[e.To] {
			continue
		}
		if !e.carries(outputs) && m.activated[e.To] {
			continue
		}
		seen[e.To] = true
		m.enqueue(e.To)
	}
	m.current = nil
}

// ErrorValue is the data shape carried on an $error port.
func ErrorValue(node *Node, err error) map[string]any {
	v := map[string]any{
		"kind":    "error",
		"message": err.Error(),
	}
	if node != nil {
		v["node"] = node.ID
		v["type"] = node.Type
	}
	return v
}

// Snapshot captures everything needed to rebuild the machine.
func (m *Machine) Snapshot() MachineState {
	st := MachineState{
		Store:          m.store.Snapshot(),
		Seq:            m.seq,
		NextID:         m.nextID,
		Issued:         m.issued,
		DeferredSeeded: m.deferredSeeded,
	}
	if len(m.pending) > 0 {
		st.Pending = make([]pendingActivation, len(m.pending))
		copy(st.Pending, m.pending)
	}
	for id := range m.activated {
		st.Activated = append(st.Activated, id)
	}
	sort.Strings(st.Activated)
	if m.current != nil {
		st.Current = &ActivationState{
			ID:     m.current.ID,
			Node:   m.current.Node.ID,
			Inputs: m.current.Inputs.Clone(),
		}
	}
	return st
}

// RestoreMachine rebuilds a machine for g from a snapshot. Every node the
// snapshot mentions must exist in g; otherwise a *ReanimationMismatchError is
// returned.
func RestoreMachine(g *Graph, st MachineState, opts ...MachineOption) (*Machine, error) {
	store, err := RestoreStateStore(g, st.Store)
	if err != nil {
		return nil, err
	}
	m := newMachine(g, store, opts)
	m.seq = st.Seq
	m.nextID = st.NextID
	m.issued = st.Issued
	m.deferredSeeded = st.DeferredSeeded

	for _, p := range st.Pending {
		if !g.HasNode(p.Node) {
			return nil, &ReanimationMismatchError{Reason: fmt.Sprintf("pending activation references unknown node %q", p.Node)}
		}
		m.pending = append(m.pending, p)
	}
	for _, id := range st.Activated {
		if !g.HasNode(id) {
			return nil, &ReanimationMismatchError{Reason: fmt.Sprintf("activated list references unknown node %q", id)}
		}
		m.activated[id] = true
	}
	if st.Current != nil {
		node, ok := g.Node(st.Current.Node)
		if !ok {
			return nil, &ReanimationMismatchError{Reason: fmt.Sprintf("in-flight activation references unknown node %q", st.Current.Node)}
		}
		inputs := st.Current.Inputs.Clone()
		if inputs == nil {
			inputs = Values{}
		}
		m.current = &TraversalResult{
			ID:            st.Current.ID,
			Node:          node,
			Inputs:        inputs,
			Opportunities: m.opportunities(),
			State:         store,
			machine:       m,
		}
	}
	return m, nil
}
