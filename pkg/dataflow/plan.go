package dataflow

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Task is one node of a Plan.
type Task struct {
	// Index is the task's position in plan order.
	Index int
	// Node is the node to run.
	Node *Node
	// Predecessors are the distinct sources of the node's incoming edges.
	Predecessors []string
	// Inputs are the node configuration overlaid with everything its
	// predecessors delivered. Set on tasks handed out by an Orchestrator.
	Inputs Values
	// Skip is true when the task cannot run; it has already been settled.
	Skip bool
	// Missing lists the required inputs a skipped task lacked.
	Missing []string
}

// planTask is the static part of a task.
type planTask struct {
	node  *Node
	preds []string
	succs []int
	entry bool
	deps  int
}

// Plan is the precomputed structure of an acyclic graph: tasks in
// topological order with predecessor sets and dependency counts. A Plan is
// immutable and may be shared by many orchestrators.
type Plan struct {
	graph *Graph
	tasks []planTask
	index map[string]int
}

// CreatePlan orders g's nodes topologically (Kahn's algorithm, ties broken by
// declaration order). It fails with ErrCyclicGraph if g has a cycle.
func CreatePlan(g *Graph) (*Plan, error) {
	indegree := make(map[string]int, len(g.nodes))
	preds := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		seen := make(map[string]bool)
		for _, e := range g.incoming[n.ID] {
			if seen[e.From] {
				continue
			}
			seen[e.From] = true
			preds[n.ID] = append(preds[n.ID], e.From)
		}
		indegree[n.ID] = len(preds[n.ID])
	}

	var ready []string
	for _, n := range g.nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.declOrder(ready[i]) < g.declOrder(ready[j])
		})
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		seen := make(map[string]bool)
		for _, e := range g.outgoing[id] {
			if seen[e.To] {
				continue
			}
			seen[e.To] = true
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%w: %s", ErrCyclicGraph, g.scopeName())
	}

	entries := make(map[string]bool, len(g.entries))
	for _, id := range g.entries {
		entries[id] = true
	}

	p := &Plan{
		graph: g,
		tasks: make([]planTask, len(order)),
		index: make(map[string]int, len(order)),
	}
	for i, id := range order {
		p.index[id] = i
	}
	for i, id := range order {
		t := planTask{
			node:  g.byID[id],
			preds: preds[id],
			entry: entries[id],
			deps:  len(preds[id]),
		}
		seen := make(map[int]bool)
		for _, e := range g.outgoing[id] {
			s := p.index[e.To]
			if !seen[s] {
				seen[s] = true
				t.succs = append(t.succs, s)
			}
		}
		sort.Ints(t.succs)
		p.tasks[i] = t
	}
	return p, nil
}

// Graph returns the planned graph.
func (p *Plan) Graph() *Graph {
	return p.graph
}

// Len returns the number of tasks.
func (p *Plan) Len() int {
	return len(p.tasks)
}

// Tasks returns the tasks in plan order, without inputs.
func (p *Plan) Tasks() []Task {
	out := make([]Task, len(p.tasks))
	for i, t := range p.tasks {
		out[i] = Task{
			Index:        i,
			Node:         t.node,
			Predecessors: append([]string(nil), t.preds...),
		}
	}
	return out
}

// Progress reports whether an orchestrated run has more to do.
type Progress int

const (
	// ProgressContinuing means tasks are runnable or still in flight.
	ProgressContinuing Progress = iota

	// ProgressFinished means every task has settled.
	ProgressFinished
)

// String returns the progress name.
func (p Progress) String() string {
	if p == ProgressFinished {
		return "finished"
	}
	return "continuing"
}

// Orchestrator hands out the ready tasks of a Plan and collects their
// outputs. Unlike a Machine it gives out every ready task at once, so
// callers can run them concurrently.
//
// ProvideOutputs and ProvideError are safe to call concurrently.
type Orchestrator struct {
	plan *Plan

	// remaining counts unsettled predecessors per task.
	remaining []atomic.Int32

	mu         sync.Mutex
	store      *StateStore
	ready      []Task
	skipped    []Task
	dispatched []bool
	settled    []bool
	inFlight   int
}

// NewOrchestrator starts orchestrating p.
func NewOrchestrator(p *Plan) *Orchestrator {
	o := &Orchestrator{
		plan:       p,
		remaining:  make([]atomic.Int32, len(p.tasks)),
		store:      NewStateStore(p.graph),
		dispatched: make([]bool, len(p.tasks)),
		settled:    make([]bool, len(p.tasks)),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, t := range p.tasks {
		o.remaining[i].Store(int32(t.deps))
	}
	for i, t := range p.tasks {
		if t.deps == 0 {
			o.becomeReady(i)
		}
	}
	return o
}

// becomeReady builds task i once all its predecessors settled. A task that
// cannot run is settled on the spot, which may cascade. Callers hold o.mu.
func (o *Orchestrator) becomeReady(i int) {
	pt := o.plan.tasks[i]
	t := Task{
		Index:        i,
		Node:         pt.node,
		Predecessors: append([]string(nil), pt.preds...),
		Inputs:       activationInputs(pt.node, o.store),
		Missing:      missingInputs(o.plan.graph, o.store, pt.node.ID),
	}

	// A node nothing feeds only runs if it is an entry point.
	if len(t.Missing) > 0 || (pt.deps == 0 && !pt.entry) {
		t.Skip = true
		o.dispatched[i] = true
		o.skipped = append(o.skipped, t)
		o.settle(i, nil, nil)
		return
	}
	o.ready = append(o.ready, t)
}

// settle records a task's deliveries and releases its successors.
// Callers hold o.mu.
func (o *Orchestrator) settle(i int, edges []Edge, outputs Values) {
	id := o.plan.tasks[i].node.ID
	if len(edges) > 0 {
		o.store.Update(id, edges, outputs)
	}
	o.settled[i] = true
	for _, s := range o.plan.tasks[i].succs {
		if o.remaining[s].Add(-1) == 0 {
			o.becomeReady(s)
		}
	}
}

// CurrentTasks returns every task that became ready since the last call, in
// plan order, and marks them dispatched. Tasks that had to be skipped are
// included with Skip set; they need no outputs.
func (o *Orchestrator) CurrentTasks() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Task, 0, len(o.skipped)+len(o.ready))
	out = append(out, o.skipped...)
	out = append(out, o.ready...)
	for _, t := range o.ready {
		o.dispatched[t.Index] = true
		o.store.UseInputs(t.Node.ID)
		o.inFlight++
	}
	o.skipped, o.ready = nil, nil

	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ProvideOutputs settles a dispatched task with its outputs and propagates
// them along every outgoing edge. It fails with ErrUnknownTask for a node
// that is not in flight.
func (o *Orchestrator) ProvideOutputs(nodeID string, outputs Values) (Progress, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	i, err := o.inFlightTask(nodeID)
	if err != nil {
		return o.progress(), err
	}
	o.inFlight--
	o.settle(i, o.plan.graph.outgoing[nodeID], outputs)
	return o.progress(), nil
}

// ProvideError settles a dispatched task with a handler failure. The $error
// value travels only along $error and wildcard edges.
func (o *Orchestrator) ProvideError(nodeID string, cause error) (Progress, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	i, err := o.inFlightTask(nodeID)
	if err != nil {
		return o.progress(), err
	}
	o.inFlight--
	node := o.plan.tasks[i].node
	o.settle(i, errorEdges(o.plan.graph.outgoing[nodeID]), Values{ErrorPort: ErrorValue(node, cause)})
	return o.progress(), nil
}

func (o *Orchestrator) inFlightTask(nodeID string) (int, error) {
	i, ok := o.plan.index[nodeID]
	if !ok || !o.dispatched[i] || o.settled[i] {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, nodeID)
	}
	return i, nil
}

// progress is Finished once nothing is runnable or in flight.
// Callers hold o.mu.
func (o *Orchestrator) progress() Progress {
	if o.inFlight == 0 && len(o.ready) == 0 {
		return ProgressFinished
	}
	return ProgressContinuing
}

// Done reports whether every task settled and every task was handed out.
func (o *Orchestrator) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight == 0 && len(o.ready) == 0 && len(o.skipped) == 0
}
