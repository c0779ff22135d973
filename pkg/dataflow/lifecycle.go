package dataflow

import (
	"fmt"
	"sort"
	"sync"
)

// InvocationRecord is what the lifecycle remembers about one invocation path.
// A path addresses either a graph invocation (Graph set) or a node activation
// (Node set).
type InvocationRecord struct {
	// Graph is the scope name of the invoked graph.
	Graph string `json:"graph,omitempty"`
	// Node is the id of the activated node.
	Node string `json:"node,omitempty"`
	// State is the traversal machine at the moment the node was handed out.
	State *MachineState `json:"state,omitempty"`
	// Inputs are the graph invocation inputs, or the node activation inputs.
	Inputs Values `json:"inputs,omitempty"`
	// Outputs are set once the invocation finished.
	Outputs Values `json:"outputs,omitempty"`
	// Partial holds outputs flushed before the invocation finished.
	Partial Values `json:"partial,omitempty"`
	// Error is the handler failure message for a failed node.
	Error string `json:"error,omitempty"`
	// Done marks a finished invocation.
	Done bool `json:"done,omitempty"`
}

// describe names what the record is about, for mismatch reports.
func (r InvocationRecord) describe() string {
	if r.Node != "" {
		return fmt.Sprintf("node %q", r.Node)
	}
	return fmt.Sprintf("graph %q", r.Graph)
}

// Visit records that a node ran at a path.
type Visit struct {
	Node string `json:"node"`
	Path Path   `json:"path"`
}

// ReanimationState is the serializable checkpoint of a run: one record per
// invocation path that has data, keyed by Path.String(), plus every visit in
// the order it happened.
type ReanimationState struct {
	States map[string]InvocationRecord `json:"states"`
	Visits []Visit                     `json:"visits,omitempty"`
}

// PathsFor returns every path the node id ran at. Node ids are only unique
// within one graph, so a node reused by nested invocations has several.
func (s *ReanimationState) PathsFor(nodeID string) []Path {
	var out []Path
	for _, v := range s.Visits {
		if v.Node == nodeID {
			out = append(out, v.Path)
		}
	}
	return out
}

// pathEntry is one vertex of the path registry tree.
type pathEntry struct {
	record   *InvocationRecord
	children map[int]*pathEntry
}

func (e *pathEntry) child(i int) *pathEntry {
	if e.children == nil {
		e.children = make(map[int]*pathEntry)
	}
	c, ok := e.children[i]
	if !ok {
		c = &pathEntry{}
		e.children[i] = c
	}
	return c
}

// Lifecycle tracks a run's invocation tree: which graphs and nodes were
// entered at which paths, with enough state to resume each one.
//
// Lifecycle is safe for concurrent use.
type Lifecycle struct {
	mu     sync.Mutex
	root   pathEntry
	frames []Path
	visits []Visit
	// visited indexes visits by node@path.
	visited map[string]struct{}
}

// NewLifecycle returns an empty lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// NewLifecycleFrom rebuilds a lifecycle from a checkpoint. Keys that are not
// valid paths and records that name neither a graph nor a node are rejected
// with *ReanimationMismatchError.
func NewLifecycleFrom(state *ReanimationState) (*Lifecycle, error) {
	l := NewLifecycle()
	if state == nil {
		return l, nil
	}
	for key, rec := range state.States {
		p, err := ParsePath(key)
		if err != nil {
			return nil, &ReanimationMismatchError{Path: key, Reason: err.Error()}
		}
		if rec.Graph == "" && rec.Node == "" {
			return nil, &ReanimationMismatchError{Path: key, Reason: "record names neither a graph nor a node"}
		}
		r := rec
		l.entry(p).record = &r
	}
	for _, v := range state.Visits {
		l.addVisit(v.Node, v.Path)
	}
	return l, nil
}

// entry returns the registry vertex for p, creating it if needed.
// Callers hold l.mu.
func (l *Lifecycle) entry(p Path) *pathEntry {
	e := &l.root
	for _, i := range p {
		e = e.child(i)
	}
	return e
}

// lookup returns the registry vertex for p, or nil. Callers hold l.mu.
func (l *Lifecycle) lookup(p Path) *pathEntry {
	e := &l.root
	for _, i := range p {
		c, ok := e.children[i]
		if !ok {
			return nil
		}
		e = c
	}
	return e
}

// DispatchGraphStart pushes a frame for a graph invocation at path and
// records its inputs. An existing record (from a checkpoint) is kept.
func (l *Lifecycle) DispatchGraphStart(url string, path Path, inputs Values) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(path)
	if e.record == nil {
		e.record = &InvocationRecord{Graph: url, Inputs: inputs.Clone()}
	}
	l.frames = append(l.frames, path.clone())
}

// DispatchNodeStart snapshots the machine that handed out result and records
// the visit.
func (l *Lifecycle) DispatchNodeStart(result *TraversalResult, path Path) {
	st := result.MachineState()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(path)
	rec := &InvocationRecord{
		Node:   result.Node.ID,
		State:  &st,
		Inputs: result.Inputs.Clone(),
	}
	// A re-issued activation keeps what it flushed before the restart.
	if old := e.record; old != nil && old.Node == rec.Node && !old.Done {
		rec.Partial = old.Partial
	}
	e.record = rec
	l.addVisit(result.Node.ID, path)
}

// addVisit records a visit unless it is already known. Callers hold l.mu.
func (l *Lifecycle) addVisit(node string, path Path) {
	key := node + "@" + path.String()
	if _, ok := l.visited[key]; ok {
		return
	}
	if l.visited == nil {
		l.visited = make(map[string]struct{})
	}
	l.visited[key] = struct{}{}
	l.visits = append(l.visits, Visit{Node: node, Path: path.clone()})
}

// DispatchNodeEnd attaches the node's outputs to its record.
func (l *Lifecycle) DispatchNodeEnd(outputs Values, path Path) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.lookup(path); e != nil && e.record != nil {
		e.record.Outputs = outputs.Clone()
		e.record.Done = true
	}
}

// DispatchNodeError marks the node at path as failed.
func (l *Lifecycle) DispatchNodeError(err error, path Path) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.lookup(path); e != nil && e.record != nil {
		e.record.Error = err.Error()
		e.record.Done = true
	}
}

// DispatchGraphEnd finishes the innermost graph invocation and pops its frame.
func (l *Lifecycle) DispatchGraphEnd(outputs Values) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.frames) == 0 {
		return
	}
	path := l.frames[len(l.frames)-1]
	l.frames = l.frames[:len(l.frames)-1]
	if e := l.lookup(path); e != nil && e.record != nil {
		e.record.Outputs = outputs.Clone()
		e.record.Done = true
	}
}

// abandon pops the innermost frame without finishing its invocation. The
// invocation stopped early (suspended, cancelled or failed) and its records
// stay behind for a later resume.
func (l *Lifecycle) abandon() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.frames) > 0 {
		l.frames = l.frames[:len(l.frames)-1]
	}
}

// SupplyPartialOutputs merges outputs into the record at path before the
// invocation finishes. Paths without a record are ignored.
func (l *Lifecycle) SupplyPartialOutputs(path Path, outputs Values) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.lookup(path)
	if e == nil || e.record == nil {
		return
	}
	if e.record.Partial == nil {
		e.record.Partial = Values{}
	}
	for k, v := range outputs {
		e.record.Partial[k] = v
	}
}

// Replay returns a copy of the record at path.
func (l *Lifecycle) Replay(path Path) (InvocationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.lookup(path)
	if e == nil || e.record == nil {
		return InvocationRecord{}, false
	}
	return *e.record, true
}

// Latest returns the node record with the highest index directly under the
// graph invocation at graphPath.
func (l *Lifecycle) Latest(graphPath Path) (int, InvocationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.lookup(graphPath)
	if e == nil {
		return 0, InvocationRecord{}, false
	}
	best, found := 0, false
	for i, c := range e.children {
		if c.record == nil || c.record.Node == "" {
			continue
		}
		if !found || i > best {
			best, found = i, true
		}
	}
	if !found {
		return 0, InvocationRecord{}, false
	}
	return best, *e.children[best].record, true
}

// Depth returns the number of open graph frames.
func (l *Lifecycle) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// ReanimationState walks the registry depth first, children in index order.
func (l *Lifecycle) ReanimationState() *ReanimationState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := &ReanimationState{States: make(map[string]InvocationRecord)}
	var walk func(e *pathEntry, p Path)
	walk = func(e *pathEntry, p Path) {
		if e.record != nil {
			rec := *e.record
			rec.Inputs = rec.Inputs.Clone()
			rec.Outputs = rec.Outputs.Clone()
			rec.Partial = rec.Partial.Clone()
			st.States[p.String()] = rec
		}
		idx := make([]int, 0, len(e.children))
		for i := range e.children {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			walk(e.children[i], p.Child(i))
		}
	}
	walk(&l.root, Path{})
	st.Visits = append([]Visit(nil), l.visits...)
	return st
}

// String summarizes the registry for debugging.
func (l *Lifecycle) String() string {
	st := l.ReanimationState()
	return fmt.Sprintf("lifecycle{records: %d, visits: %d}", len(st.States), len(st.Visits))
}
