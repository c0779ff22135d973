package dataflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StateStore is the per-run ledger of deliveries a node has received and not
// yet consumed, plus the constants ledger for constant edges.
//
// Ordinary deliveries queue per (target, source) pair and are consumed once
// per activation. Constant deliveries are remembered and merged into every
// later activation of their target.
//
// StateStore is NOT safe for concurrent use; it belongs to one Machine.
type StateStore struct {
	graph     *Graph
	state     map[string]map[string][]Values
	constants map[string]map[string]Values
}

// StateSnapshot is the serializable form of a StateStore. Go's encoding/json
// sorts map keys, so the encoding is stable regardless of insertion order.
type StateSnapshot struct {
	State     map[string]map[string][]Values `json:"state"`
	Constants map[string]map[string]Values   `json:"constants"`
}

// NewStateStore creates an empty store for g.
func NewStateStore(g *Graph) *StateStore {
	return &StateStore{
		graph:     g,
		state:     make(map[string]map[string][]Values),
		constants: make(map[string]map[string]Values),
	}
}

// mustKnow panics for nodes outside the graph: callers only ever ask about
// nodes they got from the graph, so anything else is a programming error.
func (s *StateStore) mustKnow(node string) {
	if !s.graph.HasNode(node) {
		panic(fmt.Sprintf("dataflow: state store has no node %q", node))
	}
}

// Update records the outputs of from on each of the given edges. Every edge
// must leave from. Deliveries to the same target are merged into one entry per
// (target, source). Constant edges are also remembered in the constants
// ledger, replacing any earlier constant from the same source.
func (s *StateStore) Update(from string, edges []Edge, outputs Values) {
	s.mustKnow(from)

	type pending struct {
		delivery Values
		constant Values
		carried  bool
	}
	byTarget := make(map[string]*pending)
	var targets []string

	for _, e := range edges {
		if e.From != from {
			panic(fmt.Sprintf("dataflow: edge %s does not leave %q", e, from))
		}
		if !e.carries(outputs) {
			continue
		}
		p, ok := byTarget[e.To]
		if !ok {
			p = &pending{delivery: Values{}}
			byTarget[e.To] = p
			targets = append(targets, e.To)
		}
		p.carried = true
		e.project(outputs, p.delivery)
		if e.Constant {
			if p.constant == nil {
				p.constant = Values{}
			}
			e.project(outputs, p.constant)
		}
	}

	for _, to := range targets {
		p := byTarget[to]
		if !p.carried {
			continue
		}
		if s.state[to] == nil {
			s.state[to] = make(map[string][]Values)
		}
		s.state[to][from] = append(s.state[to][from], p.delivery)

		if p.constant != nil {
			if s.constants[to] == nil {
				s.constants[to] = make(map[string]Values)
			}
			s.constants[to][from] = p.constant
		}
	}
}

// Has reports whether a delivery from "from" is waiting for "to", either
// queued or remembered as a constant.
func (s *StateStore) Has(to, from string) bool {
	s.mustKnow(to)
	if len(s.state[to][from]) > 0 {
		return true
	}
	_, ok := s.constants[to][from]
	return ok
}

// Delivered reports whether the waiting delivery from "from" to "to" carries
// port. An empty port asks about any delivery at all.
func (s *StateStore) Delivered(to, from, port string) bool {
	s.mustKnow(to)
	if port == "" {
		return s.Has(to, from)
	}
	if q := s.state[to][from]; len(q) > 0 {
		if _, ok := q[0][port]; ok {
			return true
		}
	}
	if c, ok := s.constants[to][from]; ok {
		if _, ok := c[port]; ok {
			return true
		}
	}
	return false
}

// AvailableInputs merges the constants for node and then overlays the front
// delivery of every queued source. Sources are applied in id order so the
// result is deterministic when two sources write the same port.
func (s *StateStore) AvailableInputs(node string) Values {
	s.mustKnow(node)
	result := Values{}

	consts := s.constants[node]
	for _, from := range sortedKeys(consts) {
		for k, v := range consts[from] {
			result[k] = v
		}
	}

	queues := s.state[node]
	for _, from := range sortedKeys(queues) {
		q := queues[from]
		if len(q) == 0 {
			continue
		}
		for k, v := range q[0] {
			result[k] = v
		}
	}
	return result
}

// UseInputs consumes the front delivery of every queued source for node.
// Constants are left alone.
func (s *StateStore) UseInputs(node string) {
	s.mustKnow(node)
	queues := s.state[node]
	for from, q := range queues {
		if len(q) <= 1 {
			delete(queues, from)
			continue
		}
		queues[from] = q[1:]
	}
	if len(queues) == 0 {
		delete(s.state, node)
	}
}

// Snapshot returns a deep copy of the ledgers.
func (s *StateStore) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		State:     make(map[string]map[string][]Values, len(s.state)),
		Constants: make(map[string]map[string]Values, len(s.constants)),
	}
	for to, queues := range s.state {
		m := make(map[string][]Values, len(queues))
		for from, q := range queues {
			cp := make([]Values, len(q))
			for i, d := range q {
				cp[i] = d.Clone()
			}
			m[from] = cp
		}
		snap.State[to] = m
	}
	for to, consts := range s.constants {
		m := make(map[string]Values, len(consts))
		for from, d := range consts {
			m[from] = d.Clone()
		}
		snap.Constants[to] = m
	}
	return snap
}

// Serialize encodes the store as JSON.
func (s *StateStore) Serialize() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// MarshalJSON implements json.Marshaler.
func (s *StateStore) MarshalJSON() ([]byte, error) {
	return s.Serialize()
}

// RestoreStateStore rebuilds a store for g from a snapshot. Every node id in
// the snapshot must exist in g.
func RestoreStateStore(g *Graph, snap StateSnapshot) (*StateStore, error) {
	s := NewStateStore(g)
	for to, queues := range snap.State {
		if !g.HasNode(to) {
			return nil, &ReanimationMismatchError{Reason: fmt.Sprintf("state references unknown node %q", to)}
		}
		for from, q := range queues {
			if !g.HasNode(from) {
				return nil, &ReanimationMismatchError{Reason: fmt.Sprintf("state references unknown source %q", from)}
			}
			if len(q) == 0 {
				continue
			}
			if s.state[to] == nil {
				s.state[to] = make(map[string][]Values)
			}
			cp := make([]Values, len(q))
			for i, d := range q {
				cp[i] = d.Clone()
				if cp[i] == nil {
					cp[i] = Values{}
				}
			}
			s.state[to][from] = cp
		}
	}
	for to, consts := range snap.Constants {
		if !g.HasNode(to) {
			return nil, &ReanimationMismatchError{Reason: fmt.Sprintf("constants reference unknown node %q", to)}
		}
		for from, d := range consts {
			if !g.HasNode(from) {
				return nil, &ReanimationMismatchError{Reason: fmt.Sprintf("constants reference unknown source %q", from)}
			}
			if s.constants[to] == nil {
				s.constants[to] = make(map[string]Values)
			}
			if d == nil {
				d = Values{}
			}
			s.constants[to][from] = d.Clone()
		}
	}
	return s, nil
}

// DeserializeStateStore decodes Serialize output back into a store for g.
func DeserializeStateStore(g *Graph, data []byte) (*StateStore, error) {
	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}
	return RestoreStateStore(g, snap)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
