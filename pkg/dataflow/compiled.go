package dataflow

// ID returns the subgraph id, or "" for a root graph.
func (g *Graph) ID() string {
	return g.id
}

// Title returns the descriptor title.
func (g *Graph) Title() string {
	return g.title
}

// Description returns the descriptor description.
func (g *Graph) Description() string {
	return g.description
}

// URL returns the descriptor URL, if any.
func (g *Graph) URL() string {
	return g.url
}

// scopeName names the graph for error messages and lifecycle events.
func (g *Graph) scopeName() string {
	switch {
	case g.url != "":
		return g.url
	case g.title != "":
		return g.title
	case g.id != "":
		return "#" + g.id
	default:
		return "main"
	}
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// HasNode checks if a node exists in the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.byID[id]
	return ok
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// NodeIDs returns the node identifiers in declaration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.ID
	}
	return ids
}

// Edges returns every normalized edge in declaration order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Outgoing returns the edges leaving id.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// Incoming returns the edges entering id.
func (g *Graph) Incoming(id string) []Edge {
	return g.incoming[id]
}

// Entries returns the entry point node ids in declaration order.
func (g *Graph) Entries() []string {
	out := make([]string, len(g.entries))
	copy(out, g.entries)
	return out
}

// DeferredEntries returns the ids of nodes whose incoming edges are all
// optional.
func (g *Graph) DeferredEntries() []string {
	out := make([]string, len(g.deferred))
	copy(out, g.deferred)
	return out
}

// Subgraph resolves a nested graph by id, looking in this graph first and then
// in each enclosing graph.
func (g *Graph) Subgraph(id string) (*Graph, bool) {
	for scope := g; scope != nil; scope = scope.parent {
		if sub, ok := scope.subgraphs[id]; ok {
			return sub, true
		}
	}
	return nil, false
}

// SubgraphIDs returns the ids of graphs nested directly in this one.
func (g *Graph) SubgraphIDs() []string {
	ids := make([]string, 0, len(g.subgraphs))
	for id := range g.subgraphs {
		ids = append(ids, id)
	}
	return ids
}

// walk visits g and every nested graph.
func (g *Graph) walk(fn func(*Graph)) {
	fn(g)
	for _, sub := range g.subgraphs {
		sub.walk(fn)
	}
}

// declOrder returns the declaration index of a node, used to break ties.
func (g *Graph) declOrder(id string) int {
	if i, ok := g.order[id]; ok {
		return i
	}
	return len(g.nodes)
}
