package dataflow

// GraphDescriptor is the on-disk/over-the-wire board format. It is plain data;
// Load turns it into an indexed, validated Graph.
//
// Example (JSON):
//
//	{
//	  "title": "echo",
//	  "nodes": [{"id": "in", "type": "input"}, {"id": "out", "type": "output"}],
//	  "edges": [{"from": "in", "to": "out", "out": "text", "in": "text"}]
//	}
type GraphDescriptor struct {
	Title       string                      `json:"title,omitempty" yaml:"title,omitempty"`
	Description string                      `json:"description,omitempty" yaml:"description,omitempty"`
	URL         string                      `json:"url,omitempty" yaml:"url,omitempty"`
	Nodes       []NodeDescriptor            `json:"nodes" yaml:"nodes"`
	Edges       []EdgeDescriptor            `json:"edges" yaml:"edges"`
	Graphs      map[string]*GraphDescriptor `json:"graphs,omitempty" yaml:"graphs,omitempty"`
}

// NodeDescriptor is the wire form of a Node.
type NodeDescriptor struct {
	ID            string         `json:"id" yaml:"id"`
	Type          string         `json:"type" yaml:"type"`
	Configuration map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	Metadata      *NodeMetadata  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EdgeDescriptor is the wire form of an Edge. Wildcard, control and constant
// edges are all expressed through these optional fields.
type EdgeDescriptor struct {
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	Out      string `json:"out,omitempty" yaml:"out,omitempty"`
	In       string `json:"in,omitempty" yaml:"in,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Constant bool   `json:"constant,omitempty" yaml:"constant,omitempty"`
}

// Graph is an immutable, indexed graph produced by Load.
//
// Graph is safe for concurrent use: nothing mutates it after Load returns,
// so many Runners may share one Graph.
type Graph struct {
	id          string
	title       string
	description string
	url         string
	parent      *Graph

	nodes    []*Node
	byID     map[string]*Node
	order    map[string]int
	edges    []Edge
	outgoing map[string][]Edge
	incoming map[string][]Edge

	subgraphs map[string]*Graph

	entries  []string
	deferred []string
}
