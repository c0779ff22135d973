package dataflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a descriptor serialization format.
type Format string

// Supported descriptor formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// startTag marks explicit entry points in node metadata.
const startTag = "start"

// LoadFile reads a descriptor from disk, picking the format by extension
// (.json, .yaml, .yml), and loads it.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return Parse(data, FormatJSON)
	case ".yaml", ".yml":
		return Parse(data, FormatYAML)
	default:
		return nil, fmt.Errorf("unsupported graph file extension: %s", ext)
	}
}

// Parse decodes a descriptor in the given format and loads it.
func Parse(data []byte, format Format) (*Graph, error) {
	var desc GraphDescriptor
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("parse json graph: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("parse yaml graph: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported graph format: %q", format)
	}
	return Load(&desc)
}

// Load validates a descriptor and builds the indexed Graph.
// Returns an error if validation fails. Multiple problems are joined together,
// each one a *MalformedGraphError.
//
// Validation checks, per graph scope (nested graphs are checked recursively):
//  1. Node ids are non-empty and unique
//  2. Node types are non-empty
//  3. Every edge endpoint references a node in the same scope
//  4. A control edge does not target the same input port as a data edge
//     between the same two nodes
//
// Edges are normalized on the way in: a wildcard edge always ends up with an
// empty input port, a control edge never names ports, and a named output with
// no input port delivers to the input port of the same name.
func Load(desc *GraphDescriptor) (*Graph, error) {
	if desc == nil {
		return nil, &MalformedGraphError{Reason: "descriptor is nil"}
	}
	return load("", desc, nil)
}

func load(id string, desc *GraphDescriptor, parent *Graph) (*Graph, error) {
	g := &Graph{
		id:          id,
		title:       desc.Title,
		description: desc.Description,
		url:         desc.URL,
		parent:      parent,
		byID:        make(map[string]*Node, len(desc.Nodes)),
		order:       make(map[string]int, len(desc.Nodes)),
		outgoing:    make(map[string][]Edge),
		incoming:    make(map[string][]Edge),
		subgraphs:   make(map[string]*Graph, len(desc.Graphs)),
	}
	scope := g.scopeName()

	var errs []error
	malformed := func(format string, args ...any) {
		errs = append(errs, &MalformedGraphError{Graph: scope, Reason: fmt.Sprintf(format, args...)})
	}

	// 1 & 2. Nodes
	for i, nd := range desc.Nodes {
		if nd.ID == "" {
			malformed("node #%d has an empty id", i)
			continue
		}
		if nd.Type == "" {
			malformed("node %q has an empty type", nd.ID)
		}
		if _, exists := g.byID[nd.ID]; exists {
			malformed("duplicate node id %q", nd.ID)
			continue
		}
		node := &Node{
			ID:            nd.ID,
			Type:          nd.Type,
			Configuration: nd.Configuration,
		}
		if nd.Metadata != nil {
			node.Metadata = *nd.Metadata
		}
		g.order[nd.ID] = len(g.nodes)
		g.nodes = append(g.nodes, node)
		g.byID[nd.ID] = node
	}

	// 3. Edge references, normalized
	type pair struct{ from, to string }
	controlPorts := make(map[pair][]string)
	seen := make(map[Edge]bool)
	for _, ed := range desc.Edges {
		if _, ok := g.byID[ed.From]; !ok {
			malformed("edge source %q does not exist", ed.From)
			continue
		}
		if _, ok := g.byID[ed.To]; !ok {
			malformed("edge target %q does not exist", ed.To)
			continue
		}

		edge, controlPort, err := normalizeEdge(ed)
		if err != nil {
			malformed("%v", err)
			continue
		}
		if controlPort != "" {
			key := pair{ed.From, ed.To}
			controlPorts[key] = append(controlPorts[key], controlPort)
		}
		if seen[edge] {
			continue
		}
		seen[edge] = true
		g.edges = append(g.edges, edge)
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
		g.incoming[edge.To] = append(g.incoming[edge.To], edge)
	}

	// 4. Control/data port conflicts
	for key, ports := range controlPorts {
		for _, e := range g.outgoing[key.from] {
			if e.To != key.to || e.Kind == KindControl || e.Kind == KindWildcard {
				continue
			}
			for _, p := range ports {
				if e.In == p {
					malformed("control edge %s -> %s conflicts with data edge %s on port %q", key.from, key.to, e, p)
				}
			}
		}
	}

	// Nested graphs
	ids := make([]string, 0, len(desc.Graphs))
	for sid := range desc.Graphs {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	for _, sid := range ids {
		sub := desc.Graphs[sid]
		if sub == nil {
			malformed("subgraph %q is nil", sid)
			continue
		}
		compiled, err := load(sid, sub, g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.subgraphs[sid] = compiled
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g.computeEntries()
	return g, nil
}

// normalizeEdge converts a wire edge into the canonical internal form.
// The second return value is the input port a control edge named, if any,
// so the caller can check it against data edges.
func normalizeEdge(ed EdgeDescriptor) (Edge, string, error) {
	e := Edge{
		From:     ed.From,
		To:       ed.To,
		Out:      ed.Out,
		In:       ed.In,
		Optional: ed.Optional,
		Constant: ed.Constant,
	}

	switch {
	case ed.Out == WildcardPort:
		// Both "*" and "" on the input side mean the catch-all input.
		if ed.In != "" && ed.In != WildcardPort {
			return Edge{}, "", fmt.Errorf("wildcard edge %s -> %s names input port %q", ed.From, ed.To, ed.In)
		}
		e.In = ""
		e.Kind = KindWildcard
		return e, "", nil

	case ed.Out == "":
		port := ""
		if ed.In != WildcardPort {
			port = ed.In
		}
		e.In = ""
		e.Kind = KindControl
		return e, port, nil

	default:
		if ed.In == WildcardPort {
			return Edge{}, "", fmt.Errorf("edge %s.%s -> %s targets the wildcard input from a named port", ed.From, ed.Out, ed.To)
		}
		if e.In == "" {
			e.In = e.Out
		}
		e.Kind = KindOrdinary
		if ed.Constant {
			e.Kind = KindConstant
		}
		return e, "", nil
	}
}

// computeEntries fills the entry and deferred-entry lists.
// Explicit "start" tags win; otherwise every node without incoming edges is an
// entry. Nodes whose incoming edges are all optional are deferred entries:
// they run once the frontier drains if nothing activated them first.
func (g *Graph) computeEntries() {
	for _, n := range g.nodes {
		if n.Metadata.HasTag(startTag) {
			g.entries = append(g.entries, n.ID)
		}
	}
	tagged := len(g.entries) > 0

	for _, n := range g.nodes {
		in := g.incoming[n.ID]
		if len(in) == 0 {
			if !tagged {
				g.entries = append(g.entries, n.ID)
			}
			continue
		}
		allOptional := true
		for _, e := range in {
			if !e.Optional {
				allOptional = false
				break
			}
		}
		if allOptional && !n.Metadata.HasTag(startTag) {
			g.deferred = append(g.deferred, n.ID)
		}
	}
}

// DetectCycle returns one cycle as a list of node ids (first id repeated at
// the end), or nil when the graph is acyclic. Edges of every kind count.
//
// The engine runs cyclic graphs; this is an authoring-time check for tools
// that want to refuse cycles before adding an edge.
func DetectCycle(g *Graph) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, e := range g.outgoing[id] {
			switch color[e.To] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == e.To {
						cycle = append(append([]string{}, stack[i:]...), e.To)
						return true
					}
				}
			case white:
				if visit(e.To) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range g.nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}
