package dataflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_IndexesNodesAndEdges(t *testing.T) {
	g := mustLoad(t, pipelineDesc())

	assert.Equal(t, []string{"in", "upper", "out"}, g.NodeIDs())
	assert.Equal(t, "pipeline", g.Title())
	assert.True(t, g.HasNode("upper"))
	assert.False(t, g.HasNode("nope"))

	n, ok := g.Node("upper")
	require.True(t, ok)
	assert.Equal(t, "upper", n.Type)

	require.Len(t, g.Outgoing("in"), 1)
	assert.Equal(t, "upper", g.Outgoing("in")[0].To)
	require.Len(t, g.Incoming("out"), 1)
	assert.Equal(t, "upper", g.Incoming("out")[0].From)
	assert.Len(t, g.Edges(), 2)
}

func TestLoad_EdgeNormalization(t *testing.T) {
	tests := []struct {
		name string
		edge EdgeDescriptor
		want Edge
	}{
		{
			name: "named port defaults input to the same name",
			edge: EdgeDescriptor{From: "a", To: "b", Out: "text"},
			want: Edge{From: "a", To: "b", Out: "text", In: "text", Kind: KindOrdinary},
		},
		{
			name: "wildcard with star input",
			edge: EdgeDescriptor{From: "a", To: "b", Out: "*", In: "*"},
			want: Edge{From: "a", To: "b", Out: "*", In: "", Kind: KindWildcard},
		},
		{
			name: "wildcard with empty input",
			edge: EdgeDescriptor{From: "a", To: "b", Out: "*"},
			want: Edge{From: "a", To: "b", Out: "*", In: "", Kind: KindWildcard},
		},
		{
			name: "control edge",
			edge: EdgeDescriptor{From: "a", To: "b"},
			want: Edge{From: "a", To: "b", Kind: KindControl},
		},
		{
			name: "constant edge",
			edge: EdgeDescriptor{From: "a", To: "b", Out: "k", In: "key", Constant: true},
			want: Edge{From: "a", To: "b", Out: "k", In: "key", Constant: true, Kind: KindConstant},
		},
		{
			name: "optional is kept",
			edge: EdgeDescriptor{From: "a", To: "b", Out: "x", Optional: true},
			want: Edge{From: "a", To: "b", Out: "x", In: "x", Optional: true, Kind: KindOrdinary},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustLoad(t, &GraphDescriptor{
				Nodes: []NodeDescriptor{node("a", "passthrough"), node("b", "passthrough")},
				Edges: []EdgeDescriptor{tt.edge},
			})
			require.Len(t, g.Edges(), 1)
			assert.Equal(t, tt.want, g.Edges()[0])
		})
	}
}

func TestLoad_WildcardSpellingsCollapse(t *testing.T) {
	g := mustLoad(t, &GraphDescriptor{
		Nodes: []NodeDescriptor{node("a", "passthrough"), node("b", "passthrough")},
		Edges: []EdgeDescriptor{
			{From: "a", To: "b", Out: "*", In: "*"},
			{From: "a", To: "b", Out: "*", In: ""},
		},
	})

	assert.Len(t, g.Edges(), 1, "both spellings are the same edge")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		desc *GraphDescriptor
		msg  string
	}{
		{
			name: "empty node id",
			desc: &GraphDescriptor{Nodes: []NodeDescriptor{node("", "passthrough")}},
			msg:  "empty id",
		},
		{
			name: "empty node type",
			desc: &GraphDescriptor{Nodes: []NodeDescriptor{node("a", "")}},
			msg:  "empty type",
		},
		{
			name: "duplicate node",
			desc: &GraphDescriptor{Nodes: []NodeDescriptor{node("a", "x"), node("a", "x")}},
			msg:  "duplicate node id",
		},
		{
			name: "unknown edge source",
			desc: &GraphDescriptor{
				Nodes: []NodeDescriptor{node("a", "x")},
				Edges: []EdgeDescriptor{wire("ghost", "v", "a", "v")},
			},
			msg: `edge source "ghost"`,
		},
		{
			name: "unknown edge target",
			desc: &GraphDescriptor{
				Nodes: []NodeDescriptor{node("a", "x")},
				Edges: []EdgeDescriptor{wire("a", "v", "ghost", "v")},
			},
			msg: `edge target "ghost"`,
		},
		{
			name: "wildcard into named port",
			desc: &GraphDescriptor{
				Nodes: []NodeDescriptor{node("a", "x"), node("b", "x")},
				Edges: []EdgeDescriptor{{From: "a", To: "b", Out: "*", In: "v"}},
			},
			msg: "names input port",
		},
		{
			name: "named port into wildcard",
			desc: &GraphDescriptor{
				Nodes: []NodeDescriptor{node("a", "x"), node("b", "x")},
				Edges: []EdgeDescriptor{{From: "a", To: "b", Out: "v", In: "*"}},
			},
			msg: "targets the wildcard input",
		},
		{
			name: "control edge on a data port",
			desc: &GraphDescriptor{
				Nodes: []NodeDescriptor{node("a", "x"), node("b", "x")},
				Edges: []EdgeDescriptor{
					{From: "a", To: "b", In: "v"},
					wire("a", "v", "b", "v"),
				},
			},
			msg: "conflicts with data edge",
		},
		{
			name: "broken subgraph",
			desc: &GraphDescriptor{
				Nodes:  []NodeDescriptor{node("a", "x")},
				Graphs: map[string]*GraphDescriptor{"sub": {Nodes: []NodeDescriptor{node("", "x")}}},
			},
			msg: "malformed graph #sub",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.desc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)

			var malformed *MalformedGraphError
			assert.True(t, errors.As(err, &malformed))
		})
	}
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	_, err := Load(&GraphDescriptor{
		Nodes: []NodeDescriptor{node("a", ""), node("b", "")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "a" has an empty type`)
	assert.Contains(t, err.Error(), `node "b" has an empty type`)
}

func TestLoad_NilDescriptor(t *testing.T) {
	_, err := Load(nil)
	var malformed *MalformedGraphError
	require.ErrorAs(t, err, &malformed)
}

func TestEntries(t *testing.T) {
	t.Run("nodes without incoming edges", func(t *testing.T) {
		g := mustLoad(t, &GraphDescriptor{
			Nodes: []NodeDescriptor{node("a", "x"), node("b", "x"), node("c", "x")},
			Edges: []EdgeDescriptor{wire("a", "v", "c", "v"), wire("b", "w", "c", "w")},
		})
		assert.Equal(t, []string{"a", "b"}, g.Entries())
		assert.Empty(t, g.DeferredEntries())
	})

	t.Run("start tags win", func(t *testing.T) {
		g := mustLoad(t, &GraphDescriptor{
			Nodes: []NodeDescriptor{
				node("a", "x"),
				{ID: "b", Type: "x", Metadata: &NodeMetadata{Tags: []string{"start"}}},
			},
		})
		assert.Equal(t, []string{"b"}, g.Entries())
	})

	t.Run("all optional incoming edges defer a node", func(t *testing.T) {
		g := mustLoad(t, &GraphDescriptor{
			Nodes: []NodeDescriptor{node("a", "x"), node("b", "x")},
			Edges: []EdgeDescriptor{{From: "a", To: "b", Out: "v", Optional: true}},
		})
		assert.Equal(t, []string{"a"}, g.Entries())
		assert.Equal(t, []string{"b"}, g.DeferredEntries())
	})
}

func TestSubgraphResolution(t *testing.T) {
	g := mustLoad(t, &GraphDescriptor{
		Nodes: []NodeDescriptor{node("a", "x")},
		Graphs: map[string]*GraphDescriptor{
			"outer": {
				Nodes:  []NodeDescriptor{node("b", "x")},
				Graphs: map[string]*GraphDescriptor{"inner": {Nodes: []NodeDescriptor{node("c", "x")}}},
			},
			"sibling": {Nodes: []NodeDescriptor{node("d", "x")}},
		},
	})

	outer, ok := g.Subgraph("outer")
	require.True(t, ok)
	assert.Equal(t, "outer", outer.ID())
	assert.Equal(t, "#outer", outer.scopeName())

	inner, ok := outer.Subgraph("inner")
	require.True(t, ok)

	// Lookups walk outwards through enclosing graphs.
	sibling, ok := inner.Subgraph("sibling")
	require.True(t, ok)
	assert.True(t, sibling.HasNode("d"))

	_, ok = g.Subgraph("inner")
	assert.False(t, ok, "nested graphs are not visible from outside")
	assert.ElementsMatch(t, []string{"outer", "sibling"}, g.SubgraphIDs())
}

func TestDetectCycle(t *testing.T) {
	acyclic := mustLoad(t, diamondDesc())
	assert.Nil(t, DetectCycle(acyclic))

	cyclic := mustLoad(t, &GraphDescriptor{
		Nodes: []NodeDescriptor{node("a", "x"), node("b", "x"), node("c", "x")},
		Edges: []EdgeDescriptor{
			wire("a", "v", "b", "v"),
			wire("b", "v", "c", "v"),
			wire("c", "v", "b", "w"),
		},
	})
	assert.Equal(t, []string{"b", "c", "b"}, DetectCycle(cyclic))
}

func TestParse_Formats(t *testing.T) {
	fromJSON := mustParse(t, echoJSON)

	yamlDoc := `
title: echo
nodes:
  - id: in
    type: input
  - id: out
    type: output
edges:
  - from: in
    to: out
    out: text
    in: text
`
	fromYAML, err := Parse([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, fromJSON.Edges(), fromYAML.Edges())
	assert.Equal(t, fromJSON.NodeIDs(), fromYAML.NodeIDs())

	_, err = Parse([]byte(`{`), FormatJSON)
	assert.Error(t, err)
	_, err = Parse([]byte(echoJSON), Format("toml"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "echo.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(echoJSON), 0o600))
	g, err := LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "echo", g.Title())

	txtPath := filepath.Join(dir, "echo.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte(echoJSON), 0o600))
	_, err = LoadFile(txtPath)
	assert.ErrorContains(t, err, "unsupported graph file extension")

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	p := Path{2, 0}
	assert.Equal(t, "2-0", p.String())
	assert.Equal(t, "", Path{}.String())

	child := p.Child(3)
	assert.Equal(t, Path{2, 0, 3}, child)
	assert.Equal(t, Path{2, 0}, p, "Child does not modify the receiver")
	assert.True(t, child.HasPrefix(p))
	assert.False(t, p.HasPrefix(child))

	parsed, err := ParsePath("2-0-3")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(child))

	root, err := ParsePath("")
	require.NoError(t, err)
	assert.Empty(t, root)

	_, err = ParsePath("1-x")
	assert.Error(t, err)
	_, err = ParsePath("-1")
	assert.Error(t, err)
}
