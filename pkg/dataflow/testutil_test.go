package dataflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dataflow/pkg/dataflow/event"
)

// Test graphs and handlers used across tests

// echoJSON is the smallest useful board: one input wired to one output.
const echoJSON = `{
  "title": "echo",
  "nodes": [{"id": "in", "type": "input"}, {"id": "out", "type": "output"}],
  "edges": [{"from": "in", "to": "out", "out": "text", "in": "text"}]
}`

// mustLoad loads a descriptor or fails the test.
func mustLoad(t *testing.T, desc *GraphDescriptor) *Graph {
	t.Helper()
	g, err := Load(desc)
	require.NoError(t, err)
	return g
}

// mustParse parses a JSON board or fails the test.
func mustParse(t *testing.T, data string) *Graph {
	t.Helper()
	g, err := Parse([]byte(data), FormatJSON)
	require.NoError(t, err)
	return g
}

// node is shorthand for a NodeDescriptor.
func node(id, typ string, cfg ...map[string]any) NodeDescriptor {
	nd := NodeDescriptor{ID: id, Type: typ}
	if len(cfg) > 0 {
		nd.Configuration = cfg[0]
	}
	return nd
}

// wire is shorthand for an ordinary EdgeDescriptor.
func wire(from, out, to, in string) EdgeDescriptor {
	return EdgeDescriptor{From: from, Out: out, To: to, In: in}
}

// pipelineDesc is in -> upper -> out, carrying "text".
func pipelineDesc() *GraphDescriptor {
	return &GraphDescriptor{
		Title: "pipeline",
		Nodes: []NodeDescriptor{
			node("in", TypeInput),
			node("upper", "upper"),
			node("out", TypeOutput),
		},
		Edges: []EdgeDescriptor{
			wire("in", "text", "upper", "text"),
			wire("upper", "text", "out", "text"),
		},
	}
}

// diamondDesc fans "n" out to two adders and joins them.
//
//	in -> left  (+1) \
//	   -> right (+10) -> join -> out
func diamondDesc() *GraphDescriptor {
	return &GraphDescriptor{
		Title: "diamond",
		Nodes: []NodeDescriptor{
			node("in", TypeInput),
			node("left", "add", map[string]any{"by": 1}),
			node("right", "add", map[string]any{"by": 10}),
			node("join", "sum"),
			node("out", TypeOutput),
		},
		Edges: []EdgeDescriptor{
			wire("in", "n", "left", "n"),
			wire("in", "n", "right", "n"),
			wire("left", "n", "join", "a"),
			wire("right", "n", "join", "b"),
			wire("join", "total", "out", "total"),
		},
	}
}

// upper upper-cases "text".
func upper(_ Context, in Values) (Values, error) {
	s, _ := in["text"].(string)
	return Values{"text": strings.ToUpper(s)}, nil
}

// add adds the "by" configuration to "n".
func add(ctx Context, in Values) (Values, error) {
	return Values{"n": toInt(in["n"]) + ctx.Config().Int("by", 0)}, nil
}

// sum adds "a" and "b".
func sum(_ Context, in Values) (Values, error) {
	return Values{"total": toInt(in["a"]) + toInt(in["b"])}, nil
}

// failing always fails with a fixed error.
func failing(_ Context, _ Values) (Values, error) {
	return nil, errors.New("boom")
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// testHandlers registers the handlers above.
func testHandlers() RunOption {
	h := DefaultHandlers()
	h.Register("upper", upper)
	h.Register("add", add)
	h.Register("sum", sum)
	h.Register("fail", failing)
	return WithHandlers(h)
}

// tracker records node activations from inside handlers.
type tracker struct {
	calls []string
}

func (tr *tracker) handler(name string, fn Handler) Handler {
	return func(ctx Context, in Values) (Values, error) {
		tr.calls = append(tr.calls, fmt.Sprintf("%s@%s", name, ctx.Path()))
		return fn(ctx, in)
	}
}

// newRun builds a runner with a recorder sink.
func newRun(t *testing.T, g *Graph, opts ...RunOption) (*Runner, *event.Recorder) {
	t.Helper()
	rec := event.NewRecorder()
	all := append([]RunOption{testHandlers(), WithSink(rec)}, opts...)
	r, err := NewRunner(g, all...)
	require.NoError(t, err)
	return r, rec
}

// outputValues returns the values of every output event in order.
func outputValues(rec *event.Recorder) []map[string]any {
	var out []map[string]any
	for _, e := range rec.OfType(event.Output) {
		out = append(out, e.Outputs)
	}
	return out
}

// nodesOf returns the node ids of events of type typ, in order.
func nodesOf(rec *event.Recorder, typ event.Type) []string {
	var out []string
	for _, e := range rec.OfType(typ) {
		out = append(out, e.Node)
	}
	return out
}

// testCtx returns a background context for tests.
func testCtx() context.Context {
	return context.Background()
}
