package dataflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/randalmurphal/dataflow/pkg/dataflow/registry"
)

// Built-in node types.
const (
	// TypeInput asks for values from the graph inputs, the caller, or a
	// Requestor. It can suspend a run.
	TypeInput = "input"

	// TypeOutput collects values as the result of its graph.
	TypeOutput = "output"

	// TypeSecrets asks for the values named by its "keys" configuration.
	TypeSecrets = "secrets"

	// TypePassthrough returns its inputs unchanged.
	TypePassthrough = "passthrough"

	// TypeInvoke runs the graph named by its "graph" configuration once.
	TypeInvoke = "invoke"

	// TypeMap runs the graph named by its "graph" configuration once per
	// element of its "list" input.
	TypeMap = "map"
)

// Handler runs one node activation. Returning an error does not stop the
// run: the failure is reported as an error event and travels on the node's
// $error port.
type Handler func(ctx Context, inputs Values) (Values, error)

// Handlers maps node types to handlers.
type Handlers = registry.Registry[string, Handler]

// errControllerNode is returned by the stub handlers of node types the run
// controller executes itself.
var errControllerNode = errors.New("node type is executed by the run controller")

// DefaultHandlers returns a fresh registry with the built-in node types.
func DefaultHandlers() *Handlers {
	h := registry.New[string, Handler]()
	h.Register(TypeInput, controllerHandler)
	h.Register(TypeOutput, controllerHandler)
	h.Register(TypeSecrets, controllerHandler)
	h.Register(TypePassthrough, passthroughHandler)
	h.Register(TypeInvoke, invokeHandler)
	h.Register(TypeMap, mapHandler)
	return h
}

func controllerHandler(_ Context, _ Values) (Values, error) {
	return nil, errControllerNode
}

func passthroughHandler(_ Context, inputs Values) (Values, error) {
	return inputs.Clone(), nil
}

// invokeConfig is the configuration of invoke and map nodes.
type invokeConfig struct {
	Graph string `mapstructure:"graph"`
}

func decodeInvokeConfig(ctx Context) (invokeConfig, error) {
	var cfg invokeConfig
	if err := ctx.Config().Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode configuration: %w", err)
	}
	if cfg.Graph == "" {
		return cfg, errors.New(`configuration needs a "graph"`)
	}
	return cfg, nil
}

func invokeHandler(ctx Context, inputs Values) (Values, error) {
	cfg, err := decodeInvokeConfig(ctx)
	if err != nil {
		return nil, err
	}
	args := inputs.Clone()
	delete(args, "graph")
	return ctx.InvokeGraph(cfg.Graph, args)
}

func mapHandler(ctx Context, inputs Values) (Values, error) {
	cfg, err := decodeInvokeConfig(ctx)
	if err != nil {
		return nil, err
	}

	var in struct {
		List []any `mapstructure:"list"`
	}
	if err := mapstructure.Decode(map[string]any(inputs), &in); err != nil {
		return nil, fmt.Errorf(`"list" input: %w`, err)
	}

	results := make([]any, len(in.List))
	for i, item := range in.List {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		args := inputs.Clone()
		delete(args, "graph")
		delete(args, "list")
		args["item"] = item
		args["index"] = i

		out, err := ctx.InvokeGraph(cfg.Graph, args)
		if err != nil {
			return nil, err
		}
		results[i] = map[string]any(out)
	}
	return Values{"list": results}, nil
}

// subgraphRef strips the "#" prefix graph references may carry.
func subgraphRef(ref string) string {
	return strings.TrimPrefix(ref, "#")
}

// validateGraph checks every node of g and its nested graphs against
// handlers, and checks that invoke and map nodes name a reachable graph.
func validateGraph(g *Graph, handlers *Handlers) error {
	var errs []error
	g.walk(func(sg *Graph) {
		for _, n := range sg.nodes {
			if !handlers.Has(n.Type) {
				errs = append(errs, &UnknownNodeTypeError{NodeID: n.ID, Type: n.Type})
				continue
			}
			if n.Type != TypeInvoke && n.Type != TypeMap {
				continue
			}
			ref, _ := n.Configuration["graph"].(string)
			if ref == "" {
				errs = append(errs, &MalformedGraphError{
					Graph:  sg.scopeName(),
					Reason: fmt.Sprintf("node %s has no graph to %s", n.ID, n.Type),
				})
				continue
			}
			if _, ok := sg.Subgraph(subgraphRef(ref)); !ok {
				errs = append(errs, &MalformedGraphError{
					Graph:  sg.scopeName(),
					Reason: fmt.Sprintf("node %s references %s: %v", n.ID, ref, ErrUnknownSubgraph),
				})
			}
		}
	})
	return errors.Join(errs...)
}
