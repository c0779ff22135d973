package dataflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/dataflow/pkg/dataflow/config"
	"github.com/randalmurphal/dataflow/pkg/dataflow/observability"
)

// Context provides execution context to node handlers.
// It extends context.Context with run services and the activation's address.
//
// The runner creates one Context per node activation.
type Context interface {
	context.Context

	// Services

	// Logger returns the configured logger, enriched with run, node and path.
	// Never returns nil - defaults to slog.Default() if not configured.
	Logger() *slog.Logger

	// InvokeGraph runs a graph nested in (or enclosing) the node's graph and
	// returns its outputs. graphID may carry a leading "#". Each call gets its
	// own invocation path under the node's path.
	InvokeGraph(graphID string, inputs Values) (Values, error)

	// SupplyPartialOutputs records outputs produced so far. When the run is
	// checkpointed, they survive a restart and are visible through
	// PartialOutputs when the activation is re-issued.
	SupplyPartialOutputs(outputs Values) error

	// PartialOutputs returns what this activation supplied so far, including
	// values flushed before a restart.
	PartialOutputs() Values

	// Metadata

	// RunID returns the unique identifier for this run.
	RunID() string

	// NodeID returns the current node, or "" outside a node activation.
	NodeID() string

	// Node returns the current node, or nil outside a node activation.
	Node() *Node

	// Path returns the invocation path of the activation.
	Path() Path

	// Config returns the node configuration.
	Config() config.Config
}

// invoker runs nested graphs on behalf of a node context. The traversal
// runner and the plan runner each provide one.
type invoker interface {
	invokeSubgraph(ctx context.Context, g *Graph, path Path, inputs Values) (Values, error)
	supplyPartial(ctx context.Context, path Path, outputs Values) error
	partial(path Path) Values
}

// errNoInvoker is returned by InvokeGraph on a context built outside a run.
var errNoInvoker = errors.New("context is not attached to a run")

// executionContext is the internal implementation of Context.
type executionContext struct {
	context.Context

	logger *slog.Logger
	runID  string
	graph  *Graph
	node   *Node
	path   Path
	cfg    config.Config

	invoker invoker
	calls   int

	// fatal holds an error from a nested invocation that must stop the run
	// whatever the handler does with it.
	fatal error
}

// Logger returns the configured logger.
func (c *executionContext) Logger() *slog.Logger {
	return c.logger
}

// RunID returns the run identifier.
func (c *executionContext) RunID() string {
	return c.runID
}

// NodeID returns the current node identifier.
func (c *executionContext) NodeID() string {
	if c.node == nil {
		return ""
	}
	return c.node.ID
}

// Node returns the current node.
func (c *executionContext) Node() *Node {
	return c.node
}

// Path returns a copy of the activation path.
func (c *executionContext) Path() Path {
	return c.path.clone()
}

// Config returns the node configuration.
func (c *executionContext) Config() config.Config {
	return c.cfg
}

// InvokeGraph runs a nested graph at the next child path.
func (c *executionContext) InvokeGraph(graphID string, inputs Values) (Values, error) {
	if c.invoker == nil || c.graph == nil {
		return nil, errNoInvoker
	}
	g, ok := c.graph.Subgraph(subgraphRef(graphID))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubgraph, graphID)
	}
	path := c.path.Child(c.calls)
	c.calls++

	out, err := c.invoker.invokeSubgraph(c.Context, g, path, inputs)
	if err != nil && c.fatal == nil {
		c.fatal = err
	}
	return out, err
}

// SupplyPartialOutputs flushes outputs to the run's lifecycle.
func (c *executionContext) SupplyPartialOutputs(outputs Values) error {
	if c.invoker == nil {
		return errNoInvoker
	}
	return c.invoker.supplyPartial(c.Context, c.path, outputs)
}

// PartialOutputs returns the flushed outputs.
func (c *executionContext) PartialOutputs() Values {
	if c.invoker == nil {
		return nil
	}
	return c.invoker.partial(c.path)
}

// ContextOption configures a Context.
type ContextOption func(*executionContext)

// WithContextLogger sets the logger for the context.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		c.logger = logger
	}
}

// WithContextRunID sets the run identifier for the context.
// If not set, a UUID will be auto-generated.
func WithContextRunID(id string) ContextOption {
	return func(c *executionContext) {
		c.runID = id
	}
}

// WithContextNode sets the node (and its configuration) for the context.
func WithContextNode(node *Node) ContextOption {
	return func(c *executionContext) {
		c.node = node
		if node != nil {
			c.cfg = config.New(node.Configuration)
		}
	}
}

// WithContextPath sets the invocation path for the context.
func WithContextPath(path Path) ContextOption {
	return func(c *executionContext) {
		c.path = path.clone()
	}
}

// NewContext creates a standalone handler context, mostly for calling
// handlers directly in tests. InvokeGraph and SupplyPartialOutputs fail on
// such a context; a Runner builds attached contexts itself.
//
// Example:
//
//	ctx := dataflow.NewContext(context.Background(),
//	    dataflow.WithContextNode(&dataflow.Node{ID: "n", Type: "upper"}),
//	    dataflow.WithContextRunID("run-123"))
//	out, err := upper(ctx, dataflow.Values{"text": "hi"})
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
		runID:   uuid.New().String(),
		cfg:     config.New(nil),
	}

	for _, opt := range opts {
		opt(ec)
	}

	return ec
}

// newNodeContext builds the context for one activation of node at path.
func newNodeContext(ctx context.Context, logger *slog.Logger, runID string, g *Graph, node *Node, path Path, inv invoker) *executionContext {
	return &executionContext{
		Context: ctx,
		logger:  observability.EnrichLogger(logger, runID, node.ID, path.String()),
		runID:   runID,
		graph:   g,
		node:    node,
		path:    path.clone(),
		cfg:     config.New(node.Configuration),
		invoker: inv,
	}
}
