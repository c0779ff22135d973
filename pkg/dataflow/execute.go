package dataflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/dataflow/pkg/dataflow/checkpoint"
	"github.com/randalmurphal/dataflow/pkg/dataflow/config"
	"github.com/randalmurphal/dataflow/pkg/dataflow/event"
	"github.com/randalmurphal/dataflow/pkg/dataflow/observability"
)

// Runner drives one run of a graph. It steps a traversal machine per graph
// invocation, runs node handlers, emits lifecycle events, records the
// invocation tree for reanimation, and stops when an input or secrets node
// needs values nobody supplied.
//
// Input, output and secrets nodes are executed by the runner itself; the
// registry entries for those types only satisfy validation.
//
// Runner is NOT safe for concurrent use.
type Runner struct {
	graph     *Graph
	cfg       runConfig
	handlers  *Handlers
	lifecycle *Lifecycle
	logger    *slog.Logger

	rootInputs Values
	provided   Values
	answered   bool
	started    bool
	finished   bool

	outputs   []Values
	nodeCount int
	sequence  int
}

// frame is one graph invocation on the runner's call stack.
type frame struct {
	graph   *Graph
	path    Path
	inputs  Values
	results Values
}

// NewRunner prepares a run of g. Every node type in g and its nested graphs
// must have a handler (*UnknownNodeTypeError otherwise), and every invoke or
// map node must name a graph that exists (*MalformedGraphError otherwise).
// All problems are reported together.
//
// Example:
//
//	r, err := dataflow.NewRunner(g, dataflow.WithSink(rec))
//	if err != nil {
//	    return err
//	}
//	done, err := r.Run(ctx, dataflow.Values{"text": "hi"})
func NewRunner(g *Graph, opts ...RunOption) (*Runner, error) {
	if g == nil {
		return nil, &MalformedGraphError{Reason: "graph is nil"}
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.checkpointStore != nil && cfg.runID == "" {
		return nil, ErrRunIDRequired
	}
	if cfg.runID == "" {
		cfg.runID = uuid.New().String()
	}

	handlers := DefaultHandlers()
	handlers.Merge(cfg.handlers)
	if err := validateGraph(g, handlers); err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		graph:     g,
		cfg:       cfg,
		handlers:  handlers,
		lifecycle: NewLifecycle(),
		logger:    logger,
	}, nil
}

// Graph returns the graph being run.
func (r *Runner) Graph() *Graph {
	return r.graph
}

// RunID returns the run identifier.
func (r *Runner) RunID() string {
	return r.cfg.runID
}

// Finished reports whether the run reached a terminal state.
func (r *Runner) Finished() bool {
	return r.finished
}

// Outputs returns the values of every root-level output event, in order.
// A resumed runner includes the outputs emitted before the checkpoint.
func (r *Runner) Outputs() []Values {
	out := make([]Values, len(r.outputs))
	for i, v := range r.outputs {
		out[i] = v.Clone()
	}
	return out
}

// Run advances the run as far as it can go.
//
// The first call passes the root graph inputs. When Run returns (false, nil)
// the run has emitted an input or secret event and is waiting: call Run
// again with the requested values to continue. Each later call's inputs
// answer the pending request.
//
// Run returns (true, nil) once the root graph finished. Structural failures
// stop the run with an error; after one, further calls return
// ErrRunFinished. A *CancellationError leaves the run resumable: calling Run
// again with a live context picks up where it stopped.
func (r *Runner) Run(ctx context.Context, inputs Values) (done bool, err error) {
	if ctx == nil {
		return false, ErrNilContext
	}
	if r.finished {
		return true, ErrRunFinished
	}
	inputs, err = inputs.Canonical()
	if err != nil {
		return false, fmt.Errorf("run inputs: %w", err)
	}
	if !r.started {
		r.started = true
		r.rootInputs = inputs
	} else {
		r.provided = inputs
		r.answered = true
	}

	startTime := time.Now()
	observability.LogRunStart(r.cfg.logger, r.cfg.runID, r.graph.scopeName())

	runCtx, runSpan := r.cfg.spans.StartRunSpan(ctx, r.graph.scopeName(), r.cfg.runID)
	outputs, runErr := r.invokeGraph(runCtx, r.graph, Path{}, r.rootInputs)

	duration := time.Since(startTime)
	durationMs := float64(duration.Microseconds()) / 1000

	if errors.Is(runErr, errSuspended) {
		r.cfg.spans.EndSpanWithError(runSpan, nil)
		return false, nil
	}
	r.cfg.spans.EndSpanWithError(runSpan, runErr)

	var cancelErr *CancellationError
	if !errors.As(runErr, &cancelErr) {
		r.finished = true
		r.cfg.metrics.RecordGraphRun(ctx, runErr == nil, duration)
	}

	if runErr != nil {
		observability.LogRunError(r.cfg.logger, r.cfg.runID, runErr, durationMs)
		return false, runErr
	}

	evt := event.New(event.End, nil)
	evt.Graph = r.graph.scopeName()
	evt.Outputs = outputs
	r.emit(ctx, evt)

	observability.LogRunComplete(r.cfg.logger, r.cfg.runID, durationMs, r.nodeCount)
	return true, nil
}

// invokeGraph runs g at path to completion and returns what its output
// nodes collected. A finished invocation recorded in the lifecycle is not
// run again; an unfinished one resumes from its latest node record.
func (r *Runner) invokeGraph(ctx context.Context, g *Graph, path Path, inputs Values) (Values, error) {
	scope := g.scopeName()

	rec, exists := r.lifecycle.Replay(path)
	if exists {
		if rec.Node != "" || rec.Graph != scope {
			return nil, &ReanimationMismatchError{
				Path:   path.String(),
				Reason: fmt.Sprintf("checkpoint has %s where the run invokes graph %q", rec.describe(), scope),
			}
		}
		if rec.Done {
			return rec.Outputs.Clone(), nil
		}
		inputs = rec.Inputs
	}

	r.lifecycle.DispatchGraphStart(scope, path, inputs)
	ended := false
	defer func() {
		if !ended {
			r.lifecycle.abandon()
		}
	}()

	f := &frame{
		graph:   g,
		path:    path.clone(),
		inputs:  inputs.Clone(),
		results: rec.Partial.Clone(),
	}
	if f.results == nil {
		f.results = Values{}
	}

	evt := event.New(event.GraphStart, path)
	evt.Graph = scope
	evt.Inputs = inputs.Clone()
	r.emit(ctx, evt)

	m, next, reissue, err := r.machineFor(g, path)
	if err != nil {
		return nil, err
	}

	for {
		// Check for cancellation before handing out the next activation
		if err := ctx.Err(); err != nil {
			cancelErr := &CancellationError{Path: path.clone(), Cause: err}
			if cur := m.Current(); cur != nil {
				cancelErr.NodeID = cur.Node.ID
			}
			return nil, cancelErr
		}

		res, err := m.Next()
		if err != nil {
			var maxErr *MaxIterationsError
			if errors.As(err, &maxErr) {
				maxErr.Path = path.clone()
			}
			return nil, err
		}
		if res == nil {
			break
		}

		idx := next
		if reissue >= 0 {
			idx, reissue = reissue, -1
		} else {
			next++
		}
		nodePath := path.Child(idx)

		if res.Skip {
			r.skipNode(ctx, f, res, nodePath)
			continue
		}
		if err := r.runNode(ctx, f, m, res, nodePath); err != nil {
			return nil, err
		}
	}

	r.lifecycle.DispatchGraphEnd(f.results)
	ended = true

	evt = event.New(event.GraphEnd, path)
	evt.Graph = scope
	evt.Outputs = f.results.Clone()
	r.emit(ctx, evt)

	return f.results.Clone(), nil
}

// machineFor returns the machine for the graph invocation at path, the next
// free activation index, and the index an in-flight activation must be
// re-issued at (-1 if none).
func (r *Runner) machineFor(g *Graph, path Path) (*Machine, int, int, error) {
	opts := []MachineOption{WithMaxActivations(r.cfg.maxIterations)}

	idx, rec, ok := r.lifecycle.Latest(path)
	if !ok {
		return NewMachine(g, opts...), 0, -1, nil
	}

	at := path.Child(idx).String()
	if rec.State == nil {
		return nil, 0, 0, &ReanimationMismatchError{Path: at, Reason: "node record has no machine state"}
	}
	m, err := RestoreMachine(g, *rec.State, opts...)
	if err != nil {
		var mismatch *ReanimationMismatchError
		if errors.As(err, &mismatch) {
			mismatch.Path = at
		}
		return nil, 0, 0, err
	}
	cur := m.Current()
	if cur == nil || cur.Node.ID != rec.Node {
		return nil, 0, 0, &ReanimationMismatchError{
			Path:   at,
			Reason: fmt.Sprintf("machine state does not have %s in flight", rec.describe()),
		}
	}

	if !rec.Done {
		return m, idx + 1, idx, nil
	}
	if rec.Error != "" {
		err = m.Fail(errors.New(rec.Error))
	} else {
		err = m.deliver(rec.Outputs)
	}
	return m, idx + 1, -1, err
}

// runNode executes one activation and feeds the result back to m.
// Handler failures are absorbed here; the returned error stops the run.
func (r *Runner) runNode(ctx context.Context, f *frame, m *Machine, res *TraversalResult, path Path) error {
	node := res.Node
	pathStr := path.String()

	r.lifecycle.DispatchNodeStart(res, path)

	evt := event.New(event.NodeStart, path)
	evt.Graph = f.graph.scopeName()
	evt.Node = node.ID
	evt.NodeType = node.Type
	evt.Inputs = res.Inputs.Clone()
	r.emit(ctx, evt)

	observability.LogNodeStart(r.cfg.logger, node.ID, pathStr)

	nodeCtx, nodeSpan := r.cfg.spans.StartNodeSpan(ctx, node.ID, node.Type, pathStr)
	nodeStart := time.Now()

	outputs, nodeErr := r.executeNode(nodeCtx, f, res, path)
	if nodeErr == nil {
		if outputs, nodeErr = outputs.Canonical(); nodeErr != nil {
			nodeErr = &HandlerError{NodeID: node.ID, Type: node.Type, Path: path.clone(), Err: nodeErr}
		}
	}

	nodeDuration := time.Since(nodeStart)

	if errors.Is(nodeErr, errSuspended) {
		r.cfg.spans.EndSpanWithError(nodeSpan, nil)
		return nodeErr
	}
	r.cfg.spans.EndSpanWithError(nodeSpan, nodeErr)
	r.cfg.metrics.RecordNodeExecution(nodeCtx, node.ID, node.Type, nodeDuration, nodeErr)

	if nodeErr != nil {
		observability.LogNodeError(r.cfg.logger, node.ID, pathStr, nodeErr)
		if IsFatal(nodeErr) {
			return nodeErr
		}

		evt := event.New(event.Error, path)
		evt.Graph = f.graph.scopeName()
		evt.Node = node.ID
		evt.NodeType = node.Type
		evt.Error = nodeErr.Error()
		r.emit(ctx, evt)

		r.lifecycle.DispatchNodeError(nodeErr, path)
		if err := m.Fail(nodeErr); err != nil {
			return err
		}
		return r.saveCheckpoint(ctx, path, "error")
	}

	r.nodeCount++
	r.lifecycle.DispatchNodeEnd(outputs, path)

	evt = event.New(event.NodeEnd, path)
	evt.Graph = f.graph.scopeName()
	evt.Node = node.ID
	evt.NodeType = node.Type
	evt.Inputs = res.Inputs.Clone()
	evt.Outputs = outputs.Clone()
	r.emit(ctx, evt)

	observability.LogNodeComplete(r.cfg.logger, node.ID, pathStr, float64(nodeDuration.Microseconds())/1000)

	if err := m.deliver(outputs); err != nil {
		return err
	}
	return r.saveCheckpoint(ctx, path, "nodeend")
}

// executeNode runs the node behind res and returns its outputs.
func (r *Runner) executeNode(ctx context.Context, f *frame, res *TraversalResult, path Path) (Values, error) {
	switch res.Node.Type {
	case TypeInput:
		return r.runInput(ctx, f, res, path)
	case TypeSecrets:
		return r.runSecrets(ctx, f, res, path)
	case TypeOutput:
		return r.runOutput(ctx, f, res, path), nil
	}

	h, ok := r.handlers.Get(res.Node.Type)
	if !ok {
		return nil, &UnknownNodeTypeError{NodeID: res.Node.ID, Type: res.Node.Type}
	}

	nc := newNodeContext(ctx, r.logger, r.cfg.runID, f.graph, res.Node, path, r)
	outputs, err := callHandler(nc, h, res.Inputs.Clone())
	if nc.fatal != nil {
		return nil, nc.fatal
	}
	if err != nil {
		return nil, &HandlerError{NodeID: res.Node.ID, Type: res.Node.Type, Path: path.clone(), Err: err}
	}
	if outputs == nil {
		outputs = Values{}
	}
	return outputs, nil
}

// callHandler runs h with panic recovery.
func callHandler(nc *executionContext, h Handler, inputs Values) (outputs Values, err error) {
	defer func() {
		if p := recover(); p != nil {
			outputs = nil
			err = &PanicError{
				NodeID: nc.NodeID(),
				Value:  p,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	return h(nc, inputs)
}

// controllerValues gathers the values an input or output node holds: the
// invocation inputs (when withFrame is set), then everything delivered on its
// edges. The "schema" configuration key is not a value.
func controllerValues(f *frame, res *TraversalResult, withFrame bool) Values {
	out := Values{}
	if withFrame {
		for k, v := range f.inputs {
			out[k] = v
		}
	}
	for k, v := range res.Inputs {
		out[k] = v
	}
	delete(out, "schema")
	return out
}

// runInput resolves an input node against its schema.
func (r *Runner) runInput(ctx context.Context, f *frame, res *TraversalResult, path Path) (Values, error) {
	schema, err := ParseSchema(res.Node.Configuration["schema"])
	if err != nil {
		return nil, &HandlerError{NodeID: res.Node.ID, Type: res.Node.Type, Path: path.clone(), Err: err}
	}
	current := controllerValues(f, res, true)
	return r.bubble(ctx, f, res, path, event.Input, schema, current, schema == nil && len(current) == 0)
}

// secretsConfig is the configuration of a secrets node.
type secretsConfig struct {
	Keys []string `mapstructure:"keys"`
}

// runSecrets resolves the keys a secrets node names. Secrets only come from
// the caller or the requestor, never from graph inputs.
func (r *Runner) runSecrets(ctx context.Context, f *frame, res *TraversalResult, path Path) (Values, error) {
	var cfg secretsConfig
	if err := config.New(res.Node.Configuration).Decode(&cfg); err != nil {
		return nil, &HandlerError{NodeID: res.Node.ID, Type: res.Node.Type, Path: path.clone(), Err: err}
	}

	resolved, err := r.bubble(ctx, f, res, path, event.Secret, secretsSchema(cfg.Keys), Values{}, false)
	if err != nil {
		return nil, err
	}
	out := make(Values, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if v, ok := resolved[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// bubble completes current from the caller's answer, schema defaults and the
// requestor. Without a requestor and without an answer it suspends the run
// when required values are missing, or when empty is set.
func (r *Runner) bubble(ctx context.Context, f *frame, res *TraversalResult, path Path, kind event.Type, schema *Schema, current Values, empty bool) (Values, error) {
	answered := r.answered
	if answered {
		for k, v := range r.provided {
			current[k] = v
		}
		r.provided, r.answered = nil, false
	}

	missing := schema.MissingRequired(current)
	if !answered && r.cfg.requestor == nil && (len(missing) > 0 || empty) {
		return nil, r.suspend(ctx, f, res, path, kind, schema, current, missing)
	}

	out, err := Resolve(ctx, schema, current, r.cfg.requestor, f.graph.scopeName())
	if err != nil {
		var missingErr *MissingRequiredInputError
		if errors.As(err, &missingErr) {
			missingErr.Node = res.Node.ID
			return nil, missingErr
		}
		return nil, &HandlerError{NodeID: res.Node.ID, Type: res.Node.Type, Path: path.clone(), Err: err}
	}
	return out, nil
}

// suspend emits the request event, checkpoints, and unwinds the run.
func (r *Runner) suspend(ctx context.Context, f *frame, res *TraversalResult, path Path, kind event.Type, schema *Schema, current Values, missing []string) error {
	evt := event.New(kind, path)
	evt.Graph = f.graph.scopeName()
	evt.Node = res.Node.ID
	evt.NodeType = res.Node.Type
	evt.Inputs = current.Clone()
	evt.Missing = missing
	if schema != nil {
		evt.Schema = schema
	}
	r.emit(ctx, evt)

	observability.LogRunSuspended(r.cfg.logger, r.cfg.runID, res.Node.ID, path.String(), string(kind), missing)
	r.cfg.metrics.RecordSuspension(ctx, string(kind))

	if err := r.saveCheckpoint(ctx, path, string(kind)); err != nil {
		return err
	}
	return errSuspended
}

// runOutput collects an output node's values into its graph's results. Only
// the root graph's output nodes emit output events.
func (r *Runner) runOutput(ctx context.Context, f *frame, res *TraversalResult, path Path) Values {
	vals := controllerValues(f, res, false)

	if len(f.path) == 0 {
		evt := event.New(event.Output, path)
		evt.Graph = f.graph.scopeName()
		evt.Node = res.Node.ID
		evt.NodeType = res.Node.Type
		evt.Outputs = vals.Clone()
		r.emit(ctx, evt)
		r.outputs = append(r.outputs, vals.Clone())
	}

	for k, v := range vals {
		f.results[k] = v
	}
	r.lifecycle.SupplyPartialOutputs(f.path, vals)
	return Values{}
}

// skipNode reports an activation that could not run.
func (r *Runner) skipNode(ctx context.Context, f *frame, res *TraversalResult, path Path) {
	evt := event.New(event.Skip, path)
	evt.Graph = f.graph.scopeName()
	evt.Node = res.Node.ID
	evt.NodeType = res.Node.Type
	evt.Inputs = res.Inputs.Clone()
	evt.Missing = res.Missing
	r.emit(ctx, evt)

	observability.LogNodeSkipped(r.cfg.logger, res.Node.ID, path.String(), res.Missing)
	r.cfg.metrics.RecordNodeSkip(ctx, res.Node.ID)
}

// emit sends evt to the sink. Sink failures are logged, never fatal.
func (r *Runner) emit(ctx context.Context, evt event.Lifecycle) {
	evt.RunID = r.cfg.runID
	if err := r.cfg.sink.Emit(ctx, evt); err != nil && r.cfg.logger != nil {
		r.cfg.logger.Warn("lifecycle sink failed",
			slog.String("run_id", r.cfg.runID),
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()))
	}
}

// invokeSubgraph implements invoker.
func (r *Runner) invokeSubgraph(ctx context.Context, g *Graph, path Path, inputs Values) (Values, error) {
	inputs, err := inputs.Canonical()
	if err != nil {
		return nil, fmt.Errorf("subgraph inputs: %w", err)
	}
	return r.invokeGraph(ctx, g, path, inputs)
}

// supplyPartial implements invoker.
func (r *Runner) supplyPartial(ctx context.Context, path Path, outputs Values) error {
	outputs, err := outputs.Canonical()
	if err != nil {
		return err
	}
	r.lifecycle.SupplyPartialOutputs(path, outputs)
	return r.saveCheckpoint(ctx, path, "partial")
}

// partial implements invoker.
func (r *Runner) partial(path Path) Values {
	rec, ok := r.lifecycle.Replay(path)
	if !ok {
		return nil
	}
	return rec.Partial.Clone()
}

// checkpointKey names the checkpoint saved at path.
func checkpointKey(p Path) string {
	if len(p) == 0 {
		return "root"
	}
	return p.String()
}

// saveCheckpoint persists the run's reanimation state, if checkpointing is on.
func (r *Runner) saveCheckpoint(ctx context.Context, path Path, reason string) error {
	if r.cfg.checkpointStore == nil {
		return nil
	}
	key := checkpointKey(path)

	fail := func(op string, err error) error {
		if r.cfg.checkpointFailureFatal {
			return &CheckpointError{Key: key, Op: op, Err: err}
		}
		observability.LogCheckpointError(r.cfg.logger, key, op, err)
		return nil
	}

	state, err := json.Marshal(r.lifecycle.ReanimationState())
	if err != nil {
		return fail("serialize", fmt.Errorf("%w: %v", ErrSerializeState, err))
	}

	r.sequence++
	cp := checkpoint.New(r.cfg.runID, key, r.sequence, state).
		WithGraph(r.graph.scopeName()).
		WithReason(reason)

	data, err := cp.Marshal()
	if err != nil {
		return fail("marshal", err)
	}

	if err := r.cfg.checkpointStore.Save(ctx, r.cfg.runID, key, data); err != nil {
		return fail("save", err)
	}

	observability.LogCheckpoint(r.cfg.logger, key, len(data))
	r.cfg.metrics.RecordCheckpoint(ctx, key, int64(len(data)))
	return nil
}
