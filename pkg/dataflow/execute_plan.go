package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/dataflow/pkg/dataflow/config"
	"github.com/randalmurphal/dataflow/pkg/dataflow/event"
	"github.com/randalmurphal/dataflow/pkg/dataflow/observability"
)

// RunPlan runs the graph with the plan variant: each graph invocation is
// planned once, and every set of ready tasks is dispatched concurrently
// (bounded by WithMaxConcurrency). Nested invocations are planned too.
//
// The plan variant needs acyclic graphs (ErrCyclicGraph otherwise) and never
// suspends: an input or secrets node missing a required value fails with
// *MissingRequiredInputError unless a Requestor supplies it. For acyclic
// graphs without races between optional and required inputs it produces
// the same outputs as Run.
//
// RunPlan returns the root graph's collected outputs; Outputs lists the
// individual output events. The runner is finished afterwards.
func (r *Runner) RunPlan(ctx context.Context, inputs Values) (outputs Values, runErr error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if r.started || r.finished {
		return nil, ErrRunFinished
	}
	rootInputs, err := inputs.Canonical()
	if err != nil {
		return nil, fmt.Errorf("run inputs: %w", err)
	}
	r.started = true
	r.rootInputs = rootInputs

	startTime := time.Now()
	observability.LogRunStart(r.cfg.logger, r.cfg.runID, r.graph.scopeName())

	runCtx, runSpan := r.cfg.spans.StartRunSpan(ctx, r.graph.scopeName(), r.cfg.runID)
	defer func() {
		r.cfg.spans.EndSpanWithError(runSpan, runErr)
	}()

	pr := &planRun{r: r, plans: make(map[*Graph]*Plan), partials: make(map[string]Values)}
	outputs, runErr = pr.runGraph(runCtx, r.graph, Path{}, r.rootInputs)

	duration := time.Since(startTime)
	durationMs := float64(duration.Microseconds()) / 1000
	r.finished = true
	r.cfg.metrics.RecordGraphRun(ctx, runErr == nil, duration)

	if runErr != nil {
		observability.LogRunError(r.cfg.logger, r.cfg.runID, runErr, durationMs)
		return nil, runErr
	}

	evt := event.New(event.End, nil)
	evt.Graph = r.graph.scopeName()
	evt.Outputs = outputs
	r.emit(ctx, evt)

	observability.LogRunComplete(r.cfg.logger, r.cfg.runID, durationMs, r.nodeCount)
	return outputs, nil
}

// planRun is the state of one RunPlan call. mu serializes everything tasks
// share: sink emission, the runner's counters and outputs, and the caches.
type planRun struct {
	r *Runner

	mu       sync.Mutex
	plans    map[*Graph]*Plan
	partials map[string]Values
}

func (p *planRun) planFor(g *Graph) (*Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan, ok := p.plans[g]; ok {
		return plan, nil
	}
	plan, err := CreatePlan(g)
	if err != nil {
		return nil, err
	}
	p.plans[g] = plan
	return plan, nil
}

func (p *planRun) emit(ctx context.Context, evt event.Lifecycle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.r.emit(ctx, evt)
}

// runGraph runs one invocation of g at path.
func (p *planRun) runGraph(ctx context.Context, g *Graph, path Path, inputs Values) (Values, error) {
	plan, err := p.planFor(g)
	if err != nil {
		return nil, err
	}
	o := NewOrchestrator(plan)
	results := Values{}

	evt := event.New(event.GraphStart, path)
	evt.Graph = g.scopeName()
	evt.Inputs = inputs.Clone()
	p.emit(ctx, evt)

	for !o.Done() {
		if err := ctx.Err(); err != nil {
			return nil, &CancellationError{Path: path.clone(), Cause: err}
		}

		tasks := o.CurrentTasks()

		// Controller nodes run inline, in plan order, so output events keep
		// a stable order; handler tasks fan out.
		group, groupCtx := errgroup.WithContext(ctx)
		if p.r.cfg.maxConcurrency > 0 {
			group.SetLimit(p.r.cfg.maxConcurrency)
		}
		for _, t := range tasks {
			nodePath := path.Child(t.Index)
			switch {
			case t.Skip:
				p.skipTask(ctx, g, t, nodePath)
			case isControllerType(t.Node.Type):
				if err := p.runTask(ctx, o, g, t, nodePath, inputs, results); err != nil {
					_ = group.Wait()
					return nil, err
				}
			default:
				group.Go(func() error {
					return p.runTask(groupCtx, o, g, t, nodePath, inputs, results)
				})
			}
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
	}

	evt = event.New(event.GraphEnd, path)
	evt.Graph = g.scopeName()
	evt.Outputs = results.Clone()
	p.emit(ctx, evt)

	return results, nil
}

func isControllerType(t string) bool {
	return t == TypeInput || t == TypeOutput || t == TypeSecrets
}

// runTask runs one task and settles it with the orchestrator. Handler
// failures settle the task with an $error value; the returned error stops
// the run.
func (p *planRun) runTask(ctx context.Context, o *Orchestrator, g *Graph, t Task, path Path, graphInputs, results Values) error {
	r := p.r
	node := t.Node
	pathStr := path.String()

	evt := event.New(event.NodeStart, path)
	evt.Graph = g.scopeName()
	evt.Node = node.ID
	evt.NodeType = node.Type
	evt.Inputs = t.Inputs.Clone()
	p.emit(ctx, evt)
	observability.LogNodeStart(r.cfg.logger, node.ID, pathStr)

	nodeCtx, nodeSpan := r.cfg.spans.StartNodeSpan(ctx, node.ID, node.Type, pathStr)
	nodeStart := time.Now()

	outputs, nodeErr := p.executeTask(nodeCtx, g, t, path, graphInputs, results)
	if nodeErr == nil {
		if outputs, nodeErr = outputs.Canonical(); nodeErr != nil {
			nodeErr = &HandlerError{NodeID: node.ID, Type: node.Type, Path: path.clone(), Err: nodeErr}
		}
	}

	nodeDuration := time.Since(nodeStart)
	r.cfg.spans.EndSpanWithError(nodeSpan, nodeErr)
	r.cfg.metrics.RecordNodeExecution(nodeCtx, node.ID, node.Type, nodeDuration, nodeErr)

	if nodeErr != nil {
		observability.LogNodeError(r.cfg.logger, node.ID, pathStr, nodeErr)
		if IsFatal(nodeErr) {
			return nodeErr
		}
		evt := event.New(event.Error, path)
		evt.Graph = g.scopeName()
		evt.Node = node.ID
		evt.NodeType = node.Type
		evt.Error = nodeErr.Error()
		p.emit(ctx, evt)

		_, err := o.ProvideError(node.ID, nodeErr)
		return err
	}

	p.mu.Lock()
	r.nodeCount++
	p.mu.Unlock()

	evt = event.New(event.NodeEnd, path)
	evt.Graph = g.scopeName()
	evt.Node = node.ID
	evt.NodeType = node.Type
	evt.Inputs = t.Inputs.Clone()
	evt.Outputs = outputs.Clone()
	p.emit(ctx, evt)
	observability.LogNodeComplete(r.cfg.logger, node.ID, pathStr, float64(nodeDuration.Microseconds())/1000)

	_, err := o.ProvideOutputs(node.ID, outputs)
	return err
}

func (p *planRun) executeTask(ctx context.Context, g *Graph, t Task, path Path, graphInputs, results Values) (Values, error) {
	r := p.r
	node := t.Node

	switch node.Type {
	case TypeInput:
		schema, err := ParseSchema(node.Configuration["schema"])
		if err != nil {
			return nil, &HandlerError{NodeID: node.ID, Type: node.Type, Path: path.clone(), Err: err}
		}
		current := Values{}
		for k, v := range graphInputs {
			current[k] = v
		}
		for k, v := range t.Inputs {
			current[k] = v
		}
		delete(current, "schema")
		return p.resolve(ctx, g, node, path, schema, current)

	case TypeSecrets:
		var cfg secretsConfig
		if err := config.New(node.Configuration).Decode(&cfg); err != nil {
			return nil, &HandlerError{NodeID: node.ID, Type: node.Type, Path: path.clone(), Err: err}
		}
		resolved, err := p.resolve(ctx, g, node, path, secretsSchema(cfg.Keys), Values{})
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

	case TypeOutput:
		vals := t.Inputs.Clone()
		delete(vals, "schema")

		p.mu.Lock()
		defer p.mu.Unlock()
		for k, v := range vals {
			results[k] = v
		}
		if len(path) == 1 {
			evt := event.New(event.Output, path)
			evt.Graph = g.scopeName()
			evt.Node = node.ID
			evt.NodeType = node.Type
			evt.Outputs = vals.Clone()
			r.emit(ctx, evt)
			r.outputs = append(r.outputs, vals)
		}
		return Values{}, nil
	}

	h, ok := r.handlers.Get(node.Type)
	if !ok {
		return nil, &UnknownNodeTypeError{NodeID: node.ID, Type: node.Type}
	}
	nc := newNodeContext(ctx, r.logger, r.cfg.runID, g, node, path, p)
	outputs, err := callHandler(nc, h, t.Inputs.Clone())
	if nc.fatal != nil {
		return nil, nc.fatal
	}
	if err != nil {
		return nil, &HandlerError{NodeID: node.ID, Type: node.Type, Path: path.clone(), Err: err}
	}
	if outputs == nil {
		outputs = Values{}
	}
	return outputs, nil
}

// resolve is bubbling without suspension.
func (p *planRun) resolve(ctx context.Context, g *Graph, node *Node, path Path, schema *Schema, current Values) (Values, error) {
	out, err := Resolve(ctx, schema, current, p.r.cfg.requestor, g.scopeName())
	if err != nil {
		var missingErr *MissingRequiredInputError
		if errors.As(err, &missingErr) {
			missingErr.Node = node.ID
			return nil, missingErr
		}
		return nil, &HandlerError{NodeID: node.ID, Type: node.Type, Path: path.clone(), Err: err}
	}
	return out, nil
}

func (p *planRun) skipTask(ctx context.Context, g *Graph, t Task, path Path) {
	evt := event.New(event.Skip, path)
	evt.Graph = g.scopeName()
	evt.Node = t.Node.ID
	evt.NodeType = t.Node.Type
	evt.Inputs = t.Inputs.Clone()
	evt.Missing = t.Missing
	p.emit(ctx, evt)

	observability.LogNodeSkipped(p.r.cfg.logger, t.Node.ID, path.String(), t.Missing)
	p.r.cfg.metrics.RecordNodeSkip(ctx, t.Node.ID)
}

// invokeSubgraph implements invoker.
func (p *planRun) invokeSubgraph(ctx context.Context, g *Graph, path Path, inputs Values) (Values, error) {
	inputs, err := inputs.Canonical()
	if err != nil {
		return nil, fmt.Errorf("subgraph inputs: %w", err)
	}
	return p.runGraph(ctx, g, path, inputs)
}

// supplyPartial implements invoker. Plan runs are not checkpointed, so
// partial outputs only live for the duration of the run.
func (p *planRun) supplyPartial(_ context.Context, path Path, outputs Values) error {
	outputs, err := outputs.Canonical()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := path.String()
	if p.partials[key] == nil {
		p.partials[key] = Values{}
	}
	for k, v := range outputs {
		p.partials[key][k] = v
	}
	return nil
}

// partial implements invoker.
func (p *planRun) partial(path Path) Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.partials[path.String()].Clone()
}
