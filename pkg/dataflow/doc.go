/*
Package dataflow runs dataflow graphs: boards of typed nodes wired port to
port, executed by handing each node the values its predecessors delivered.

# Overview

A graph is loaded from a descriptor (JSON or YAML), validated, and indexed
into an immutable Graph. A Runner then walks it with a traversal Machine,
runs node handlers, and reports everything that happens as lifecycle
events. Runs can stop half-way, waiting for input, and be continued later
in the same process or in another one from a checkpoint.

	g, err := dataflow.Parse([]byte(`{
	  "nodes": [{"id": "in", "type": "input"}, {"id": "out", "type": "output"}],
	  "edges": [{"from": "in", "to": "out", "out": "text"}]
	}`), dataflow.FormatJSON)
	if err != nil {
	    log.Fatal(err)
	}

	rec := event.NewRecorder()
	r, err := dataflow.NewRunner(g, dataflow.WithSink(rec))
	if err != nil {
	    log.Fatal(err)
	}
	done, err := r.Run(ctx, dataflow.Values{"text": "hi"})
	// done == true, r.Outputs() == []Values{{"text": "hi"}}

# Edges

Edges connect an output port of one node to an input port of another.
Four shapes exist:

  - ordinary: "out" names a port, "in" names the port it lands on
    (defaults to the same name)
  - wildcard: "out" is "*" and the whole output map is delivered
  - control: no ports at all; the target just waits for the source
  - constant: an ordinary edge marked "constant"; its value is remembered
    and delivered again on every later activation of the target

Edges marked "optional" never block their target.

Values travel in their JSON shape (see Values.Canonical): handlers receive
numbers as float64, objects as map[string]any and arrays as []any, whether
or not the run was restored from a checkpoint. Outputs that cannot be
encoded as JSON fail their node.

# Traversal

The Machine keeps a frontier of waiting nodes. A node may run once every
required incoming edge has delivered; among runnable nodes the one whose
latest delivery arrived first goes next. When nothing is runnable the
remaining nodes are handed out with Skip set, so a branch that never
received its inputs is reported rather than silently dropped. Graphs may
be cyclic; WithMaxIterations bounds the number of activations.

A handler failure does not stop the run. The failed node delivers an
$error value on its "$error" and wildcard edges, and nodes that needed its
regular outputs are skipped.

# Suspension and reanimation

Input and secrets nodes resolve their values from what was wired or
passed in, schema defaults, and the Requestor (WithRequestor). When
required values are still missing and there is no requestor, Run emits an
input or secret event and returns (false, nil). The next Run call answers
the request:

	done, _ := r.Run(ctx, nil)                          // suspends
	done, _ = r.Run(ctx, dataflow.Values{"name": "Ada"}) // continues

Every invocation is addressed by a Path: the root graph is the empty path,
its n-th activation is [n], and the i-th graph that activation invokes is
[n, i]. The run's Lifecycle records inputs and outputs per path, so a
resumed run replays finished invocations instead of running them again.
ReanimationState exports that record; ResumeFrom and Resume rebuild a
runner from it.

	r, err := dataflow.NewRunner(g, dataflow.WithCheckpointing(store, "run-1"))
	// ... process restarts ...
	r, err = dataflow.Resume(ctx, g, store, "run-1")

# Plan execution

RunPlan is the batch variant for acyclic graphs: CreatePlan orders the
nodes once, and an Orchestrator hands out every ready task together so
handlers run concurrently (WithMaxConcurrency). It never suspends.

# Subgraphs

Descriptors may carry nested graphs under "graphs". The built-in "invoke"
node runs one of them with its inputs; "map" runs one per list item.
Custom handlers can do the same through Context.InvokeGraph.

# Error Handling

Structural problems stop the run and are returned as typed errors:

  - *MalformedGraphError, *UnknownNodeTypeError: rejected at load or NewRunner
  - *MissingRequiredInputError: an input node got an answer that still
    lacked a required property
  - *ReanimationMismatchError: a checkpoint does not fit the graph
  - *MaxIterationsError: the activation budget ran out
  - *CancellationError: the context ended; the runner can be run again
  - *CheckpointError: a save failed (only with WithCheckpointFailureFatal)

Handler failures surface as *HandlerError on error events; a recovered
panic is a *PanicError inside one. Retry wraps a handler so that failures
marked Transient are attempted again with backoff.

# Observability

WithLogger enables structured logging through log/slog. WithMetrics and
WithTracing turn on OpenTelemetry instruments and spans using the global
providers.
*/
package dataflow
