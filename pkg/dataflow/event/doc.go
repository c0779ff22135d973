// Package event defines the lifecycle events a dataflow run produces and the
// sinks that consume them.
//
// # Event Stream
//
// Every externally observable step of a run is one Lifecycle value:
//
//   - graphstart / graphend: a graph invocation (root or nested) begins or ends
//   - nodestart / nodeend: a node activation begins or ends
//   - input / secret: the run suspended waiting for values
//   - output: a root-level output node produced values
//   - skip: a node was skipped because required inputs never arrived
//   - error: a node handler failed; the failure travels on as $error data
//   - end: the root run finished
//
// Each event carries a timestamp and the invocation path of the step that
// produced it, so events from nested subgraph calls can be told apart even
// when node ids repeat.
//
// # Sinks
//
// A run emits into a single Sink. Use SinkFunc for ad-hoc callbacks, Recorder
// to collect events in memory (tests, CLIs), Tee to fan out synchronously,
// and LocalBus for asynchronous pub/sub with per-type subscriptions:
//
//	bus := event.NewBus(event.BusConfig{BufferSize: 64})
//	defer bus.Close()
//	bus.Subscribe([]event.Type{event.Output}, func(ctx context.Context, evt event.Lifecycle) error {
//	    fmt.Println(evt.Outputs)
//	    return nil
//	})
//	runner, _ := dataflow.NewRunner(g, dataflow.WithSink(bus))
package event
