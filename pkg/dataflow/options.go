package dataflow

import (
	"log/slog"

	"github.com/randalmurphal/dataflow/pkg/dataflow/checkpoint"
	"github.com/randalmurphal/dataflow/pkg/dataflow/event"
	"github.com/randalmurphal/dataflow/pkg/dataflow/observability"
	"github.com/randalmurphal/dataflow/pkg/dataflow/registry"
)

// runConfig holds configuration for a Runner.
type runConfig struct {
	maxIterations  int
	maxConcurrency int

	handlers  *Handlers
	sink      event.Sink
	requestor Requestor
	logger    *slog.Logger
	runID     string

	checkpointStore        checkpoint.Store
	checkpointFailureFatal bool

	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// defaultRunConfig returns the default run configuration.
func defaultRunConfig() runConfig {
	return runConfig{
		maxIterations: 1000,
		sink:          event.Discard,
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
	}
}

// RunOption configures a Runner.
type RunOption func(*runConfig)

// WithMaxIterations sets the maximum number of node activations per graph
// invocation. Default: 1000
//
// Cyclic graphs are legal, so this is what stops one that never settles.
// Exceeding it fails the run with *MaxIterationsError.
func WithMaxIterations(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithMaxConcurrency bounds how many tasks RunPlan dispatches at once.
// Zero (the default) means unbounded.
func WithMaxConcurrency(n int) RunOption {
	return func(c *runConfig) {
		if n >= 0 {
			c.maxConcurrency = n
		}
	}
}

// WithHandlers adds node handlers on top of DefaultHandlers. Later
// registrations win, so a built-in type can be overridden.
func WithHandlers(h *Handlers) RunOption {
	return func(c *runConfig) {
		if h == nil {
			return
		}
		if c.handlers == nil {
			c.handlers = registry.New[string, Handler]()
		}
		c.handlers.Merge(h)
	}
}

// WithHandler registers a single node handler.
func WithHandler(nodeType string, h Handler) RunOption {
	return func(c *runConfig) {
		if c.handlers == nil {
			c.handlers = registry.New[string, Handler]()
		}
		c.handlers.Register(nodeType, h)
	}
}

// WithSink sets where lifecycle events go. Default: discarded.
//
// Example:
//
//	rec := event.NewRecorder()
//	r, err := dataflow.NewRunner(g, dataflow.WithSink(rec))
func WithSink(sink event.Sink) RunOption {
	return func(c *runConfig) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithRequestor sets who supplies input and secret values nobody wired.
// With a requestor, input and secrets nodes never suspend the run.
func WithRequestor(r Requestor) RunOption {
	return func(c *runConfig) {
		c.requestor = r
	}
}

// WithLogger sets the logger. Node contexts get it enriched with run_id,
// node_id and path. Default: no run logging, slog.Default() for handlers.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithRunID sets the run identifier. Default: a random UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		c.runID = id
	}
}

// WithCheckpointing saves the run's reanimation state to store after every
// node end and every suspension, under runID.
//
// Example:
//
//	store, _ := checkpoint.NewSQLiteStore("./checkpoints.db")
//	r, err := dataflow.NewRunner(g, dataflow.WithCheckpointing(store, "run-123"))
func WithCheckpointing(store checkpoint.Store, runID string) RunOption {
	return func(c *runConfig) {
		c.checkpointStore = store
		c.runID = runID
	}
}

// WithCheckpointFailureFatal makes a failed checkpoint save stop the run
// with *CheckpointError. Default: false (the failure is logged).
func WithCheckpointFailureFatal(fatal bool) RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = fatal
	}
}

// WithMetrics enables OpenTelemetry metrics through the global meter provider.
func WithMetrics(enabled bool) RunOption {
	return func(c *runConfig) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder sets a specific metrics recorder.
func WithMetricsRecorder(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry tracing through the global tracer provider.
func WithTracing(enabled bool) RunOption {
	return func(c *runConfig) {
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithSpanManager sets a specific span manager.
func WithSpanManager(s observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if s != nil {
			c.spans = s
		}
	}
}
