// Package dataflow provides a dataflow graph execution engine.
package dataflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph analysis.
var (
	// ErrCyclicGraph indicates a plan was requested for a graph with a cycle.
	ErrCyclicGraph = errors.New("graph contains a cycle")

	// ErrUnknownSubgraph indicates a node referenced a nested graph that does not exist.
	ErrUnknownSubgraph = errors.New("unknown subgraph")
)

// Sentinel errors for execution.
var (
	// ErrMaxIterations indicates a graph invocation exceeded the activation limit.
	ErrMaxIterations = errors.New("exceeded maximum iterations")

	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrRunFinished indicates Run() was called after the run already ended.
	ErrRunFinished = errors.New("run already finished")

	// ErrNoActivation indicates Resume() was called without an activation in flight.
	ErrNoActivation = errors.New("no activation in flight")

	// ErrUnknownTask indicates outputs were provided for a task that was not dispatched.
	ErrUnknownTask = errors.New("task not dispatched")

	// ErrValuesNotSerializable indicates values that cannot be encoded as JSON.
	ErrValuesNotSerializable = errors.New("values are not JSON-serializable")

	// errSuspended unwinds nested invocations when a run stops for external input.
	errSuspended = errors.New("run suspended awaiting input")
)

// Sentinel errors for checkpointing and resume.
var (
	// ErrRunIDRequired indicates checkpointing was enabled without a run ID.
	ErrRunIDRequired = errors.New("run ID required for checkpointing")

	// ErrSerializeState indicates state serialization failed.
	ErrSerializeState = errors.New("failed to serialize state")

	// ErrDeserializeState indicates state deserialization failed.
	ErrDeserializeState = errors.New("failed to deserialize state")

	// ErrNoCheckpoints indicates no checkpoints exist for the run.
	ErrNoCheckpoints = errors.New("no checkpoints found for run")

	// ErrCheckpointVersionMismatch indicates the checkpoint version is incompatible.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")
)

// MalformedGraphError reports a structural problem found while loading a graph.
type MalformedGraphError struct {
	// Graph names the graph scope (title, URL or #subgraph id).
	Graph string
	// Reason describes the problem.
	Reason string
}

// Error implements the error interface.
func (e *MalformedGraphError) Error() string {
	if e.Graph == "" {
		return "malformed graph: " + e.Reason
	}
	return fmt.Sprintf("malformed graph %s: %s", e.Graph, e.Reason)
}

// UnknownNodeTypeError reports a node whose type has no registered handler.
type UnknownNodeTypeError struct {
	NodeID string
	Type   string
}

// Error implements the error interface.
func (e *UnknownNodeTypeError) Error() string {
	return fmt.Sprintf("node %s: unknown node type %q", e.NodeID, e.Type)
}

// MissingRequiredInputError reports a required schema property nobody supplied.
type MissingRequiredInputError struct {
	// Property is the schema property that is missing.
	Property string
	// Node is the node that declared the schema, if known.
	Node string
	// Graph is the board title, if known.
	Graph string
}

// Error implements the error interface.
func (e *MissingRequiredInputError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "missing required input %q", e.Property)
	if e.Node != "" {
		fmt.Fprintf(&b, " for node %s", e.Node)
	}
	if e.Graph != "" {
		fmt.Fprintf(&b, " in %s", e.Graph)
	}
	return b.String()
}

// HandlerError wraps a node handler failure with node context.
// Handler errors are recoverable: the run turns them into $error data and
// keeps going.
type HandlerError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// Type is the node type.
	Type string
	// Path is the invocation path of the failed activation.
	Path Path
	// Err is the underlying error from the handler.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s (%s) at [%s]: %v", e.NodeID, e.Type, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from a handler.
// It includes the stack trace for debugging.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// ReanimationMismatchError reports a checkpoint that does not fit the graph
// being resumed.
type ReanimationMismatchError struct {
	// Path is the checkpoint entry that did not fit.
	Path string
	// Reason describes the mismatch.
	Reason string
}

// Error implements the error interface.
func (e *ReanimationMismatchError) Error() string {
	return fmt.Sprintf("reanimation mismatch at [%s]: %s", e.Path, e.Reason)
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// Key is the checkpoint key (the invocation path that triggered the save).
	Key string
	// Op is the operation that failed ("save", "load", "serialize").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at [%s]: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// CancellationError reports a run stopped by its context.
type CancellationError struct {
	// NodeID is the node that was about to run, if any.
	NodeID string
	// Path is the invocation path at the point of cancellation.
	Path Path
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("cancelled at [%s]: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("cancelled before node %s at [%s]: %v", e.NodeID, e.Path, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// MaxIterationsError provides context when the activation limit is exceeded.
type MaxIterationsError struct {
	// Max is the configured limit.
	Max int
	// LastNodeID is the node that would have run next.
	LastNodeID string
	// Path is the invocation path of the graph that looped.
	Path Path
}

// Error implements the error interface.
func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum iterations (%d) at node %s", e.Max, e.LastNodeID)
}

// Unwrap returns ErrMaxIterations for errors.Is support.
func (e *MaxIterationsError) Unwrap() error {
	return ErrMaxIterations
}

// IsFatal reports whether err halts a run. Handler failures are the only
// recoverable class; everything else is structural.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var he *HandlerError
	return !errors.As(err, &he)
}
