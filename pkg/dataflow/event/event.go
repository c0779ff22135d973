package event

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type discriminates lifecycle events.
type Type string

// Lifecycle event types.
const (
	GraphStart Type = "graphstart"
	NodeStart  Type = "nodestart"
	NodeEnd    Type = "nodeend"
	Input      Type = "input"
	Output     Type = "output"
	Secret     Type = "secret"
	Skip       Type = "skip"
	Error      Type = "error"
	GraphEnd   Type = "graphend"
	End        Type = "end"
)

// Types lists every event type in stream order.
var Types = []Type{GraphStart, NodeStart, NodeEnd, Input, Output, Secret, Skip, Error, GraphEnd, End}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Lifecycle is one event of a run.
type Lifecycle struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`

	// Path is the invocation path of the step. The root run is the empty path.
	Path []int `json:"path"`

	// Graph names the graph scope (URL, title or #subgraph id).
	Graph    string `json:"graph,omitempty"`
	Node     string `json:"node,omitempty"`
	NodeType string `json:"node_type,omitempty"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	// Schema is the schema an input or secret event is waiting on.
	Schema any `json:"schema,omitempty"`
	// Missing names the required inputs a skip or input event lacks.
	Missing []string `json:"missing,omitempty"`
	// Error is the human-readable message of an error event.
	Error string `json:"error,omitempty"`
}

// New creates an event of type t at path, stamped with a fresh id and the
// current time. The path is copied.
func New(t Type, path []int) Lifecycle {
	p := make([]int, len(path))
	copy(p, path)
	return Lifecycle{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Path:      p,
	}
}

// PathString renders the path the same way checkpoint keys do: indices joined
// with "-", the root as "".
func (e Lifecycle) PathString() string {
	if len(e.Path) == 0 {
		return ""
	}
	parts := make([]string, len(e.Path))
	for i, n := range e.Path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "-")
}

// Sink consumes lifecycle events. Emit is called synchronously from the run;
// a slow sink slows the run down.
type Sink interface {
	Emit(ctx context.Context, evt Lifecycle) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evt Lifecycle) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, evt Lifecycle) error {
	return f(ctx, evt)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(context.Context, Lifecycle) error { return nil })

type tee []Sink

func (t tee) Emit(ctx context.Context, evt Lifecycle) error {
	var first error
	for _, s := range t {
		if err := s.Emit(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Tee returns a Sink that emits to every sink in order. All sinks see every
// event; the first error is returned.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Recorder is a Sink that keeps every event in memory.
// It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Lifecycle
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records evt.
func (r *Recorder) Emit(_ context.Context, evt Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lifecycle, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Lifecycle
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the type of every recorded event, in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
