package dataflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/randalmurphal/dataflow/pkg/dataflow/checkpoint"
	"github.com/randalmurphal/dataflow/pkg/dataflow/observability"
)

// ReanimationState returns the run's checkpoint as of now. It can be
// serialized with encoding/json and handed to ResumeFrom, in this process or
// another one.
func (r *Runner) ReanimationState() *ReanimationState {
	return r.lifecycle.ReanimationState()
}

// ResumeFrom prepares a runner that continues the run captured in state.
// Finished invocations are not run again; the next Run call answers the
// request the run was suspended on (if any) and carries on.
//
// The checkpoint must fit g: a record for a graph other than the one found
// at its path, or a machine state naming unknown nodes, fails with
// *ReanimationMismatchError (here or on the first Run).
//
// Example:
//
//	state := r.ReanimationState()
//	// ... persist, restart, reload ...
//	r2, err := dataflow.ResumeFrom(g, state, dataflow.WithSink(sink))
//	done, err := r2.Run(ctx, dataflow.Values{"name": "Ada"})
func ResumeFrom(g *Graph, state *ReanimationState, opts ...RunOption) (*Runner, error) {
	r, err := NewRunner(g, opts...)
	if err != nil {
		return nil, err
	}

	lc, err := NewLifecycleFrom(state)
	if err != nil {
		return nil, err
	}
	r.lifecycle = lc

	if state == nil {
		return r, nil
	}
	if root, ok := state.States[""]; ok {
		if root.Graph != g.scopeName() {
			return nil, &ReanimationMismatchError{
				Reason: fmt.Sprintf("checkpoint is for %s, resuming graph %q", root.describe(), g.scopeName()),
			}
		}
		r.started = true
		r.rootInputs = root.Inputs.Clone()
		r.outputs = recordedOutputs(g, state)
	}

	observability.LogReanimation(r.cfg.logger, r.cfg.runID, len(state.States), len(state.Visits))
	return r, nil
}

// recordedOutputs returns the values of the root-level output nodes that
// finished before the checkpoint, in activation order. An output node's
// activation inputs are the values its output event carried.
func recordedOutputs(g *Graph, state *ReanimationState) []Values {
	type emitted struct {
		index int
		vals  Values
	}
	var found []emitted
	for key, rec := range state.States {
		p, err := ParsePath(key)
		if err != nil || len(p) != 1 || !rec.Done || rec.Error != "" {
			continue
		}
		if n, ok := g.Node(rec.Node); !ok || n.Type != TypeOutput {
			continue
		}
		vals := rec.Inputs.Clone()
		if vals == nil {
			vals = Values{}
		}
		delete(vals, "schema")
		found = append(found, emitted{index: p[0], vals: vals})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	out := make([]Values, len(found))
	for i, e := range found {
		out[i] = e.vals
	}
	return out
}

// Resume loads the latest checkpoint of runID from store and prepares a
// runner that continues it. The returned runner keeps checkpointing to the
// same store under the same run id.
//
// Example:
//
//	// Process restarted while the run waited for input
//	r, err := dataflow.Resume(ctx, g, store, "run-123")
//	done, err := r.Run(ctx, dataflow.Values{"answer": 42})
func Resume(ctx context.Context, g *Graph, store checkpoint.Store, runID string, opts ...RunOption) (*Runner, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if runID == "" {
		return nil, ErrRunIDRequired
	}

	_, data, err := checkpoint.Latest(ctx, store, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoints, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	cp, state, err := decodeCheckpoint(data)
	if err != nil {
		return nil, err
	}

	all := make([]RunOption, 0, len(opts)+1)
	all = append(all, opts...)
	all = append(all, WithCheckpointing(store, runID))

	r, err := ResumeFrom(g, state, all...)
	if err != nil {
		return nil, err
	}
	r.sequence = cp.Sequence
	return r, nil
}

// decodeCheckpoint unwraps a persisted checkpoint envelope.
func decodeCheckpoint(data []byte) (*checkpoint.Checkpoint, *ReanimationState, error) {
	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	// Check version compatibility
	if cp.Version != checkpoint.Version {
		return nil, nil, fmt.Errorf("%w: got %d, expected %d",
			ErrCheckpointVersionMismatch, cp.Version, checkpoint.Version)
	}

	var state ReanimationState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}
	return cp, &state, nil
}
