package dataflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "malformed graph",
			err:  &MalformedGraphError{Graph: "#sub", Reason: "node #0 has an empty id"},
			want: "malformed graph #sub: node #0 has an empty id",
		},
		{
			name: "malformed graph without scope",
			err:  &MalformedGraphError{Reason: "graph is nil"},
			want: "malformed graph: graph is nil",
		},
		{
			name: "unknown node type",
			err:  &UnknownNodeTypeError{NodeID: "a", Type: "mystery"},
			want: `node a: unknown node type "mystery"`,
		},
		{
			name: "missing input with context",
			err:  &MissingRequiredInputError{Property: "name", Node: "in", Graph: "ask"},
			want: `missing required input "name" for node in in ask`,
		},
		{
			name: "missing input bare",
			err:  &MissingRequiredInputError{Property: "name"},
			want: `missing required input "name"`,
		},
		{
			name: "handler",
			err:  &HandlerError{NodeID: "bad", Type: "fail", Path: Path{1, 0}, Err: boom},
			want: "node bad (fail) at [1-0]: boom",
		},
		{
			name: "panic",
			err:  &PanicError{NodeID: "x", Value: "kaboom"},
			want: "node x panicked: kaboom",
		},
		{
			name: "reanimation mismatch",
			err:  &ReanimationMismatchError{Path: "2", Reason: "unknown node"},
			want: "reanimation mismatch at [2]: unknown node",
		},
		{
			name: "checkpoint",
			err:  &CheckpointError{Key: "root", Op: "save", Err: boom},
			want: "checkpoint save at [root]: boom",
		},
		{
			name: "cancellation before node",
			err:  &CancellationError{NodeID: "n", Path: Path{3}, Cause: context.Canceled},
			want: "cancelled before node n at [3]: context canceled",
		},
		{
			name: "max iterations",
			err:  &MaxIterationsError{Max: 5, LastNodeID: "loop"},
			want: "exceeded maximum iterations (5) at node loop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	boom := errors.New("boom")

	assert.ErrorIs(t, &HandlerError{Err: boom}, boom)
	assert.ErrorIs(t, &CheckpointError{Err: boom}, boom)
	assert.ErrorIs(t, &CancellationError{Cause: context.DeadlineExceeded}, context.DeadlineExceeded)
	assert.ErrorIs(t, &MaxIterationsError{}, ErrMaxIterations)
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(&HandlerError{Err: errors.New("x")}))
	assert.False(t, IsFatal(fmt.Errorf("wrapped: %w", &HandlerError{Err: errors.New("x")})))

	assert.False(t, IsFatal(&HandlerError{Err: &PanicError{NodeID: "x"}}), "recovered panics are handler failures")
	assert.True(t, IsFatal(&MissingRequiredInputError{Property: "p"}))
	assert.True(t, IsFatal(&CancellationError{Cause: context.Canceled}))
	assert.True(t, IsFatal(ErrCyclicGraph))
}
