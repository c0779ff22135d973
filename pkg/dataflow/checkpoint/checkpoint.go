package checkpoint

import (
	"encoding/json"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Checkpoint is the persisted envelope around a run's reanimation state.
type Checkpoint struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	Key       string    `json:"key"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	// Graph names the root graph the state belongs to.
	Graph string `json:"graph,omitempty"`
	// Reason is the lifecycle step that triggered the save
	// (e.g. "nodeend", "input", "partial").
	Reason string `json:"reason,omitempty"`

	// State is the JSON-encoded reanimation state.
	State json.RawMessage `json:"state"`
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// New creates a checkpoint envelope. State must already be JSON-serialized.
func New(runID, key string, sequence int, state []byte) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		RunID:     runID,
		Key:       key,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		State:     state,
	}
}

// WithGraph records the root graph name.
func (c *Checkpoint) WithGraph(graph string) *Checkpoint {
	c.Graph = graph
	return c
}

// WithReason records what triggered the save.
func (c *Checkpoint) WithReason(reason string) *Checkpoint {
	c.Reason = reason
	return c
}
