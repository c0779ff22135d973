// Package checkpoint persists reanimation checkpoints so a suspended or
// crashed run can be resumed in a fresh process.
//
// A run saves one checkpoint per key; the key is the invocation path of the
// step that triggered the save. Saving an existing key replaces its data and
// moves it to the end of the run's sequence, so the most recent save of a run
// is always the last entry returned by List.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Store persists checkpoints for crash recovery.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores a checkpoint for a run under key.
	// Overwrites if a checkpoint for (runID, key) already exists.
	Save(ctx context.Context, runID, key string, data []byte) error

	// Load retrieves a checkpoint.
	// Returns ErrNotFound if checkpoint doesn't exist.
	Load(ctx context.Context, runID, key string) ([]byte, error)

	// List returns all checkpoints for a run, ordered by sequence.
	// Returns empty slice (not error) if run has no checkpoints.
	List(ctx context.Context, runID string) ([]Info, error)

	// Delete removes a specific checkpoint.
	// Returns nil if checkpoint doesn't exist.
	Delete(ctx context.Context, runID, key string) error

	// DeleteRun removes all checkpoints for a run.
	// Returns nil if run has no checkpoints.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info provides metadata without loading full state.
type Info struct {
	RunID     string
	Key       string
	Sequence  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)

// Latest loads the most recently saved checkpoint of a run.
// Returns ErrNotFound if the run has none.
func Latest(ctx context.Context, s Store, runID string) (Info, []byte, error) {
	infos, err := s.List(ctx, runID)
	if err != nil {
		return Info{}, nil, err
	}
	if len(infos) == 0 {
		return Info{}, nil, ErrNotFound
	}
	info := infos[len(infos)-1]
	data, err := s.Load(ctx, runID, info.Key)
	if err != nil {
		return Info{}, nil, err
	}
	return info, data, nil
}
