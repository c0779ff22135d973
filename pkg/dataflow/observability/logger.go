// Package observability provides logging, metrics and tracing helpers for
// dataflow runs.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Logging helpers accept a nil logger and do nothing.
package observability

import (
	"log/slog"
	"strings"
	"time"
)

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id, node_id and path fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "summarize", "2-0")
//	enriched.Info("doing work") // includes run_id, node_id, path
func EnrichLogger(logger *slog.Logger, runID, nodeID, path string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("path", path),
	)
}

// LogRunStart logs the start (or continuation) of a run.
func LogRunStart(logger *slog.Logger, runID, graph string) {
	if logger == nil {
		return
	}
	logger.Info("graph run starting",
		slog.String("run_id", runID),
		slog.String("graph", graph),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, nodeCount int) {
	if logger == nil {
		return
	}
	logger.Info("graph run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("nodes_executed", nodeCount),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("graph run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRunSuspended logs a run stopping to wait for external values.
// kind is the lifecycle event that was emitted ("input" or "secret").
func LogRunSuspended(logger *slog.Logger, runID, nodeID, path, kind string, missing []string) {
	if logger == nil {
		return
	}
	logger.Info("graph run suspended",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("path", path),
		slog.String("waiting_for", kind),
		slog.String("missing", strings.Join(missing, ",")),
	)
}

// LogReanimation logs a run being rebuilt from a checkpoint.
func LogReanimation(logger *slog.Logger, runID string, records, visits int) {
	if logger == nil {
		return
	}
	logger.Info("reanimating run",
		slog.String("run_id", runID),
		slog.Int("records", records),
		slog.Int("visits", visits),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID, path string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
		slog.String("path", path),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID, path string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.String("path", path),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs a node handler failure. The run continues; the failure
// is routed as data.
func LogNodeError(logger *slog.Logger, nodeID, path string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("node failed",
		slog.String("node_id", nodeID),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}

// LogNodeSkipped logs a node that never received its required inputs.
func LogNodeSkipped(logger *slog.Logger, nodeID, path string, missing []string) {
	if logger == nil {
		return
	}
	logger.Debug("node skipped",
		slog.String("node_id", nodeID),
		slog.String("path", path),
		slog.String("missing", strings.Join(missing, ",")),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, key string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("key", key),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure.
func LogCheckpointError(logger *slog.Logger, key string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("key", key),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
