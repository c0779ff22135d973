package dataflow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/dataflow/pkg/dataflow/observability"
)

// logLines decodes a JSON log buffer into records.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func messages(recs []map[string]any) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i], _ = r["msg"].(string)
	}
	return out
}

func TestRun_StructuredLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r, _ := newRun(t, mustLoad(t, pipelineDesc()), WithLogger(logger), WithRunID("run-log"))
	_, err := r.Run(testCtx(), Values{"text": "hi"})
	require.NoError(t, err)

	recs := logLines(t, &buf)
	msgs := messages(recs)
	assert.Equal(t, "graph run starting", msgs[0])
	assert.Equal(t, "graph run completed", msgs[len(msgs)-1])
	assert.Contains(t, msgs, "node starting")
	assert.Contains(t, msgs, "node completed")
	assert.Equal(t, "run-log", recs[0]["run_id"])
}

func TestRun_HandlerLoggerIsEnriched(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r, _ := newRun(t, mustLoad(t, pipelineDesc()), WithLogger(logger), WithRunID("run-h"),
		WithHandler("upper", func(ctx Context, in Values) (Values, error) {
			ctx.Logger().Info("from handler")
			return upper(ctx, in)
		}))
	_, err := r.Run(testCtx(), Values{"text": "hi"})
	require.NoError(t, err)

	var found map[string]any
	for _, rec := range logLines(t, &buf) {
		if rec["msg"] == "from handler" {
			found = rec
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "run-h", found["run_id"])
	assert.Equal(t, "upper", found["node_id"])
	assert.Equal(t, "1", found["path"])
}

func TestRun_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	recorder, err := observability.NewMetricsRecorderWithMeter(provider.Meter(observability.MeterName))
	require.NoError(t, err)

	g := mustLoad(t, &GraphDescriptor{
		Nodes: []NodeDescriptor{
			node("in", TypeInput),
			node("bad", "fail"),
			node("after", TypePassthrough),
			node("out", TypeOutput),
		},
		Edges: []EdgeDescriptor{
			wire("in", "text", "bad", "text"),
			wire("bad", "text", "after", "text"),
			wire("in", "text", "out", "text"),
		},
	})
	r, _ := newRun(t, g, WithMetricsRecorder(recorder))
	_, err = r.Run(testCtx(), Values{"text": "hi"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), sums["dataflow.node.executions"], "in, bad and out ran")
	assert.Equal(t, int64(1), sums["dataflow.node.errors"])
	assert.Equal(t, int64(1), sums["dataflow.node.skips"])
	assert.Equal(t, int64(1), sums["dataflow.graph.runs"])
}

func TestRun_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	g := mustLoad(t, &GraphDescriptor{
		Title: "traced",
		Nodes: []NodeDescriptor{node("in", TypeInput), node("bad", "fail")},
		Edges: []EdgeDescriptor{wire("in", "text", "bad", "text")},
	})
	r, _ := newRun(t, g, WithSpanManager(observability.NewSpanManagerWithProvider(tp)), WithRunID("run-t"))
	_, err := r.Run(testCtx(), Values{"text": "hi"})
	require.NoError(t, err)

	spans := map[string]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		spans[s.Name] = s
	}
	require.Contains(t, spans, "dataflow.run")
	require.Contains(t, spans, "dataflow.node.in")
	require.Contains(t, spans, "dataflow.node.bad")

	run := spans["dataflow.run"]
	bad := spans["dataflow.node.bad"]
	assert.Equal(t, run.SpanContext.TraceID(), bad.SpanContext.TraceID())
	assert.Equal(t, run.SpanContext.SpanID(), bad.Parent.SpanID(), "node spans are children of the run span")
	assert.Equal(t, codes.Error, bad.Status.Code)
	assert.Equal(t, codes.Ok, spans["dataflow.node.in"].Status.Code)
}

func TestRunPlan_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r, _ := newRun(t, mustLoad(t, diamondDesc()), WithSpanManager(observability.NewSpanManagerWithProvider(tp)))
	_, err := r.RunPlan(testCtx(), Values{"n": 1})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	for _, id := range []string{"in", "left", "right", "join", "out"} {
		assert.True(t, names["dataflow.node."+id], id)
	}
	assert.True(t, names["dataflow.run"])
}
