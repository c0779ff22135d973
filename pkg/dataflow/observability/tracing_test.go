package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracingTest(t *testing.T) (SpanManager, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return NewSpanManagerWithProvider(tp), exporter
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString()
		}
	}
	return ""
}

func TestSpanManager_RunAndNodeSpans(t *testing.T) {
	spans, exporter := setupTracingTest(t)

	ctx, run := spans.StartRunSpan(context.Background(), "board.json", "run-1")
	_, node := spans.StartNodeSpan(ctx, "summarize", "invoke", "2-0")
	spans.EndSpanWithError(node, errors.New("handler failed"))
	spans.EndSpanWithError(run, nil)

	got := exporter.GetSpans()
	require.Len(t, got, 2)

	nodeSpan, runSpan := got[0], got[1]
	assert.Equal(t, "dataflow.node.summarize", nodeSpan.Name)
	assert.Equal(t, "invoke", attrValue(nodeSpan.Attributes, "node.type"))
	assert.Equal(t, "2-0", attrValue(nodeSpan.Attributes, "node.path"))
	assert.Equal(t, codes.Error, nodeSpan.Status.Code)
	assert.Equal(t, runSpan.SpanContext.SpanID(), nodeSpan.Parent.SpanID())

	assert.Equal(t, "dataflow.run", runSpan.Name)
	assert.Equal(t, "run-1", attrValue(runSpan.Attributes, "run.id"))
	assert.Equal(t, codes.Ok, runSpan.Status.Code)
}

func TestSpanManager_AddSpanEvent(t *testing.T) {
	spans, exporter := setupTracingTest(t)

	ctx, run := spans.StartRunSpan(context.Background(), "g", "r")
	spans.AddSpanEvent(ctx, "suspended", attribute.String("kind", "input"))
	spans.EndSpanWithError(run, nil)

	got := exporter.GetSpans()
	require.Len(t, got, 1)
	require.Len(t, got[0].Events, 1)
	assert.Equal(t, "suspended", got[0].Events[0].Name)
}

func TestSpanManager_AddSpanEventWithoutSpan(t *testing.T) {
	spans, exporter := setupTracingTest(t)
	assert.NotPanics(t, func() {
		spans.AddSpanEvent(context.Background(), "orphan")
	})
	assert.Empty(t, exporter.GetSpans())
}

func TestNoopSpanManager(t *testing.T) {
	var m SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := m.StartRunSpan(ctx, "g", "r")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())

	got, span = m.StartNodeSpan(ctx, "n", "t", "0")
	assert.Equal(t, ctx, got)
	assert.NotPanics(t, func() {
		m.EndSpanWithError(span, errors.New("x"))
		m.AddSpanEvent(ctx, "e")
	})
}
