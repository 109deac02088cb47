package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceFanOut_RecordsAttributes(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceFanOut(context.Background(), "p1", "room-a")
	MeasureDuration(ctx, time.Now().Add(-5*time.Millisecond))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "mesh.fanout", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "p1", attrs[string(ProducerIDKey)])
	assert.Equal(t, "room-a", attrs[string(RoomIDKey)])
	assert.Contains(t, attrs, string(DurationKey))
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TracePeerCall(context.Background(), "relay.create", "sfu2")
	RecordError(ctx, errors.New("connection refused"))
	RecordError(ctx, nil)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "connection refused", spans[0].Status().Description)
}

func TestPropagation_RoundTrip(t *testing.T) {
	withRecorder(t)
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ctx, span := TraceHTTPRequest(context.Background(), http.MethodPost, "/relay/create")
	defer span.End()

	header := http.Header{}
	InjectHTTPHeaders(ctx, propagation.HeaderCarrier(header))
	require.NotEmpty(t, header.Get("traceparent"))

	remote := ExtractHTTPHeaders(context.Background(), propagation.HeaderCarrier(header))
	_, child := StartSpan(remote, "child")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}
