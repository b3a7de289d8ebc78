package telemetry

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestKafkaHeadersCarryTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _, ok := NewTraceID()
	require.True(t, ok)
	spanCtx, ok := NewSpanContext(traceID)
	require.True(t, ok)
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	var headers []kafka.Header
	InjectKafkaHeaders(ctx, &headers)
	require.NotEmpty(t, headers)

	extracted := trace.SpanContextFromContext(ExtractKafkaHeaders(context.Background(), headers))
	require.True(t, extracted.IsRemote())
	require.Equal(t, traceID, extracted.TraceID())
	require.Equal(t, spanCtx.SpanID(), extracted.SpanID())
}

func TestContextWithTraceIDRejectsGarbage(t *testing.T) {
	_, ok := ContextWithTraceID(context.Background(), "not-a-trace")
	require.False(t, ok)

	_, hexID, ok := NewTraceID()
	require.True(t, ok)
	ctx, ok := ContextWithTraceID(context.Background(), hexID)
	require.True(t, ok)
	require.Equal(t, hexID, trace.SpanContextFromContext(ctx).TraceID().String())
}

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{Service: "evmindex-test", Version: "dev"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestPublishTraceReachesConsumer(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	_, span, traceID, headers := StartPublishSpan(context.Background(), 7, 3)
	span.End()
	require.NotEmpty(t, headers)
	require.Equal(t, traceID, span.SpanContext().TraceID().String())

	_, consumer := StartConsumerSpan(context.Background(), "archive", headers, "")
	defer consumer.End()
	require.Equal(t, traceID, consumer.SpanContext().TraceID().String())

	_, fallback := StartConsumerSpan(context.Background(), "archive", nil, traceID)
	defer fallback.End()
	require.Equal(t, traceID, fallback.SpanContext().TraceID().String())
}
