package telemetry

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const exportTracer = "evmindex/export"

// headerCarrier adapts kafka message headers to a propagation carrier.
// Header keys compare case-insensitively.
type headerCarrier []kafka.Header

func (c headerCarrier) Get(key string) string {
	if i := c.index(key); i >= 0 {
		return string(c[i].Value)
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	if i := c.index(key); i >= 0 {
		(*c)[i].Value = []byte(value)
		return
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, header := range c {
		keys[i] = header.Key
	}
	return keys
}

func (c headerCarrier) index(key string) int {
	for i, header := range c {
		if strings.EqualFold(header.Key, key) {
			return i
		}
	}
	return -1
}

func InjectKafkaHeaders(ctx context.Context, headers *[]kafka.Header) {
	carrier := headerCarrier(*headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	*headers = carrier
}

func ExtractKafkaHeaders(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := headerCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}

// BlockAttributes labels a span with the block it is working on.
func BlockAttributes(chainID, number uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("chain.id", int64(chainID)),
		attribute.Int64("block.number", int64(number)),
	}
}

// StartPublishSpan opens the root span for exporting one committed block.
// Every record of the block shares the returned trace id, and the headers
// carry the span context to the archiver.
func StartPublishSpan(ctx context.Context, chainID, number uint64) (context.Context, trace.Span, string, []kafka.Header) {
	traceID, traceIDHex, ok := NewTraceID()
	if ok {
		if spanCtx, ok := NewSpanContext(traceID); ok {
			ctx = trace.ContextWithSpanContext(ctx, spanCtx)
		}
	}
	ctx, span := otel.Tracer(exportTracer).Start(ctx, "node.publish_block",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(BlockAttributes(chainID, number)...),
	)
	if !ok {
		traceIDHex = span.SpanContext().TraceID().String()
	}
	headers := make([]kafka.Header, 0, 2)
	InjectKafkaHeaders(ctx, &headers)
	return ctx, span, traceIDHex, headers
}

// StartConsumerSpan resumes the publisher's trace from the message headers,
// falling back to the trace id carried in the payload.
func StartConsumerSpan(ctx context.Context, name string, headers []kafka.Header, traceID string) (context.Context, trace.Span) {
	ctx = ExtractKafkaHeaders(ctx, headers)
	if !trace.SpanContextFromContext(ctx).IsValid() && traceID != "" {
		ctx, _ = ContextWithTraceID(ctx, traceID)
	}
	return otel.Tracer(exportTracer).Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer))
}

// Fail marks the span as failed. A nil error leaves it untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
