package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/events"
)

// StartProducerSpan starts a "<topic> publish" span for evt.
func StartProducerSpan(
	ctx context.Context,
	tracer trace.Tracer,
	topic string,
	evt events.EventEnvelope,
) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		semconv.MessagingDestinationName(topic),
		semconv.MessagingOperationPublish,
		attribute.String("event.type", evt.Type.String()),
	}
	if evt.Key != "" {
		attrs = append(attrs, semconv.MessagingKafkaMessageKey(evt.Key))
	}
	return tracer.Start(ctx, topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

// StartConsumerSpan starts a "<topic> process" span for a message delivered
// to group. ctx should already carry the producer's trace context.
func StartConsumerSpan(
	ctx context.Context,
	tracer trace.Tracer,
	group string,
	msg *sarama.ConsumerMessage,
) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		semconv.MessagingDestinationName(msg.Topic),
		semconv.MessagingOperationReceive,
		semconv.MessagingKafkaDestinationPartition(int(msg.Partition)),
		semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
	}
	if group != "" {
		attrs = append(attrs, semconv.MessagingKafkaConsumerGroup(group))
	}
	if len(msg.Key) > 0 {
		attrs = append(attrs, semconv.MessagingKafkaMessageKey(string(msg.Key)))
	}
	return tracer.Start(ctx, msg.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}
