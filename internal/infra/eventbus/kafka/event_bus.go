// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/gas/internal/infra/eventbus/serialization"
	"github.com/ahrav/gas/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
// It defines the topics, consumer group, and client identifiers needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	JobRequestsTopic     string // web -> annotator
	JobResultsTopic      string // annotator -> notification consumers
	ArchiveRequestsTopic string // annotator -> archiver
	RestoreRequestsTopic string // web -> restorer
	ThawRequestsTopic    string // restorer -> thawer

	// GroupID identifies the consumer group for this broker instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// ServiceType identifies the type of service (e.g., "annotator", "web").
	ServiceType string

	// HandlerRetries bounds how often a failed message is handed to its handler
	// again before the consumer session is restarted from the last commit.
	HandlerRetries uint64
	// CommitInterval is the minimum time between synchronous offset commits.
	CommitInterval time.Duration
}

func (c *Config) topicMap() map[events.EventType]string {
	return map[events.EventType]string{
		annotation.EventTypeJobRequested:     c.JobRequestsTopic,
		annotation.EventTypeJobCompleted:     c.JobResultsTopic,
		annotation.EventTypeArchiveRequested: c.ArchiveRequestsTopic,
		annotation.EventTypeRestoreRequested: c.RestoreRequestsTopic,
		annotation.EventTypeThawRequested:    c.ThawRequestsTopic,
	}
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// It handles publishing and subscribing to domain events across distributed services.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	groupID       string

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	handlerRetries uint64
	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewSaramaConfig returns the producer and consumer settings shared by every process.
// Offsets are committed manually after a handler acknowledges a message.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	config.Version = sarama.V3_6_0_0
	return config
}

// NewEventBus creates an event bus from an already connected producer and
// consumer group. The consumer group may be nil for publish-only processes.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if producer == nil {
		return nil, fmt.Errorf("producer is required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	commitInterval := cfg.CommitInterval
	if commitInterval <= 0 {
		commitInterval = time.Second
	}

	return &EventBus{
		producer:       producer,
		consumerGroup:  consumerGroup,
		groupID:        cfg.GroupID,
		topicMap:       cfg.topicMap(),
		handlerRetries: cfg.HandlerRetries,
		commitInterval: commitInterval,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic mapped to its type.
// It handles serialization, routing based on event type, and includes
// observability instrumentation for tracing and metrics.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok || topic == "" {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}

	ctx, span := tracing.StartProducerSpan(ctx, b.tracer, topic, event)
	defer span.End()

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	return b.publishToTopic(ctx, topic, event, msgBytes)
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic.
func (b *EventBus) publishToTopic(ctx context.Context, topic string, event events.EventEnvelope, msgBytes []byte) error {
	span := trace.SpanFromContext(ctx)

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(msgBytes),
	}
	if event.Key != "" {
		kafkaMsg.Key = sarama.StringEncoder(event.Key)
	}
	if !event.Timestamp.IsZero() {
		kafkaMsg.Timestamp = event.Timestamp
	}
	for k, v := range event.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
		"event_type", event.Type,
	)

	return nil
}

// Subscribe registers a handler function to process domain events from specified event types.
// It manages consumer group membership and message processing in a separate goroutine
// until ctx is cancelled.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	if b.consumerGroup == nil {
		return errors.New("subscribe: event bus has no consumer group")
	}

	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")))
	defer span.End()

	topics, err := b.topicsFor(eventTypes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown event type")
		return err
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)

	return nil
}

// topicsFor returns the distinct topics for eventTypes.
func (b *EventBus) topicsFor(eventTypes []events.EventType) ([]string, error) {
	var topics []string
	seen := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok || topic == "" {
			return nil, fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics, nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
// Consume returns on every rebalance and whenever a claim gives up on a message;
// the loop rejoins so the message is delivered again from the last commit.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	handler events.HandlerFunc,
) {
	cgHandler := &domainEventHandler{
		groupID:        b.groupID,
		userHandler:    handler,
		retries:        b.handlerRetries,
		commitInterval: b.commitInterval,
		logger:         b.logger,
		tracer:         b.tracer,
		metrics:        b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	groupID        string
	userHandler    events.HandlerFunc
	retries        uint64
	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// errHandlerGaveUp ends a claim so that the session restarts from the last commit.
var errHandlerGaveUp = errors.New("handler did not acknowledge message")

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// domain events and invoking the user-provided handler. A message that cannot be
// decoded is marked and skipped. A message the handler keeps rejecting is retried
// with backoff; if it still fails the claim returns, which ends the session and
// leaves the message uncommitted.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	ctx := sess.Context()
	consumeLogger := h.logger.With("operation", "consume_claim", "topic", claim.Topic(), "partition", claim.Partition())
	consumeLogger.Info(ctx, "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	defer sess.Commit()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.handleMessage(sess, claim, msg, consumeLogger); err != nil {
				consumeLogger.Error(ctx, "Giving up on message, restarting session",
					"offset", msg.Offset,
					"error", err,
				)
				return err
			}

			if time.Since(lastCommit) > h.commitInterval {
				sess.Commit()
				lastCommit = time.Now()
				consumeLogger.Debug(ctx, "Committed offsets", "offset", msg.Offset)
			}
		}
	}
}

// handleMessage decodes msg and runs the user handler until it acknowledges,
// the retry budget is spent, or the session ends.
func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
	msg *sarama.ConsumerMessage,
	log *logger.Logger,
) error {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, h.tracer, h.groupID, msg)
	defer span.End()

	evtType, domainBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		h.dropMessage(msgCtx, sess, msg, log, err)
		return nil
	}

	payload, err := serialization.DeserializePayload(evtType, domainBytes)
	if err != nil {
		h.dropMessage(msgCtx, sess, msg, log, err)
		return nil
	}

	evt := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   tracing.MessageHeaders(msg),
		Timestamp: msg.Timestamp,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Partition: claim.Partition(),
			Offset:    msg.Offset,
		},
	}

	log.Debug(msgCtx, "Received Kafka message",
		"offset", msg.Offset,
		"event_type", evtType,
		"key", evt.Key,
	)

	attempt := func() error {
		var (
			acked  bool
			ackErr error
		)
		ack := func(err error) {
			acked = true
			ackErr = err
		}

		if err := h.userHandler(msgCtx, evt, ack); err != nil {
			return err
		}
		if ackErr != nil {
			return ackErr
		}
		if !acked {
			log.Warn(msgCtx, "Handler returned without acknowledging message", "offset", msg.Offset)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.retries),
		sess.Context(),
	)
	notify := func(err error, wait time.Duration) {
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.AddEvent("handler_retry", trace.WithAttributes(attribute.String("error", err.Error())))
		log.Warn(msgCtx, "Handler failed, retrying", "offset", msg.Offset, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return fmt.Errorf("%w at offset %d: %w", errHandlerGaveUp, msg.Offset, err)
	}

	sess.MarkMessage(msg, "")
	h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
	return nil
}

// dropMessage marks an undecodable message so it is never delivered again.
func (h *domainEventHandler) dropMessage(
	ctx context.Context,
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	log *logger.Logger,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "undecodable message")
	h.metrics.IncConsumeError(ctx, msg.Topic)
	log.Error(ctx, "Dropping undecodable message", "offset", msg.Offset, "error", err)
	sess.MarkMessage(msg, "")
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "Failed to close producer", "error", err)
		errs = append(errs, err)
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			span.RecordError(err)
			logger.Error(ctx, "Failed to close consumer group", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, "failed to close event bus")
		return err
	}

	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")
	return nil
}
