package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/internal/infra/eventbus/serialization"
	"github.com/ahrav/gas/internal/infra/storage"
	"github.com/ahrav/gas/pkg/common/logger"
)

func testConfig() *Config {
	return &Config{
		JobRequestsTopic:     "job-requests",
		JobResultsTopic:      "job-results",
		ArchiveRequestsTopic: "archive-requests",
		RestoreRequestsTopic: "restore-requests",
		ThawRequestsTopic:    "thaw-requests",
		ClientID:             "test",
		ServiceType:          "test",
	}
}

func testMetrics(t *testing.T) EventBusMetrics {
	t.Helper()
	m, err := NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func TestEventBus_Publish(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, NewSaramaConfig("test"))
	bus, err := NewEventBus(producer, nil, testConfig(), logger.Noop(), testMetrics(t), storage.NoOpTracer())
	require.NoError(t, err)

	evt := annotation.ArchiveRequestedEvent{JobID: uuid.New(), UserID: "u", ResultKey: "k", CompletionTime: 10}

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "archive-requests", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, evt.JobID.String(), string(key))

		val, err := msg.Value.Encode()
		require.NoError(t, err)
		evtType, body, err := serialization.UnmarshalUniversalEnvelope(val)
		require.NoError(t, err)
		assert.Equal(t, annotation.EventTypeArchiveRequested, evtType)
		decoded, err := serialization.DeserializePayload(evtType, body)
		require.NoError(t, err)
		assert.Equal(t, evt, decoded)
		return nil
	})

	publisher := events.NewBusPublisher(bus)
	err = publisher.PublishDomainEvent(context.Background(), evt, events.WithKey(evt.JobID.String()))
	require.NoError(t, err)
	require.NoError(t, bus.Close())
}

func TestEventBus_PublishErrors(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, NewSaramaConfig("test"))
	cfg := testConfig()
	cfg.JobResultsTopic = ""
	bus, err := NewEventBus(producer, nil, cfg, logger.Noop(), testMetrics(t), storage.NoOpTracer())
	require.NoError(t, err)

	ctx := context.Background()

	err = bus.Publish(ctx, events.EventEnvelope{Type: annotation.EventTypeJobCompleted})
	require.Error(t, err, "unmapped topic")

	err = bus.Publish(ctx, events.EventEnvelope{Type: annotation.EventTypeJobRequested, Payload: "nope"})
	require.Error(t, err, "wrong payload type")

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err = bus.Publish(ctx, events.EventEnvelope{
		Type:    annotation.EventTypeRestoreRequested,
		Payload: annotation.RestoreRequestedEvent{JobID: uuid.New()},
	})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	err = bus.Subscribe(ctx, []events.EventType{annotation.EventTypeJobRequested}, nil)
	require.Error(t, err, "publish-only bus cannot subscribe")

	require.NoError(t, bus.Close())
}

type fakeSession struct {
	ctx context.Context

	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32                        { return nil }
func (s *fakeSession) MemberID() string                                  { return "member" }
func (s *fakeSession) GenerationID() int32                               { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)           {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)          {}
func (s *fakeSession) Context() context.Context                          { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) { s.mark(msg.Offset) }

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) mark(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "job-requests" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func encodedMessage(t *testing.T, offset int64, evt annotation.JobRequestedEvent) *sarama.ConsumerMessage {
	t.Helper()
	val, err := serialization.SerializeEventEnvelope(annotation.EventTypeJobRequested, evt)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:     "job-requests",
		Offset:    offset,
		Key:       []byte(evt.JobID.String()),
		Value:     val,
		Timestamp: time.Now(),
	}
}

func TestDomainEventHandler_ConsumeClaim(t *testing.T) {
	t.Parallel()

	good := annotation.JobRequestedEvent{JobID: uuid.New(), UserID: "u", InputFileName: "a.vcf"}

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	claim.msgs <- encodedMessage(t, 1, good)
	claim.msgs <- &sarama.ConsumerMessage{Topic: "job-requests", Offset: 2, Value: []byte("garbage")}
	claim.msgs <- encodedMessage(t, 3, good)
	close(claim.msgs)

	var received []events.EventEnvelope
	h := &domainEventHandler{
		userHandler: func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			received = append(received, evt)
			ack(nil)
			return nil
		},
		commitInterval: time.Hour,
		logger:         logger.Noop(),
		tracer:         storage.NoOpTracer(),
		metrics:        testMetrics(t),
	}

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, claim))

	require.Len(t, received, 2)
	assert.Equal(t, good, received[0].Payload)
	assert.Equal(t, good.JobID.String(), received[0].Key)
	assert.Equal(t, int64(3), received[1].Metadata.Offset)

	// The undecodable message is marked so it is not redelivered.
	assert.Equal(t, []int64{1, 2, 3}, sess.markedOffsets())
	assert.Equal(t, 1, sess.commits, "final commit on exit")
}

func TestDomainEventHandler_RetriesThenGivesUp(t *testing.T) {
	t.Parallel()

	evt := annotation.JobRequestedEvent{JobID: uuid.New(), UserID: "u"}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 2)}
	claim.msgs <- encodedMessage(t, 7, evt)
	claim.msgs <- encodedMessage(t, 8, evt)
	close(claim.msgs)

	transient := errors.New("database unavailable")
	var calls int
	h := &domainEventHandler{
		userHandler: func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			calls++
			ack(transient)
			return nil
		},
		retries:        1,
		commitInterval: time.Hour,
		logger:         logger.Noop(),
		tracer:         storage.NoOpTracer(),
		metrics:        testMetrics(t),
	}

	sess := &fakeSession{ctx: context.Background()}
	err := h.ConsumeClaim(sess, claim)
	require.ErrorIs(t, err, errHandlerGaveUp)
	require.ErrorIs(t, err, transient)

	assert.Equal(t, 2, calls, "one attempt plus one retry")
	assert.Empty(t, sess.markedOffsets(), "failed message must stay uncommitted")
}

func TestDomainEventHandler_RecoversOnRetry(t *testing.T) {
	t.Parallel()

	evt := annotation.JobRequestedEvent{JobID: uuid.New(), UserID: "u"}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 1)}
	claim.msgs <- encodedMessage(t, 4, evt)
	close(claim.msgs)

	var calls int
	h := &domainEventHandler{
		userHandler: func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			calls++
			if calls == 1 {
				return errors.New("flaky")
			}
			ack(nil)
			return nil
		},
		retries:        3,
		commitInterval: time.Hour,
		logger:         logger.Noop(),
		tracer:         storage.NoOpTracer(),
		metrics:        testMetrics(t),
	}

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int64{4}, sess.markedOffsets())
}
