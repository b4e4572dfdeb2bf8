package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
)

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(4)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		got []events.EventEnvelope
	)
	wg.Add(2)
	err := bus.Subscribe(ctx, []events.EventType{annotation.EventTypeJobRequested}, func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
		defer wg.Done()
		got = append(got, evt)
		ack(nil)
		return nil
	})
	require.NoError(t, err)

	first := annotation.JobRequestedEvent{JobID: uuid.New(), UserID: "u"}
	second := &annotation.JobRequestedEvent{JobID: uuid.New(), UserID: "u"}
	publisher := events.NewBusPublisher(bus)
	require.NoError(t, publisher.PublishDomainEvent(ctx, first, events.WithKey("k1")))
	require.NoError(t, publisher.PublishDomainEvent(ctx, second))

	// Unsubscribed types are ignored.
	require.NoError(t, publisher.PublishDomainEvent(ctx, annotation.RestoreRequestedEvent{JobID: uuid.New()}))

	wg.Wait()
	require.NoError(t, bus.Close())

	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].Payload)
	assert.Equal(t, "k1", got[0].Key)
	// Pointer payloads arrive as values, as they would from Kafka.
	assert.Equal(t, *second, got[1].Payload)
	assert.Less(t, got[0].Metadata.Offset, got[1].Metadata.Offset)
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(1)
	ctx := context.Background()

	const subscribers = 3
	var wg sync.WaitGroup
	wg.Add(subscribers)
	for range subscribers {
		err := bus.Subscribe(ctx, []events.EventType{annotation.EventTypeThawRequested}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	err := bus.Publish(ctx, events.EventEnvelope{
		Type:    annotation.EventTypeThawRequested,
		Payload: annotation.ThawRequestedEvent{JobID: uuid.New()},
	})
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, bus.Close())
}

func TestEventBus_SubscriptionEndsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(1)
	ctx, cancel := context.WithCancel(context.Background())

	calls := make(chan struct{}, 1)
	err := bus.Subscribe(ctx, []events.EventType{annotation.EventTypeJobCompleted}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
		calls <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	cancel()

	// Give the delivery goroutine a moment to observe cancellation.
	time.Sleep(10 * time.Millisecond)

	err = bus.Publish(context.Background(), events.EventEnvelope{
		Type:    annotation.EventTypeJobCompleted,
		Payload: annotation.JobCompletedEvent{JobID: uuid.New()},
	})
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	assert.Empty(t, calls)
}

func TestEventBus_Errors(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(1)
	ctx := context.Background()

	require.Error(t, bus.Subscribe(ctx, []events.EventType{annotation.EventTypeJobRequested}, nil))

	err := bus.Publish(ctx, events.EventEnvelope{Type: annotation.EventTypeJobRequested, Payload: annotation.JobRequestedEvent{}})
	require.Error(t, err, "payload without job id is rejected")

	require.NoError(t, bus.Close())
	err = bus.Publish(ctx, events.EventEnvelope{
		Type:    annotation.EventTypeJobRequested,
		Payload: annotation.JobRequestedEvent{JobID: uuid.New()},
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestEventBus_RedeliversCriticalEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name      string
		eventType events.EventType
		payload   any
		wantCalls int
	}{
		{
			name:      "critical event retried",
			eventType: annotation.EventTypeArchiveRequested,
			payload:   annotation.ArchiveRequestedEvent{JobID: uuid.New(), UserID: "u"},
			wantCalls: criticalAttempts,
		},
		{
			name:      "notification dropped",
			eventType: annotation.EventTypeJobCompleted,
			payload:   annotation.JobCompletedEvent{JobID: uuid.New()},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewEventBus(1)
			ctx := context.Background()

			var mu sync.Mutex
			calls := 0
			err := bus.Subscribe(ctx, []events.EventType{tt.eventType}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
				mu.Lock()
				defer mu.Unlock()
				calls++
				return errors.New("transient")
			})
			require.NoError(t, err)

			require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: tt.eventType, Payload: tt.payload}))
			require.NoError(t, bus.Close())

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}
