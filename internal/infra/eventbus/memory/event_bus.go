// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent bus suitable for tests and local
// development where durability is not required. Envelopes pass through the
// same serialization registry as the Kafka bus so handlers see identical payloads.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/internal/infra/eventbus/reliability"
	"github.com/ahrav/gas/internal/infra/eventbus/serialization"
)

// criticalAttempts bounds how often a critical envelope is handed to a
// handler that keeps failing.
const criticalAttempts = 3

var _ events.EventBus = (*EventBus)(nil)

type subscription struct {
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
	ctx     context.Context
	queue   chan events.EventEnvelope
}

// EventBus delivers envelopes to subscribers in publish order. Each
// subscription owns a goroutine and a buffered queue; a full queue blocks the
// publisher until the subscriber catches up or ctx ends.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
	offset atomic.Int64

	queueSize int
}

// NewEventBus creates an empty bus. queueSize bounds each subscriber's backlog.
func NewEventBus(queueSize int) *EventBus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &EventBus{queueSize: queueSize}
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event bus closed")

// Publish encodes and decodes the payload through the registry, then queues it for
// every subscriber of its type.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}
	evtType, body, err := serialization.UnmarshalUniversalEnvelope(data)
	if err != nil {
		return err
	}
	if event.Payload, err = serialization.DeserializePayload(evtType, body); err != nil {
		return err
	}

	// The read lock is held while sending so Close cannot close a queue under us.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	event.Metadata = events.EventMetadata{Offset: b.offset.Add(1)}

	for _, s := range b.subs {
		if _, ok := s.types[event.Type]; !ok || s.ctx.Err() != nil {
			continue
		}
		select {
		case s.queue <- event:
		case <-s.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts delivering envelopes of eventTypes to handler until ctx ends
// or the bus is closed. A handler error on a critical envelope hands it to the
// handler again, up to criticalAttempts times; all other failures are dropped.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	s := &subscription{
		types:   make(map[events.EventType]struct{}, len(eventTypes)),
		handler: handler,
		ctx:     ctx,
		queue:   make(chan events.EventEnvelope, b.queueSize),
	}
	for _, t := range eventTypes {
		s.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(s)
	return nil
}

func (b *EventBus) deliver(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.queue:
			if !ok {
				return
			}
			b.dispatch(s, evt)
		}
	}
}

func (b *EventBus) dispatch(s *subscription, evt events.EventEnvelope) {
	attempts := 1
	if reliability.IsCriticalEvent(evt.Type) {
		attempts = criticalAttempts
	}
	for range attempts {
		if err := s.handler(s.ctx, evt, func(error) {}); err == nil || s.ctx.Err() != nil {
			return
		}
	}
}

// Close stops all subscriptions after their queued envelopes are delivered.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
