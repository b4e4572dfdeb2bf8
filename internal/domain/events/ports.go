// Package events carries the job lifecycle notifications exchanged by the web
// process and the background workers.
package events

import "context"

// DomainEventPublisher is the narrow port application services publish through.
// The web process only ever publishes, so it depends on this rather than EventBus.
type DomainEventPublisher interface {
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus moves envelopes between processes. Kafka backs it in production and
// an in-process bus backs it in tests and single-binary runs.
type EventBus interface {
	// Publish routes event to the topic mapped to its type. An unmapped type is
	// an error, not a silent drop.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe starts delivering envelopes of eventTypes to handler and returns
	// without blocking. Delivery stops when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	Close() error
}
