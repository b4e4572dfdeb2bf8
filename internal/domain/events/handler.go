package events

import "context"

// AckFunc settles a delivery. nil marks the message consumed. A non-nil error
// leaves it to be delivered again.
type AckFunc func(err error)

// HandlerFunc is what a bus calls for each envelope. It must call ack at most
// once. Returning an error without acking asks the bus to retry.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler is a worker: one of the annotator, archiver, restorer or thawer.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents lists the event types the worker subscribes to.
	SupportedEvents() []EventType
}

// Subscribe attaches h to bus for the event types it supports.
func Subscribe(ctx context.Context, bus EventBus, h EventHandler) error {
	return bus.Subscribe(ctx, h.SupportedEvents(), h.HandleEvent)
}
