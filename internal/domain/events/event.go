package events

import "time"

// DomainEvent is implemented by every event the annotation pipeline emits.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope carries an event through the bus. Payload holds the concrete
// domain event once deserialized.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the job ID so that all
	// events for one job land on the same partition.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data.
	Payload any

	// Metadata records where the envelope was read from, if anywhere.
	Metadata EventMetadata
}

// EventMetadata describes the position of a consumed envelope in its stream.
type EventMetadata struct {
	Partition int32
	Offset    int64
}
