// Package serialization provides a registry-based system for serializing and deserializing
// domain events in the event bus infrastructure. Every event travels inside a JSON
// envelope of the form {"type": "<event type>", "payload": {...}}; the registry maps
// each event type to the functions that encode and decode its payload.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	serrors "github.com/ahrav/gas/internal/infra/eventbus/serialization/errors"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// Global registries map event types to their serialization functions.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// universalEnvelope is the wire format shared by every topic.
type universalEnvelope struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// SerializeEventEnvelope encodes payload with its registered serializer and wraps
// it in the universal envelope.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	body, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(universalEnvelope{Type: eventType, Payload: body})
}

// UnmarshalUniversalEnvelope splits a message into its event type and raw payload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, errors.New("envelope has no event type")
	}
	return env.Type, env.Payload, nil
}

// TODO: Figure out if init function is the best way to do this.
func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for all supported event types.
func RegisterEventSerializers() {
	registerJSON(annotation.EventTypeJobRequested, func(e annotation.JobRequestedEvent) uuid.UUID { return e.JobID })
	registerJSON(annotation.EventTypeJobCompleted, func(e annotation.JobCompletedEvent) uuid.UUID { return e.JobID })
	registerJSON(annotation.EventTypeArchiveRequested, func(e annotation.ArchiveRequestedEvent) uuid.UUID { return e.JobID })
	registerJSON(annotation.EventTypeRestoreRequested, func(e annotation.RestoreRequestedEvent) uuid.UUID { return e.JobID })
	registerJSON(annotation.EventTypeThawRequested, func(e annotation.ThawRequestedEvent) uuid.UUID { return e.JobID })
}

// registerJSON installs a JSON codec for event type T. Both T and *T are
// accepted on the way out; decoding always yields a T value and rejects
// payloads without a job id.
func registerJSON[T events.DomainEvent](eventType events.EventType, jobID func(T) uuid.UUID) {
	RegisterSerializeFunc(eventType, func(payload any) ([]byte, error) {
		switch p := payload.(type) {
		case T:
			return json.Marshal(p)
		case *T:
			if p == nil {
				return nil, serrors.ErrNilEvent{EventType: eventType.String()}
			}
			return json.Marshal(*p)
		default:
			return nil, serrors.ErrUnexpectedPayload{EventType: eventType.String(), Got: payload}
		}
	})

	RegisterDeserializeFunc(eventType, func(data []byte) (any, error) {
		var evt T
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", eventType, err)
		}
		if jobID(evt) == uuid.Nil {
			return nil, serrors.ErrInvalidUUID{Field: "job_id", Err: errors.New("missing")}
		}
		return evt, nil
	})
}
