// Package serializationerrors holds the typed errors returned while encoding
// or decoding job lifecycle events.
package serializationerrors

import "fmt"

// ErrNilEvent is returned for a nil pointer payload.
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("cannot serialize nil %s event", e.EventType) }

// ErrInvalidUUID is returned when a job id is absent or unparseable.
type ErrInvalidUUID struct {
	Field string
	Err   error
}

func (e ErrInvalidUUID) Error() string { return fmt.Sprintf("%s is not a valid uuid: %v", e.Field, e.Err) }

func (e ErrInvalidUUID) Unwrap() error { return e.Err }

// ErrUnexpectedPayload is returned when a payload's Go type does not match
// the type registered for its event.
type ErrUnexpectedPayload struct {
	EventType string
	Got       any
}

func (e ErrUnexpectedPayload) Error() string {
	return fmt.Sprintf("%s expects its registered payload type, got %T", e.EventType, e.Got)
}
