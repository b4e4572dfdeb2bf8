// Package reliability classifies events by what it costs to lose one.
package reliability

import (
	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
)

// lifecycleEvents each move a job to its next state. Dropping one leaves the
// job stuck where it is.
var lifecycleEvents = map[events.EventType]struct{}{
	annotation.EventTypeJobRequested:     {},
	annotation.EventTypeArchiveRequested: {},
	annotation.EventTypeRestoreRequested: {},
	annotation.EventTypeThawRequested:    {},
}

// IsCriticalEvent reports whether a failed delivery of eventType must be
// retried by transports that do not persist messages themselves.
// JobCompleted is not: the job row already records the outcome.
func IsCriticalEvent(eventType events.EventType) bool {
	_, ok := lifecycleEvents[eventType]
	return ok
}
