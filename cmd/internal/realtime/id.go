package realtime

import (
	"time"

	"pinlock/cmd/internal/ids"
)

// NewConnectionHandle returns a ULID identifying one websocket connection.
// It is the value persisted as the session's connection handle.
func NewConnectionHandle(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
