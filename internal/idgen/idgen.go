package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a time-ordered UUIDv7 identifier for a session,
// falling back to a random UUIDv4 when v7 generation fails.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewEventID returns a lexicographically sortable ULID, used for wire
// events where ordering by id is convenient.
func NewEventID() string {
	return ulid.Make().String()
}
