package rooms

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotAParticipant is returned by RemoveParticipant when the client is not
	// listed in the room. Callers treat it as a no-op.
	ErrNotAParticipant = errors.New("not a participant")
	// ErrRoomIDExhausted is returned when no unused room id could be generated
	// within maxCreateAttempts. With 128-bit ids this only happens if the random
	// source is broken.
	ErrRoomIDExhausted = errors.New("failed to allocate unique room id")
)
