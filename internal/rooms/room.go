package rooms

import (
	"slices"
	"time"
)

// ClientID is the per-connection identity assigned by the transport.
type ClientID string

// RoomID is an opaque, URL-safe room token.
type RoomID string

// Room is a point-in-time copy of a room's state. Mutating it has no effect on
// the Store.
type Room struct {
	ID           RoomID
	Creator      ClientID
	Participants []ClientID
	CreatedAt    time.Time
}

// Has reports whether id is listed in the snapshot.
func (r Room) Has(id ClientID) bool {
	return slices.Contains(r.Participants, id)
}

type room struct {
	id           RoomID
	creator      ClientID
	participants []ClientID
	createdAt    time.Time
	// everJoined distinguishes a freshly created (pending) room from one whose
	// participants have all left; the latter never exists in the store.
	everJoined bool
}

func (r *room) snapshot() Room {
	return Room{
		ID:           r.id,
		Creator:      r.creator,
		Participants: slices.Clone(r.participants),
		CreatedAt:    r.createdAt,
	}
}

func (r *room) indexOf(id ClientID) int {
	return slices.Index(r.participants, id)
}

// others returns the participants except skip, in join order.
func (r *room) others(skip ClientID) []ClientID {
	out := make([]ClientID, 0, len(r.participants))
	for _, p := range r.participants {
		if p != skip {
			out = append(out, p)
		}
	}
	return out
}
