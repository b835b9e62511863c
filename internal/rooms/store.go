package rooms

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

const (
	DefaultShardCount = 32

	// maxCreateAttempts bounds the collision-retry loop in Create.
	maxCreateAttempts = 3
)

// Clock abstracts time for pending-room expiry.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type Config struct {
	// Shards is the number of independently locked partitions. Values <= 0 use
	// DefaultShardCount.
	Shards int

	// PendingRoomTTL is how long a created room may stay without ever having a
	// participant before Sweep removes it. Zero disables expiry.
	PendingRoomTTL time.Duration

	Clock   Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// NewID overrides room id generation. Tests use it to force collisions.
	NewID func() (RoomID, error)
}

type shard struct {
	mu    sync.Mutex
	rooms map[RoomID]*room
}

// Store maps room ids to rooms. Rooms hashing to different shards are mutated
// without contending on a shared lock.
type Store struct {
	shards  []*shard
	ttl     time.Duration
	clock   Clock
	metrics *metrics.Metrics
	log     *slog.Logger
	newID   func() (RoomID, error)
}

func NewStore(cfg Config) *Store {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShardCount
	}
	s := &Store{
		shards:  make([]*shard, n),
		ttl:     cfg.PendingRoomTTL,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		newID:   cfg.NewID,
	}
	for i := range s.shards {
		s.shards[i] = &shard{rooms: make(map[RoomID]*room)}
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.newID == nil {
		s.newID = NewRoomID
	}
	return s
}

func (s *Store) shardFor(id RoomID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Create registers a new room with no participants. A generated id that is
// already in use is discarded and regenerated.
func (s *Store) Create(creator ClientID) (Room, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return Room{}, err
		}

		sh := s.shardFor(id)
		sh.mu.Lock()
		if _, exists := sh.rooms[id]; exists {
			sh.mu.Unlock()
			s.metrics.Inc(metrics.RoomIDCollisions)
			s.log.Warn("room id collision, regenerating", "attempt", attempt+1)
			continue
		}
		r := &room{
			id:        id,
			creator:   creator,
			createdAt: s.clock.Now(),
		}
		sh.rooms[id] = r
		snap := r.snapshot()
		sh.mu.Unlock()

		s.metrics.Inc(metrics.RoomsCreated)
		return snap, nil
	}
	return Room{}, ErrRoomIDExhausted
}

func (s *Store) Get(id RoomID) (Room, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.rooms[id]
	if !ok {
		return Room{}, false
	}
	return r.snapshot(), true
}

// AddParticipant appends clientID to the room unless it is already listed.
//
// others is the participant list right after the insertion, excluding
// clientID, taken under the same lock as the insertion. added is false when
// clientID was already a participant.
func (s *Store) AddParticipant(roomID RoomID, clientID ClientID) (others []ClientID, added bool, err error) {
	sh := s.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.rooms[roomID]
	if !ok {
		return nil, false, ErrRoomNotFound
	}
	if r.indexOf(clientID) < 0 {
		r.participants = append(r.participants, clientID)
		r.everJoined = true
		added = true
	}
	return r.others(clientID), added, nil
}

// RemoveParticipant removes clientID from the room. When the room becomes
// empty it is deleted before the shard lock is released and deleted is true.
// remaining lists the participants left behind, in join order.
func (s *Store) RemoveParticipant(roomID RoomID, clientID ClientID) (remaining []ClientID, deleted bool, err error) {
	sh := s.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.rooms[roomID]
	if !ok {
		return nil, false, ErrRoomNotFound
	}
	i := r.indexOf(clientID)
	if i < 0 {
		return nil, false, ErrNotAParticipant
	}
	r.participants = append(r.participants[:i], r.participants[i+1:]...)

	if len(r.participants) == 0 {
		delete(sh.rooms, roomID)
		s.metrics.Inc(metrics.RoomsDeleted)
		return nil, true, nil
	}
	return r.others(""), false, nil
}

// Len returns the number of rooms across all shards.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.rooms)
		sh.mu.Unlock()
	}
	return n
}

// Sweep deletes pending rooms (created but never joined) older than the
// configured TTL and returns how many were removed. Rooms that have had a
// participant are never touched here.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.clock.Now()

	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, r := range sh.rooms {
			if r.everJoined || len(r.participants) > 0 {
				continue
			}
			if now.Sub(r.createdAt) >= s.ttl {
				delete(sh.rooms, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		s.metrics.Add(metrics.RoomsExpired, uint64(removed))
		s.log.Debug("expired pending rooms", "count", removed, "ttl", s.ttl)
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done. It returns
// immediately when expiry is disabled.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if s.ttl <= 0 || interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}
