// Package registry tracks live client connections and the rooms each one has
// joined.
package registry

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
)

const DefaultShardCount = 32

var (
	ErrDuplicateClient   = errors.New("client already registered")
	ErrTargetUnreachable = errors.New("target unreachable")
)

// Conn is the transport side of a registered client.
type Conn interface {
	ID() rooms.ClientID

	// Enqueue hands msg to the connection's writer. It must not block; false
	// means the message was not accepted (queue full or connection closing).
	Enqueue(msg protocol.Outbound) bool

	// Close tears down the connection. It must be safe to call more than once
	// and from any goroutine.
	Close()
}

type entry struct {
	conn  Conn
	rooms []rooms.RoomID
}

type shard struct {
	mu      sync.RWMutex
	entries map[rooms.ClientID]*entry
}

type Registry struct {
	shards  []*shard
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(m *metrics.Metrics, logger *slog.Logger) *Registry {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		shards:  make([]*shard, DefaultShardCount),
		metrics: m,
		log:     logger,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[rooms.ClientID]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id rooms.ClientID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) Register(conn Conn) error {
	id := conn.ID()
	sh := r.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.entries[id]; exists {
		return ErrDuplicateClient
	}
	sh.entries[id] = &entry{conn: conn}
	return nil
}

// Unregister removes id and returns the rooms it had joined, in join order.
// Once it returns, Send to id fails. Calling it for an unknown id returns nil.
func (r *Registry) Unregister(id rooms.ClientID) []rooms.RoomID {
	sh := r.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[id]
	if !ok {
		return nil
	}
	delete(sh.entries, id)
	return e.rooms
}

// Send queues msg for id without blocking.
//
// A connection whose queue is full is closed as a slow consumer; its read
// pump then runs the normal disconnect path.
func (r *Registry) Send(id rooms.ClientID, msg protocol.Outbound) error {
	sh := r.shardFor(id)

	sh.mu.RLock()
	e, ok := sh.entries[id]
	if !ok {
		sh.mu.RUnlock()
		return ErrTargetUnreachable
	}
	accepted := e.conn.Enqueue(msg)
	conn := e.conn
	sh.mu.RUnlock()

	if accepted {
		return nil
	}

	r.metrics.Inc(metrics.SlowConsumerClosed)
	r.log.Warn("closing slow consumer", "client_id", id, "type", msg.Type)
	conn.Close()
	return ErrTargetUnreachable
}

// AddMembership records that id joined room. It returns false when id is no
// longer registered, in which case the caller must undo the join.
func (r *Registry) AddMembership(id rooms.ClientID, room rooms.RoomID) bool {
	sh := r.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[id]
	if !ok {
		return false
	}
	if !slices.Contains(e.rooms, room) {
		e.rooms = append(e.rooms, room)
	}
	return true
}

func (r *Registry) RemoveMembership(id rooms.ClientID, room rooms.RoomID) {
	sh := r.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[id]
	if !ok {
		return
	}
	if i := slices.Index(e.rooms, room); i >= 0 {
		e.rooms = slices.Delete(e.rooms, i, i+1)
	}
}

// Memberships returns a copy of the rooms id has joined.
func (r *Registry) Memberships(id rooms.ClientID) []rooms.RoomID {
	sh := r.shardFor(id)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[id]
	if !ok {
		return nil
	}
	return slices.Clone(e.rooms)
}

func (r *Registry) Has(id rooms.ClientID) bool {
	sh := r.shardFor(id)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	_, ok := sh.entries[id]
	return ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// CloseAll closes every registered connection. Entries are removed by each
// connection's own disconnect path.
func (r *Registry) CloseAll() {
	var conns []Conn
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			conns = append(conns, e.conn)
		}
		sh.mu.RUnlock()
	}
	for _, c := range conns {
		c.Close()
	}
}
