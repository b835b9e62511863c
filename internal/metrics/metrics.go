package metrics

import (
	"maps"
	"sync"
)

// Event counter names. Every counter is exported under a single Prometheus
// metric with an `event` label.
const (
	RoomsCreated        = "rooms_created"
	RoomJoins           = "room_joins"
	RoomJoinNotFound    = "room_join_not_found"
	RoomLeaves          = "room_leaves"
	RoomsDeleted        = "rooms_deleted"
	RoomsExpired        = "rooms_expired"
	RoomIDCollisions    = "room_id_collisions"
	ClientsConnected    = "clients_connected"
	ClientsRejected     = "clients_rejected"
	ClientsDisconnected = "clients_disconnected"
	SignalsRelayed      = "signals_relayed"
	SignalsUnreachable  = "signals_dropped_unreachable"
	DeliveriesDropped   = "deliveries_dropped"
	SlowConsumerClosed  = "slow_consumer_closed"
	BadMessages         = "bad_messages"
	OversizeMessages    = "oversize_messages"
	OriginRejected      = "origin_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.m)
}

// RegisterGauge installs a callback sampled on every scrape. Registering the
// same name twice replaces the previous callback.
func (m *Metrics) RegisterGauge(name string, fn func() int) {
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

// Gauges samples every registered gauge. Callbacks run outside the registry
// lock so they may take their own locks freely.
func (m *Metrics) Gauges() map[string]int {
	m.mu.Lock()
	fns := maps.Clone(m.gauges)
	m.mu.Unlock()

	out := make(map[string]int, len(fns))
	for name, fn := range fns {
		out[name] = fn()
	}
	return out
}
