package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
)

// Relay forwards a negotiation payload to a single client.
type Relay interface {
	Forward(ctx context.Context, from, to rooms.ClientID, payload json.RawMessage) error
}

type Config struct {
	Rooms    *rooms.Store
	Registry *registry.Registry
	Relay    Relay

	// ICEServers is advertised to each client in its connected greeting.
	ICEServers []webrtc.ICEServer

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Coordinator struct {
	rooms      *rooms.Store
	registry   *registry.Registry
	relay      Relay
	iceServers []webrtc.ICEServer
	metrics    *metrics.Metrics
	log        *slog.Logger
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Rooms == nil {
		return nil, errors.New("session: missing room store")
	}
	if cfg.Registry == nil {
		return nil, errors.New("session: missing registry")
	}
	if cfg.Relay == nil {
		return nil, errors.New("session: missing relay")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rooms:      cfg.Rooms,
		registry:   cfg.Registry,
		relay:      cfg.Relay,
		iceServers: cfg.ICEServers,
		metrics:    m,
		log:        logger,
	}, nil
}

// Handle applies ev and dispatches the resulting deliveries.
func (c *Coordinator) Handle(ctx context.Context, ev Event) {
	c.Dispatch(ctx, c.Apply(ctx, ev))
}

// Apply performs the room store mutation for ev and returns the notifications
// it produces. Events that fail their preconditions return nil, except a join
// of an unknown room which returns an error to the joiner.
func (c *Coordinator) Apply(ctx context.Context, ev Event) []Delivery {
	switch ev := ev.(type) {
	case Connect:
		return c.connect(ctx, ev)
	case Disconnect:
		return c.disconnect(ctx, ev)
	case CreateRoom:
		return c.createRoom(ctx, ev)
	case JoinRoom:
		return c.joinRoom(ctx, ev)
	case LeaveRoom:
		return c.leaveRoom(ctx, ev)
	case Signal:
		// Delivery and the unreachable policy belong to the relay.
		_ = c.relay.Forward(ctx, ev.ClientID, ev.To, ev.Payload)
		return nil
	default:
		c.log.ErrorContext(ctx, "unknown session event", "event", ev)
		return nil
	}
}

// Dispatch sends each delivery through the registry. Unreachable targets are
// counted and otherwise ignored.
func (c *Coordinator) Dispatch(ctx context.Context, deliveries []Delivery) {
	for _, d := range deliveries {
		if err := c.registry.Send(d.To, d.Message); err != nil {
			c.metrics.Inc(metrics.DeliveriesDropped)
			c.log.DebugContext(ctx, "delivery dropped", "client_id", d.To, "type", d.Message.Type, "err", err)
		}
	}
}

func (c *Coordinator) connect(ctx context.Context, ev Connect) []Delivery {
	c.metrics.Inc(metrics.ClientsConnected)
	c.log.DebugContext(ctx, "client connected", "client_id", ev.ClientID)
	return []Delivery{{To: ev.ClientID, Message: protocol.Connected(ev.ClientID, c.iceServers)}}
}

func (c *Coordinator) disconnect(ctx context.Context, ev Disconnect) []Delivery {
	joined := c.registry.Unregister(ev.ClientID)
	c.metrics.Inc(metrics.ClientsDisconnected)

	var out []Delivery
	for _, roomID := range joined {
		out = append(out, c.removeFromRoom(ctx, ev.ClientID, roomID, protocol.UserDisconnected)...)
	}
	c.log.DebugContext(ctx, "client disconnected", "client_id", ev.ClientID, "rooms", len(joined))
	return out
}

func (c *Coordinator) createRoom(ctx context.Context, ev CreateRoom) []Delivery {
	room, err := c.rooms.Create(ev.ClientID)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to create room", "client_id", ev.ClientID, "err", err)
		return []Delivery{{To: ev.ClientID, Message: protocol.Error(protocol.MessageInternalError)}}
	}
	c.log.InfoContext(ctx, "room created", "room_id", room.ID, "client_id", ev.ClientID)
	return []Delivery{{To: ev.ClientID, Message: protocol.RoomCreated(room.ID)}}
}

func (c *Coordinator) joinRoom(ctx context.Context, ev JoinRoom) []Delivery {
	others, added, err := c.rooms.AddParticipant(ev.RoomID, ev.ClientID)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.metrics.Inc(metrics.RoomJoinNotFound)
		return []Delivery{{To: ev.ClientID, Message: protocol.Error(protocol.MessageRoomNotFound)}}
	}
	if err != nil {
		c.log.ErrorContext(ctx, "join failed", "room_id", ev.RoomID, "client_id", ev.ClientID, "err", err)
		return nil
	}

	if !added {
		// Membership is unchanged; only the joiner hears about it again.
		return []Delivery{{To: ev.ClientID, Message: protocol.ExistingParticipants(others)}}
	}

	if !c.registry.AddMembership(ev.ClientID, ev.RoomID) {
		// The client disconnected between the two steps and its cleanup has
		// already run without seeing this room. No user-joined went out, but
		// concurrent joiners may have listed the client in
		// existing-participants, so every remaining participant is told.
		c.log.DebugContext(ctx, "join raced with disconnect", "room_id", ev.RoomID, "client_id", ev.ClientID)
		return c.removeFromRoom(ctx, ev.ClientID, ev.RoomID, protocol.UserDisconnected)
	}

	c.metrics.Inc(metrics.RoomJoins)
	c.log.InfoContext(ctx, "client joined room", "room_id", ev.RoomID, "client_id", ev.ClientID, "participants", len(others)+1)

	out := make([]Delivery, 0, len(others)+1)
	for _, p := range others {
		out = append(out, Delivery{To: p, Message: protocol.UserJoined(ev.ClientID)})
	}
	out = append(out, Delivery{To: ev.ClientID, Message: protocol.ExistingParticipants(others)})
	return out
}

func (c *Coordinator) leaveRoom(ctx context.Context, ev LeaveRoom) []Delivery {
	c.registry.RemoveMembership(ev.ClientID, ev.RoomID)
	return c.removeFromRoom(ctx, ev.ClientID, ev.RoomID, protocol.UserLeft)
}

// removeFromRoom drops id from roomID and notifies whoever is left with
// notify(id). Unknown rooms and non-members are no-ops.
func (c *Coordinator) removeFromRoom(ctx context.Context, id rooms.ClientID, roomID rooms.RoomID, notify func(rooms.ClientID) protocol.Outbound) []Delivery {
	remaining, deleted, err := c.rooms.RemoveParticipant(roomID, id)
	if err != nil {
		c.log.DebugContext(ctx, "ignoring leave", "room_id", roomID, "client_id", id, "err", err)
		return nil
	}
	c.metrics.Inc(metrics.RoomLeaves)

	if deleted {
		c.log.InfoContext(ctx, "room deleted", "room_id", roomID)
		return nil
	}

	msg := notify(id)
	out := make([]Delivery, 0, len(remaining))
	for _, p := range remaining {
		out = append(out, Delivery{To: p, Message: msg})
	}
	return out
}
