package session

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
)

// Event is one of Connect, Disconnect, CreateRoom, JoinRoom, LeaveRoom or
// Signal.
//
// Connect does not register the client. The transport owns the connection
// and must call registry.Register before applying Connect; the coordinator
// only produces the connected greeting. Disconnect does unregister.
type Event interface {
	Client() rooms.ClientID
	event()
}

type Connect struct {
	ClientID rooms.ClientID
}

type Disconnect struct {
	ClientID rooms.ClientID
}

type CreateRoom struct {
	ClientID rooms.ClientID
}

type JoinRoom struct {
	ClientID rooms.ClientID
	RoomID   rooms.RoomID
}

type LeaveRoom struct {
	ClientID rooms.ClientID
	RoomID   rooms.RoomID
}

type Signal struct {
	ClientID rooms.ClientID
	To       rooms.ClientID
	Payload  json.RawMessage
}

func (e Connect) Client() rooms.ClientID    { return e.ClientID }
func (e Disconnect) Client() rooms.ClientID { return e.ClientID }
func (e CreateRoom) Client() rooms.ClientID { return e.ClientID }
func (e JoinRoom) Client() rooms.ClientID   { return e.ClientID }
func (e LeaveRoom) Client() rooms.ClientID  { return e.ClientID }
func (e Signal) Client() rooms.ClientID     { return e.ClientID }

func (Connect) event()    {}
func (Disconnect) event() {}
func (CreateRoom) event() {}
func (JoinRoom) event()   {}
func (LeaveRoom) event()  {}
func (Signal) event()     {}

// FromInbound converts a parsed client frame into its Event.
func FromInbound(from rooms.ClientID, in protocol.Inbound) (Event, bool) {
	switch in.Type {
	case protocol.TypeCreateRoom:
		return CreateRoom{ClientID: from}, true
	case protocol.TypeJoinRoom:
		return JoinRoom{ClientID: from, RoomID: in.RoomID}, true
	case protocol.TypeLeaveRoom:
		return LeaveRoom{ClientID: from, RoomID: in.RoomID}, true
	case protocol.TypeSignal:
		return Signal{ClientID: from, To: in.To, Payload: in.Signal}, true
	default:
		return nil, false
	}
}

// Delivery is one outbound message addressed to one client.
type Delivery struct {
	To      rooms.ClientID
	Message protocol.Outbound
}
