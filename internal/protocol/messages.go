package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
)

type EventType string

// Client to server.
const (
	TypeCreateRoom EventType = "create-room"
	TypeJoinRoom   EventType = "join-room"
	TypeLeaveRoom  EventType = "leave-room"
	TypeSignal     EventType = "signal"
)

// Server to client. TypeSignal is used in both directions.
const (
	TypeConnected            EventType = "connected"
	TypeRoomCreated          EventType = "room-created"
	TypeUserJoined           EventType = "user-joined"
	TypeExistingParticipants EventType = "existing-participants"
	TypeUserLeft             EventType = "user-left"
	TypeUserDisconnected     EventType = "user-disconnected"
	TypeError                EventType = "error"
)

// Client-visible error messages.
const (
	MessageRoomNotFound      = "Room not found"
	MessageTargetUnreachable = "Target unreachable"
	MessageInternalError     = "Internal error"
)

var ErrInvalidMessage = errors.New("invalid message")

// Envelope is the framing shared by every message in both directions.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a validated client request. Only the fields relevant to Type are
// set.
type Inbound struct {
	Type EventType

	// RoomID is set for join-room and leave-room.
	RoomID rooms.RoomID

	// To and Signal are set for signal.
	To     rooms.ClientID
	Signal json.RawMessage
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

type signalRequest struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

// ParseInbound decodes and validates a single client frame.
func ParseInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Inbound{}, invalid("%v", err)
	}

	in := Inbound{Type: env.Type}
	switch env.Type {
	case TypeCreateRoom:
		if !isEmptyData(env.Data) {
			var empty struct{}
			if err := decodeStrict(env.Data, &empty); err != nil {
				return Inbound{}, invalid("%s: %v", env.Type, err)
			}
		}
	case TypeJoinRoom, TypeLeaveRoom:
		var req roomRequest
		if err := decodeData(env.Data, &req); err != nil {
			return Inbound{}, invalid("%s: %v", env.Type, err)
		}
		if req.RoomID == "" {
			return Inbound{}, invalid("%s: missing room_id", env.Type)
		}
		in.RoomID = rooms.RoomID(req.RoomID)
	case TypeSignal:
		var req signalRequest
		if err := decodeData(env.Data, &req); err != nil {
			return Inbound{}, invalid("%s: %v", env.Type, err)
		}
		if req.To == "" {
			return Inbound{}, invalid("%s: missing to", env.Type)
		}
		// An explicit null is a payload like any other; only an absent key is
		// rejected.
		if len(req.Signal) == 0 {
			return Inbound{}, invalid("%s: missing signal", env.Type)
		}
		in.To = rooms.ClientID(req.To)
		in.Signal = req.Signal
	case "":
		return Inbound{}, invalid("missing type")
	default:
		return Inbound{}, invalid("unsupported message type %q", env.Type)
	}
	return in, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func decodeData(data json.RawMessage, v any) error {
	if isEmptyData(data) {
		return errors.New("missing data")
	}
	return decodeStrict(data, v)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func isEmptyData(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Outbound is a server-originated message. Data holds one of the payload
// structs below.
type Outbound struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

func (o Outbound) Marshal() ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", o.Type, err)
	}
	return b, nil
}

type ConnectedData struct {
	SID        rooms.ClientID     `json:"sid"`
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
}

type RoomCreatedData struct {
	RoomID rooms.RoomID `json:"room_id"`
}

// PeerData identifies the participant a membership notification is about.
type PeerData struct {
	SID rooms.ClientID `json:"sid"`
}

type ExistingParticipantsData struct {
	Participants []rooms.ClientID `json:"participants"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type SignalData struct {
	From   rooms.ClientID  `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

func Connected(sid rooms.ClientID, iceServers []webrtc.ICEServer) Outbound {
	if iceServers == nil {
		iceServers = []webrtc.ICEServer{}
	}
	return Outbound{Type: TypeConnected, Data: ConnectedData{SID: sid, ICEServers: iceServers}}
}

func RoomCreated(id rooms.RoomID) Outbound {
	return Outbound{Type: TypeRoomCreated, Data: RoomCreatedData{RoomID: id}}
}

func UserJoined(sid rooms.ClientID) Outbound {
	return Outbound{Type: TypeUserJoined, Data: PeerData{SID: sid}}
}

func UserLeft(sid rooms.ClientID) Outbound {
	return Outbound{Type: TypeUserLeft, Data: PeerData{SID: sid}}
}

func UserDisconnected(sid rooms.ClientID) Outbound {
	return Outbound{Type: TypeUserDisconnected, Data: PeerData{SID: sid}}
}

// ExistingParticipants always encodes participants as a JSON array, never
// null.
func ExistingParticipants(participants []rooms.ClientID) Outbound {
	if participants == nil {
		participants = []rooms.ClientID{}
	}
	return Outbound{Type: TypeExistingParticipants, Data: ExistingParticipantsData{Participants: participants}}
}

func Error(message string) Outbound {
	return Outbound{Type: TypeError, Data: ErrorData{Message: message}}
}

// InvalidMessage reports a rejected inbound frame back to its sender.
func InvalidMessage(err error) Outbound {
	return Error(err.Error())
}

func Signal(from rooms.ClientID, payload json.RawMessage) Outbound {
	return Outbound{Type: TypeSignal, Data: SignalData{From: from, Signal: payload}}
}
