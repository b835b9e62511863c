package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
)

// negotiationPayload is what the test peers put inside signal.signal. The
// service never looks at it.
type negotiationPayload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type signalingPeer struct {
	name    string
	offerer bool
	pc      *webrtc.PeerConnection
	ws      *websocket.Conn
	id      rooms.ClientID

	writeMu sync.Mutex

	mu                sync.Mutex
	remote            rooms.ClientID
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
}

func newVNetAPI(n *vnet.Net, loggerFactory logging.LoggerFactory) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	se.SetNet(n)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func newSignalingPeer(t *testing.T, name string, offerer bool, api *webrtc.API, baseURL string) *signalingPeer {
	t.Helper()

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("%s: new peer connection: %v", name, err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	ws, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("%s: dial: %v", name, err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	p := &signalingPeer{name: name, offerer: offerer, pc: pc, ws: ws}

	msg := p.read(t)
	if msg.Type != protocol.TypeConnected {
		t.Fatalf("%s: first message %q, want %q", name, msg.Type, protocol.TypeConnected)
	}
	p.id = decodeData[protocol.ConnectedData](t, msg).SID

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = p.signal(negotiationPayload{Candidate: &init})
	})
	return p
}

func (p *signalingPeer) read(t *testing.T) received {
	t.Helper()

	_ = p.ws.SetReadDeadline(time.Now().Add(testReadTimeout))
	var msg received
	if err := p.ws.ReadJSON(&msg); err != nil {
		t.Fatalf("%s: read: %v", p.name, err)
	}
	return msg
}

func (p *signalingPeer) write(typ protocol.EventType, data any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteJSON(map[string]any{"type": typ, "data": data})
}

func (p *signalingPeer) signal(payload negotiationPayload) error {
	p.mu.Lock()
	to := p.remote
	p.mu.Unlock()
	if to == "" {
		return errors.New("no remote peer yet")
	}
	return p.write(protocol.TypeSignal, map[string]any{"to": to, "signal": payload})
}

func (p *signalingPeer) setRemote(id rooms.ClientID) {
	p.mu.Lock()
	p.remote = id
	p.mu.Unlock()
}

// run handles relayed messages until the socket closes or negotiation fails.
func (p *signalingPeer) run(errCh chan<- error) {
	for {
		_ = p.ws.SetReadDeadline(time.Time{})
		var msg received
		if err := p.ws.ReadJSON(&msg); err != nil {
			return
		}
		if err := p.handle(msg); err != nil {
			errCh <- fmt.Errorf("%s: %w", p.name, err)
			return
		}
	}
}

func (p *signalingPeer) handle(msg received) error {
	switch msg.Type {
	case protocol.TypeUserJoined:
		var data protocol.PeerData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		p.setRemote(data.SID)
		if !p.offerer {
			return nil
		}
		if _, err := p.pc.CreateDataChannel("probe", nil); err != nil {
			return err
		}
		offer, err := p.pc.CreateOffer(nil)
		if err != nil {
			return err
		}
		if err := p.pc.SetLocalDescription(offer); err != nil {
			return err
		}
		return p.signal(negotiationPayload{SDP: &offer})

	case protocol.TypeSignal:
		var data protocol.SignalData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		var payload negotiationPayload
		if err := json.Unmarshal(data.Signal, &payload); err != nil {
			return err
		}
		switch {
		case payload.SDP != nil:
			return p.applyRemoteDescription(*payload.SDP)
		case payload.Candidate != nil:
			return p.addCandidate(*payload.Candidate)
		}
		return errors.New("empty negotiation payload")

	case protocol.TypeError:
		return fmt.Errorf("server error: %s", msg.Data)
	}
	return nil
}

func (p *signalingPeer) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			return err
		}
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return p.signal(negotiationPayload{SDP: &answer})
}

func (p *signalingPeer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteDescSet {
		p.pendingCandidates = append(p.pendingCandidates, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

func TestPeersNegotiateThroughRendezvous(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	_, baseURL := startTestServer(t, Config{})

	a := newSignalingPeer(t, "A", true, newVNetAPI(netA, loggerFactory), baseURL)
	b := newSignalingPeer(t, "B", false, newVNetAPI(netB, loggerFactory), baseURL)

	connected := func(pc *webrtc.PeerConnection) <-chan struct{} {
		ch := make(chan struct{})
		var once sync.Once
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				once.Do(func() { close(ch) })
			}
		})
		return ch
	}
	aConnected := connected(a.pc)
	bConnected := connected(b.pc)

	// A sets up the room before any relay traffic starts.
	if err := a.write(protocol.TypeCreateRoom, nil); err != nil {
		t.Fatalf("A: create-room: %v", err)
	}
	msg := a.read(t)
	if msg.Type != protocol.TypeRoomCreated {
		t.Fatalf("A: got %q, want %q", msg.Type, protocol.TypeRoomCreated)
	}
	roomID := decodeData[protocol.RoomCreatedData](t, msg).RoomID
	if err := a.write(protocol.TypeJoinRoom, map[string]any{"room_id": roomID}); err != nil {
		t.Fatalf("A: join-room: %v", err)
	}
	if msg := a.read(t); msg.Type != protocol.TypeExistingParticipants {
		t.Fatalf("A: got %q, want %q", msg.Type, protocol.TypeExistingParticipants)
	}

	errCh := make(chan error, 2)
	go a.run(errCh)

	if err := b.write(protocol.TypeJoinRoom, map[string]any{"room_id": roomID}); err != nil {
		t.Fatalf("B: join-room: %v", err)
	}
	msg = b.read(t)
	if msg.Type != protocol.TypeExistingParticipants {
		t.Fatalf("B: got %q, want %q", msg.Type, protocol.TypeExistingParticipants)
	}
	existing := decodeData[protocol.ExistingParticipantsData](t, msg).Participants
	if len(existing) != 1 || existing[0] != a.id {
		t.Fatalf("B: existing participants=%v, want [%s]", existing, a.id)
	}
	b.setRemote(a.id)
	go b.run(errCh)

	timeout := time.After(10 * time.Second)
	for _, ch := range []<-chan struct{}{aConnected, bConnected} {
		select {
		case <-ch:
		case err := <-errCh:
			t.Fatalf("negotiation failed: %v", err)
		case <-timeout:
			t.Fatalf("timed out waiting for peers to connect (A=%s, B=%s)", a.pc.ConnectionState(), b.pc.ConnectionState())
		}
	}
}
