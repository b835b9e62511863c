package signaling

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
)

func TestServerCloseDisconnectsClients(t *testing.T) {
	srv, baseURL := startTestServer(t, Config{})

	a := dialClient(t, baseURL)
	b := dialClient(t, baseURL)
	roomID := createRoom(t, a)
	joinRoom(t, a, roomID)
	joinRoom(t, b, roomID)
	a.expect(protocol.TypeUserJoined)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, c := range []*testClient{a, b} {
		err := c.readClose()
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("client %s err=%v, want close %d", c.id, err, websocket.CloseGoingAway)
		}
	}
	if n := srv.Registry().Count(); n != 0 {
		t.Fatalf("registry count=%d, want 0", n)
	}
	if n := srv.Rooms().Len(); n != 0 {
		t.Fatalf("rooms=%d, want 0", n)
	}
}

func TestServerRejectsConnectionsAfterClose(t *testing.T) {
	srv, baseURL := startTestServer(t, Config{})

	if err := srv.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err == nil {
		t.Fatalf("expected dial to fail after Close")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	m := metrics.New()
	reg := registry.New(m, nil)

	// No write pump, so nothing drains the queue.
	conn := newWSConn("slow", nil, 2, time.Minute, time.Minute, nil)
	if err := reg.Register(conn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := reg.Send("slow", protocol.UserJoined("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	err := reg.Send("slow", protocol.UserJoined("y"))
	if !errors.Is(err, registry.ErrTargetUnreachable) {
		t.Fatalf("err=%v, want %v", err, registry.ErrTargetUnreachable)
	}

	select {
	case <-conn.done:
	default:
		t.Fatalf("slow consumer was not closed")
	}
	if conn.closeMsg.code != websocket.CloseGoingAway {
		t.Fatalf("close code=%d, want %d", conn.closeMsg.code, websocket.CloseGoingAway)
	}
	if conn.Enqueue(protocol.UserLeft("x")) {
		t.Fatalf("Enqueue after close succeeded")
	}
	if got := m.Get(metrics.SlowConsumerClosed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SlowConsumerClosed, got)
	}
}

func TestCloseWithKeepsFirstCode(t *testing.T) {
	conn := newWSConn("c", nil, 1, time.Minute, time.Minute, nil)
	conn.closeWith(websocket.CloseMessageTooBig, "message too large")
	conn.closeWith(websocket.CloseNormalClosure, "")
	conn.Close()

	if conn.closeMsg.code != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", conn.closeMsg.code, websocket.CloseMessageTooBig)
	}
}
