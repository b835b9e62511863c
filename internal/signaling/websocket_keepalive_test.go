package signaling

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
)

func TestWebSocketSignaling_IdleTimeoutClosesWithoutPong(t *testing.T) {
	idleTimeout := 500 * time.Millisecond
	pingInterval := 50 * time.Millisecond

	_, baseURL := startTestServer(t, Config{
		SignalingWSIdleTimeout:  idleTimeout,
		SignalingWSPingInterval: pingInterval,
	})

	c, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// Intentionally do not respond with pong.
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		// The connected greeting arrives first; keep reading until the close.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected server to close the websocket")
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected close normal closure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestWebSocketSignaling_PongKeepsConnectionOpenBeyondIdleTimeout(t *testing.T) {
	idleTimeout := 500 * time.Millisecond
	pingInterval := 50 * time.Millisecond

	_, baseURL := startTestServer(t, Config{
		SignalingWSIdleTimeout:  idleTimeout,
		SignalingWSPingInterval: pingInterval,
	})

	c, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(appData string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// Respond with pong so the server extends the read deadline.
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(1*time.Second))
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	// Wait longer than the idle timeout. The read goroutine will process ping
	// frames and respond with pong.
	time.Sleep(idleTimeout + 2*pingInterval)

	select {
	case err := <-errCh:
		t.Fatalf("unexpected close before idle timeout elapsed: %v", err)
	default:
	}

	_ = c.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for read goroutine to exit")
	}
}

func TestWebSocketSignaling_InboundMessagesExtendIdleDeadline(t *testing.T) {
	idleTimeout := 300 * time.Millisecond

	_, baseURL := startTestServer(t, Config{
		SignalingWSIdleTimeout: idleTimeout,
		// Pings far apart so only inbound messages keep the connection alive.
		SignalingWSPingInterval: time.Hour,
	})

	a := dialClient(t, baseURL)
	for i := 0; i < 4; i++ {
		time.Sleep(idleTimeout / 2)
		a.send(protocol.TypeCreateRoom, nil)
		a.expect(protocol.TypeRoomCreated)
	}

	err := a.readClose()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v, want idle close %d", err, websocket.CloseNormalClosure)
	}
}
