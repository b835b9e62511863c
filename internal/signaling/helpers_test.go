package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
)

const testReadTimeout = 2 * time.Second

// startTestServer serves srv's routes over httptest and returns the ws:// base
// URL. Zero Config fields get test-friendly values.
func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.NewClientID == nil {
		var n atomic.Int64
		cfg.NewClientID = func() rooms.ClientID {
			return rooms.ClientID(fmt.Sprintf("c%d", n.Add(1)))
		}
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

type received struct {
	Type protocol.EventType `json:"type"`
	Data json.RawMessage    `json:"data"`
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   rooms.ClientID
}

// dialClient connects to baseURL+"/ws" and consumes the connected greeting.
func dialClient(t *testing.T, baseURL string) *testClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn}
	msg := c.expect(protocol.TypeConnected)
	var data protocol.ConnectedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if data.SID == "" {
		t.Fatalf("connected greeting without sid: %s", msg.Data)
	}
	c.id = data.SID
	return c
}

func (c *testClient) send(typ protocol.EventType, data any) {
	c.t.Helper()

	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(string(b))
}

func (c *testClient) sendRaw(raw string) {
	c.t.Helper()

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) next() received {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(testReadTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg received
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func (c *testClient) expect(typ protocol.EventType) received {
	c.t.Helper()

	msg := c.next()
	if msg.Type != typ {
		c.t.Fatalf("type=%q (data %s), want %q", msg.Type, msg.Data, typ)
	}
	return msg
}

// expectNothing fails if a message arrives within d. A read timeout leaves a
// gorilla connection unusable, so this must be the client's last read.
func (c *testClient) expectNothing(d time.Duration) {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("unexpected message: %s", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("read: %v, want timeout", err)
	}
}

// readClose reads until the server closes the connection and returns the
// close error.
func (c *testClient) readClose() error {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(testReadTimeout))
	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
	}
}

func decodeData[T any](t *testing.T, msg received) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		t.Fatalf("decode %s data %s: %v", msg.Type, msg.Data, err)
	}
	return v
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testReadTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
