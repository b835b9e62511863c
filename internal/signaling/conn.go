package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/session"
)

const wsWriteWait = 1 * time.Second

type closeFrame struct {
	code   int
	reason string
}

// wsConn is one signaling client. It implements registry.Conn.
type wsConn struct {
	id  rooms.ClientID
	ws  *websocket.Conn
	log *slog.Logger

	idleTimeout  time.Duration
	pingInterval time.Duration

	send chan protocol.Outbound
	done chan struct{}

	closeOnce sync.Once
	closeMsg  closeFrame

	// writerDone is closed when the write pump has sent its close frame.
	writerDone chan struct{}
}

func newWSConn(id rooms.ClientID, ws *websocket.Conn, queueSize int, idleTimeout, pingInterval time.Duration, logger *slog.Logger) *wsConn {
	return &wsConn{
		id:           id,
		ws:           ws,
		log:          logger,
		idleTimeout:  idleTimeout,
		pingInterval: pingInterval,
		send:         make(chan protocol.Outbound, queueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

func (c *wsConn) ID() rooms.ClientID { return c.id }

// Enqueue never blocks. The send channel is never closed, so a concurrent
// Close cannot make this panic.
func (c *wsConn) Enqueue(msg protocol.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.closeWith(websocket.CloseGoingAway, "connection closed")
}

// closeWith stops the connection. Only the first call picks the close code.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeMsg = closeFrame{code: code, reason: reason}
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	defer close(c.writerDone)
	defer c.ws.Close()

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeMsg.code, c.closeMsg.reason),
				time.Now().Add(wsWriteWait))
			return
		case msg := <-c.send:
			data, err := msg.Marshal()
			if err != nil {
				c.log.Error("failed to encode outbound message", "client_id", c.id, "err", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", "client_id", c.id, "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// readPump feeds inbound frames to the coordinator until the connection fails, goes idle or
// is closed. It runs on the HTTP handler goroutine.
func (c *wsConn) readPump(ctx context.Context, s *Server) {
	c.ws.SetReadLimit(s.maxMessageBytes)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				s.metrics.Inc(metrics.OversizeMessages)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			default:
				c.closeWith(websocket.CloseNormalClosure, "")
			}
			return
		}
		c.extendDeadline()

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.BadMessages)
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		in, err := protocol.ParseInbound(data)
		if err != nil {
			s.metrics.Inc(metrics.BadMessages)
			c.log.Debug("rejecting malformed message", "client_id", c.id, "err", err)
			_ = s.registry.Send(c.id, protocol.InvalidMessage(err))
			continue
		}

		ev, ok := session.FromInbound(c.id, in)
		if !ok {
			continue
		}
		s.coord.Handle(ctx, ev)
	}
}

func (c *wsConn) extendDeadline() {
	if c.idleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
