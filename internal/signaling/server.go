package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/session"
)

// Config wires together the runtime dependencies for the signaling service.
// Zero values fall back to the config package defaults.
type Config struct {
	// Rooms and Registry are created when nil.
	Rooms    *rooms.Store
	Registry *registry.Registry

	// ICEServers is advertised to clients in the connected greeting.
	ICEServers []webrtc.ICEServer

	// Origins polices the Origin header on upgrade. Nil allows same-host only.
	Origins *origin.Policy

	UnreachableSignalPolicy config.UnreachableSignalPolicy

	SendQueueSize            int
	SignalingWSIdleTimeout   time.Duration
	SignalingWSPingInterval  time.Duration
	MaxSignalingMessageBytes int64

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// NewClientID overrides client id assignment. Tests use it for readable ids.
	NewClientID func() rooms.ClientID
}

// Server implements the rendezvous WebSocket endpoint.
//
// Endpoints:
//   - GET /ws     : signaling WebSocket
//   - GET /socket : alias of /ws
type Server struct {
	rooms    *rooms.Store
	registry *registry.Registry
	relay    *Relay
	coord    *session.Coordinator
	origins  *origin.Policy
	metrics  *metrics.Metrics
	log      *slog.Logger

	queueSize       int
	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	newClientID     func() rooms.ClientID

	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Rooms
	if store == nil {
		store = rooms.NewStore(rooms.Config{Metrics: m, Logger: logger})
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(m, logger)
	}

	relay := NewRelay(reg, cfg.UnreachableSignalPolicy, m, logger)
	coord, err := session.NewCoordinator(session.Config{
		Rooms:      store,
		Registry:   reg,
		Relay:      relay,
		ICEServers: cfg.ICEServers,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		rooms:           store,
		registry:        reg,
		relay:           relay,
		coord:           coord,
		origins:         cfg.Origins,
		metrics:         m,
		log:             logger,
		queueSize:       cfg.SendQueueSize,
		idleTimeout:     cfg.SignalingWSIdleTimeout,
		pingInterval:    cfg.SignalingWSPingInterval,
		maxMessageBytes: cfg.MaxSignalingMessageBytes,
		newClientID:     cfg.NewClientID,
	}
	if s.queueSize <= 0 {
		s.queueSize = config.DefaultSendQueueSize
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = config.DefaultSignalingWSPingInterval
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if s.newClientID == nil {
		s.newClientID = func() rooms.ClientID { return rooms.ClientID(uuid.NewString()) }
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	m.RegisterGauge("active_clients", reg.Count)
	m.RegisterGauge("active_rooms", store.Len)
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /socket", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) Rooms() *rooms.Store               { return s.rooms }
func (s *Server) Registry() *registry.Registry      { return s.registry }
func (s *Server) Coordinator() *session.Coordinator { return s.coord }

func (s *Server) checkOrigin(r *http.Request) bool {
	if _, ok := s.origins.Check(r); !ok {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Warn("rejected websocket origin", "origin", r.Header.Get("Origin"), "host", r.Host)
		return false
	}
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newWSConn(s.newClientID(), ws, s.queueSize, s.idleTimeout, s.pingInterval, s.log)
	if err := s.registry.Register(conn); err != nil {
		s.metrics.Inc(metrics.ClientsRejected)
		s.log.Error("failed to register client", "client_id", conn.id, "err", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed"),
			time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}

	go conn.writePump()

	s.mu.Lock()
	closing := s.closed
	s.mu.Unlock()
	if closing {
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	ctx := context.WithoutCancel(r.Context())
	s.log.Info("signaling_ws_connected", "client_id", conn.id, "remote_addr", r.RemoteAddr)

	s.coord.Handle(ctx, session.Connect{ClientID: conn.id})
	conn.readPump(ctx, s)

	s.coord.Handle(ctx, session.Disconnect{ClientID: conn.id})
	conn.closeWith(websocket.CloseNormalClosure, "")
	<-conn.writerDone

	s.log.Info("signaling_ws_disconnected", "client_id", conn.id, "remote_addr", r.RemoteAddr)
}

// Close stops accepting connections, closes every live connection and waits
// for their disconnect handling to finish or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("signaling: connections still draining"), ctx.Err())
	}
}
