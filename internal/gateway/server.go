package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentrelay/internal/auth"
	"github.com/nextlevelbuilder/agentrelay/internal/bridge"
	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/capability"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	httpapi "github.com/nextlevelbuilder/agentrelay/internal/http"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Bridge is the part of the supervisor the server needs.
type Bridge interface {
	Status() bridge.Status
	Restart(ctx context.Context) (bool, error)
}

// Server is the relay's HTTP and WebSocket front door.
type Server struct {
	cfg        *config.Config
	configPath string // empty: rotation is not persisted
	guard      *auth.Guard
	pairing    *capability.PairingCodes
	eventPub   bus.EventPublisher

	registry *Registry
	router   *Router
	metrics  *Metrics
	bridge   Bridge

	adminHandler   *httpapi.AdminHandler
	pairingHandler *httpapi.PairingHandler
	eventsHandler  *httpapi.EventsHandler
	uploadsHandler *httpapi.UploadsHandler

	upgrader   websocket.Upgrader
	rotateMu   sync.Mutex
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a relay server. events may be nil to disable the log.
func NewServer(cfg *config.Config, configPath string, guard *auth.Guard, pairing *capability.PairingCodes, events store.EventStore, eventPub bus.EventPublisher) *Server {
	m := NewMetrics()
	reg := NewRegistry(m)
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		guard:      guard,
		pairing:    pairing,
		eventPub:   eventPub,
		registry:   reg,
		router:     NewRouter(reg, events, m),
		metrics:    m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	if eventPub != nil {
		eventPub.Subscribe("gateway.bridge-status", s.forwardBridgeStatus)
	}
	return s
}

func (s *Server) Registry() *Registry { return s.registry }
func (s *Server) Router() *Router     { return s.router }
func (s *Server) Metrics() *Metrics   { return s.metrics }

// Peers lists connected bridges.
func (s *Server) Peers() []protocol.PeerInfo { return s.registry.Peers() }

// SetBridge attaches the supervisor; rotation restarts it when running.
func (s *Server) SetBridge(b Bridge) { s.bridge = b }

// SetAdminHandler sets the bridge/secret/maintenance admin API.
func (s *Server) SetAdminHandler(h *httpapi.AdminHandler) { s.adminHandler = h }

// SetPairingHandler sets the pairing mint/consume API.
func (s *Server) SetPairingHandler(h *httpapi.PairingHandler) { s.pairingHandler = h }

// SetEventsHandler sets the event replay API.
func (s *Server) SetEventsHandler(h *httpapi.EventsHandler) { s.eventsHandler = h }

// SetUploadsHandler sets the upload slot and capability read API.
func (s *Server) SetUploadsHandler(h *httpapi.UploadsHandler) { s.uploadsHandler = h }

// checkOrigin validates the Origin header against the allowed list.
// No configured origins, or no Origin header (CLI, bridge), allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Relay.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Serve if you need the mux for additional listeners.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket(RoleClient))
	mux.HandleFunc("/ws/bridge", s.handleWebSocket(RoleBridge))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.requireAuth(s.metrics.Handler()))

	if s.adminHandler != nil {
		s.adminHandler.RegisterRoutes(mux)
	}
	if s.pairingHandler != nil {
		s.pairingHandler.RegisterRoutes(mux)
	}
	if s.eventsHandler != nil {
		s.eventsHandler.RegisterRoutes(mux)
	}
	if s.uploadsHandler != nil {
		s.uploadsHandler.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then closes every socket.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("relay starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.registry.CloseAll(websocket.CloseGoingAway, "relay shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates, upgrades and runs one socket of role.
func (s *Server) handleWebSocket(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.guard.Authorize(r) {
			slog.Warn("security.ws_unauthorized", "role", role, "remote", ClientIP(r))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "role", role, "error", err)
			return
		}

		c := newConn(ws, role, s.cfg.Relay.SendQueue, s.cfg.WriteTimeout())
		c.remote = ClientIP(r)
		if role == RoleBridge {
			c.peer = peerFromRequest(r, c)
		}
		if !s.admit(r, c) {
			c.writePump()
			return
		}
		slog.Info("relay.connected", "conn", c.id, "role", role, "peer", c.PeerID(), "remote", c.remote)

		go c.writePump()
		s.greet(c)

		defer func() {
			s.registry.Unregister(c)
			c.Close(websocket.CloseNormalClosure, "")
			slog.Info("relay.disconnected", "conn", c.id, "role", role)
		}()
		s.readLoop(r.Context(), c)
	}
}

// admit registers c and checks the request's credentials again. A rotation
// that landed between the pre-upgrade check and Register has already run
// CloseAll, so a socket holding the old secret is closed here instead.
func (s *Server) admit(r *http.Request, c *Conn) bool {
	s.registry.Register(c)
	if s.guard.Authorize(r) {
		return true
	}
	slog.Warn("security.ws_secret_rotated", "conn", c.id, "role", c.role, "remote", c.remote)
	s.registry.Unregister(c)
	c.Close(CloseSecretRotated, "secret rotated")
	return false
}

// greet sends the hello frame and, to clients, the current peers and bridge state.
func (s *Server) greet(c *Conn) {
	c.SendFrame(protocol.ControlFrame{
		Type:         protocol.FrameHello,
		ConnectionID: c.id,
		Role:         string(c.role),
		Peer:         c.peer,
		Protocol:     protocol.ProtocolVersion,
	})
	if c.role != RoleClient {
		return
	}
	c.SendFrame(protocol.NewPeersFrame(s.registry.Peers()))
	if s.bridge != nil {
		c.SendFrame(protocol.ControlFrame{Type: protocol.FrameBridgeStatus, Status: s.bridge.Status()})
	}
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	ws := c.ws
	if kb := s.cfg.Relay.MaxMessageKB; kb > 0 {
		ws.SetReadLimit(int64(kb) * 1024)
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("relay.read_failed", "conn", c.id, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		s.router.Route(ctx, c, data)
	}
}

// peerFromRequest reads bridge metadata from query parameters, falling
// back to X-Agentrelay-* headers.
func peerFromRequest(r *http.Request, c *Conn) *protocol.PeerInfo {
	get := func(param, header string) string {
		if v := strings.TrimSpace(r.URL.Query().Get(param)); v != "" {
			return v
		}
		return strings.TrimSpace(r.Header.Get(header))
	}
	p := &protocol.PeerInfo{
		ID:          get("peerId", "X-Agentrelay-Peer-Id"),
		Host:        get("host", "X-Agentrelay-Host"),
		Platform:    get("platform", "X-Agentrelay-Platform"),
		ConnectedAt: c.connectedAt,
	}
	if p.ID == "" {
		p.ID = c.id
	}
	return p
}

// forwardBridgeStatus relays supervisor transitions to every client.
func (s *Server) forwardBridgeStatus(e bus.Event) {
	if e.Name != protocol.EventBridgeStatus {
		return
	}
	frame := protocol.ControlFrame{Type: protocol.FrameBridgeStatus, Status: e.Payload}
	for _, c := range s.registry.ByRole(RoleClient) {
		c.SendFrame(frame)
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"protocol": protocol.ProtocolVersion,
		"clients":  s.registry.Count(RoleClient),
		"bridges":  s.registry.Count(RoleBridge),
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.guard.Authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
