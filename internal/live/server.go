package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxCommandSize bounds inbound command frames.
	maxCommandSize = 4096
)

// ErrAlreadyRunning is returned by Start on a server that is running.
var ErrAlreadyRunning = errors.New("live: server already running")

// CommandFunc handles one inbound JSON command frame and optionally returns
// a reply frame. The built-in ping command is handled before this is called.
type CommandFunc func(cmd map[string]any) (reply any, ok bool)

// Server is one WebSocket surface. It can be started and stopped repeatedly
// from the control API; each run gets a fresh Hub so stale clients from a
// previous run cannot linger.
type Server struct {
	name      string
	addr      string
	welcome   func() any
	onCommand CommandFunc
	logger    *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	hub     *Hub
	httpSrv *http.Server
	boundTo net.Addr
	running bool
}

// NewServer creates a stopped Server named name listening on addr once
// started. welcome produces the first frame sent to each client; onCommand
// may be nil.
func NewServer(name, addr string, welcome func() any, onCommand CommandFunc, logger *slog.Logger) *Server {
	return &Server{
		name:      name,
		addr:      addr,
		welcome:   welcome,
		onCommand: onCommand,
		logger:    logger.With(slog.String("server", name)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The surface is a local control plane; clients connect from
			// arbitrary dashboard origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listen address and begins accepting clients. A port that
// is already taken surfaces here, not in the serve goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("live: listen %s: %w", s.addr, err)
	}

	s.hub = NewHub(s.logger, 0)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}
	s.boundTo = ln.Addr()
	s.running = true

	srv := s.httpSrv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("live: serve failed", slog.Any("error", err))
		}
	}()

	s.logger.Info("live: server started", slog.String("addr", s.addr))
	return nil
}

// Stop disconnects all clients and releases the port. Stopping a stopped
// server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.hub.Close()
	err := s.httpSrv.Shutdown(ctx)
	s.running = false
	s.hub = nil
	s.httpSrv = nil
	s.boundTo = nil
	s.logger.Info("live: server stopped")
	return err
}

// Addr returns the bound listen address, or "" when stopped. Useful when
// the configured address carries port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundTo == nil {
		return ""
	}
	return s.boundTo.String()
}

// Running reports whether the server is accepting clients.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Broadcast fans v out to every connected client of the current run.
func (s *Server) Broadcast(v any) {
	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()
	if hub != nil {
		hub.Broadcast(v)
	}
}

// ClientCount returns the connected client count, 0 when stopped.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub == nil {
		return 0
	}
	return s.hub.ClientCount()
}

// handleWS upgrades the connection, sends the welcome frame, and runs the
// read and write pumps until either side disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()
	if hub == nil {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("live: upgrade failed", slog.Any("error", err))
		return
	}

	id := uuid.NewString()
	c := hub.register(id)
	s.logger.Info("live: client connected",
		slog.String("client_id", id),
		slog.String("remote", r.RemoteAddr))

	if s.welcome != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.welcome()); err != nil {
			hub.unregister(id)
			_ = conn.Close()
			return
		}
	}

	go s.writePump(conn, c)
	s.readPump(conn, hub, c)
}

// readPump consumes inbound command frames until the client goes away.
// Command replies are queued on the client's send channel so the write pump
// stays the sole writer on the connection.
func (s *Server) readPump(conn *websocket.Conn, hub *Hub, c *client) {
	defer func() {
		hub.unregister(c.id)
		_ = conn.Close()
		s.logger.Info("live: client disconnected", slog.String("client_id", c.id))
	}()

	conn.SetReadLimit(maxCommandSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd map[string]any
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		reply, ok := s.dispatch(cmd)
		if !ok {
			continue
		}
		encoded, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("live: reply marshal failed", slog.Any("error", err))
			continue
		}
		if delivered, _ := c.trySend(encoded); !delivered {
			return
		}
	}
}

// dispatch answers the built-in ping command and defers everything else to
// the surface's command handler.
func (s *Server) dispatch(cmd map[string]any) (any, bool) {
	name, _ := cmd["command"].(string)
	if name == "" {
		name, _ = cmd["type"].(string)
	}
	if name == "ping" {
		return map[string]any{
			"type":      "pong",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, true
	}
	if s.onCommand == nil {
		return nil, false
	}
	return s.onCommand(cmd)
}

// writePump delivers broadcast frames and keeps the connection alive with
// periodic pings. It exits when the client's send channel closes.
func (s *Server) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
