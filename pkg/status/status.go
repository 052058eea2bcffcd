// Package status serves live controller state over WebSocket. Connected
// clients (the touchscreen UI and any diagnostic tool on the LAN)
// receive a JSON snapshot once per second; the endpoint is read-only.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ovenctl/pkg/log"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/reactor"
)

// BroadcastIntervalMS is the snapshot publishing period.
const BroadcastIntervalMS = 1000

// Snapshot is one published state frame.
type Snapshot struct {
	Temperature     float64 `json:"temperature"`
	Setpoint        float64 `json:"setpoint"`
	SSROn           bool    `json:"ssr_on"`
	PIDEnabled      bool    `json:"pid_enabled"`
	Kp              float64 `json:"kp"`
	Ki              float64 `json:"ki"`
	Kd              float64 `json:"kd"`
	Output          float64 `json:"output"`
	AutotuneRunning bool    `json:"autotune_running"`
	BootAttempts    uint8   `json:"boot_attempts"`
	TotalBoots      uint32  `json:"total_boots"`
	UptimeSeconds   uint64  `json:"uptime_s"`
}

// Provider supplies the current snapshot.
type Provider func() Snapshot

// Server broadcasts snapshots to all connected WebSocket clients.
type Server struct {
	mu       sync.Mutex
	addr     string
	provider Provider
	rt       *reactor.Reactor
	logger   *log.Logger

	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]struct{}
	httpSrv  *http.Server
	ticker   *reactor.Ticker
	listener net.Listener
}

// New creates a server bound to addr.
func New(addr string, provider Provider, rt *reactor.Reactor, logger *log.Logger) *Server {
	return &Server{
		addr:     addr,
		provider: provider,
		rt:       rt,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the listener and begins the broadcast timer.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "status.Start", "listen on %s", s.addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	if err := s.rt.Spawn("status-http", func() {
		if serr := s.httpSrv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			s.logger.Error("status server: %v", serr)
		}
	}); err != nil {
		ln.Close()
		return err
	}

	ticker, err := s.rt.EveryMS(BroadcastIntervalMS, func(uint64) { s.broadcast() })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ticker = ticker
	s.mu.Unlock()

	s.logger.Info("status server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address. Useful when addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes all clients and shuts the listener down.
func (s *Server) Stop() {
	s.mu.Lock()
	ticker := s.ticker
	s.ticker = nil
	srv := s.httpSrv
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected from %s (%d total)", conn.RemoteAddr(), n)

	// Immediate first frame so the UI never starts blank.
	s.send(conn, s.provider())

	// Drain (and discard) client messages to notice disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(conn)
				return
			}
		}
	}()
}

// handleStatus serves a one-shot snapshot over plain HTTP.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.provider())
}

func (s *Server) broadcast() {
	snap := s.provider()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.send(conn, snap)
	}
}

func (s *Server) send(conn *websocket.Conn, snap Snapshot) {
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(snap); err != nil {
		s.drop(conn)
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, present := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if present {
		conn.Close()
		s.logger.Info("client %s disconnected", conn.RemoteAddr())
	}
}
