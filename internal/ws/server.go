// Package ws is the reference chat server: it upgrades HTTP connections to
// WebSocket, reads request frames on one goroutine per connection, and routes
// them through a Dispatcher to the room handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/session"
)

// maxFrameBytes bounds one inbound frame. It leaves room for JSON escaping of
// a maximal message.
const maxFrameBytes = 4 * protocol.MaxMessageBytes

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":3001"
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":3001",
		MaxConnections: 10000,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts WebSocket connections and feeds their text frames to
// onMessage. Frames from one connection are handled sequentially.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	sessionStore *session.Store                      // optional Redis session registry
	limiter      *ratelimit.Limiter                  // optional per-IP connect limit
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	router       *mux.Router
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	readers      sync.WaitGroup
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. sessionStore may be nil.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		onMessage:    onMessage,
		done:         make(chan struct{}),
		startedAt:    time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = r

	return s
}

// SetLimiter enables per-IP connection rate limiting.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or shutdown). It runs before the
// Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the heartbeat monitor and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, registers
// it, and starts its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, r.RemoteAddr, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	s.readers.Add(1)
	go func() {
		defer s.readers.Done()
		s.readLoop(c)
	}()

	log.Printf("ws: new connection session=%s remote=%s (total=%d)", c.ID, c.RemoteAddr, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames from c until it fails or closes, then removes it.
// Control frames are answered inline; data frames go to onMessage.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	control := wsutil.ControlFrameHandler(c, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.Conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		// Any frame proves the connection is alive.
		c.Touch()

		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, maxFrameBytes+1))
		if err != nil {
			return
		}
		if len(data) > maxFrameBytes {
			log.Printf("ws: frame too large session=%s", c.ID)
			return
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// RemoveConnection removes a connection from the manager and closes it. It is
// safe to call more than once; only the first call runs the disconnect hook.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// SessionStore returns the Redis session store, or nil when none is
// configured.
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown stops the HTTP listener and the heartbeat, closes every
// connection and waits for their read loops to exit.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err = s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("ws: http shutdown error: %v", err)
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		s.readers.Wait()
	})

	log.Printf("ws: server stopped, all connections closed")
	return err
}
