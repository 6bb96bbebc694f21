package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // session ID (UUID), also the identity id
	Conn       net.Conn  // underlying TCP connection
	RemoteAddr string    // client address as seen by the HTTP server
	CreatedAt  time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex   // serializes writes to this connection
	lastActive   atomic.Int64 // unix nanos of the last frame received

	mu     sync.Mutex
	name   string // claimed display name, empty until identified
	typing bool   // last typing state reported by the client
}

func newConnection(id string, conn net.Conn, remoteAddr string, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Write lets control-frame replies share the write mutex.
func (c *Connection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.Write(p)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Touch records that the client was heard from.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the client was last heard from.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Name returns the claimed display name, or "" before the identity call.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName records the claimed display name.
func (c *Connection) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Typing reports the last typing state the client sent.
func (c *Connection) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// SetTyping records the client's typing state.
func (c *Connection) SetTyping(typing bool) {
	c.mu.Lock()
	c.typing = typing
	c.mu.Unlock()
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// session ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends msg to every connection except the one whose ID equals
// except. Write errors are ignored; failed connections are cleaned up by
// their read loop or the heartbeat.
func (cm *ConnectionManager) Broadcast(msg []byte, except string) {
	for _, conn := range cm.All() {
		if conn.ID == except {
			continue
		}
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
