package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string     // connection ID (UUID)
	Conn      net.Conn   // underlying TCP connection
	CreatedAt time.Time  // when the connection was established
	LastPing  time.Time  // last heartbeat received from the client
	writeMu   sync.Mutex // serializes writes to this connection

	mu     sync.Mutex
	userID string // bound by the auth handler; empty until authenticated
	roomID string // bound once the pair's room is resolved
}

// BindUser associates the authenticated account with this connection.
func (c *Connection) BindUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the bound account ID, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// BindRoom associates the resolved room with this connection.
func (c *Connection) BindRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// RoomID returns the bound room ID, or "" before pairing.
func (c *Connection) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// authenticated user IDs to their respective Connection objects. It supports
// O(1) lookups by both.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection // connection_id -> Connection
	byUser map[string]*Connection // user_id -> Connection (one active conn per user)
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]*Connection),
	}
}

// Add registers a new connection in the ID lookup map.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// BindUser records the user association after authentication. If the user
// already had an active connection it is returned so the caller can close
// it; the newest connection wins.
func (cm *ConnectionManager) BindUser(conn *Connection, userID string) *Connection {
	conn.BindUser(userID)

	cm.mu.Lock()
	prev := cm.byUser[userID]
	if prev == conn {
		prev = nil
	}
	cm.byUser[userID] = conn
	cm.mu.Unlock()
	return prev
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if uid := conn.UserID(); uid != "" && cm.byUser[uid] == conn {
			delete(cm.byUser, uid)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByUser returns the active connection for the given user, or nil.
func (cm *ConnectionManager) GetByUser(userID string) *Connection {
	cm.mu.RLock()
	conn := cm.byUser[userID]
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
