package bridge

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single MyLB client WebSocket connection with its
// associated identity and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string     // connection id (uuid)
	ClientID   int64      // authenticated MyLB client id
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last activity observed on the connection
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes. A
// positive timeout bounds how long a slow reader can stall the write.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry mapping connection ids, file
// descriptors and client ids to their Connection objects. A client holds at
// most one registered connection; a reconnect displaces the previous one.
type ConnectionManager struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byFd     map[int]*Connection
	byClient map[int64]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:     make(map[string]*Connection),
		byFd:     make(map[int]*Connection),
		byClient: make(map[int64]*Connection),
	}
}

// Add registers a new connection in all lookup maps. If the client already
// had a registered connection, the stale one is returned so the caller can
// close it.
func (cm *ConnectionManager) Add(conn *Connection) (displaced *Connection) {
	cm.mu.Lock()
	if prev, ok := cm.byClient[conn.ClientID]; ok && prev.ID != conn.ID {
		displaced = prev
		delete(cm.byID, prev.ID)
		delete(cm.byFd, prev.Fd)
	}
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.byClient[conn.ClientID] = conn
	cm.mu.Unlock()
	return displaced
}

// Remove removes a connection by id, closes the underlying network
// connection, and removes it from all lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		// Only drop the client mapping if it still points at this connection;
		// a reconnect may already have replaced it.
		if cur, found := cm.byClient[conn.ClientID]; found && cur.ID == id {
			delete(cm.byClient, conn.ClientID)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByClient returns the connection for the given MyLB client id, or nil.
func (cm *ConnectionManager) GetByClient(clientID int64) *Connection {
	cm.mu.RLock()
	conn := cm.byClient[clientID]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
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
