package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// sendQueueSize is how many outbound frames a connection may have pending
// before it is treated as stalled and dropped.
const sendQueueSize = 16

// Connection is one browser context attached to the bridge.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Origin    string    // Origin header sent with the upgrade request
	CreatedAt time.Time // when the connection was established

	send      chan []byte // outbound text frames, drained by the write loop
	closed    chan struct{}
	closeOnce sync.Once

	writeMu  sync.Mutex // serializes writes to this connection
	seenMu   sync.Mutex
	lastSeen time.Time // last frame of any kind received from the client
}

func newConnection(id string, conn net.Conn, origin string) *Connection {
	now := time.Now()
	return &Connection{
		ID:        id,
		Conn:      conn,
		Origin:    origin,
		CreatedAt: now,
		send:      make(chan []byte, sendQueueSize),
		closed:    make(chan struct{}),
		lastSeen:  now,
	}
}

// Enqueue queues a text frame for the write loop without blocking. It
// reports false when the queue is full or the connection is closed.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WriteMessage sends a WebSocket text frame to this connection, giving up
// after timeout when it is positive.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	return c.writeFrame(ws.NewTextFrame(data), timeout)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.writeFrame(ws.NewPingFrame(nil), timeout)
}

// writeFrame holds the write mutex across the deadline and the write so
// concurrent writers neither interleave frame bytes nor reset each other's
// deadline.
func (c *Connection) writeFrame(f ws.Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()
}

// LastSeen returns the time of the last client frame.
func (c *Connection) LastSeen() time.Time {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.lastSeen
}

// Close stops the write loop and closes the underlying network connection.
// Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
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
