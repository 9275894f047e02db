// Package ws is the shell's WebSocket bridge for browser contexts. Embedded
// pages connect to it to announce session events, and the shell page itself
// connects to receive NAVIGATE frames whenever the router moves. The Origin
// header of the upgrade request is the sender identity for every frame read
// on that connection.
package ws

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/mfshell/shell/internal/metrics"
	"github.com/mfshell/shell/internal/protocol"
)

// ServerConfig holds tunable parameters for the bridge.
type ServerConfig struct {
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted data message in bytes
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig sized for a handful of frames
// per browser tab.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 1024,
		MaxMessageSize: 64 << 10,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests on its handler and runs one read goroutine
// per connection.
type Server struct {
	config    ServerConfig
	conns     *ConnectionManager
	onMessage func(conn *Connection, data []byte)
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a Server. onMessage is called from the connection's read
// goroutine for every complete data message.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
	if config.Heartbeat.Interval > 0 {
		startHeartbeat(s, config.Heartbeat)
	}
	return s
}

// ServeHTTP upgrades the request and starts reading from the new connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, r.Header.Get("Origin"))
	s.register(c)
	log.Printf("ws: new connection conn=%s origin=%q (total=%d)", c.ID, c.Origin, s.conns.Count())

	go s.readLoop(c)
}

// register adds c to the registry and starts its write loop.
func (s *Server) register(c *Connection) {
	s.conns.Add(c)
	metrics.BrowserContexts.Inc()
	go s.writeLoop(c)
}

// writeLoop drains the connection's send queue until it closes. A failed or
// timed-out write drops the connection.
func (s *Server) writeLoop(c *Connection) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data, s.config.WriteTimeout); err != nil {
				log.Printf("ws: write failed conn=%s: %v", c.ID, err)
				s.RemoveConnection(c)
				return
			}
		}
	}
}

// readLoop reads frames until the connection fails or closes. Control frames
// are answered here under the connection's write mutex; data frames,
// including fragmented ones, are reassembled and passed to onMessage.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	var (
		message []byte
		inData  bool
	)
	for {
		header, err := ws.ReadHeader(c.Conn)
		if err != nil {
			return
		}
		if header.Length > s.config.MaxMessageSize ||
			int64(len(message))+header.Length > s.config.MaxMessageSize {
			log.Printf("ws: message too large conn=%s", c.ID)
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.Conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}
		c.Touch()

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := s.writeControl(c, ws.NewPongFrame(payload)); err != nil {
				return
			}
			continue
		case ws.OpPong:
			continue
		case ws.OpText, ws.OpBinary:
			message, inData = payload, true
		case ws.OpContinuation:
			if !inData {
				return
			}
			message = append(message, payload...)
		}

		if !header.Fin {
			continue
		}
		inData = false
		if len(message) > 0 && s.onMessage != nil {
			s.onMessage(c, message)
		}
		message = nil
	}
}

func (s *Server) writeControl(c *Connection, f ws.Frame) error {
	return c.writeFrame(f, s.config.WriteTimeout)
}

// RemoveConnection unregisters and closes c. Safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.BrowserContexts.Dec()
	log.Printf("ws: connection closed conn=%s age=%s (total=%d)",
		c.ID, time.Since(c.CreatedAt).Round(time.Second), s.conns.Count())
}

// Push encodes msg and queues it for every connected browser context. It
// never waits on a socket; a context whose queue is full is dropped.
func (s *Server) Push(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("ws: push: %w", err)
	}
	for _, c := range s.conns.All() {
		if !c.Enqueue(data) {
			log.Printf("ws: push %s dropped conn=%s: send queue full", msg.MessageType(), c.ID)
			s.RemoveConnection(c)
		}
	}
	return nil
}

// Navigate tells every browser context to show path.
func (s *Server) Navigate(path string) {
	if err := s.Push(protocol.Navigate{Route: path}); err != nil {
		log.Printf("ws: navigate: %v", err)
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the heartbeat and closes every connection. New upgrade
// requests are refused afterwards.
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() {
		log.Println("ws: shutting down bridge...")
		close(s.done)
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		log.Printf("ws: bridge stopped, all connections closed")
	})
	return nil
}
