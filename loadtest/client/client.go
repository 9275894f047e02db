// Package client is a scripted browser context for exercising a running
// shell's WebSocket bridge. It connects with gobwas/ws (the same library the
// server uses), declares an Origin like a browser would, and dispatches
// incoming frames to handlers registered per message type.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

const (
	TypeLoginSuccess = "LOGIN_SUCCESS"
	TypeLogout       = "LOGOUT"
	TypeNavigate     = "NAVIGATE"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is one simulated browser context.
type Client struct {
	conn      net.Conn
	origin    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New connects to the bridge at url presenting origin, and starts reading
// frames in the background.
func New(ctx context.Context, url, origin string) (*Client, error) {
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(http.Header{"Origin": []string{origin}})}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		origin:   origin,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as one text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// LoginSuccess announces a successful login for email.
func (c *Client) LoginSuccess(token, email string) error {
	return c.Send(map[string]interface{}{
		"type":  TypeLoginSuccess,
		"token": token,
		"user":  map[string]string{"email": email},
	})
}

// Logout asks the shell to end the session.
func (c *Client) Logout() error {
	return c.Send(map[string]string{"type": TypeLogout})
}

// On registers a handler for a message type. Register handlers before the
// frames they expect can arrive; a second handler for the same type replaces
// the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Navigations returns a channel that receives the route of every NAVIGATE
// frame.
func (c *Client) Navigations() <-chan string {
	ch := make(chan string, 16)
	c.On(TypeNavigate, func(raw json.RawMessage) {
		var msg struct {
			Route string `json:"route"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case ch <- msg.Route:
			default:
			}
		}
	})
	return ch
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Origin returns the origin this client presents.
func (c *Client) Origin() string {
	return c.origin
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()

		if ok {
			handler(json.RawMessage(data))
		}
	}
}
