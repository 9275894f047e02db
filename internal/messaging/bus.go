// Package messaging carries protocol messages from embedded contexts to the
// shell that hosts them. It provides a NATS-backed bus for cross-process
// delivery and an in-process bus for single-binary setups and tests. Every
// inbound delivery passes through the same admission step: origin check,
// decode, and silent drop of anything unrecognized.
package messaging

import (
	"context"
	"log"
	"sync"

	"github.com/mfshell/shell/internal/metrics"
	"github.com/mfshell/shell/internal/protocol"
)

// Handler receives admitted messages. It is never passed an Ignored value.
type Handler func(msg protocol.Message)

// Publisher sends messages toward the parent context.
type Publisher interface {
	Publish(ctx context.Context, msg protocol.Message) error
}

// Subscription is an active handler registration.
type Subscription interface {
	// Unsubscribe stops delivery. Once it returns the handler is not running
	// and will not be called again. It must not be called from inside the
	// handler itself.
	Unsubscribe() error
}

// Subscriber registers handlers for inbound messages.
type Subscriber interface {
	Subscribe(handler Handler) (Subscription, error)
}

// Bus is a transport that both publishes and subscribes.
type Bus interface {
	Publisher
	Subscriber
}

// Delivery is one raw inbound message and the origin of its sender.
type Delivery struct {
	Origin string
	Data   []byte
}

// Admission applies the origin policy and decodes a delivery. It reports
// false when the delivery must be dropped.
type Admission struct {
	Policy    *OriginPolicy
	Transport string // metrics label
}

// Admit returns the decoded message when the sender is trusted and the
// payload is a recognized message.
func (a Admission) Admit(d Delivery) (protocol.Message, bool) {
	if !a.Policy.Allow(d.Origin) {
		metrics.MessagesTotal.WithLabelValues(a.Transport, "rejected_origin").Inc()
		log.Printf("[messaging] %s: dropped message from untrusted origin %q", a.Transport, d.Origin)
		return nil, false
	}

	msg := protocol.Decode(d.Data)
	if ig, ok := msg.(protocol.Ignored); ok {
		metrics.MessagesTotal.WithLabelValues(a.Transport, "ignored").Inc()
		log.Printf("[messaging] %s: ignored message type=%q reason=%s", a.Transport, ig.Type, ig.Reason)
		return nil, false
	}

	metrics.MessagesTotal.WithLabelValues(a.Transport, "accepted").Inc()
	return msg, true
}

// guard serializes handler invocations with Unsubscribe so a handler never
// runs after Unsubscribe has returned.
type guard struct {
	mu      sync.Mutex
	closed  bool
	handler Handler
}

func newGuard(h Handler) *guard {
	return &guard{handler: h}
}

func (g *guard) invoke(msg protocol.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.handler(msg)
}

func (g *guard) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
