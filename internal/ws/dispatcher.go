package ws

import (
	"github.com/mfshell/shell/internal/messaging"
)

// Sink accepts raw deliveries. *messaging.LocalBus satisfies it, which
// gives browser traffic the same origin check and decoding as every other
// transport.
type Sink interface {
	Deliver(d messaging.Delivery)
}

// MessageDispatcher turns WebSocket text frames into bus deliveries tagged
// with the origin the browser declared at upgrade time. Nothing is ever
// written back: rejected or unrecognized frames are dropped silently.
type MessageDispatcher struct {
	sink Sink
}

// NewMessageDispatcher creates a dispatcher that feeds sink.
func NewMessageDispatcher(sink Sink) *MessageDispatcher {
	return &MessageDispatcher{sink: sink}
}

// Dispatch is the onMessage callback for Server.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	d.sink.Deliver(messaging.Delivery{Origin: conn.Origin, Data: data})
}
