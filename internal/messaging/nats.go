package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mfshell/shell/internal/metrics"
	"github.com/mfshell/shell/internal/protocol"
)

// NATS subject patterns. Every shell instance owns one pair of subjects.
const (
	SubjectPrefix    = "shell"
	subjectEvents    = "events"    // child -> parent protocol messages
	subjectBroadcast = "broadcast" // parent -> children authoritative session

	// HeaderOrigin carries the sender's origin on every published message.
	HeaderOrigin = "Origin"
)

// EventsSubject returns the subject embedded contexts publish to.
func EventsSubject(shellID string) string {
	return SubjectPrefix + "." + shellID + "." + subjectEvents
}

// BroadcastSubject returns the subject the shell publishes accepted session
// changes to.
func BroadcastSubject(shellID string) string {
	return SubjectPrefix + "." + shellID + "." + subjectBroadcast
}

// NATSClient wraps the NATS connection and tracks subscriptions so they can
// be drained on shutdown.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)

	// Credentials. The Origin header is set by the sender, so only clients
	// holding these can claim a trusted origin.
	Token    string
	User     string
	Password string
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "mfshell",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}
	opts = append(opts, config.authOptions()...)

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[*nats.Subscription]struct{}),
	}, nil
}

func (c NATSConfig) authOptions() []nats.Option {
	switch {
	case c.Token != "":
		return []nats.Option{nats.Token(c.Token)}
	case c.User != "":
		return []nats.Option{nats.UserInfo(c.User, c.Password)}
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	for sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) track(sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
}

func (c *NATSClient) untrack(sub *nats.Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// NATSBus is a Bus bound to a single subject. Published messages carry the
// bus origin in the Origin header; inbound messages are admitted against the
// bus policy.
type NATSBus struct {
	client    *NATSClient
	subject   string
	origin    string
	admission Admission
}

// NewNATSBus creates a bus on subject. origin is stamped on every outgoing
// message; policy decides which incoming origins are admitted.
func NewNATSBus(client *NATSClient, subject, origin string, policy *OriginPolicy) *NATSBus {
	return &NATSBus{
		client:    client,
		subject:   subject,
		origin:    origin,
		admission: Admission{Policy: policy, Transport: "nats"},
	}
}

// Publish sends msg to the bus subject. Delivery is fire-and-forget: no
// acknowledgement is requested.
func (b *NATSBus) Publish(_ context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	m := nats.NewMsg(b.subject)
	m.Header.Set(HeaderOrigin, b.origin)
	m.Data = data
	if err := b.client.conn.PublishMsg(m); err != nil {
		metrics.PublishFailures.WithLabelValues("nats").Inc()
		return fmt.Errorf("nats publish %s: %w", b.subject, err)
	}
	return nil
}

// Subscribe registers handler on the bus subject.
func (b *NATSBus) Subscribe(handler Handler) (Subscription, error) {
	g := newGuard(handler)
	sub, err := b.client.conn.Subscribe(b.subject, func(m *nats.Msg) {
		d := Delivery{Data: m.Data}
		if m.Header != nil {
			d.Origin = m.Header.Get(HeaderOrigin)
		}
		if msg, ok := b.admission.Admit(d); ok {
			g.invoke(msg)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}
	b.client.track(sub)

	return &natsSubscription{client: b.client, sub: sub, guard: g}, nil
}

type natsSubscription struct {
	client *NATSClient
	sub    *nats.Subscription
	guard  *guard
}

func (s *natsSubscription) Unsubscribe() error {
	s.guard.close()
	s.client.untrack(s.sub)
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", s.sub.Subject, err)
	}
	return nil
}
