package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mfshell/shell/internal/protocol"
)

// LocalBus is an in-process Bus. Messages are encoded to their wire form and
// delivered synchronously to every subscriber, so the admission rules are
// exactly those of the network transports.
type LocalBus struct {
	origin    string
	admission Admission

	mu   sync.RWMutex
	subs map[int]*guard
	next int
}

// NewLocalBus creates a bus whose own Publish calls carry origin.
func NewLocalBus(origin string, policy *OriginPolicy) *LocalBus {
	return &LocalBus{
		origin:    origin,
		admission: Admission{Policy: policy, Transport: "local"},
		subs:      make(map[int]*guard),
	}
}

// Label sets the transport name reported in metrics and logs. Bridges that
// feed raw deliveries into the bus use it to keep their traffic apart.
func (b *LocalBus) Label(transport string) *LocalBus {
	b.admission.Transport = transport
	return b
}

// Publish encodes msg and delivers it with the bus's own origin.
func (b *LocalBus) Publish(ctx context.Context, msg protocol.Message) error {
	return b.From(b.origin).Publish(ctx, msg)
}

// From returns a Publisher whose messages carry origin. Tests use it to play
// a context from another origin.
func (b *LocalBus) From(origin string) Publisher {
	return localPublisher{bus: b, origin: origin}
}

// Deliver admits a raw delivery and fans it out to current subscribers in
// subscription order.
func (b *LocalBus) Deliver(d Delivery) {
	msg, ok := b.admission.Admit(d)
	if !ok {
		return
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	guards := make([]*guard, 0, len(ids))
	for _, id := range ids {
		guards = append(guards, b.subs[id])
	}
	b.mu.RUnlock()

	for _, g := range guards {
		g.invoke(msg)
	}
}

// Subscribe registers handler for every admitted message.
func (b *LocalBus) Subscribe(handler Handler) (Subscription, error) {
	g := newGuard(handler)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = g
	b.mu.Unlock()

	return &localSubscription{bus: b, id: id, guard: g}, nil
}

type localPublisher struct {
	bus    *LocalBus
	origin string
}

func (p localPublisher) Publish(_ context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("messaging: local publish: %w", err)
	}
	p.bus.Deliver(Delivery{Origin: p.origin, Data: data})
	return nil
}

type localSubscription struct {
	bus   *LocalBus
	id    int
	guard *guard
}

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.guard.close()
	return nil
}
