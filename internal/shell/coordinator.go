// Package shell is the composing application: it owns the canonical session,
// reacts to protocol messages from embedded contexts, persists the result
// and decides which composed route is shown.
package shell

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mfshell/shell/internal/messaging"
	"github.com/mfshell/shell/internal/metrics"
	"github.com/mfshell/shell/internal/protocol"
	"github.com/mfshell/shell/internal/session"
)

// storeTimeout bounds a single store write triggered by a message.
const storeTimeout = 3 * time.Second

// Coordinator is the two-state session machine (Anonymous, Authenticated).
// Messages are applied one at a time in delivery order, whatever transport
// they arrive on.
type Coordinator struct {
	store     session.Store
	router    *Router
	broadcast messaging.Publisher // optional

	mu      sync.Mutex // guards current
	current session.Session

	emitMu sync.Mutex // orders navigations and broadcasts
}

// transition is what an accepted message asks the rest of the shell to do.
type transition struct {
	route Route
	msg   protocol.Message
}

// NewCoordinator seeds the in-memory session from store once, so a reload
// with a persisted session resumes directly into Authenticated, and
// navigates router to the matching route.
func NewCoordinator(ctx context.Context, store session.Store, router *Router) *Coordinator {
	c := &Coordinator{
		store:   store,
		router:  router,
		current: store.Load(ctx),
	}

	initial := Anonymous
	if c.current.Active() {
		initial = Authenticated
	}
	log.Printf("[shell] coordinator started state=%s", initial)
	router.Navigate(initial)
	return c
}

// SetBroadcast makes the coordinator publish every accepted transition to
// pub so embedded contexts can follow the authoritative state. It must be
// called before messages are handled, and pub must not feed back into this
// coordinator.
func (c *Coordinator) SetBroadcast(pub messaging.Publisher) {
	c.broadcast = pub
}

// Attach subscribes the coordinator to sub. The returned subscription must
// be released when the shell shuts down.
func (c *Coordinator) Attach(sub messaging.Subscriber) (messaging.Subscription, error) {
	return sub.Subscribe(c.Handle)
}

// Handle applies one protocol message. It never returns an error: store
// failures are logged and the in-memory state still moves, so the shell
// stays available.
//
// Navigation listeners and the broadcast run after the state lock is
// released, so Current never waits on them.
func (c *Coordinator) Handle(msg protocol.Message) {
	c.mu.Lock()
	var t transition
	switch m := msg.(type) {
	case protocol.LoginSuccess:
		t = c.login(m)
	case protocol.Logout:
		t = c.logout()
	default:
		// Ignored, Navigate and anything else leave the state alone.
		c.mu.Unlock()
		return
	}

	// Taken before mu is released so effects follow the order of state
	// changes.
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	c.router.Navigate(t.route)
	c.publish(t.msg)
}

// Current returns a snapshot of the canonical session.
func (c *Coordinator) Current() session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Coordinator) login(m protocol.LoginSuccess) transition {
	s := m.Session()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Save(ctx, s); err != nil {
		metrics.StoreErrors.Inc()
		log.Printf("[shell] store save failed: %v", err)
	}

	replaced := c.current.Active()
	c.current = s
	metrics.Transitions.WithLabelValues("login").Inc()
	log.Printf("[shell] login accepted email=%s replaced=%v", s.User.Email, replaced)

	return transition{route: Authenticated, msg: m}
}

func (c *Coordinator) logout() transition {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if c.current.Active() {
		if err := c.store.Clear(ctx); err != nil {
			metrics.StoreErrors.Inc()
			log.Printf("[shell] store clear failed: %v", err)
		}
		c.current = session.Session{}
		metrics.Transitions.WithLabelValues("logout").Inc()
		log.Printf("[shell] logout accepted")
	}

	return transition{route: Anonymous, msg: protocol.Logout{}}
}

func (c *Coordinator) publish(msg protocol.Message) {
	if c.broadcast == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.broadcast.Publish(ctx, msg); err != nil {
		log.Printf("[shell] broadcast %s failed: %v", msg.MessageType(), err)
	}
}
