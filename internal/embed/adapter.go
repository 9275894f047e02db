// Package embed is the session bridge that runs inside every embedded
// sub-application. It mirrors local authentication outcomes into the shared
// session store and then announces them to the parent shell. Publishing is
// fire-and-forget: a parent that is not listening is not an error.
package embed

import (
	"context"
	"log"
	"sync"

	"github.com/mfshell/shell/internal/messaging"
	"github.com/mfshell/shell/internal/protocol"
	"github.com/mfshell/shell/internal/session"
)

// Adapter bridges one embedded context to its parent shell.
type Adapter struct {
	name  string // context name for logs, e.g. "login"
	store session.Store
	bus   messaging.Publisher

	mu     sync.RWMutex
	view   session.Session // last session this context knows about
	follow messaging.Subscription
}

// NewAdapter creates an adapter for the named context.
func NewAdapter(name string, store session.Store, bus messaging.Publisher) *Adapter {
	return &Adapter{name: name, store: store, bus: bus}
}

// Resume reads the shared store on mount. A context that finds a session can
// treat itself as authenticated without waiting for any message.
func (a *Adapter) Resume(ctx context.Context) (session.Session, bool) {
	s := a.store.Load(ctx)
	a.setView(s)
	return s, s.Active()
}

// LoginSucceeded records a successful local credential check. The store is
// written before the message is published so a parent that reads the store
// on receipt sees the new session.
func (a *Adapter) LoginSucceeded(ctx context.Context, token string, user session.User) session.Session {
	s := session.Session{Token: token, User: user}
	if err := a.store.Save(ctx, s); err != nil {
		log.Printf("[embed:%s] local session write failed: %v", a.name, err)
	}
	a.setView(s)

	a.publish(ctx, protocol.LoginSuccess{Token: token, User: user})
	return s
}

// RequestLogout clears the local session and asks the parent to end it.
func (a *Adapter) RequestLogout(ctx context.Context) {
	if err := a.store.Clear(ctx); err != nil {
		log.Printf("[embed:%s] local session clear failed: %v", a.name, err)
	}
	a.setView(session.Session{})

	a.publish(ctx, protocol.Logout{})
}

// Follow subscribes to the shell's authoritative broadcast. Every session
// change the shell publishes replaces this context's view. Calling Follow
// again replaces the previous subscription.
func (a *Adapter) Follow(sub messaging.Subscriber) error {
	s, err := sub.Subscribe(func(msg protocol.Message) {
		switch m := msg.(type) {
		case protocol.LoginSuccess:
			a.setView(m.Session())
		case protocol.Logout:
			a.setView(session.Session{})
		}
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.follow
	a.follow = s
	a.mu.Unlock()

	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.Printf("[embed:%s] release previous follow failed: %v", a.name, err)
		}
	}
	return nil
}

// View returns the session this context currently believes in.
func (a *Adapter) View() session.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.view
}

// Close stops following the shell broadcast.
func (a *Adapter) Close() error {
	a.mu.Lock()
	s := a.follow
	a.follow = nil
	a.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Unsubscribe()
}

func (a *Adapter) setView(s session.Session) {
	a.mu.Lock()
	a.view = s
	a.mu.Unlock()
}

func (a *Adapter) publish(ctx context.Context, msg protocol.Message) {
	if err := a.bus.Publish(ctx, msg); err != nil {
		log.Printf("[embed:%s] publish %s failed: %v", a.name, msg.MessageType(), err)
	}
}
