package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mfshell/shell/internal/protocol"
	"github.com/mfshell/shell/internal/session"
)

const (
	testLoginOrigin = "http://localhost:3001"
	testEvilOrigin  = "https://evil.example"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) handle(msg protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func newTestLocalBus() *LocalBus {
	return NewLocalBus("http://localhost:3000", NewOriginPolicy([]string{testLoginOrigin}))
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func TestLocalBus_DeliversTrustedMessages(t *testing.T) {
	bus := newTestLocalBus()
	rec := &recorder{}
	if _, err := bus.Subscribe(rec.handle); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	login := protocol.LoginSuccess{Token: "t1", User: session.User{Email: "a@x.com"}}
	if err := bus.From(testLoginOrigin).Publish(context.Background(), login); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := bus.From(testLoginOrigin).Publish(context.Background(), protocol.Logout{}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if ls, ok := got[0].(protocol.LoginSuccess); !ok || ls.Token != "t1" || ls.User.Email != "a@x.com" {
		t.Errorf("expected LoginSuccess first, got %+v", got[0])
	}
	if _, ok := got[1].(protocol.Logout); !ok {
		t.Errorf("expected Logout second, got %T", got[1])
	}
}

func TestLocalBus_DropsUntrustedOrigin(t *testing.T) {
	bus := newTestLocalBus()
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	bus.From(testEvilOrigin).Publish(context.Background(), protocol.Logout{})
	// The bus's own origin is not in the policy either.
	bus.Publish(context.Background(), protocol.Logout{})

	if n := len(rec.all()); n != 0 {
		t.Fatalf("expected untrusted messages to be dropped, got %d", n)
	}
}

func TestLocalBus_DropsUnrecognizedPayloads(t *testing.T) {
	bus := newTestLocalBus()
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	for _, raw := range []string{`{}`, `null`, `{"type":"LOGIN_SUCCESS"}`, `{"type":"OPEN_REGISTER"}`, `garbage`} {
		bus.Deliver(Delivery{Origin: testLoginOrigin, Data: []byte(raw)})
	}

	if n := len(rec.all()); n != 0 {
		t.Fatalf("expected all payloads to be dropped, got %d", n)
	}
}

func TestLocalBus_WildcardPolicyAcceptsAnyOrigin(t *testing.T) {
	bus := NewLocalBus("http://localhost:3000", NewOriginPolicy([]string{AnyOrigin}))
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	bus.Deliver(Delivery{Origin: "", Data: []byte(`{"type":"LOGOUT"}`)})
	bus.From(testEvilOrigin).Publish(context.Background(), protocol.Logout{})

	if n := len(rec.all()); n != 2 {
		t.Fatalf("expected 2 messages with wildcard policy, got %d", n)
	}
}

func TestLocalBus_PublishNavigateFromShellIsIgnoredInbound(t *testing.T) {
	bus := newTestLocalBus()
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	bus.From(testLoginOrigin).Publish(context.Background(), protocol.Navigate{Route: "/dashboard"})

	if n := len(rec.all()); n != 0 {
		t.Fatalf("expected inbound NAVIGATE to be ignored, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Subscription lifecycle
// ---------------------------------------------------------------------------

func TestLocalBus_NoDeliveryAfterUnsubscribe(t *testing.T) {
	bus := newTestLocalBus()
	rec := &recorder{}
	sub, _ := bus.Subscribe(rec.handle)

	bus.From(testLoginOrigin).Publish(context.Background(), protocol.Logout{})
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	bus.From(testLoginOrigin).Publish(context.Background(), protocol.Logout{})

	if n := len(rec.all()); n != 1 {
		t.Fatalf("expected exactly 1 message before unsubscribe, got %d", n)
	}
}

func TestLocalBus_UnsubscribeWaitsForInFlightHandler(t *testing.T) {
	bus := newTestLocalBus()

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	finished := false

	sub, _ := bus.Subscribe(func(protocol.Message) {
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	})

	go bus.From(testLoginOrigin).Publish(context.Background(), protocol.Logout{})
	<-entered

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Unsubscribe returned while handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe did not return after handler finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("expected handler to have finished before Unsubscribe returned")
	}
}

func TestLocalBus_FanOutInSubscriptionOrder(t *testing.T) {
	bus := newTestLocalBus()
	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(func(protocol.Message) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	bus.From(testLoginOrigin).Publish(context.Background(), protocol.Logout{})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected delivery order [0 1 2], got %v", order)
	}
}
