package messaging

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mfshell/shell/internal/protocol"
	"github.com/mfshell/shell/internal/session"
)

// newTestNATSClient connects to a local NATS server. Tests are skipped if
// none is running.
func newTestNATSClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		config.URL = v
	}
	config.MaxReconnects = 0

	client, err := NewNATSClient(config)
	if err != nil {
		t.Skipf("skipping: NATS not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestNATSConfig_AuthOptions(t *testing.T) {
	tests := []struct {
		name      string
		config    NATSConfig
		wantToken string
		wantUser  string
		wantPass  string
	}{
		{"none", NATSConfig{}, "", "", ""},
		{"token", NATSConfig{Token: "s3cret"}, "s3cret", "", ""},
		{"user", NATSConfig{User: "shell", Password: "pw"}, "", "shell", "pw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := nats.GetDefaultOptions()
			for _, opt := range tt.config.authOptions() {
				if err := opt(&opts); err != nil {
					t.Fatalf("apply option: %v", err)
				}
			}
			if opts.Token != tt.wantToken || opts.User != tt.wantUser || opts.Password != tt.wantPass {
				t.Errorf("got token=%q user=%q password=%q", opts.Token, opts.User, opts.Password)
			}
		})
	}
}

func TestSubjects(t *testing.T) {
	if got := EventsSubject("s1"); got != "shell.s1.events" {
		t.Errorf("EventsSubject = %q", got)
	}
	if got := BroadcastSubject("s1"); got != "shell.s1.broadcast" {
		t.Errorf("BroadcastSubject = %q", got)
	}
}

func TestNATSBus_PublishSubscribe(t *testing.T) {
	client := newTestNATSClient(t)
	subject := EventsSubject("test-" + t.Name())
	policy := NewOriginPolicy([]string{testLoginOrigin})

	parent := NewNATSBus(client, subject, "http://localhost:3000", policy)
	child := NewNATSBus(client, subject, testLoginOrigin, nil)
	evil := NewNATSBus(client, subject, testEvilOrigin, nil)

	got := make(chan protocol.Message, 4)
	sub, err := parent.Subscribe(func(msg protocol.Message) { got <- msg })
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	evil.Publish(ctx, protocol.Logout{})
	client.conn.Publish(subject, []byte(`{"type":"LOGOUT"}`)) // no origin header
	child.Publish(ctx, protocol.LoginSuccess{Token: "t1", User: session.User{Email: "a@x.com"}})
	if err := client.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case msg := <-got:
		ls, ok := msg.(protocol.LoginSuccess)
		if !ok || ls.Token != "t1" {
			t.Fatalf("expected LoginSuccess from trusted child, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-got:
		t.Fatalf("expected untrusted messages to be dropped, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSBus_NoDeliveryAfterUnsubscribe(t *testing.T) {
	client := newTestNATSClient(t)
	subject := EventsSubject("test-" + t.Name())
	bus := NewNATSBus(client, subject, testLoginOrigin, NewOriginPolicy([]string{testLoginOrigin}))

	got := make(chan protocol.Message, 1)
	sub, err := bus.Subscribe(func(msg protocol.Message) { got <- msg })
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}

	bus.Publish(context.Background(), protocol.Logout{})
	client.conn.Flush()

	select {
	case msg := <-got:
		t.Fatalf("handler fired after unsubscribe: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSBus_HeaderCarriesOrigin(t *testing.T) {
	client := newTestNATSClient(t)
	subject := EventsSubject("test-" + t.Name())
	bus := NewNATSBus(client, subject, testLoginOrigin, nil)

	raw := make(chan *nats.Msg, 1)
	sub, err := client.conn.ChanSubscribe(subject, raw)
	if err != nil {
		t.Fatalf("ChanSubscribe: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(context.Background(), protocol.Logout{})

	select {
	case m := <-raw:
		if got := m.Header.Get(HeaderOrigin); got != testLoginOrigin {
			t.Errorf("expected origin header %q, got %q", testLoginOrigin, got)
		}
		if string(m.Data) != `{"type":"LOGOUT"}` {
			t.Errorf("unexpected payload %s", m.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw message")
	}
}
