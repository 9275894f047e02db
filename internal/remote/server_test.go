package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/mfshell/shell/internal/embed"
	"github.com/mfshell/shell/internal/login"
	"github.com/mfshell/shell/internal/messaging"
	"github.com/mfshell/shell/internal/protocol"
	"github.com/mfshell/shell/internal/ratelimit"
	"github.com/mfshell/shell/internal/session"
)

const testLoginOrigin = "http://localhost:3001"

type testRemote struct {
	handler  http.Handler
	store    *session.MemoryStore
	received []protocol.Message
}

// newTestRemote builds a login remote whose publishes land on a LocalBus the
// test subscribes to, standing in for the parent shell.
func newTestRemote(t *testing.T, throttle Throttle) *testRemote {
	t.Helper()
	tr := &testRemote{store: session.NewMemoryStore()}

	bus := messaging.NewLocalBus(testLoginOrigin, messaging.NewOriginPolicy([]string{testLoginOrigin}))
	sub, err := bus.Subscribe(func(msg protocol.Message) { tr.received = append(tr.received, msg) })
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })

	config := login.DefaultConfig([]byte("test-secret"))
	config.Cost = bcrypt.MinCost
	verifier, err := login.NewVerifier(config)
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}

	tr.handler = NewHandler(Options{
		Name:     "login",
		Adapter:  embed.NewAdapter("login", tr.store, bus),
		Verifier: verifier,
		Throttle: throttle,
		Rule:     ratelimit.Rule{Key: "rl:login:", Limit: 2, Window: time.Minute},
	})
	return tr
}

func (tr *testRemote) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	return rec
}

const demoLogin = `{"email":"user@example.com","password":"password123"}`

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func TestLogin_Success(t *testing.T) {
	tr := newTestRemote(t, nil)

	rec := tr.do(http.MethodPost, "/api/login", demoLogin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Authenticated || resp.Token == "" || resp.DisplayName != login.DemoEmail {
		t.Errorf("unexpected response %+v", resp)
	}

	if len(tr.received) != 1 {
		t.Fatalf("expected 1 message to the shell, got %d", len(tr.received))
	}
	ls, ok := tr.received[0].(protocol.LoginSuccess)
	if !ok || ls.Token != resp.Token || ls.User.Email != login.DemoEmail {
		t.Errorf("expected LoginSuccess with issued token, got %+v", tr.received[0])
	}
	if s := tr.store.Load(context.Background()); s.Token != resp.Token {
		t.Errorf("expected local store to hold the token, got %+v", s)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	tr := newTestRemote(t, nil)

	rec := tr.do(http.MethodPost, "/api/login", `{"email":"user@example.com","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"invalid credentials","clear_after_ms":3000}` {
		t.Errorf("unexpected body %s", body)
	}
	if len(tr.received) != 0 {
		t.Errorf("expected nothing published, got %+v", tr.received)
	}
}

func TestLogin_BadBody(t *testing.T) {
	tr := newTestRemote(t, nil)
	if rec := tr.do(http.MethodPost, "/api/login", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLogin_BodyTooLarge(t *testing.T) {
	tr := newTestRemote(t, nil)
	body := `{"email":"user@example.com","password":"` + strings.Repeat("x", maxLoginBody) + `"}`
	if rec := tr.do(http.MethodPost, "/api/login", body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(tr.received) != 0 {
		t.Errorf("expected nothing published, got %+v", tr.received)
	}
}

func TestLogin_Throttled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	tr := newTestRemote(t, ratelimit.NewLimiter(client))

	bad := `{"email":"user@example.com","password":"nope"}`
	for _, want := range []string{
		`{"error":"invalid credentials","clear_after_ms":3000,"remaining":1}`,
		`{"error":"invalid credentials","clear_after_ms":3000,"remaining":0}`,
	} {
		rec := tr.do(http.MethodPost, "/api/login", bad)
		if body := strings.TrimSpace(rec.Body.String()); body != want {
			t.Errorf("expected %s, got %s", want, body)
		}
	}

	rec := tr.do(http.MethodPost, "/api/login", demoLogin)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the limit, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("expected Retry-After 60, got %q", got)
	}
	if len(tr.received) != 0 {
		t.Errorf("expected throttled login not to publish, got %+v", tr.received)
	}
}

// ---------------------------------------------------------------------------
// Logout and session
// ---------------------------------------------------------------------------

func TestLogout(t *testing.T) {
	tr := newTestRemote(t, nil)
	tr.do(http.MethodPost, "/api/login", demoLogin)

	rec := tr.do(http.MethodPost, "/api/logout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if tr.store.Load(context.Background()).Active() {
		t.Error("expected local store to be cleared")
	}
	if len(tr.received) != 2 {
		t.Fatalf("expected login and logout messages, got %d", len(tr.received))
	}
	if _, ok := tr.received[1].(protocol.Logout); !ok {
		t.Errorf("expected Logout, got %+v", tr.received[1])
	}
}

func TestSession(t *testing.T) {
	tr := newTestRemote(t, nil)

	rec := tr.do(http.MethodGet, "/api/session", "")
	if body := strings.TrimSpace(rec.Body.String()); body != `{"authenticated":false,"display_name":"Recepcionista"}` {
		t.Errorf("unexpected anonymous body %s", body)
	}

	tr.do(http.MethodPost, "/api/login", demoLogin)
	rec = tr.do(http.MethodGet, "/api/session", "")
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Authenticated || resp.DisplayName != login.DemoEmail {
		t.Errorf("unexpected session %+v", resp)
	}
	if string(resp.User) != `{"email":"user@example.com"}` {
		t.Errorf("unexpected user %s", resp.User)
	}
}

func TestDashboardHasNoLogin(t *testing.T) {
	handler := NewHandler(Options{
		Name:    "dashboard",
		Adapter: embed.NewAdapter("dashboard", session.NewMemoryStore(), messaging.NewLocalBus(testLoginOrigin, nil)),
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(demoLogin)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a verifier, got %d", rec.Code)
	}
}
