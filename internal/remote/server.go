// Package remote is the HTTP surface of an embedded sub-application. A login
// remote checks credentials and announces LOGIN_SUCCESS; every remote can
// report the session it sees and ask the shell to log out.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mfshell/shell/internal/embed"
	"github.com/mfshell/shell/internal/login"
	"github.com/mfshell/shell/internal/metrics"
	"github.com/mfshell/shell/internal/ratelimit"
	"github.com/mfshell/shell/internal/session"
)

// FallbackDisplayName is shown when the session carries no email.
const FallbackDisplayName = "Recepcionista"

// errorClearAfter is how long a client shows a failed-login message.
const errorClearAfter = 3 * time.Second

// maxLoginBody caps the size of a POST /api/login body.
const maxLoginBody = 4 << 10

// Throttle limits login attempts. *ratelimit.Limiter satisfies it.
type Throttle interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
	Reset(ctx context.Context, identifier string, rule ratelimit.Rule) error
}

// Options configure a remote handler.
type Options struct {
	Name     string          // context name, e.g. "login"
	Adapter  *embed.Adapter  // required
	Verifier *login.Verifier // nil disables POST /api/login
	Throttle Throttle        // nil disables throttling
	Rule     ratelimit.Rule
}

type server struct {
	opts    Options
	started time.Time
}

// NewHandler builds the remote's HTTP router.
func NewHandler(opts Options) http.Handler {
	s := &server{opts: opts, started: time.Now()}
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	if opts.Verifier != nil {
		api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	}
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorResponse struct {
	Error        string `json:"error"`
	ClearAfterMS int64  `json:"clear_after_ms,omitempty"`
	Remaining    *int   `json:"remaining,omitempty"` // attempts left, when throttled
}

type sessionResponse struct {
	Authenticated bool            `json:"authenticated"`
	Token         string          `json:"token,omitempty"`
	User          json.RawMessage `json:"user,omitempty"`
	DisplayName   string          `json:"display_name"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	client := clientAddr(r)
	if s.opts.Throttle != nil {
		allowed, _ := s.opts.Throttle.Allow(r.Context(), client, s.opts.Rule)
		if !allowed {
			metrics.LoginAttempts.WithLabelValues("throttled").Inc()
			log.Printf("[remote:%s] login throttled client=%s", s.opts.Name, client)
			w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.Rule.Window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many attempts"})
			return
		}
	}

	sess, err := s.opts.Verifier.Login(req.Email, req.Password)
	if errors.Is(err, login.ErrInvalidCredentials) {
		metrics.LoginAttempts.WithLabelValues("invalid").Inc()
		resp := errorResponse{
			Error:        "invalid credentials",
			ClearAfterMS: errorClearAfter.Milliseconds(),
		}
		if s.opts.Throttle != nil {
			if n, err := s.opts.Throttle.Remaining(r.Context(), client, s.opts.Rule); err == nil {
				resp.Remaining = &n
			}
		}
		writeJSON(w, http.StatusUnauthorized, resp)
		return
	}
	if err != nil {
		log.Printf("[remote:%s] login failed: %v", s.opts.Name, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "login failed"})
		return
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	if s.opts.Throttle != nil {
		_ = s.opts.Throttle.Reset(r.Context(), client, s.opts.Rule)
	}

	sess = s.opts.Adapter.LoginSucceeded(r.Context(), sess.Token, sess.User)
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.opts.Adapter.RequestLogout(r.Context())
	writeJSON(w, http.StatusOK, sessionResponse{DisplayName: FallbackDisplayName})
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	v := s.opts.Adapter.View()
	if !v.Active() {
		writeJSON(w, http.StatusOK, sessionResponse{DisplayName: FallbackDisplayName})
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(v))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Remote string `json:"remote"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Remote: s.opts.Name,
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func newSessionResponse(s session.Session) sessionResponse {
	resp := sessionResponse{Authenticated: true, Token: s.Token, DisplayName: s.User.Email}
	if resp.DisplayName == "" {
		resp.DisplayName = FallbackDisplayName
	}
	if raw, err := json.Marshal(s.User); err == nil {
		resp.User = raw
	}
	return resp
}

// clientAddr is the throttling key for a request.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
