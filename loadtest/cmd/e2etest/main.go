// Package main is a standalone end-to-end check of a running shell. It plays
// browser contexts against the WebSocket bridge and reads the shell's HTTP
// surface to validate the session journey: guarded navigation, login,
// untrusted origins, and logout. With -remote it also drives a login remote
// through NATS.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-shell http://localhost:3000] [-origin http://localhost:3001] [-remote http://localhost:3001] [-timeout 30s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mfshell/shell/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

type env struct {
	shell       string // shell base URL
	wsURL       string
	shellOrigin string
	origin      string // trusted embedded origin
	remote      string // login remote base URL, optional
	wait        time.Duration
}

// noRedirect is an HTTP client that reports redirects instead of following
// them.
var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	shellURL := flag.String("shell", "http://localhost:3000", "Shell base URL")
	origin := flag.String("origin", "http://localhost:3001", "Trusted embedded origin")
	remote := flag.String("remote", "", "Login remote base URL (optional)")
	timeout := flag.Duration("timeout", 30*time.Second, "Global test timeout")
	flag.Parse()

	e := env{
		shell:       strings.TrimRight(*shellURL, "/"),
		shellOrigin: strings.TrimRight(*shellURL, "/"),
		origin:      *origin,
		remote:      strings.TrimRight(*remote, "/"),
		wait:        3 * time.Second,
	}
	e.wsURL = "ws" + strings.TrimPrefix(e.shell, "http") + "/ws"

	fmt.Println("=== Shell E2E Check ===")
	fmt.Printf("Shell: %s\n\n", e.shell)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult
	results = append(results, scenarioHealth(ctx, e))
	results = append(results, scenarioGuardedNavigation(ctx, e))
	results = append(results, scenarioBrowserJourney(ctx, e)...)
	if e.remote != "" {
		results = append(results, scenarioRemoteLogin(ctx, e))
	}

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func scenarioHealth(ctx context.Context, e env) scenarioResult {
	name := "Health"
	if _, err := httpGetBody(ctx, e.shell+"/health"); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if e.remote != "" {
		if _, err := httpGetBody(ctx, e.remote+"/health"); err != nil {
			return scenarioResult{name, resultFail, "remote: " + err.Error()}
		}
	}
	return scenarioResult{name, resultPass, ""}
}

// scenarioGuardedNavigation logs out first so the shell is anonymous, then
// checks that /dashboard redirects to /.
func scenarioGuardedNavigation(ctx context.Context, e env) scenarioResult {
	name := "Guarded navigation"

	c, err := client.New(ctx, e.wsURL, e.origin)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()
	if err := c.Logout(); err != nil {
		return scenarioResult{name, resultFail, "logout: " + err.Error()}
	}
	if err := waitForSession(ctx, e, false); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	loc, err := redirectLocation(ctx, e.shell+"/dashboard")
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if loc != "/" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/dashboard redirected to %q", loc)}
	}
	return scenarioResult{name, resultPass, ""}
}

// scenarioBrowserJourney plays the shell page and an embedded login context.
func scenarioBrowserJourney(ctx context.Context, e env) []scenarioResult {
	login := "Browser login"
	untrusted := "Untrusted origin dropped"
	logout := "Browser logout"
	fail := func(detail string) []scenarioResult {
		return []scenarioResult{{login, resultFail, detail}}
	}

	page, err := client.New(ctx, e.wsURL, e.shellOrigin)
	if err != nil {
		return fail("shell page: " + err.Error())
	}
	defer page.Close()
	navigations := page.Navigations()

	frame, err := client.New(ctx, e.wsURL, e.origin)
	if err != nil {
		return fail("login frame: " + err.Error())
	}
	defer frame.Close()

	// Login.
	if err := frame.LoginSuccess("e2e-token", "e2e@example.com"); err != nil {
		return fail(err.Error())
	}
	if err := expectNavigation(ctx, navigations, "/dashboard", e.wait); err != nil {
		return fail(err.Error())
	}
	if err := waitForSession(ctx, e, true); err != nil {
		return fail(err.Error())
	}
	results := []scenarioResult{{login, resultPass, ""}}

	// A context from another origin cannot end the session.
	evil, err := client.New(ctx, e.wsURL, "http://evil.example")
	if err != nil {
		results = append(results, scenarioResult{untrusted, resultInfo, err.Error()})
	} else {
		evil.Logout()
		time.Sleep(300 * time.Millisecond)
		evil.Close()
		if authenticated, err := sessionState(ctx, e); err != nil || !authenticated {
			results = append(results, scenarioResult{untrusted, resultFail, "session ended by untrusted origin"})
		} else {
			results = append(results, scenarioResult{untrusted, resultPass, ""})
		}
	}

	// Logout.
	if err := frame.Logout(); err != nil {
		return append(results, scenarioResult{logout, resultFail, err.Error()})
	}
	if err := expectNavigation(ctx, navigations, "/", e.wait); err != nil {
		return append(results, scenarioResult{logout, resultFail, err.Error()})
	}
	if err := waitForSession(ctx, e, false); err != nil {
		return append(results, scenarioResult{logout, resultFail, err.Error()})
	}
	return append(results, scenarioResult{logout, resultPass, ""})
}

// scenarioRemoteLogin drives the login remote's API and waits for the shell
// to pick the session up over NATS.
func scenarioRemoteLogin(ctx context.Context, e env) scenarioResult {
	name := "Remote login via NATS"

	page, err := client.New(ctx, e.wsURL, e.shellOrigin)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer page.Close()
	navigations := page.Navigations()

	status, body, err := postJSON(ctx, e.remote+"/api/login", `{"email":"user@example.com","password":"wrong"}`)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if status != http.StatusUnauthorized || !strings.Contains(string(body), `"clear_after_ms":3000`) {
		return scenarioResult{name, resultFail, fmt.Sprintf("bad credentials: status %d body %s", status, body)}
	}

	status, body, err = postJSON(ctx, e.remote+"/api/login", `{"email":"user@example.com","password":"password123"}`)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if status != http.StatusOK {
		return scenarioResult{name, resultFail, fmt.Sprintf("login: status %d body %s", status, body)}
	}
	if err := expectNavigation(ctx, navigations, "/dashboard", e.wait); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	if _, _, err := postJSON(ctx, e.remote+"/api/logout", ""); err != nil {
		return scenarioResult{name, resultFail, "logout: " + err.Error()}
	}
	if err := expectNavigation(ctx, navigations, "/", e.wait); err != nil {
		return scenarioResult{name, resultFail, "logout: " + err.Error()}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func expectNavigation(ctx context.Context, navigations <-chan string, want string, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case route := <-navigations:
			if route == want {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for NAVIGATE %s", want)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sessionState(ctx context.Context, e env) (bool, error) {
	body, err := httpGetBody(ctx, e.shell+"/api/session")
	if err != nil {
		return false, err
	}
	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode /api/session: %w", err)
	}
	return resp.Authenticated, nil
}

// waitForSession polls /api/session until it reports want.
func waitForSession(ctx context.Context, e env, want bool) error {
	deadline := time.Now().Add(e.wait)
	for {
		got, err := sessionState(ctx, e)
		if err == nil && got == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session authenticated=%v, want %v (err=%v)", got, want, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func redirectLocation(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", fmt.Errorf("GET %s: status %d, want 302", url, resp.StatusCode)
	}
	return resp.Header.Get("Location"), nil
}

func postJSON(ctx context.Context, url, body string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
