package login

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mfshell/shell/internal/session"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	config := DefaultConfig([]byte("test-secret"))
	config.Cost = bcrypt.MinCost
	v, err := NewVerifier(config)
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestLogin_DemoAccount(t *testing.T) {
	v := newTestVerifier(t)

	s, err := v.Login(DemoEmail, DemoPassword)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if !s.Active() || s.User.Email != DemoEmail {
		t.Fatalf("expected active session for %s, got %+v", DemoEmail, s)
	}

	claims, err := parseToken(s.Token, []byte("test-secret"))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Email != DemoEmail || claims.Subject != DemoEmail || claims.ID == "" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if claims.Issuer != "mfshell-login" {
		t.Errorf("expected issuer mfshell-login, got %q", claims.Issuer)
	}
}

// parseToken validates an issued token the way a relying party would.
func parseToken(token string, secret []byte) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("mfshell-login"),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	return claims, err
}

func TestLogin_EmailIsCaseInsensitive(t *testing.T) {
	v := newTestVerifier(t)
	if _, err := v.Verify(" USER@example.com ", DemoPassword); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
}

func TestLogin_Rejections(t *testing.T) {
	v := newTestVerifier(t)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", DemoEmail, "password124"},
		{"unknown email", "other@example.com", DemoPassword},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Login(tt.email, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestAddAccount(t *testing.T) {
	v := newTestVerifier(t)
	user := session.User{Email: "b@x.com"}
	if err := v.AddAccount(user, "s3cret"); err != nil {
		t.Fatalf("AddAccount() error: %v", err)
	}

	got, err := v.Verify("b@x.com", "s3cret")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if got.Email != "b@x.com" {
		t.Errorf("expected b@x.com, got %q", got.Email)
	}

	if err := v.AddAccount(session.User{}, "x"); err == nil {
		t.Error("expected error for account without email")
	}
}

func TestIssue_TokenLifetime(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue(session.User{Email: DemoEmail})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if _, err := parseToken(token, []byte("other-secret")); err == nil {
		t.Error("expected token to fail verification under a foreign secret")
	}

	claims, err := parseToken(token, []byte("test-secret"))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != 8*time.Hour {
		t.Errorf("expected 8h lifetime, got %s", ttl)
	}

	expiredConfig := DefaultConfig([]byte("test-secret"))
	expiredConfig.Cost = bcrypt.MinCost
	expiredConfig.TokenTTL = -time.Minute
	expired, _ := NewVerifier(expiredConfig)
	stale, _ := expired.Issue(session.User{Email: DemoEmail})
	if _, err := parseToken(stale, []byte("test-secret")); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}
