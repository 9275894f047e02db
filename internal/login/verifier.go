// Package login is the login remote's credential check. It holds a small
// in-memory account table with bcrypt password hashes and mints a signed
// token for every successful check. The shell never sees credentials; it only
// receives the resulting LOGIN_SUCCESS.
package login

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mfshell/shell/internal/session"
)

// Demo account available out of the box.
const (
	DemoEmail    = "user@example.com"
	DemoPassword = "password123"
)

var (
	// ErrInvalidCredentials is returned for an unknown email or a wrong
	// password. The two cases are not distinguished.
	ErrInvalidCredentials = errors.New("login: invalid credentials")
)

// Config configures a Verifier.
type Config struct {
	Secret   []byte        // HMAC key for issued tokens
	Issuer   string        // "iss" claim
	TokenTTL time.Duration // lifetime of issued tokens
	Cost     int           // bcrypt cost for account hashes
	SeedDemo bool          // register DemoEmail / DemoPassword
}

// DefaultConfig returns a Config with the demo account enabled.
func DefaultConfig(secret []byte) Config {
	return Config{
		Secret:   secret,
		Issuer:   "mfshell-login",
		TokenTTL: 8 * time.Hour,
		Cost:     bcrypt.DefaultCost,
		SeedDemo: true,
	}
}

// Claims are the claims carried by an issued token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type account struct {
	user session.User
	hash []byte
}

// Verifier checks credentials against its account table.
type Verifier struct {
	config Config

	mu       sync.RWMutex
	accounts map[string]account // keyed by lowercased email
}

// NewVerifier creates a Verifier. The secret must not be empty.
func NewVerifier(config Config) (*Verifier, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("login: empty signing secret")
	}
	if config.Cost == 0 {
		config.Cost = bcrypt.DefaultCost
	}

	v := &Verifier{
		config:   config,
		accounts: make(map[string]account),
	}
	if config.SeedDemo {
		if err := v.AddAccount(session.User{Email: DemoEmail}, DemoPassword); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// AddAccount registers user with password, replacing any account with the
// same email.
func (v *Verifier) AddAccount(user session.User, password string) error {
	if user.Email == "" {
		return errors.New("login: account without email")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.config.Cost)
	if err != nil {
		return fmt.Errorf("login: hash password: %w", err)
	}

	v.mu.Lock()
	v.accounts[strings.ToLower(user.Email)] = account{user: user, hash: hash}
	v.mu.Unlock()
	return nil
}

// Verify checks email and password and returns the account's user.
func (v *Verifier) Verify(email, password string) (session.User, error) {
	v.mu.RLock()
	acct, ok := v.accounts[strings.ToLower(strings.TrimSpace(email))]
	v.mu.RUnlock()
	if !ok {
		return session.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		return session.User{}, ErrInvalidCredentials
	}
	return acct.user, nil
}

// Login verifies the credentials and issues a token for the user.
func (v *Verifier) Login(email, password string) (session.Session, error) {
	user, err := v.Verify(email, password)
	if err != nil {
		return session.Session{}, err
	}
	token, err := v.Issue(user)
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{Token: token, User: user}, nil
}

// Issue mints an HS256 token for user.
func (v *Verifier) Issue(user session.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.Email,
			Issuer:    v.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.config.TokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.config.Secret)
	if err != nil {
		return "", fmt.Errorf("login: sign token: %w", err)
	}
	return signed, nil
}
