// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mfshell/shell/internal/messaging"
	"github.com/mfshell/shell/internal/session"
)

// Session store backends.
const (
	BackendMemory   = session.BackendMemory
	BackendRedis    = session.BackendRedis
	BackendPostgres = session.BackendPostgres
)

// Remote modes.
const (
	ModeLogin     = "login"
	ModeDashboard = "dashboard"
)

// Common holds the settings shared by the shell and the remotes.
type Common struct {
	ShellID        string        `env:"SHELL_ID" envDefault:"default"`
	NATSURL        string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSToken      string        `env:"NATS_TOKEN"`
	NATSUser       string        `env:"NATS_USER"`
	NATSPassword   string        `env:"NATS_PASSWORD"`
	SessionBackend string        `env:"SESSION_BACKEND" envDefault:"memory"`
	SessionScope   string        `env:"SESSION_SCOPE" envDefault:"http://localhost:3000"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"0s"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DatabaseURL    string        `env:"DATABASE_URL"`
}

// Shell configures cmd/shell.
type Shell struct {
	Common
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:":3000"`
	Origin         string   `env:"ORIGIN" envDefault:"http://localhost:3000"`
	TrustedOrigins []string `env:"TRUSTED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3001,http://localhost:3002"`
	LoginURL       string   `env:"LOGIN_URL" envDefault:"http://localhost:3001/"`
	DashboardURL   string   `env:"DASHBOARD_URL" envDefault:"http://localhost:3002/"`
	MaxBrowsers    int      `env:"WS_MAX_CONNECTIONS" envDefault:"1024"`
}

// Remote configures cmd/remote.
type Remote struct {
	Common
	ListenAddr  string        `env:"LISTEN_ADDR" envDefault:":3001"`
	Mode        string        `env:"REMOTE_MODE" envDefault:"login"`
	Origin      string        `env:"ORIGIN" envDefault:"http://localhost:3001"`
	ShellOrigin string        `env:"SHELL_ORIGIN" envDefault:"http://localhost:3000"`
	JWTSecret   string        `env:"JWT_SECRET"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"8h"`
	LoginLimit  int           `env:"LOGIN_RATE_LIMIT" envDefault:"5"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// StoreOptions returns the session store settings.
func (c Common) StoreOptions() session.Options {
	return session.Options{
		Backend:     c.SessionBackend,
		Scope:       c.SessionScope,
		RedisAddr:   c.RedisAddr,
		TTL:         c.SessionTTL,
		DatabaseURL: c.DatabaseURL,
	}
}

// NATSConfig returns the NATS connection settings for a client called name.
func (c Common) NATSConfig(name string) messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	cfg.Name = name
	cfg.Token = c.NATSToken
	cfg.User = c.NATSUser
	cfg.Password = c.NATSPassword
	return cfg
}

// LoadShell parses and validates the shell configuration.
func LoadShell() (Shell, error) {
	var cfg Shell
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Common.validate(); err != nil {
		return cfg, err
	}
	if len(cfg.TrustedOrigins) == 0 {
		return cfg, fmt.Errorf("config: TRUSTED_ORIGINS must list at least one origin or *")
	}
	return cfg, nil
}

// LoadRemote parses and validates a remote's configuration.
func LoadRemote() (Remote, error) {
	var cfg Remote
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Common.validate(); err != nil {
		return cfg, err
	}
	switch cfg.Mode {
	case ModeLogin:
		if cfg.JWTSecret == "" {
			return cfg, fmt.Errorf("config: JWT_SECRET is required in %s mode", ModeLogin)
		}
	case ModeDashboard:
	default:
		return cfg, fmt.Errorf("config: unknown REMOTE_MODE %q", cfg.Mode)
	}
	return cfg, nil
}

func (c *Common) validate() error {
	c.SessionBackend = strings.ToLower(strings.TrimSpace(c.SessionBackend))
	switch c.SessionBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("config: unknown SESSION_BACKEND %q", c.SessionBackend)
	}
	if c.NATSToken != "" && c.NATSUser != "" {
		return fmt.Errorf("config: set either NATS_TOKEN or NATS_USER, not both")
	}
	if c.ShellID == "" {
		return fmt.Errorf("config: SHELL_ID must not be empty")
	}
	return nil
}
