package session

import (
	"context"
	"fmt"
	"time"
)

// Store backends accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Options select and configure a store backend.
type Options struct {
	Backend     string
	Scope       string        // origin the records belong to
	RedisAddr   string        // redis backend
	TTL         time.Duration // redis backend; zero keeps records until cleared
	DatabaseURL string        // postgres backend
}

// Open connects the configured backend and returns the store with a function
// that releases its connection.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), func() error { return nil }, nil

	case BackendRedis:
		client, err := NewRedisClient(opts.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStore(client, opts.Scope, opts.TTL), client.Close, nil

	case BackendPostgres:
		db, err := OpenPostgres(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return NewPostgresStore(db, opts.Scope), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("session: unknown backend %q", opts.Backend)
	}
}
