package session

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists the session for one scope as two rows of the
// session_records table, keyed by (scope, key). Both rows are written or
// deleted in one transaction.
type PostgresStore struct {
	db    *sql.DB
	scope string
}

// OpenPostgres opens a connection pool for dsn and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. It is a no-op when the
// schema is current.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("session: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("session: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("session: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("session: migrate up: %w", err)
	}
	return nil
}

// NewPostgresStore creates a store for scope. The schema must already be
// migrated.
func NewPostgresStore(db *sql.DB, scope string) *PostgresStore {
	return &PostgresStore{db: db, scope: scope}
}

// Load reads both rows. Query errors are logged and reported as anonymous.
func (s *PostgresStore) Load(ctx context.Context) Session {
	const query = `
		SELECT key, value
		FROM session_records
		WHERE scope = $1 AND key IN ($2, $3)`

	rows, err := s.db.QueryContext(ctx, query, s.scope, KeyToken, KeyUser)
	if err != nil {
		log.Printf("[session] postgres load scope=%s: %v", s.scope, err)
		return Session{}
	}
	defer rows.Close()

	var token, user string
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			log.Printf("[session] postgres scan scope=%s: %v", s.scope, err)
			return Session{}
		}
		switch key {
		case KeyToken:
			token = value
		case KeyUser:
			user = value
		}
	}
	if err := rows.Err(); err != nil {
		log.Printf("[session] postgres rows scope=%s: %v", s.scope, err)
		return Session{}
	}
	return decodeRecord(token, []byte(user))
}

// Save upserts both rows in one transaction.
func (s *PostgresStore) Save(ctx context.Context, sess Session) error {
	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("session: marshal user: %w", err)
	}

	const upsert = `
		INSERT INTO session_records (scope, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert, s.scope, KeyToken, sess.Token); err != nil {
			return fmt.Errorf("session: upsert token: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsert, s.scope, KeyUser, string(user)); err != nil {
			return fmt.Errorf("session: upsert user: %w", err)
		}
		return nil
	})
}

// Clear deletes both rows.
func (s *PostgresStore) Clear(ctx context.Context) error {
	const del = `DELETE FROM session_records WHERE scope = $1 AND key IN ($2, $3)`

	if _, err := s.db.ExecContext(ctx, del, s.scope, KeyToken, KeyUser); err != nil {
		return fmt.Errorf("session: postgres clear: %w", err)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}
