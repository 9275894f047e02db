package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists the session for one scope as two plain string keys:
//
//	<scope>:token -> token
//	<scope>:user  -> JSON user record
//
// Both keys are written inside MULTI/EXEC and removed by a single DEL, so a
// reader never sees one without the other.
type RedisStore struct {
	client *redis.Client
	scope  string
	ttl    time.Duration // 0 keeps the record until logout
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store for scope on an existing client.
func NewRedisStore(client *redis.Client, scope string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, scope: scope, ttl: ttl}
}

func (s *RedisStore) key(name string) string {
	return s.scope + ":" + name
}

// Load reads both keys in one round trip. Redis errors are logged and
// reported as an anonymous session.
func (s *RedisStore) Load(ctx context.Context) Session {
	vals, err := s.client.MGet(ctx, s.key(KeyToken), s.key(KeyUser)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[session] redis load scope=%s: %v", s.scope, err)
		}
		return Session{}
	}
	token, _ := vals[0].(string)
	user, _ := vals[1].(string)
	return decodeRecord(token, []byte(user))
}

// Save writes token and user atomically.
func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("session: marshal user: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(KeyToken), sess.Token, s.ttl)
	pipe.Set(ctx, s.key(KeyUser), user, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis save: %w", err)
	}
	return nil
}

// Clear deletes both keys atomically.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(KeyToken), s.key(KeyUser)).Err(); err != nil {
		return fmt.Errorf("session: redis clear: %w", err)
	}
	return nil
}
