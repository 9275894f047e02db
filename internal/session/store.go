package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	// KeyToken is the persisted key holding the session token.
	KeyToken = "token"

	// KeyUser is the persisted key holding the serialized user record.
	KeyUser = "user"
)

// Store persists a Session for one origin scope. Load never fails: a
// missing, partial or corrupt record is reported as an anonymous Session.
// Save and Clear write both keys in one atomic step.
type Store interface {
	Load(ctx context.Context) Session
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local Store. It keeps the serialized form so that
// it behaves like the durable backends, including the tolerance for corrupt
// records set through SetRaw.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Load returns the stored session, or an anonymous one.
func (m *MemoryStore) Load(_ context.Context) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return decodeRecord(string(m.data[KeyToken]), m.data[KeyUser])
}

// Save replaces both keys under a single lock.
func (m *MemoryStore) Save(_ context.Context, s Session) error {
	user, err := json.Marshal(s.User)
	if err != nil {
		return fmt.Errorf("session: marshal user: %w", err)
	}

	m.mu.Lock()
	m.data[KeyToken] = []byte(s.Token)
	m.data[KeyUser] = user
	m.mu.Unlock()
	return nil
}

// Clear removes both keys.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	delete(m.data, KeyToken)
	delete(m.data, KeyUser)
	m.mu.Unlock()
	return nil
}

// SetRaw writes a raw value under key, bypassing serialization. Used to seed
// stores with legacy or damaged records.
func (m *MemoryStore) SetRaw(key string, value []byte) {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
}

// Raw returns the raw value stored under key and whether it exists.
func (m *MemoryStore) Raw(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}
