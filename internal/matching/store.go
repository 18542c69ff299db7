package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// SessionStore persists review sessions until they expire.
//
// Update is an atomic read-mutate-write: fn sees the latest stored value and
// its changes are written back only if fn returns nil. Stores report absent
// or expired sessions with core.ErrSessionNotFound.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// MemoryStore keeps sessions in process memory. Values are stored encoded so
// callers never share state with the store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{sessions: make(map[string][]byte), now: now}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = raw
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(id)
}

func (m *MemoryStore) loadLocked(id string) (*Session, error) {
	raw, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Expired(m.now()) {
		delete(m.sessions, id)
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return &s, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	m.sessions[id] = raw
	return s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok, nil
}
