package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

type memEntry struct {
	raw     []byte
	expires time.Time
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memEntry), now: now}
}

func (m *MemoryStore) put(key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{raw: raw, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) get(key string, v any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.raw, v)
}

func (m *MemoryStore) SetProgress(ctx context.Context, jobID string, p core.ImportProgress, ttl time.Duration) error {
	return m.put(jobID+":progress", p, ttl)
}

func (m *MemoryStore) SetStatus(ctx context.Context, jobID string, s core.ImportStatus, ttl time.Duration) error {
	return m.put(jobID+":status", s, ttl)
}

func (m *MemoryStore) SetReport(ctx context.Context, jobID string, r *core.ImportReport, ttl time.Duration) error {
	return m.put(jobID+":report", r, ttl)
}

func (m *MemoryStore) Progress(ctx context.Context, jobID string) (core.ImportProgress, bool, error) {
	var p core.ImportProgress
	ok, err := m.get(jobID+":progress", &p)
	return p, ok, err
}

func (m *MemoryStore) Status(ctx context.Context, jobID string) (core.ImportStatus, bool, error) {
	var s core.ImportStatus
	ok, err := m.get(jobID+":status", &s)
	return s, ok, err
}

func (m *MemoryStore) Report(ctx context.Context, jobID string) (*core.ImportReport, bool, error) {
	var r core.ImportReport
	ok, err := m.get(jobID+":report", &r)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &r, true, nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error {
	return m.put(jobID+":cancel", true, ttl)
}

func (m *MemoryStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var v bool
	ok, err := m.get(jobID+":cancel", &v)
	return ok && v, err
}

func (m *MemoryStore) ClearCancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, jobID+":cancel")
	return nil
}
