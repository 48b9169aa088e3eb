package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		ttl:      ttlOrDefault(ttl),
		now:      time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s = stamp(s, m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[s.ID]; ok {
		s = existing.Merge(s)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(m.now()) {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// ScanRecent returns sessions seen within window, freshest first.
func (m *MemoryStore) ScanRecent(_ context.Context, window time.Duration) ([]Session, error) {
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.LastSeen.Before(cutoff) && !s.Expired(now) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sortFreshestFirst(out)
	return out, nil
}

// DeleteExpired removes records whose advisory expiry has passed.
func (m *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of stored records, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func sortFreshestFirst(s []Session) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].LastSeen.After(s[j].LastSeen)
	})
}
