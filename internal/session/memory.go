package session

import (
	"context"
	"sync"
	"time"
)

type tombstone struct {
	lastSequence int
	until        time.Time
}

// MemoryStore is an in-process Store. Each instance is independent.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	sessions  map[string]State
	closed    map[string]tombstone
}

func NewMemoryStore(ttl, retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		ttl:       ttl,
		retention: retention,
		now:       time.Now,
		sessions:  make(map[string]State),
		closed:    make(map[string]tombstone),
	}
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok || (!s.ExpiresAt.IsZero() && !m.now().Before(s.ExpiresAt)) {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	s.UpdatedAt = now
	if m.ttl > 0 {
		s.ExpiresAt = now.Add(m.ttl)
	}
	m.sessions[s.CallID] = *s
	return nil
}

func (m *MemoryStore) Close(_ context.Context, callID string, lastSequence int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	m.bury(callID, lastSequence, m.now())
	return nil
}

func (m *MemoryStore) Closed(_ context.Context, callID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if t, ok := m.closed[callID]; ok && now.Before(t.until) {
		return t.lastSequence, true, nil
	}
	// expired but not yet swept
	if s, ok := m.sessions[callID]; ok && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return s.LastSequence, true, nil
	}
	return 0, false, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []State
	for id, s := range m.sessions {
		if s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt) {
			continue
		}
		expired = append(expired, s)
		delete(m.sessions, id)
		m.bury(id, s.LastSequence, now)
	}
	for id, t := range m.closed {
		if !now.Before(t.until) {
			delete(m.closed, id)
		}
	}
	return expired, nil
}

// bury keeps the highest sequence seen for a call. Callers hold mu.
func (m *MemoryStore) bury(callID string, lastSequence int, now time.Time) {
	if prev, ok := m.closed[callID]; ok && prev.lastSequence > lastSequence {
		lastSequence = prev.lastSequence
	}
	m.closed[callID] = tombstone{lastSequence: lastSequence, until: now.Add(m.retention)}
}

// Len reports the number of live sessions, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
