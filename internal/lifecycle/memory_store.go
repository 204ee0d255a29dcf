package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"
)

type sessionKey struct {
	source     Source
	instanceID string
}

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[sessionKey]Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[sessionKey]Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, s Session) (bool, error) {
	if err := Validate(s); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{source: s.Source, instanceID: s.InstanceID}
	if _, exists := m.sessions[key]; exists {
		return false, nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.sessions[key] = cloneSession(s)
	return true, nil
}

func (m *MemoryStore) FindActive(_ context.Context, source Source) ([]Session, error) {
	return m.find(source, func(s Session) bool { return s.EndedAt == nil }), nil
}

func (m *MemoryStore) FindEndedNotIngested(_ context.Context, source Source) ([]Session, error) {
	return m.find(source, func(s Session) bool { return s.EndedAt != nil && !s.Ingested }), nil
}

func (m *MemoryStore) FindEndedAndIngested(_ context.Context, source Source) ([]Session, error) {
	return m.find(source, Session.Purgeable), nil
}

func (m *MemoryStore) MarkEnded(_ context.Context, source Source, instanceIDs []string, at time.Time) (int64, error) {
	return m.update(source, instanceIDs, func(s *Session) bool {
		if s.EndedAt != nil {
			return false
		}
		ended := EndedAt(s.StartedAt, at)
		s.EndedAt = &ended
		return true
	}), nil
}

func (m *MemoryStore) MarkIngested(_ context.Context, source Source, instanceIDs []string) (int64, error) {
	return m.update(source, instanceIDs, func(s *Session) bool {
		if s.Ingested {
			return false
		}
		s.Ingested = true
		return true
	}), nil
}

func (m *MemoryStore) Delete(_ context.Context, source Source, instanceIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range instanceIDs {
		key := sessionKey{source: source, instanceID: id}
		s, ok := m.sessions[key]
		if !ok || !s.Purgeable() {
			continue
		}
		delete(m.sessions, key)
		n++
	}
	return n, nil
}

func (m *MemoryStore) find(source Source, match func(Session) bool) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []Session
	for key, s := range m.sessions {
		if key.source != source || !match(s) {
			continue
		}
		list = append(list, cloneSession(s))
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].InstanceID < list[j].InstanceID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
	return list
}

func (m *MemoryStore) update(source Source, instanceIDs []string, apply func(*Session) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range instanceIDs {
		key := sessionKey{source: source, instanceID: id}
		s, ok := m.sessions[key]
		if !ok {
			continue
		}
		if apply(&s) {
			m.sessions[key] = s
			n++
		}
	}
	return n
}

func cloneSession(s Session) Session {
	if s.EndedAt != nil {
		ended := *s.EndedAt
		s.EndedAt = &ended
	}
	return s
}
