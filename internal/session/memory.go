package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests. Expiry is
// enforced on read; revocation markers are kept separately so a session id
// stays refusable after its record is gone.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memEntry
	revoked map[string]bool
	byUser  map[string]map[string]bool
}

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memEntry),
		revoked: make(map[string]bool),
		byUser:  make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = &memEntry{rec: *rec, expiresAt: time.Now().Add(ttl)}
	set, ok := s.byUser[rec.UserID]
	if !ok {
		set = make(map[string]bool)
		s.byUser[rec.UserID] = set
	}
	set[rec.ID] = true
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[id]; ok {
		e.rec.Revoked = true
	}
	s.revoked[id] = true
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[id]; ok {
		e.rec.LastAccess = at
	}
	return nil
}

func (s *MemoryStore) ListUserSessions(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var ids []string
	for id := range s.byUser[userID] {
		if e, ok := s.records[id]; ok && now.Before(e.expiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	ids, err := s.ListUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.Revoke(ctx, id)
	}
	return len(ids), nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked[id], nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
