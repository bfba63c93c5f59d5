package sessions

import (
	"context"
	"sync"

	"github.com/haasonsaas/conduit/pkg/models"
)

// MemoryStore keeps the persisted set in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions []models.PersistedSession
	saves    int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored set with a deep copy of sessions.
func (s *MemoryStore) Save(ctx context.Context, sessions []models.PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = clonePersisted(sessions)
	s.saves++
	return nil
}

// Load returns a copy of the stored set without running sessions.
func (s *MemoryStore) Load(ctx context.Context) ([]models.PersistedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return dropRunning(clonePersisted(s.sessions)), nil
}

// Saves reports how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func clonePersisted(in []models.PersistedSession) []models.PersistedSession {
	if in == nil {
		return nil
	}
	out := make([]models.PersistedSession, len(in))
	for i, ps := range in {
		out[i] = ps
		out[i].Events = append([]models.Event(nil), ps.Events...)
	}
	return out
}
