package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clinique-saint-luc/patientbff/model"
)

// MemoryStore is an in-memory Store. Suitable for testing and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	state     model.WorkflowState
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Load returns a copy of the stored state if it has not expired.
func (s *MemoryStore) Load(_ context.Context, id string) (model.WorkflowState, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[id]
	s.mu.RUnlock()

	if !exists {
		return model.WorkflowState{}, false, nil
	}
	if !s.now().Before(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return model.WorkflowState{}, false, nil
	}
	return entry.state.Clone(), true, nil
}

// Save stores a copy of state if it follows the stored version.
func (s *MemoryStore) Save(_ context.Context, id string, state model.WorkflowState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if existing, ok := s.entries[id]; ok && s.now().Before(existing.expiresAt) {
		stored = existing.state.Version
	}
	if state.Version != stored+1 {
		return fmt.Errorf("session %q at version %d: %w", id, stored, ErrVersionConflict)
	}
	s.entries[id] = memEntry{
		state:     state.Clone(),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Sweep removes expired sessions.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
