package session

import (
	"sync"

	"github.com/hupe1980/callmesh/core"
)

// InMemoryStore is a volatile HistoryStore keeping conversation histories in
// a process local map. It is safe for concurrent access and best suited for
// tests or ephemeral demo binaries. Returned histories are cloned to prevent
// external mutation of internal state.
type InMemoryStore struct {
	mu        sync.RWMutex
	histories map[string]*core.History
}

// NewInMemoryStore constructs an empty in-memory history store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{histories: make(map[string]*core.History)}
}

// Get returns an existing history (clone) or creates a new one lazily.
func (s *InMemoryStore) Get(sessionID string) (*core.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[sessionID]
	if !ok {
		h = core.NewHistory(sessionID)
		s.histories[sessionID] = h
	}

	return h.Clone(), nil
}

// Append records a turn on the session's history, creating it if needed.
func (s *InMemoryStore) Append(sessionID, runID string, content core.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[sessionID]
	if !ok {
		h = core.NewHistory(sessionID)
		s.histories[sessionID] = h
	}
	h.Append(runID, content)

	return nil
}
