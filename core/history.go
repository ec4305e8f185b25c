package core

import (
	"sync"
	"time"
)

// History is the conversation record threaded through the root frame of a
// multi-turn run. By default only the root frame carries one; spawned children
// start stateless so an unrelated nested call can neither absorb nor pollute
// the conversation. It is safe for concurrent access.
type History struct {
	SessionID string    `json:"session_id"`
	Turns     []Turn    `json:"turns"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	mu        sync.RWMutex
}

// Turn is one conversational exchange entry.
type Turn struct {
	RunID     string    `json:"run_id"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHistory creates an empty history for the given session.
func NewHistory(sessionID string) *History {
	now := time.Now().UTC()
	return &History{SessionID: sessionID, Created: now, Updated: now}
}

// Append adds a turn to the history.
func (h *History) Append(runID string, content Content) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Turns = append(h.Turns, Turn{RunID: runID, Content: content, Timestamp: time.Now().UTC()})
	h.Updated = time.Now().UTC()
}

// Contents returns the ordered conversational contents, filtered to roles a
// model can consume (user, assistant, tool).
func (h *History) Contents() []Content {
	h.mu.RLock()
	defer h.mu.RUnlock()
	allowed := map[string]bool{"user": true, "assistant": true, "tool": true}
	res := make([]Content, 0, len(h.Turns))
	for _, t := range h.Turns {
		if !allowed[t.Content.Role] {
			continue
		}
		res = append(res, t.Content)
	}
	return res
}

// Len reports the number of turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Turns)
}

// Clone returns a deep copy safe for independent mutation.
func (h *History) Clone() *History {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clone := &History{SessionID: h.SessionID, Created: h.Created, Updated: h.Updated, Turns: make([]Turn, len(h.Turns))}
	copy(clone.Turns, h.Turns)
	return clone
}

// HistoryStore persists conversation histories between top-level runs.
type HistoryStore interface {
	Get(sessionID string) (*History, error)
	Append(sessionID, runID string, content Content) error
}
