package approval

import (
	"context"
	"sync"
)

// SessionMemory caches "for this session" decisions keyed by request
// fingerprint. It is owned by one call scope and discarded when the scope
// closes; it must never be stored in package-level state or concurrent runs
// would leak each other's approvals.
//
// Lookup-and-insert is a single atomic step: when two equivalent requests
// race, one becomes the leader and prompts while the other waits for the
// leader's decision instead of triggering a duplicate prompt.
type SessionMemory struct {
	mu        sync.Mutex
	decisions map[string]Decision
	inflight  map[string]chan struct{}
}

// NewSessionMemory creates an empty session memory.
func NewSessionMemory() *SessionMemory {
	return &SessionMemory{
		decisions: map[string]Decision{},
		inflight:  map[string]chan struct{}{},
	}
}

// Lookup returns a cached decision for the fingerprint, if any.
func (m *SessionMemory) Lookup(fingerprint string) (Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[fingerprint]
	return d, ok
}

// Len reports the number of cached decisions.
func (m *SessionMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decisions)
}

// acquire resolves a fingerprint to either a cached decision or leadership of
// the in-flight prompt. Followers block until the leader finishes or ctx is
// cancelled.
func (m *SessionMemory) acquire(ctx context.Context, fingerprint string) (Decision, bool, error) {
	for {
		m.mu.Lock()
		if d, ok := m.decisions[fingerprint]; ok {
			m.mu.Unlock()
			d.Source = SourceSession
			return d, false, nil
		}
		ch, busy := m.inflight[fingerprint]
		if !busy {
			m.inflight[fingerprint] = make(chan struct{})
			m.mu.Unlock()
			return Decision{}, true, nil
		}
		m.mu.Unlock()

		select {
		case <-ch:
			// Leader finished; loop to pick up its decision (or take over
			// leadership if the leader's decision was not cacheable).
		case <-ctx.Done():
			return Decision{}, false, ctx.Err()
		}
	}
}

// release publishes the leader's decision. Only ScopeSession decisions are
// remembered; everything else just wakes the waiters so they prompt anew.
func (m *SessionMemory) release(fingerprint string, d Decision, remember bool) {
	m.mu.Lock()
	if remember && d.Scope == ScopeSession {
		m.decisions[fingerprint] = d
	}
	if ch, ok := m.inflight[fingerprint]; ok {
		close(ch)
		delete(m.inflight, fingerprint)
	}
	m.mu.Unlock()
}
