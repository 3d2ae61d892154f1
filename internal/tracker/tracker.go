// Package tracker holds the in-memory record of charges whose payment has
// been detected but not yet observed by a polling client. It is constructed
// once at startup and injected; a restart loses all entries, which the
// polling contract tolerates.
package tracker

import "sync"

type PendingSet struct {
	mu           sync.Mutex
	pending      map[string]struct{}
	lastChargeID string
}

func NewPendingSet() *PendingSet {
	return &PendingSet{pending: make(map[string]struct{})}
}

func (s *PendingSet) Add(chargeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[chargeID] = struct{}{}
	s.lastChargeID = chargeID
}

// Consume reports whether the charge was pending and removes it in the same
// critical section, so exactly one concurrent poller observes success.
func (s *PendingSet) Consume(chargeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[chargeID]; !ok {
		return false
	}
	delete(s.pending, chargeID)
	if s.lastChargeID == chargeID {
		s.lastChargeID = ""
	}
	return true
}

func (s *PendingSet) Has(chargeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[chargeID]
	return ok
}

func (s *PendingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LastChargeID returns the most recently added charge id that has not been
// consumed yet. Diagnostic only.
func (s *PendingSet) LastChargeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChargeID
}
