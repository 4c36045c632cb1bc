package reconcile

import "sync"

// Sequencer hands out per-account monotonic sequence numbers. A number is
// taken at observation time: when a poll request is issued or when a push
// event is received. Whichever observation was made later therefore wins,
// regardless of which one finishes first.
type Sequencer struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequencer creates a Sequencer starting every account at 1.
func NewSequencer() *Sequencer {
	return &Sequencer{last: make(map[string]uint64)}
}

// Next returns the next sequence for the account.
func (s *Sequencer) Next(accountID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[accountID]++
	return s.last[accountID]
}

// Last returns the most recently issued sequence for the account.
func (s *Sequencer) Last(accountID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[accountID]
}
