package recorder

import "sync"

// Sequence hands out strictly increasing, gap-free decision numbers for one call.
type Sequence struct {
	mu   sync.Mutex
	last int
}

// NewSequence starts a sequence after last; pass 0 for a fresh call.
func NewSequence(last int) *Sequence {
	return &Sequence{last: last}
}

// Next returns the next number.
func (s *Sequence) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last
}

// Last returns the most recently issued number.
func (s *Sequence) Last() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
