package recorder

import (
	"context"
	"sort"
	"sync"

	"github.com/acme/call-routing/internal/domain"
)

// MemorySink keeps decisions in process memory.
type MemorySink struct {
	mu        sync.RWMutex
	decisions map[string][]domain.RoutingDecision
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{decisions: make(map[string][]domain.RoutingDecision)}
}

func (s *MemorySink) AppendDecision(_ context.Context, d domain.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.CallID] = append(s.decisions[d.CallID], d)
	return nil
}

// Decisions returns a copy of the decisions for callID ordered by sequence.
func (s *MemorySink) Decisions(callID string) []domain.RoutingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RoutingDecision, len(s.decisions[callID]))
	copy(out, s.decisions[callID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
