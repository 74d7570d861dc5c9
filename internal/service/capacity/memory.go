package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/acme/call-routing/internal/domain"
)

type memoryCounters struct {
	active int
	days   map[string]int
	hours  map[string]int
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Key]*memoryCounters
	now      func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[Key]*memoryCounters), now: time.Now}
}

// Set overwrites the counters for key in the current day and hour.
func (s *MemoryStore) Set(key Key, c domain.Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day, hour := buckets(s.now())
	mc := s.entry(key)
	mc.active = c.Active
	mc.days[day] = c.Today
	mc.hours[hour] = c.ThisHour
}

func (s *MemoryStore) Snapshot(_ context.Context, key Key) (domain.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(key), nil
}

func (s *MemoryStore) SnapshotMany(_ context.Context, keys []Key) (map[Key]domain.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Key]domain.Counters, len(keys))
	for _, k := range keys {
		out[k] = s.snapshot(k)
	}
	return out, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, limits domain.Capacity) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day, hour := buckets(s.now())
	mc := s.entry(key)
	switch {
	case limits.DailyCap > 0 && mc.days[day] >= limits.DailyCap:
		return false, denialReason(reserveDaily), nil
	case limits.HourlyCap > 0 && mc.hours[hour] >= limits.HourlyCap:
		return false, denialReason(reserveHourly), nil
	case limits.ConcurrencyLimit > 0 && mc.active >= limits.ConcurrencyLimit:
		return false, denialReason(reserveConcurrency), nil
	}
	mc.active++
	mc.days[day]++
	mc.hours[hour]++
	return true, "", nil
}

func (s *MemoryStore) Release(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mc, ok := s.counters[key]; ok && mc.active > 0 {
		mc.active--
	}
	return nil
}

func (s *MemoryStore) snapshot(key Key) domain.Counters {
	mc, ok := s.counters[key]
	if !ok {
		return domain.Counters{}
	}
	day, hour := buckets(s.now())
	return domain.Counters{Today: mc.days[day], ThisHour: mc.hours[hour], Active: mc.active}
}

func (s *MemoryStore) entry(key Key) *memoryCounters {
	mc, ok := s.counters[key]
	if !ok {
		mc = &memoryCounters{days: make(map[string]int), hours: make(map[string]int)}
		s.counters[key] = mc
	}
	return mc
}

func buckets(now time.Time) (string, string) {
	now = now.UTC()
	return now.Format("20060102"), now.Format("2006010215")
}
