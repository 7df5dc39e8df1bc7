package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for single-instance runs and tests.
// A sender's entries are dropped once pruning empties them.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryStore) Window(_ context.Context, senderID string, cutoff time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.windows[senderID]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	if len(ts) == 0 {
		delete(s.windows, senderID)
		return 0, time.Time{}, nil
	}
	s.windows[senderID] = ts
	return len(ts), ts[0], nil
}

func (s *MemoryStore) Record(_ context.Context, senderID string, at time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.windows[senderID]
	i, _ := slices.BinarySearchFunc(ts, at, func(a, b time.Time) int { return a.Compare(b) })
	s.windows[senderID] = slices.Insert(ts, i, at)
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, senderID)
	return nil
}
