package store

import (
	"context"
	"sync"
	"time"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

const DefaultMemoryCapacity = 1000

// MemoryStore keeps the most recent entries, evicting the oldest at capacity.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.QueryLog
	max     int
}

func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = DefaultMemoryCapacity
	}
	return &MemoryStore{
		entries: make([]model.QueryLog, 0, min(max, 64)),
		max:     max,
	}
}

func (s *MemoryStore) Insert(_ context.Context, entry model.QueryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(s.entries) >= s.max {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, n int) ([]model.QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]model.QueryLog, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
