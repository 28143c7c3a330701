package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps timestamp lists in process memory. Records are lost on
// restart, which only resets every sender's window.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]time.Time)}
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]time.Time(nil), s.records[key]...), nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, stamps []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(stamps) == 0 {
		delete(s.records, key)
		return nil
	}
	s.records[key] = append([]time.Time(nil), stamps...)
	return nil
}

// Prune drops timestamps before cutoff and removes emptied records.
func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, stamps := range s.records {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, ts)
		}
		if len(kept) == 0 {
			delete(s.records, key)
		} else {
			s.records[key] = kept
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
