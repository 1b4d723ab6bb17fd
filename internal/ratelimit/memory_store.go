package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process CounterStore. Expired counters are
// dropped lazily on access and by Sweep.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{counters: make(map[string]*memCounter), now: now}
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !s.now().Before(c.expiresAt) {
		return 0, ErrCounterUnknown
	}
	return c.count, nil
}

// Sweep removes expired counters and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
			dropped++
		}
	}
	return dropped
}

// RunSweeper sweeps every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
