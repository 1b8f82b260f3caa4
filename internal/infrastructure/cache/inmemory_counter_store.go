package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/apihub/backend/internal/domain/shared"
)

// counterEntry is a stored counter value with expiration.
type counterEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

func (e counterEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// InMemoryCounterStore implements CounterStore using an in-memory map.
// This is suitable for single-instance deployments and testing; a clustered
// deployment must use the Redis store so replicas share counters.
type InMemoryCounterStore struct {
	mu        sync.Mutex
	entries   map[string]counterEntry
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	now       func() time.Time
}

// NewInMemoryCounterStore creates a new in-memory counter store.
// It starts a background goroutine to clean up expired entries.
func NewInMemoryCounterStore() *InMemoryCounterStore {
	store := &InMemoryCounterStore{
		entries:  make(map[string]counterEntry),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	store.wg.Add(1)
	go store.cleanupLoop()

	return store
}

// WithClock overrides the store's clock. Test use only.
func (s *InMemoryCounterStore) WithClock(now func() time.Time) *InMemoryCounterStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// IncrementWithTTL atomically increments key, setting ttl on first creation.
func (s *InMemoryCounterStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrementByWithTTL(ctx, key, 1, ttl)
}

// IncrementByWithTTL atomically adds delta to key, setting ttl on first creation.
func (s *InMemoryCounterStore) IncrementByWithTTL(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, exists := s.entries[key]
	if !exists || e.expired(now) {
		e = counterEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}
	e.value += delta
	s.entries[key] = e
	return e.value, nil
}

// Get returns the value at key, or 0 for missing/expired keys.
func (s *InMemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if !exists || e.expired(s.now()) {
		return 0, nil
	}
	return e.value, nil
}

// ScanKeys iterates non-expired keys matching a redis-style glob pattern.
// The key set is snapshotted under the lock, then fn runs without it, so a
// slow callback cannot block writers.
func (s *InMemoryCounterStore) ScanKeys(_ context.Context, pattern string, _ int64, fn func(key string) error) error {
	s.mu.Lock()
	now := s.now()
	keys := make([]string, 0, len(s.entries))
	for key, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a key.
func (s *InMemoryCounterStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *InMemoryCounterStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine and releases resources.
// Safe to call multiple times.
func (s *InMemoryCounterStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// cleanupLoop periodically removes expired entries.
func (s *InMemoryCounterStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired entries from the store.
func (s *InMemoryCounterStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}

// Size returns the number of entries in the store (for testing/monitoring)
func (s *InMemoryCounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Ensure InMemoryCounterStore implements CounterStore
var _ shared.CounterStore = (*InMemoryCounterStore)(nil)
