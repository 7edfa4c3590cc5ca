package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-gateway/internal/models"
	"github.com/kjstillabower/weather-gateway/internal/observability"
)

// Stats is a point-in-time snapshot of cache counters. Hits, Misses and
// Evictions accumulate for the life of the process; Size is the current
// number of live entries. Clearing the cache resets Size only.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// Store defines the interface for weather record caching implementations.
// Get returns the record if present and not expired; expired entries are
// treated as absent, removed on access, and counted as both a miss and an
// eviction. Set replaces any existing entry and restarts its TTL.
type Store interface {
	Get(ctx context.Context, key string) (models.Record, bool, error)
	Set(ctx context.Context, key string, value models.Record, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() Stats
}

// entry stores a cached record with its expiration timestamp. Entries are
// immutable once stored; refresh replaces the whole entry via Set.
type entry struct {
	value     models.Record
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryStore implements Store with a mutex-guarded map. Expired entries are
// removed lazily on Get and actively by a janitor goroutine when a sweep
// interval is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]entry

	hits      uint64
	misses    uint64
	evictions uint64

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore. sweepInterval <= 0 disables the
// janitor; the store then relies solely on expiry-on-read.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		data:     make(map[string]entry),
		interval: sweepInterval,
		stopCh:   make(chan struct{}),
	}
	s.startJanitor()
	return s
}

// Get retrieves the cached record for key if present and not expired.
// Returns (record, true, nil) on hit. A missing key counts one miss; an
// expired entry counts one miss and one eviction and is deleted.
func (s *MemoryStore) Get(ctx context.Context, key string) (models.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		s.misses++
		observability.CacheMissesTotal.Inc()
		return models.Record{}, false, nil
	}

	if time.Now().After(e.expiresAt) {
		delete(s.data, key)
		s.misses++
		s.evictions++
		observability.CacheMissesTotal.Inc()
		observability.CacheEvictionsTotal.Inc()
		return models.Record{}, false, nil
	}

	s.hits++
	observability.CacheHitsTotal.Inc()
	return e.value, true, nil
}

// Set stores a record under key with the given TTL, unconditionally
// replacing any existing entry and restarting its freshness window.
func (s *MemoryStore) Set(ctx context.Context, key string, value models.Record, ttl time.Duration) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Invalidate removes one entry immediately. Removing an entry by explicit
// invalidation does not count as an eviction.
func (s *MemoryStore) Invalidate(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Clear drops every entry. The cumulative hit/miss/eviction counters are
// unaffected; only Size returns to zero.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]entry)
	return nil
}

// Stats returns a consistent snapshot of the counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Size:      len(s.data),
	}
}

// Close stops the janitor goroutine. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// startJanitor launches the background sweep that removes expired entries
// even when they are never read again, keeping memory bounded for keys that
// go cold. Each removal counts as an eviction.
func (s *MemoryStore) startJanitor() {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.deleteExpired()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// deleteExpired removes all entries whose expiry has passed.
func (s *MemoryStore) deleteExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.data {
		if now.After(e.expiresAt) {
			delete(s.data, k)
			s.evictions++
			observability.CacheEvictionsTotal.Inc()
		}
	}
}
