package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-gateway/internal/models"
	"github.com/kjstillabower/weather-gateway/internal/observability"
)

const keyPrefix = "weather:"

// MemcachedStore implements Store using memcached. Memcached enforces TTL
// expiry itself, so the store keeps a local registry of keys it has written
// to answer Size, to detect evictions (a registered key that memcached no
// longer has), and to scope Clear to this service's keys.
type MemcachedStore struct {
	client *memcache.Client

	mu        sync.Mutex
	known     map[string]struct{}
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, known: make(map[string]struct{})}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemcachedStore) key(k string) string {
	return keyPrefix + k
}

// Get implements Store.Get. A miss on a key this process previously wrote is
// counted as an eviction (memcached expired or dropped it).
func (s *MemcachedStore) Get(ctx context.Context, key string) (models.Record, bool, error) {
	if ctx.Err() != nil {
		return models.Record{}, false, ctx.Err()
	}
	item, err := s.client.Get(s.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			s.mu.Lock()
			s.misses++
			if _, wasKnown := s.known[key]; wasKnown {
				delete(s.known, key)
				s.evictions++
				observability.CacheEvictionsTotal.Inc()
			}
			s.mu.Unlock()
			observability.CacheMissesTotal.Inc()
			return models.Record{}, false, nil
		}
		return models.Record{}, false, err
	}
	var rec models.Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return models.Record{}, false, err
	}
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	observability.CacheHitsTotal.Inc()
	return rec, true, nil
}

// Set implements Store.Set.
func (s *MemcachedStore) Set(ctx context.Context, key string, value models.Record, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // memcached treats larger values as absolute timestamps
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 600
	}
	if err := s.client.Set(&memcache.Item{
		Key:        s.key(key),
		Value:      raw,
		Expiration: expSec,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.known[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Invalidate removes one entry. A missing key is not an error.
func (s *MemcachedStore) Invalidate(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err := s.client.Delete(s.key(key))
	if err != nil && err != memcache.ErrCacheMiss {
		return err
	}
	s.mu.Lock()
	delete(s.known, key)
	s.mu.Unlock()
	return nil
}

// Clear removes every key this process has written. Deliberately not
// FlushAll: the memcached instance may be shared.
func (s *MemcachedStore) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.known))
	for k := range s.known {
		keys = append(keys, k)
	}
	s.known = make(map[string]struct{})
	s.mu.Unlock()
	for _, k := range keys {
		if err := s.client.Delete(s.key(k)); err != nil && err != memcache.ErrCacheMiss {
			return err
		}
	}
	return nil
}

// Stats returns the locally tracked counters. Size is the number of keys
// written by this process and not yet invalidated or seen expired.
func (s *MemcachedStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Size:      len(s.known),
	}
}

// Ping checks memcached reachability. Used by the health handler.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close releases client resources.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
