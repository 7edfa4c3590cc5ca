package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-gateway/internal/cache"
	"github.com/kjstillabower/weather-gateway/internal/client"
	"github.com/kjstillabower/weather-gateway/internal/models"
	"github.com/kjstillabower/weather-gateway/internal/normalize"
	"github.com/kjstillabower/weather-gateway/internal/observability"
)

// Gateway orchestrates weather retrieval: cache lookup first, then a
// single-flight fetch-normalize-store sequence on miss. The gateway owns no
// cached state itself; the Store owns entries and statistics exclusively.
type Gateway struct {
	fetcher      client.Fetcher
	store        cache.Store
	ttl          time.Duration
	fetchTimeout time.Duration
	coalescer    *requestCoalescer
}

// NewGateway creates a Gateway. ttl is the cache freshness window,
// fetchTimeout bounds each upstream fetch (the leader runs detached from the
// inbound request, so this is its only bound).
func NewGateway(fetcher client.Fetcher, store cache.Store, ttl, fetchTimeout time.Duration) *Gateway {
	return &Gateway{
		fetcher:      fetcher,
		store:        store,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		// Waiters get a grace period past the fetch deadline before bailing.
		coalescer: newRequestCoalescer(fetchTimeout + time.Second),
	}
}

// CacheKey builds the cache key for a city and query kind. The city is
// lowercased and trimmed so "London", "london" and " LONDON " share a slot.
func CacheKey(city string, kind models.QueryKind) string {
	return string(kind) + ":" + NormalizeCity(city)
}

// NormalizeCity normalizes city strings for cache keys and upstream requests.
func NormalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetWeather returns the weather record for a city and query kind. On a
// fresh cache entry the record is returned with Cached=true and no upstream
// call is made. On a miss, at most one fetch per key runs at a time;
// concurrent misses on the same key share that fetch's outcome. Fetch or
// normalize failures propagate to every sharer; there are no retries.
func (g *Gateway) GetWeather(ctx context.Context, city string, kind models.QueryKind) (models.Record, error) {
	key := CacheKey(city, kind)
	start := time.Now()
	logger := loggerFromContext(ctx)

	cached, ok, err := g.store.Get(ctx, key)
	if err != nil {
		if logger != nil {
			logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
	} else if ok {
		cached.Cached = true
		if logger != nil {
			logger.Debug("cache hit", zap.String("key", key), zap.Duration("duration", time.Since(start)))
		}
		return cached, nil
	}

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("key", key))
	}

	waitStart := time.Now()
	rec, coalesced, err := g.coalescer.GetOrDo(ctx, key, func() (models.Record, error) {
		return g.fetchAndStore(key, city, kind)
	})
	if coalesced {
		observability.CoalescedRequestsTotal.Inc()
		observability.CoalescedWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("fetch weather for %s: %w", key, err)
	}

	rec.Cached = false
	if logger != nil {
		logger.Debug("weather served",
			zap.String("key", key),
			zap.Bool("cached", false),
			zap.Bool("coalesced", coalesced),
			zap.Duration("duration", time.Since(start)))
	}
	return rec, nil
}

// fetchAndStore is the single-flight leader body: one upstream fetch, one
// normalization, one cache store. It runs on a context derived from
// Background so an aborted inbound request cannot cancel a fetch that other
// waiters and future readers depend on.
func (g *Gateway) fetchAndStore(key, city string, kind models.QueryKind) (models.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.fetchTimeout)
	defer cancel()

	payload, err := g.fetcher.Fetch(ctx, NormalizeCity(city), kind)
	if err != nil {
		return models.Record{}, err
	}

	resolvedCity := payload.City
	if resolvedCity == "" {
		resolvedCity = NormalizeCity(city)
	}
	rec, err := normalize.Normalize(payload.Body, resolvedCity, payload.Country, kind)
	if err != nil {
		return models.Record{}, err
	}

	// A store failure is not a request failure; the next miss fetches again.
	_ = g.store.Set(ctx, key, rec, g.ttl)
	return rec, nil
}

// Stats returns the cache statistics snapshot for the cache-status endpoint.
func (g *Gateway) Stats() cache.Stats {
	return g.store.Stats()
}

// ClearCache drops every cached entry immediately.
func (g *Gateway) ClearCache(ctx context.Context) error {
	return g.store.Clear(ctx)
}
