package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-gateway/internal/models"
	"github.com/kjstillabower/weather-gateway/internal/observability"
)

// WeatherFetcher is implemented by the service layer to fetch weather for a
// city. Declared here so the warmer does not depend on the service package.
type WeatherFetcher interface {
	GetWeather(ctx context.Context, city string, kind models.QueryKind) (models.Record, error)
}

// Warmer prefetches current weather for a list of cities so the first real
// requests after startup hit a warm cache.
type Warmer struct {
	fetcher WeatherFetcher
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that uses the given fetcher and logger.
func NewWarmer(fetcher WeatherFetcher, logger *zap.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, logger: logger}
}

// Warm fetches current weather for each city concurrently, populating the
// cache through the fetcher. Returns an aggregated error if any city failed.
func (w *Warmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("cities", len(cities)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(cities))
	for _, city := range cities {
		wg.Add(1)
		go func(city string) {
			defer wg.Done()
			if _, err := w.fetcher.GetWeather(ctx, city, models.KindCurrent); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", city, err)
			}
		}(city)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	observability.CacheWarmingDurationSeconds.Observe(time.Since(start).Seconds())
	if w.logger != nil {
		w.logger.Info("cache warming complete",
			zap.Int("cities", len(cities)),
			zap.Int("failures", len(errs)),
			zap.Duration("duration", time.Since(start)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("cache warming: %d of %d cities failed: %v", len(errs), len(cities), errs[0])
	}
	return nil
}

// WarmPeriodic re-warms the cities on the given interval until ctx is done.
// Keeps tracked cities fresh so their TTL never lapses under quiet traffic.
func (w *Warmer) WarmPeriodic(ctx context.Context, cities []string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, cities); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warming", zap.Error(err))
			}
		}
	}
}
