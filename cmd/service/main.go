package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-gateway/internal/cache"
	"github.com/kjstillabower/weather-gateway/internal/client"
	"github.com/kjstillabower/weather-gateway/internal/config"
	httphandler "github.com/kjstillabower/weather-gateway/internal/http"
	"github.com/kjstillabower/weather-gateway/internal/lifecycle"
	"github.com/kjstillabower/weather-gateway/internal/observability"
	"github.com/kjstillabower/weather-gateway/internal/ratelimit"
	"github.com/kjstillabower/weather-gateway/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	fetcher, err := client.NewOpenMeteoClient(cfg.GeocodeURL, cfg.WeatherURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout)
	if err != nil {
		logger.Fatal("upstream client", zap.Error(err))
	}
	if cfg.BreakerEnabled {
		fetcher.SetBreaker(gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream",
			MaxRequests: cfg.BreakerMaxRequests,
			Interval:    cfg.BreakerInterval,
			Timeout:     cfg.BreakerTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker transition",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}))
		logger.Info("circuit breaker enabled",
			zap.Uint32("max_requests", cfg.BreakerMaxRequests),
			zap.Duration("timeout", cfg.BreakerTimeout))
	}

	var store cache.Store
	var cachePing func() error
	var memStore *cache.MemoryStore
	var memcachedStore *cache.MemcachedStore
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached store", zap.Error(err))
		}
		memcachedStore = mc
		store = mc
		cachePing = mc.Ping
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		memStore = cache.NewMemoryStore(cfg.CacheSweepInterval)
		store = memStore
		logger.Info("cache backend: in_memory", zap.Duration("ttl", cfg.CacheTTL))
	}

	gateway := service.NewGateway(fetcher, store, cfg.CacheTTL, cfg.UpstreamTimeout)

	admitter := ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitGCInterval)
	logger.Info("per-client rate limit",
		zap.Int("requests", cfg.RateLimitRequests),
		zap.Duration("window", cfg.RateLimitWindow))

	var globalLimiter *rate.Limiter
	if cfg.GlobalRateRPS > 0 {
		globalLimiter = rate.NewLimiter(rate.Limit(cfg.GlobalRateRPS), cfg.GlobalRateBurst)
		logger.Info("global rate limit", zap.Int("rps", cfg.GlobalRateRPS), zap.Int("burst", cfg.GlobalRateBurst))
	}

	handler := httphandler.NewHandler(gateway, logger, cfg.MaxCityLength, cachePing)

	if len(cfg.WarmCities) > 0 {
		warmer := cache.NewWarmer(gateway, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmCities); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), cfg.WarmCities, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Use(httphandler.GlobalRateLimitMiddleware(globalLimiter))
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	// Operational cache endpoints bypass per-client admission.
	router.HandleFunc("/weather/cache-status", handler.GetCacheStatus).Methods("GET")
	router.HandleFunc("/weather/cache", handler.DeleteCache).Methods("DELETE")

	// Fetch endpoints: per-client admission, then a request deadline.
	timeout := httphandler.TimeoutMiddleware(cfg.RequestTimeout)
	router.Handle("/weather/forecast/{city}",
		timeout(httphandler.AdmitClient(admitter, http.HandlerFunc(handler.GetForecast)))).Methods("GET")
	router.Handle("/weather/{city}",
		timeout(httphandler.AdmitClient(admitter, http.HandlerFunc(handler.GetCurrent)))).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	admitter.Close()
	if memStore != nil {
		memStore.Close()
	}
	if memcachedStore != nil {
		if err := memcachedStore.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
