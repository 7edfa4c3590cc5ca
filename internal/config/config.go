package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env. The fixed
// operational constants (upstream timeout, cache TTL, rate-limit quota) are
// injected here at startup, never hardcoded in the components.
type Config struct {
	ServerPort string

	GeocodeURL      string
	WeatherURL      string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend       string // "in_memory" or "memcached"
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRequests   int
	RateLimitWindow     time.Duration
	RateLimitGCInterval time.Duration

	GlobalRateRPS   int // 0 disables the process-wide limiter
	GlobalRateBurst int

	BreakerEnabled     bool
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	MaxCityLength int

	WarmCities   []string
	WarmInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		GeocodeURL string `yaml:"geocode_url"`
		WeatherURL string `yaml:"weather_url"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"upstream"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend       string `yaml:"backend"`
		TTL           string `yaml:"ttl"`
		SweepInterval string `yaml:"sweep_interval"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	RateLimit struct {
		Requests    int    `yaml:"requests"`
		Window      string `yaml:"window"`
		GCInterval  string `yaml:"gc_interval"`
		GlobalRPS   int    `yaml:"global_rps"`
		GlobalBurst int    `yaml:"global_burst"`
	} `yaml:"rate_limit"`

	Breaker struct {
		Enabled     bool   `yaml:"enabled"`
		MaxRequests int    `yaml:"max_requests"`
		Interval    string `yaml:"interval"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"breaker"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Validation struct {
		MaxCityLength int `yaml:"max_city_length"`
	} `yaml:"validation"`

	Warming struct {
		Cities   []string `yaml:"cities"`
		Interval string   `yaml:"interval"`
	} `yaml:"warming"`
}

type secretsFile struct {
	UpstreamAPIKey string `yaml:"upstream_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), a
// best-effort .env file, and config/secrets.yaml. The upstream API key comes
// from UPSTREAM_API_KEY env or the secrets file and may be empty (Open-Meteo's
// free tier takes none). Call from project root.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.GeocodeURL = strings.TrimSpace(os.Getenv("UPSTREAM_GEOCODE_URL"))
	if cfg.GeocodeURL == "" {
		cfg.GeocodeURL = fc.Upstream.GeocodeURL
	}
	if cfg.GeocodeURL == "" {
		cfg.GeocodeURL = "https://geocoding-api.open-meteo.com/v1/search"
	}
	cfg.WeatherURL = strings.TrimSpace(os.Getenv("UPSTREAM_WEATHER_URL"))
	if cfg.WeatherURL == "" {
		cfg.WeatherURL = fc.Upstream.WeatherURL
	}
	if cfg.WeatherURL == "" {
		cfg.WeatherURL = "https://api.open-meteo.com/v1/forecast"
	}
	cfg.UpstreamTimeout = parseDuration(fc.Upstream.Timeout, 5*time.Second)

	cfg.UpstreamAPIKey = os.Getenv("UPSTREAM_API_KEY")
	if cfg.UpstreamAPIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.UpstreamAPIKey = sec.UpstreamAPIKey
		}
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, cfg.UpstreamTimeout+time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CacheSweepInterval = parseDurationOrZero(fc.Cache.SweepInterval, time.Minute)

	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RateLimitRequests = fc.RateLimit.Requests
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 10
	}
	cfg.RateLimitWindow = parseDuration(fc.RateLimit.Window, 60*time.Second)
	cfg.RateLimitGCInterval = parseDurationOrZero(fc.RateLimit.GCInterval, 5*time.Minute)
	cfg.GlobalRateRPS = fc.RateLimit.GlobalRPS
	cfg.GlobalRateBurst = fc.RateLimit.GlobalBurst
	if cfg.GlobalRateRPS > 0 && cfg.GlobalRateBurst <= 0 {
		cfg.GlobalRateBurst = cfg.GlobalRateRPS
	}

	cfg.BreakerEnabled = fc.Breaker.Enabled
	cfg.BreakerMaxRequests = uint32(fc.Breaker.MaxRequests)
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 5
	}
	cfg.BreakerInterval = parseDuration(fc.Breaker.Interval, time.Minute)
	cfg.BreakerTimeout = parseDuration(fc.Breaker.Timeout, 2*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.MaxCityLength = fc.Validation.MaxCityLength
	if cfg.MaxCityLength <= 0 {
		cfg.MaxCityLength = 80
	}

	cfg.WarmCities = fc.Warming.Cities
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.Interval, 0)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values. Ensures
// the upstream timeout is positive, the request timeout exceeds it (auto-
// adjusted if not), and the cache backend is a known value.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	return nil
}
