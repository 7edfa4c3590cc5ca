package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-gateway/internal/models"
	"github.com/kjstillabower/weather-gateway/internal/observability"
)

// Fetcher issues a single bounded-latency call to the weather provider.
// Exactly one attempt per invocation; retry policy, if any, belongs to the
// caller (and here there is none).
type Fetcher interface {
	Fetch(ctx context.Context, city string, kind models.QueryKind) (Payload, error)
	Ping(ctx context.Context) error
}

var (
	// ErrTimeout means the provider did not respond within the deadline.
	ErrTimeout = errors.New("upstream timeout")
	// ErrUnavailable means the provider was unreachable or returned a non-2xx.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrNotFound means the provider could not resolve the city.
	ErrNotFound = errors.New("city not found")
)

// Payload is the raw provider response for one fetch, plus the resolved
// place from the geocoding step. Body is handed to the normalizer untouched.
type Payload struct {
	City    string
	Country string
	Body    json.RawMessage
}

// OpenMeteoClient fetches weather from the Open-Meteo API. One Fetch runs
// the geocoding lookup and the weather call under a single shared deadline.
type OpenMeteoClient struct {
	geocodeURL string
	weatherURL string
	apiKey     string
	timeout    time.Duration
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewOpenMeteoClient creates a client. apiKey may be empty (Open-Meteo's free
// tier is unauthenticated); when set it is sent on every request. timeout is
// the hard per-Fetch deadline.
func NewOpenMeteoClient(geocodeURL, weatherURL, apiKey string, timeout time.Duration) (*OpenMeteoClient, error) {
	if geocodeURL == "" || weatherURL == "" {
		return nil, fmt.Errorf("geocode and weather URLs are required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", timeout)
	}
	return &OpenMeteoClient{
		geocodeURL: geocodeURL,
		weatherURL: weatherURL,
		apiKey:     apiKey,
		timeout:    timeout,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// SetBreaker installs a circuit breaker around Fetch. While the breaker is
// open, Fetch fails fast with ErrUnavailable without touching the network.
func (c *OpenMeteoClient) SetBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

// geoResponse is the Open-Meteo geocoding result shape.
type geoResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

// Fetch resolves the city and retrieves its current weather or forecast
// document. One attempt, no retries; the whole exchange shares one deadline.
func (c *OpenMeteoClient) Fetch(ctx context.Context, city string, kind models.QueryKind) (Payload, error) {
	if c.breaker == nil {
		return c.fetch(ctx, city, kind)
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, city, kind)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Payload{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return Payload{}, err
	}
	return v.(Payload), nil
}

func (c *OpenMeteoClient) fetch(ctx context.Context, city string, kind models.QueryKind) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	payload, err := c.doFetch(ctx, city, kind)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(duration)

	return payload, err
}

func (c *OpenMeteoClient) doFetch(ctx context.Context, city string, kind models.QueryKind) (Payload, error) {
	place, err := c.geocode(ctx, city)
	if err != nil {
		return Payload{}, err
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(place.lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(place.lon, 'f', -1, 64))
	params.Set("timezone", "auto")
	switch kind {
	case models.KindForecast:
		params.Set("daily", "temperature_2m_max,temperature_2m_min,weather_code,precipitation_sum")
		params.Set("forecast_days", "5")
	default:
		params.Set("current", "temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m")
	}

	body, err := c.get(ctx, c.weatherURL, params)
	if err != nil {
		return Payload{}, err
	}
	return Payload{City: place.name, Country: place.country, Body: body}, nil
}

type place struct {
	name    string
	country string
	lat     float64
	lon     float64
}

// geocode resolves a city name to coordinates. An empty result set is the
// provider's way of saying the city does not exist, which is distinguishable
// from unavailability and maps to ErrNotFound.
func (c *OpenMeteoClient) geocode(ctx context.Context, city string) (place, error) {
	params := url.Values{}
	params.Set("name", city)
	params.Set("count", "1")
	params.Set("language", "en")
	params.Set("format", "json")

	body, err := c.get(ctx, c.geocodeURL, params)
	if err != nil {
		return place{}, err
	}

	var geo geoResponse
	if err := json.Unmarshal(body, &geo); err != nil {
		return place{}, fmt.Errorf("%w: parse geocode response: %v", ErrUnavailable, err)
	}
	if len(geo.Results) == 0 {
		return place{}, fmt.Errorf("%w: %q", ErrNotFound, city)
	}
	r := geo.Results[0]
	return place{name: r.Name, country: r.Country, lat: r.Latitude, lon: r.Longitude}, nil
}

// get issues one GET and returns the body, classifying failures into the
// fetch error taxonomy.
func (c *OpenMeteoClient) get(ctx context.Context, baseURL string, params url.Values) ([]byte, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", baseURL, err)
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrUnavailable, err)
	}
	return body, nil
}

// Ping checks provider reachability with a minimal geocoding lookup.
// Used by the health handler.
func (c *OpenMeteoClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.geocode(ctx, "London")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}
