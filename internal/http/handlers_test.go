package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-gateway/internal/cache"
	"github.com/kjstillabower/weather-gateway/internal/client"
	"github.com/kjstillabower/weather-gateway/internal/models"
	"github.com/kjstillabower/weather-gateway/internal/ratelimit"
	"github.com/kjstillabower/weather-gateway/internal/service"
)

// stubFetcher serves a canned payload or a fixed error.
type stubFetcher struct {
	body  string
	err   error
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, city string, kind models.QueryKind) (client.Payload, error) {
	s.calls++
	if s.err != nil {
		return client.Payload{}, s.err
	}
	return client.Payload{City: city, Body: []byte(s.body)}, nil
}

func (s *stubFetcher) Ping(ctx context.Context) error { return nil }

// newTestRouter wires handlers and routes the way the service does, with an
// optional per-client limiter on the fetch endpoints only.
func newTestRouter(t *testing.T, fetcher client.Fetcher, limiter *ratelimit.Limiter) *mux.Router {
	t.Helper()
	store := cache.NewMemoryStore(0)
	gateway := service.NewGateway(fetcher, store, 10*time.Minute, time.Second)
	handler := NewHandler(gateway, zap.NewNop(), 100, nil)

	r := mux.NewRouter()
	r.HandleFunc("/health", handler.GetHealth).Methods(http.MethodGet)
	r.HandleFunc("/weather/cache-status", handler.GetCacheStatus).Methods(http.MethodGet)
	r.HandleFunc("/weather/cache", handler.DeleteCache).Methods(http.MethodDelete)
	r.Handle("/weather/forecast/{city}", AdmitClient(limiter, http.HandlerFunc(handler.GetForecast))).Methods(http.MethodGet)
	r.Handle("/weather/{city}", AdmitClient(limiter, http.HandlerFunc(handler.GetCurrent))).Methods(http.MethodGet)
	return r
}

func doRequest(t *testing.T, r *mux.Router, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not a JSON object: %v\n%s", err, rec.Body.String())
	}
	return rec, body
}

const stubCurrentBody = `{"current": {"time": "2026-08-28T10:00", "temperature_2m": 15.5, "weather_code": 3}}`

// TestGetCurrent_MissThenHit verifies the happy path: 200 with cached=false
// on the first request and cached=true on the second.
func TestGetCurrent_MissThenHit(t *testing.T) {
	fetcher := &stubFetcher{body: stubCurrentBody}
	r := newTestRouter(t, fetcher, nil)

	rec, body := doRequest(t, r, http.MethodGet, "/weather/seattle")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body["cached"] != false {
		t.Errorf("cached = %v, want false on first fetch", body["cached"])
	}
	if body["temperature"] != 15.5 {
		t.Errorf("temperature = %v, want 15.5", body["temperature"])
	}

	_, body = doRequest(t, r, http.MethodGet, "/weather/seattle")
	if body["cached"] != true {
		t.Errorf("cached = %v, want true on repeat", body["cached"])
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls)
	}
}

// TestGetCurrent_InvalidCity verifies the 400 envelope for a rejected name.
func TestGetCurrent_InvalidCity(t *testing.T) {
	r := newTestRouter(t, &stubFetcher{body: stubCurrentBody}, nil)

	rec, body := doRequest(t, r, http.MethodGet, "/weather/bad%3Bcity")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body["error"] != "invalid_city" {
		t.Errorf("error = %v, want invalid_city", body["error"])
	}
	if body["detail"] == nil || body["detail"] == "" {
		t.Error("detail missing from 400 envelope")
	}
}

// TestGetCurrent_UpstreamFailuresCollapseTo503 verifies that every upstream
// failure mode surfaces as the same 503 envelope without leaking the cause.
func TestGetCurrent_UpstreamFailuresCollapseTo503(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"timeout", client.ErrTimeout},
		{"unavailable", client.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, &stubFetcher{err: tt.err}, nil)

			rec, body := doRequest(t, r, http.MethodGet, "/weather/seattle")
			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", rec.Code)
			}
			if body["error"] != "service_unavailable" {
				t.Errorf("error = %v, want service_unavailable", body["error"])
			}
			if body["detail"] != "unable to fetch weather data" {
				t.Errorf("detail = %v, want the generic message", body["detail"])
			}
		})
	}
}

// TestGetCurrent_MalformedUpstreamPayload verifies that schema drift past the
// known aliases also collapses into the 503 envelope.
func TestGetCurrent_MalformedUpstreamPayload(t *testing.T) {
	r := newTestRouter(t, &stubFetcher{body: `{"surprise": []}`}, nil)

	rec, body := doRequest(t, r, http.MethodGet, "/weather/seattle")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body["error"] != "service_unavailable" {
		t.Errorf("error = %v, want service_unavailable", body["error"])
	}
}

// TestGetCurrent_CityNotFound verifies the 404 envelope for an unresolvable
// city.
func TestGetCurrent_CityNotFound(t *testing.T) {
	r := newTestRouter(t, &stubFetcher{err: client.ErrNotFound}, nil)

	rec, body := doRequest(t, r, http.MethodGet, "/weather/atlantis")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body["error"] != "not_found" {
		t.Errorf("error = %v, want not_found", body["error"])
	}
}

// TestGetForecast verifies the forecast route returns per-day rows.
func TestGetForecast(t *testing.T) {
	forecastBody := `{"daily": {"time": ["2026-08-28"], "temperature_2m_max": [21.0], "temperature_2m_min": [12.0], "weather_code": [0]}}`
	r := newTestRouter(t, &stubFetcher{body: forecastBody}, nil)

	rec, body := doRequest(t, r, http.MethodGet, "/weather/forecast/madrid")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	days, ok := body["forecastDays"].([]interface{})
	if !ok || len(days) != 1 {
		t.Fatalf("forecastDays = %v, want one day", body["forecastDays"])
	}
	if body["queryKind"] != "forecast" {
		t.Errorf("queryKind = %v, want forecast", body["queryKind"])
	}
}

// TestGetCacheStatus verifies the counters endpoint reflects traffic.
func TestGetCacheStatus(t *testing.T) {
	r := newTestRouter(t, &stubFetcher{body: stubCurrentBody}, nil)

	doRequest(t, r, http.MethodGet, "/weather/seattle") // miss
	doRequest(t, r, http.MethodGet, "/weather/seattle") // hit

	rec, body := doRequest(t, r, http.MethodGet, "/weather/cache-status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := map[string]float64{"hits": 1, "misses": 1, "evictions": 0, "size": 1}
	for field, v := range want {
		if body[field] != v {
			t.Errorf("%s = %v, want %v", field, body[field], v)
		}
	}
}

// TestDeleteCache verifies invalidation: {"cleared": true} and a fresh miss
// afterwards.
func TestDeleteCache(t *testing.T) {
	fetcher := &stubFetcher{body: stubCurrentBody}
	r := newTestRouter(t, fetcher, nil)

	doRequest(t, r, http.MethodGet, "/weather/seattle")

	rec, body := doRequest(t, r, http.MethodDelete, "/weather/cache")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["cleared"] != true {
		t.Errorf("cleared = %v, want true", body["cleared"])
	}

	_, body = doRequest(t, r, http.MethodGet, "/weather/seattle")
	if body["cached"] != false {
		t.Errorf("cached = %v, want false after invalidation", body["cached"])
	}
	if fetcher.calls != 2 {
		t.Errorf("fetcher calls = %d, want 2", fetcher.calls)
	}
}

// TestRateLimit_FetchEndpoints verifies the 429 envelope on the request past
// the quota, including the Retry-After header and retryAfterSeconds hint.
func TestRateLimit_FetchEndpoints(t *testing.T) {
	limiter := ratelimit.New(2, time.Minute, 0)
	defer limiter.Close()
	r := newTestRouter(t, &stubFetcher{body: stubCurrentBody}, limiter)

	for i := 0; i < 2; i++ {
		rec, _ := doRequest(t, r, http.MethodGet, "/weather/seattle")
		if rec.Code != http.StatusOK {
			t.Fatalf("request #%d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec, body := doRequest(t, r, http.MethodGet, "/weather/seattle")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if body["error"] != "rate_limited" {
		t.Errorf("error = %v, want rate_limited", body["error"])
	}
	retry, ok := body["retryAfterSeconds"].(float64)
	if !ok || retry < 1 || retry > 60 {
		t.Errorf("retryAfterSeconds = %v, want in [1, 60]", body["retryAfterSeconds"])
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

// TestRateLimit_SharedAcrossFetchRoutes verifies current and forecast draw
// from one per-client quota.
func TestRateLimit_SharedAcrossFetchRoutes(t *testing.T) {
	limiter := ratelimit.New(2, time.Minute, 0)
	defer limiter.Close()
	r := newTestRouter(t, &stubFetcher{err: client.ErrUnavailable}, limiter)

	doRequest(t, r, http.MethodGet, "/weather/seattle")
	doRequest(t, r, http.MethodGet, "/weather/forecast/seattle")

	rec, _ := doRequest(t, r, http.MethodGet, "/weather/seattle")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429: fetch routes must share the quota", rec.Code)
	}
}

// TestRateLimit_OperationalEndpointsBypass verifies that cache-status and
// cache invalidation stay reachable after the fetch quota is exhausted.
func TestRateLimit_OperationalEndpointsBypass(t *testing.T) {
	limiter := ratelimit.New(1, time.Minute, 0)
	defer limiter.Close()
	r := newTestRouter(t, &stubFetcher{body: stubCurrentBody}, limiter)

	doRequest(t, r, http.MethodGet, "/weather/seattle")
	if rec, _ := doRequest(t, r, http.MethodGet, "/weather/seattle"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("quota not exhausted, status = %d", rec.Code)
	}

	if rec, _ := doRequest(t, r, http.MethodGet, "/weather/cache-status"); rec.Code != http.StatusOK {
		t.Errorf("cache-status status = %d, want 200 despite exhausted quota", rec.Code)
	}
	if rec, _ := doRequest(t, r, http.MethodDelete, "/weather/cache"); rec.Code != http.StatusOK {
		t.Errorf("cache invalidation status = %d, want 200 despite exhausted quota", rec.Code)
	}
}

// TestRateLimit_DeniedRequestDoesNotFetch verifies that a 429 never reaches
// cache or upstream.
func TestRateLimit_DeniedRequestDoesNotFetch(t *testing.T) {
	limiter := ratelimit.New(1, time.Minute, 0)
	defer limiter.Close()
	fetcher := &stubFetcher{body: stubCurrentBody}
	r := newTestRouter(t, fetcher, limiter)

	doRequest(t, r, http.MethodGet, "/weather/seattle")
	doRequest(t, r, http.MethodGet, "/weather/oslo")

	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1: denied request must not fetch", fetcher.calls)
	}
	rec, body := doRequest(t, r, http.MethodGet, "/weather/cache-status")
	if rec.Code != http.StatusOK {
		t.Fatalf("cache-status status = %d", rec.Code)
	}
	if body["misses"] != float64(1) {
		t.Errorf("misses = %v, want 1: denied request must not touch the cache", body["misses"])
	}
}

// TestGetHealth verifies the liveness endpoint.
func TestGetHealth(t *testing.T) {
	r := newTestRouter(t, &stubFetcher{body: stubCurrentBody}, nil)

	rec, body := doRequest(t, r, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if body["service"] != "weather-gateway" {
		t.Errorf("service = %v", body["service"])
	}
}
