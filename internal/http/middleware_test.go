package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TestCorrelationIDMiddleware_Generated verifies that a request without a
// correlation ID gets one, visible to the handler and echoed in the response.
func TestCorrelationIDMiddleware_Generated(t *testing.T) {
	var ctxID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID, _ = r.Context().Value("correlation_id").(string)
		if logger, ok := r.Context().Value("logger").(*zap.Logger); !ok || logger == nil {
			t.Error("request-scoped logger missing from context")
		}
	})

	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(zap.NewNop()))
	r.Handle("/health", handler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if ctxID == "" {
		t.Error("correlation ID not generated")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != ctxID {
		t.Errorf("header X-Correlation-ID = %q, want %q", got, ctxID)
	}
}

// TestCorrelationIDMiddleware_Propagated verifies that an inbound ID is kept.
func TestCorrelationIDMiddleware_Propagated(t *testing.T) {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(zap.NewNop()))
	r.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "caller-supplied-id" {
		t.Errorf("X-Correlation-ID = %q, want caller-supplied-id", got)
	}
}

// TestClientIP verifies the address extraction precedence.
func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr only", "10.0.0.5:4321", nil, "10.0.0.5"},
		{"x-forwarded-for single", "10.0.0.5:4321", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "203.0.113.9"},
		{"x-forwarded-for chain uses first hop", "10.0.0.5:4321", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"x-real-ip fallback", "10.0.0.5:4321", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"forwarded-for beats real-ip", "10.0.0.5:4321", map[string]string{"X-Forwarded-For": "203.0.113.9", "X-Real-IP": "198.51.100.7"}, "203.0.113.9"},
		{"unparseable remote addr", "not-a-hostport", nil, "not-a-hostport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/weather/x", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestGetRoute verifies path-to-route-label mapping for metrics cardinality.
func TestGetRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/weather/cache-status", "/weather/cache-status"},
		{"/weather/cache", "/weather/cache"},
		{"/weather/seattle", "/weather/{city}"},
		{"/weather/forecast/seattle", "/weather/forecast/{city}"},
		{"/unknown", "/unknown"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if got := getRoute(req); got != tt.want {
			t.Errorf("getRoute(%s) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// TestStatusCodeString verifies status class bucketing.
func TestStatusCodeString(t *testing.T) {
	if got := statusCodeString(404); got != "4xx" {
		t.Errorf("statusCodeString(404) = %q, want 4xx", got)
	}
	if got := statusCodeString(200); got != "2xx" {
		t.Errorf("statusCodeString(200) = %q, want 2xx", got)
	}
}

// TestAdmitClient_NilLimiterPassesThrough verifies that admission control is
// a no-op when disabled.
func TestAdmitClient_NilLimiterPassesThrough(t *testing.T) {
	called := false
	h := AdmitClient(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/weather/x", nil))
	if !called {
		t.Error("handler not reached with nil limiter")
	}
}

// TestGlobalRateLimitMiddleware verifies the process-wide bucket: the first
// request passes, the second is rejected while the bucket is empty.
func TestGlobalRateLimitMiddleware(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	r := mux.NewRouter()
	r.Use(GlobalRateLimitMiddleware(limiter))
	r.Handle("/weather/x", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/weather/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/weather/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}

// TestTimeoutMiddleware verifies the deadline reaches the handler context.
func TestTimeoutMiddleware(t *testing.T) {
	var hadDeadline bool
	r := mux.NewRouter()
	r.Use(TimeoutMiddleware(50 * time.Millisecond))
	r.Handle("/weather/x", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/weather/x", nil))
	if !hadDeadline {
		t.Error("handler context has no deadline")
	}
}
