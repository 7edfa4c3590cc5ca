package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-gateway/internal/client"
	"github.com/kjstillabower/weather-gateway/internal/lifecycle"
	"github.com/kjstillabower/weather-gateway/internal/models"
	"github.com/kjstillabower/weather-gateway/internal/normalize"
	"github.com/kjstillabower/weather-gateway/internal/service"
	"github.com/kjstillabower/weather-gateway/internal/validation"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gateway    *service.Gateway
	logger     *zap.Logger
	maxCityLen int
	// cachePing, when set, is called by the health handler to check cache
	// reachability. Set when the backend is memcached.
	cachePing func() error
}

// NewHandler returns a new Handler. maxCityLen bounds accepted city names;
// cachePing may be nil.
func NewHandler(gateway *service.Gateway, logger *zap.Logger, maxCityLen int, cachePing func() error) *Handler {
	return &Handler{
		gateway:    gateway,
		logger:     logger,
		maxCityLen: maxCityLen,
		cachePing:  cachePing,
	}
}

// GetCurrent handles GET /weather/{city}.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	h.serveWeather(w, r, models.KindCurrent)
}

// GetForecast handles GET /weather/forecast/{city}.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	h.serveWeather(w, r, models.KindForecast)
}

func (h *Handler) serveWeather(w http.ResponseWriter, r *http.Request, kind models.QueryKind) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"], h.maxCityLen)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_city", err.Error())
		return
	}

	rec, err := h.gateway.GetWeather(r.Context(), city, kind)
	if err != nil {
		h.writeFetchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// writeFetchError collapses the internal failure taxonomy into the stable
// external contract: not-found keeps its own status, everything else from the
// fetch path is service_unavailable. The specific kind is logged, never sent.
func (h *Handler) writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Info("fetch failed", zap.String("kind", errorKind(err)), zap.Error(err))
	}

	if errors.Is(err, client.ErrNotFound) {
		writeErrorEnvelope(w, http.StatusNotFound, "not_found", "city could not be resolved")
		return
	}
	writeErrorEnvelope(w, http.StatusServiceUnavailable, "service_unavailable", "unable to fetch weather data")
}

// errorKind labels an error for internal logs and diagnosability.
func errorKind(err error) string {
	switch {
	case errors.Is(err, client.ErrTimeout):
		return "upstream_timeout"
	case errors.Is(err, client.ErrNotFound):
		return "not_found"
	case errors.Is(err, normalize.ErrFormat):
		return "upstream_format"
	case errors.Is(err, client.ErrUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream_timeout"
	default:
		return "unknown"
	}
}

// GetCacheStatus handles GET /weather/cache-status. Operational endpoint:
// bypasses admission control and reports the counters verbatim.
func (h *Handler) GetCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Stats())
}

// DeleteCache handles DELETE /weather/cache. Clears every entry immediately;
// bypasses admission control.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.ClearCache(r.Context()); err != nil {
		if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
			logger.Error("cache clear failed", zap.Error(err))
		}
		writeErrorEnvelope(w, http.StatusServiceUnavailable, "service_unavailable", "cache clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	statusCode := http.StatusOK
	if lifecycle.IsShuttingDown() {
		status = "shutting-down"
		statusCode = http.StatusServiceUnavailable
	}

	checks := make(map[string]string)
	if h.cachePing != nil {
		if h.cachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"service":   "weather-gateway",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErrorEnvelope writes the standardized error envelope {error, detail}.
func writeErrorEnvelope(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]interface{}{
		"error":  code,
		"detail": detail,
	})
}
