// Package server is the HTTP side of `conveyor serve`: liveness and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// HealthChecker reports whether a dependency is usable.
// *stores.SQLiteStore satisfies it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	Health  HealthChecker
	Metrics *telemetry.Metrics

	// MetricsPath defaults to /metrics.
	MetricsPath string

	// ActiveMonitors, when set, is reported by /healthz.
	ActiveMonitors func() []string

	Logger *telemetry.Logger
}

type healthResponse struct {
	Status   string   `json:"status"`
	Error    string   `json:"error,omitempty"`
	Monitors []string `json:"monitors,omitempty"`
}

// NewRouter returns the handler serving /healthz and the metrics endpoint.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if opts.Health != nil {
			if err := opts.Health.HealthCheck(r.Context()); err != nil {
				resp.Status, resp.Error = "unhealthy", err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		if opts.ActiveMonitors != nil {
			resp.Monitors = opts.ActiveMonitors()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics.Handler())
	}
	return r
}

func requestLogger(logger *telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start).String(),
			}).Debug("request served")
		})
	}
}
