package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	var healthErr error
	h := NewRouter(Options{
		Health:         healthFunc(func(context.Context) error { return healthErr }),
		ActiveMonitors: func() []string { return []string{"exec-1"} },
	})

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []string{"exec-1"}, body.Monitors)

	healthErr = errors.New("database is locked")
	rec = get(t, h, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "database is locked", body.Error)
}

func TestMetrics(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "conveyor"})
	require.NoError(t, err)
	m.RecordRunStarted("local")

	h := NewRouter(Options{Metrics: m, MetricsPath: "/internal/metrics"})

	rec := get(t, h, "/internal/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "conveyor_runs_started_total")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}

func TestMetricsDisabled(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{})
	require.NoError(t, err)

	h := NewRouter(Options{Metrics: m})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}
