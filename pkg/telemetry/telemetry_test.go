package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").
		NewComponentLogger("engine").
		WithExecutionID("exec-1").
		WithStepID("build").
		WithPipeline("p1", "web")

	logger.WithError(errors.New("boom")).WithField("attempt", 2).Warn("step failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "step failed", line["message"])
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "exec-1", line["execution_id"])
	assert.Equal(t, "build", line["step_id"])
	assert.Equal(t, "p1", line["pipeline_id"])
	assert.Equal(t, "web", line["pipeline_name"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, float64(2), line["attempt"])
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Error("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])

	buf.Reset()
	NewWriterLogger(&buf, "bogus").Info("defaults to info")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestLogger_WithSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info")

	// No span: unchanged.
	assert.Same(t, logger, logger.WithSpan(context.Background()))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.WithSpan(ctx).Info("traced")
	line := decodeLines(t, &buf)[0]
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.WithExecutionID("exec-9").Info("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"execution_id":"exec-9"`)

	_, err = NewLogger(LoggingConfig{Level: "info", Format: "json", Output: filepath.Join(path, "nested", "x.log")})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"no service", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "invalid trace exporter"},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"bad buffer", func(c *Config) { c.Events.BufferSize = 0 }, "buffer size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "tel.log")
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)

	ctx, span := tel.Tracer.StartRunSpan(context.Background(), "exec-1", "web", "local")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	_ = ctx

	require.NoError(t, tel.Shutdown(context.Background()))

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	_, err = NewTelemetry(cfg)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestNopTelemetry(t *testing.T) {
	tel := NewNopTelemetry()
	_, span := tel.Tracer.StartStepSpan(context.Background(), "build", "shell", 1)
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	tel.Metrics.RecordRunStarted("local")
	tel.Logger.Info("discarded")
	assert.NoError(t, tel.Events.Publish(context.Background(), Event{Type: "x"}))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Recorders(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "conveyor"})
	require.NoError(t, err)

	m.RecordRunStarted("local")
	m.RecordRunStarted("remote")
	m.RecordRunCompleted("local", "success", time.Second)
	m.RecordStepExecution("shell", "failed", time.Millisecond)
	m.RecordStepRetry("shell")
	m.RecordAdapterCall("jenkins", "trigger", time.Millisecond, nil)
	m.RecordAdapterCall("jenkins", "trigger", time.Millisecond, errors.New("down"))
	m.MonitorStarted()
	m.MonitorStarted()
	m.MonitorStopped()

	body := scrape(t, m)
	for _, want := range []string{
		`conveyor_runs_started_total{mode="local"} 1`,
		`conveyor_runs_completed_total{mode="local",status="success"} 1`,
		`conveyor_active_runs 1`,
		`conveyor_steps_executed_total{status="failed",type="shell"} 1`,
		`conveyor_step_retries_total{type="shell"} 1`,
		`conveyor_adapter_calls_total{adapter="jenkins",operation="trigger"} 2`,
		`conveyor_adapter_errors_total{adapter="jenkins",operation="trigger"} 1`,
		`conveyor_active_monitors 1`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	assert.Nil(t, m.Registry())

	m.RecordRunStarted("local")
	m.RecordWorkspaceAllocated()
	m.MonitorStopped()

	var nilMetrics *Metrics
	nilMetrics.RecordError("engine", "E1")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true, BufferSize: 8}, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Event{
		Type:        "execution.status_changed",
		ExecutionID: "exec-1",
		Message:     "running",
		Data:        map[string]interface{}{"status": "RUNNING"},
	}))

	select {
	case ev := <-events:
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, EventLevelInfo, ev.Level)
		assert.Equal(t, "exec-1", ev.ExecutionID)
		assert.Equal(t, "RUNNING", ev.Data["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventBus_Disabled(t *testing.T) {
	bus := NewEventBus(EventsConfig{}, nil)
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: "x"}))
	_, err := bus.Subscribe(context.Background())
	assert.ErrorContains(t, err, "disabled")
	assert.NoError(t, bus.Close())

	var nilBus *EventBus
	assert.NoError(t, nilBus.Publish(context.Background(), Event{}))
}
