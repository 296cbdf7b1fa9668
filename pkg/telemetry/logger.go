package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger is a zerolog logger carrying execution, step and pipeline fields.
// Derived loggers share the parent's output.
type Logger struct {
	zlog zerolog.Logger

	// out is non-nil when the logger owns a log file.
	out io.Closer
}

// NewLogger builds the root logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: closer != nil}
	}

	zctx := zerolog.New(w).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger().Level(parseLogLevel(cfg.Level))

	// Sampling applies below warn so failures are never dropped.
	if cfg.EnableSampling {
		zlog = zlog.Sample(zerolog.LevelSampler{
			TraceSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
			DebugSampler: &zerolog.BurstSampler{
				Burst:       uint32(cfg.SamplingInitial),
				Period:      time.Second,
				NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
			},
			InfoSampler: &zerolog.BurstSampler{
				Burst:       uint32(cfg.SamplingInitial),
				Period:      time.Second,
				NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
			},
		})
	}

	return &Logger{zlog: zlog, out: closer}, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewWriterLogger returns a JSON logger writing to w at the given level.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return &Logger{zlog: zerolog.New(w).With().Timestamp().Logger().Level(parseLogLevel(level))}
}

// Close releases the log file, if the logger writes to one.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

func (l *Logger) derive(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.WithField("component", component)
}

// WithField returns a logger with one more field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields returns a logger with the given fields added.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithError attaches err.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) WithExecutionID(executionID string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("execution_id", executionID) })
}

func (l *Logger) WithStepID(stepID string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("step_id", stepID) })
}

func (l *Logger) WithPipeline(id, name string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Str("pipeline_id", id).Str("pipeline_name", name)
	})
}

// WithSpan adds the trace and span ids of the span active in ctx, so log
// lines can be joined with exported traces. Without a recording span the
// logger is returned unchanged.
func (l *Logger) WithSpan(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	})
}

func (l *Logger) Trace(msg string) { l.zlog.Trace().Msg(msg) }
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Warnf logs a formatted warning.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// parseLogLevel maps a configured level name to zerolog, defaulting to info.
func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
