package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with run and step span helpers.
type Tracer struct {
	// provider is nil for no-op tracers.
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the process tracer and installs it as the global otel
// provider. A disabled config yields a no-op tracer.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return NewNopTracer(), nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	exporter, err := spanExporter(cfg)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler)}
	if exporter != nil {
		batch := []sdktrace.BatchSpanProcessorOption{
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{provider: tp, tracer: tp.Tracer(serviceName)}, nil
}

// NewNopTracer returns a tracer that records nothing.
func NewNopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("conveyor")}
}

// spanExporter returns nil for the "none" exporter: spans are sampled and
// recorded but never leave the process.
func spanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		// The gRPC connection is lazy; an unreachable collector does not
		// fail startup.
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("conveyor")),
		}
		if cfg.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err = otlptracegrpc.New(context.Background(), grpcOpts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}
	return exp, nil
}

// startSpan opens a span carrying attrs. A nil tracer yields a no-op span.
func (t *Tracer) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts a span for a pipeline execution.
func (t *Tracer) StartRunSpan(ctx context.Context, executionID, pipelineName, mode string) (context.Context, trace.Span) {
	return t.startSpan(ctx, "pipeline.execute",
		AttrExecutionID.String(executionID),
		AttrPipelineName.String(pipelineName),
		AttrExecutionMode.String(mode),
	)
}

// StartStepSpan starts a span for one step attempt.
func (t *Tracer) StartStepSpan(ctx context.Context, stepID, stepType string, attempt int) (context.Context, trace.Span) {
	return t.startSpan(ctx, "step.execute",
		AttrStepID.String(stepID),
		AttrStepType.String(stepType),
		AttrStepAttempt.Int(attempt),
	)
}

// StartAdapterSpan starts a span for a CI adapter call.
func (t *Tracer) StartAdapterSpan(ctx context.Context, adapter, operation string) (context.Context, trace.Span) {
	return t.startSpan(ctx, fmt.Sprintf("adapter.%s", operation),
		AttrAdapterName.String(adapter),
		AttrAdapterOp.String(operation),
	)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess marks span Ok.
func RecordSuccess(span trace.Span) { span.SetStatus(codes.Ok, "") }

// Shutdown flushes pending spans. No-op tracers have nothing to flush.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Attribute keys used on conveyor spans.
var (
	AttrExecutionID   = attribute.Key("execution.id")
	AttrExecutionMode = attribute.Key("execution.mode")
	AttrPipelineName  = attribute.Key("pipeline.name")
	AttrRunStatus     = attribute.Key("execution.status")

	AttrStepID      = attribute.Key("step.id")
	AttrStepType    = attribute.Key("step.type")
	AttrStepAttempt = attribute.Key("step.attempt")

	AttrAdapterName = attribute.Key("adapter.name")
	AttrAdapterOp   = attribute.Key("adapter.operation")
)
