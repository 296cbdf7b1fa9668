// Package telemetry provides observability instrumentation for conveyor.
//
// It bundles structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus
// (watermill gochannel).
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithExecutionID("exec-123").WithStepID("build")
//	logger.Info("step started")
//
// # Tracing
//
// A span is opened per pipeline execution and per step attempt:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, executionID, pipelineName, "local")
//	defer span.End()
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics live on a private registry and are served by `conveyor serve`:
//
//	router.Handle("/metrics", tel.Metrics.Handler())
//
// Every recorder is a no-op when metrics are disabled.
//
// # Events
//
// Status changes are published on EventsTopic as JSON messages. Reporting
// layers subscribe with EventBus.Subscribe.
package telemetry
