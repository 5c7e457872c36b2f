// Package tracer sets up OpenTelemetry tracing. Tracing stays on the global
// no-op provider unless enabled.
package tracer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Name is the instrumentation scope used by the engine.
const Name = "collabengine"

// Options configures the exporter.
type Options struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Init installs an OTLP HTTP exporter as the global tracer provider and
// returns its shutdown function. When tracing is disabled, or the exporter
// cannot be built, the returned shutdown is a no-op.
func Init(ctx context.Context, opts Options, logger *zap.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.Enabled {
		logger.Info("tracing disabled")
		return noop
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4318"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "collabd"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create OTLP exporter, tracing disabled", zap.Error(err))
		return noop
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", opts.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", zap.String("endpoint", opts.Endpoint))
	return tp.Shutdown
}

// Tracer returns the engine's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(Name)
}
