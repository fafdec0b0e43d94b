// Package tracing configures OpenTelemetry and trace-aware logging.
package tracing

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies spans emitted by this service
const ServiceName = "tinyanalytics"

// Config selects the exporter.
type Config struct {
	// OTLP/HTTP collector address, e.g. localhost:4318. Empty keeps the
	// global no-op provider.
	Endpoint string

	// Insecure disables TLS to the collector
	Insecure bool

	// SampleRatio of root spans to keep (0 or 1 = all)
	SampleRatio float64
}

// Init installs a tracer provider and returns its shutdown func. Without an
// endpoint it only installs the W3C propagator.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
	)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	log.Printf("OpenTelemetry tracing initialized (endpoint %s)", cfg.Endpoint)
	return provider.Shutdown, nil
}

// Tracer returns the service tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// Logf logs with the trace id of ctx when one is present.
func Logf(ctx context.Context, format string, args ...any) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		log.Printf(format, args...)
		return
	}
	log.Printf("trace_id=%s "+format, append([]any{sc.TraceID().String()}, args...)...)
}
