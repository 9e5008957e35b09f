package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const ServiceName = "rovercam"

// Options configures the OTLP/HTTP trace exporter.
type Options struct {
	// Endpoint is host:port of the collector. Empty disables tracing.
	Endpoint string
	// Insecure sends plain HTTP instead of HTTPS.
	Insecure bool
	// Headers are added to every export request, e.g. an auth token.
	Headers map[string]string
	// SampleRatio is the fraction of root spans kept; 0 or >=1 keeps all.
	SampleRatio float64

	ServiceVersion string
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP.
// It returns nil when no endpoint is configured.
func InitTracer(ctx context.Context, opts Options) (*trace.TracerProvider, error) {
	if opts.Endpoint == "" {
		return nil, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(clientOptions(opts)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithBatcher(
			exporter,
			trace.WithMaxExportBatchSize(trace.DefaultMaxExportBatchSize),
			trace.WithBatchTimeout(trace.DefaultScheduleDelay*time.Millisecond),
		),
		trace.WithSampler(sampler(opts.SampleRatio)),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(traceProvider)

	return traceProvider, nil
}

func clientOptions(opts Options) []otlptracehttp.Option {
	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(opts.Headers))
	}
	return clientOpts
}

// sampler keeps child spans consistent with their parent so a handshake is
// either traced end to end or not at all.
func sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}
