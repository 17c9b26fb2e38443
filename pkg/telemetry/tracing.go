// Package telemetry provides OpenTelemetry tracing for convcore. Unlike
// the teacher's version, it sets up the SDK tracer provider only: no OTLP
// HTTP exporter, since the core has no outer deployment to ship spans to.
// Embedders can still register their own span processor on the provider
// this package installs.
package telemetry

import (
	"context"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config configures the tracer provider.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	SamplerType    string // "always", "never", "ratio"
	SamplerRatio   float64
}

// InitTracer installs the global tracer provider and returns a shutdown
// function to call before process exit.
func InitTracer(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create resource")
	}

	tracerProvider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(getSampler(cfg)),
	)
	otel.SetTracerProvider(tracerProvider)

	return tracerProvider.Shutdown, nil
}

func getSampler(cfg Config) trace.Sampler {
	switch cfg.SamplerType {
	case "always":
		return trace.AlwaysSample()
	case "never":
		return trace.NeverSample()
	case "ratio":
		return trace.ParentBased(trace.TraceIDRatioBased(cfg.SamplerRatio))
	default:
		return trace.AlwaysSample()
	}
}
