// internal/common/observability/tracing.go
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracing holds the tracer provider so callers can shut it down cleanly.
type Tracing struct {
	provider *tracesdk.TracerProvider
}

// NewTracing configures a tracer provider exporting to a Jaeger collector.
// An empty endpoint installs a provider with no exporter, which keeps span
// creation cheap no-ops in tests and local runs.
func NewTracing(serviceName, jaegerEndpoint string) (*Tracing, error) {
	opts := []tracesdk.TracerProviderOption{
		tracesdk.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	}

	if jaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(jaegerEndpoint),
		))
		if err != nil {
			return nil, err
		}
		opts = append(opts, tracesdk.WithBatcher(exporter))
	}

	provider := tracesdk.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Tracing{provider: provider}, nil
}

// Tracer returns a named tracer from the installed provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
