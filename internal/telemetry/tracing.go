package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kingrea/forge/internal/config"
)

const instrumentationName = "github.com/kingrea/forge"

// Tracing owns the tracer provider. A disabled Tracing hands out no-op
// tracers and shuts down instantly.
type Tracing struct {
	provider trace.TracerProvider
	flush    func(context.Context) error
	shutdown func(context.Context) error
}

// TracerProviderOption configures NewTracing.
type TracerProviderOption func(*tracerOptions)

type tracerOptions struct {
	exporter sdktrace.SpanExporter
}

// WithSpanExporter replaces the OTLP exporter, mainly for tests.
func WithSpanExporter(exp sdktrace.SpanExporter) TracerProviderOption {
	return func(o *tracerOptions) {
		o.exporter = exp
	}
}

// NewTracing builds the tracer provider described by cfg and installs it as
// the global provider when enabled.
func NewTracing(ctx context.Context, cfg config.TracingConfig, opts ...TracerProviderOption) (*Tracing, error) {
	if !cfg.Enabled {
		return &Tracing{
			provider: noop.NewTracerProvider(),
			flush:    func(context.Context) error { return nil },
			shutdown: func(context.Context) error { return nil },
		}, nil
	}
	o := tracerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	exporter := o.exporter
	if exporter == nil {
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		var err error
		exporter, err = otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating trace exporter: %w", err)
		}
	}
	name := cfg.ServiceName
	if name == "" {
		name = "forge"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	return &Tracing{provider: tp, flush: tp.ForceFlush, shutdown: tp.Shutdown}, nil
}

// Tracer returns a named tracer.
func (t *Tracing) Tracer(component string) trace.Tracer {
	return t.provider.Tracer(instrumentationName + "/" + component)
}

// ForceFlush exports every finished span now.
func (t *Tracing) ForceFlush(ctx context.Context) error {
	return t.flush(ctx)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
