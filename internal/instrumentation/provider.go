// Package instrumentation wires OpenTelemetry metrics and tracing for the
// bill scan service. Metrics are exported through a Prometheus registry
// served on /metrics; tracing is optional and off by default.
package instrumentation

import (
	"context"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Trace exporter kinds.
const (
	TraceExporterNone     = "none"
	TraceExporterStdout   = "stdout"
	TraceExporterOTLPHTTP = "otlphttp"
)

// Config controls which exporters the provider sets up.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is one of none, stdout, otlphttp.
	TraceExporter string
	// OTLPEndpoint is the collector endpoint for the otlphttp exporter.
	OTLPEndpoint string
}

// Provider owns the configured meter and tracer providers.
type Provider struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	registry       *promclient.Registry
}

// NewProvider creates metric and trace providers per cfg and installs them
// as the OTel globals.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	registry := promclient.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	p := &Provider{meterProvider: mp, registry: registry}

	switch cfg.TraceExporter {
	case "", TraceExporterNone:
		// Tracing disabled; spans fall through to the global no-op provider.
	case TraceExporterStdout:
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exp),
		)
		otel.SetTracerProvider(p.tracerProvider)
	case TraceExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exp),
		)
		otel.SetTracerProvider(p.tracerProvider)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.TraceExporter)
	}

	return p, nil
}

// Meter returns a meter from the configured provider.
func (p *Provider) Meter() metric.Meter {
	return p.meterProvider.Meter("billscan")
}

// Tracer returns a tracer; a no-op one when tracing is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracerProvider != nil {
		return p.tracerProvider.Tracer("billscan")
	}
	return otel.Tracer("billscan")
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (p *Provider) Registry() *promclient.Registry {
	return p.registry
}

// Shutdown flushes and stops all providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
