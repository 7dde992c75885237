package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/DhaneshPachipulusu/license-poc/internal/config"
)

// MeterName is the instrumentation scope for process-wide instruments.
const MeterName = "license-poc"

// OTelProviders is what a binary needs from OpenTelemetry: a tracer and a
// meter to hand to its components, and the /metrics handler when the
// prometheus exporter is on.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// InitializeOTel sets up tracing and metrics for serviceName. With telemetry
// disabled the providers carry no-op instruments, so callers never check
// for nil.
func InitializeOTel(cfg config.TelemetryConfig, serviceName, serviceVersion string, logger *slog.Logger) (*OTelProviders, error) {
	p := &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(serviceName),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
		attribute.String("service.instance.id", uuid.NewString()),
		semconv.DeploymentEnvironmentName(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spans, err := spanExporter(cfg.TraceExporter)
	if err != nil {
		return nil, err
	}
	if spans != nil {
		p.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spans),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		)
		p.Tracer = p.TracerProvider.Tracer(MeterName)
		otel.SetTracerProvider(p.TracerProvider)
	}

	switch cfg.MetricExporter {
	case "", "none":
	case "prometheus":
		reader, err := prometheus.New()
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("prometheus exporter: %w", err), p.Shutdown(context.Background()))
		}
		p.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		p.Meter = p.MeterProvider.Meter(MeterName)
		p.PrometheusHTTP = promhttp.Handler()
		otel.SetMeterProvider(p.MeterProvider)
	default:
		return nil, multierr.Append(fmt.Errorf("unsupported metric exporter %q", cfg.MetricExporter), p.Shutdown(context.Background()))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Telemetry enabled",
		slog.String("service", serviceName),
		slog.String("trace_exporter", cfg.TraceExporter),
		slog.String("metric_exporter", cfg.MetricExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))
	return p, nil
}

// spanExporter returns nil when tracing is off
func spanExporter(name string) (sdktrace.SpanExporter, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", name)
	}
}

// Shutdown flushes pending spans and metrics
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var err error
	if p.TracerProvider != nil {
		err = multierr.Append(err, p.TracerProvider.Shutdown(ctx))
	}
	if p.MeterProvider != nil {
		err = multierr.Append(err, p.MeterProvider.Shutdown(ctx))
	}
	if err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// HTTPMetrics are the request instruments recorded by the HTTP middleware
type HTTPMetrics struct {
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ActiveRequests  metric.Int64UpDownCounter
}

// CreateHTTPMetrics registers the HTTP request instruments on meter
func CreateHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	var (
		m   HTTPMetrics
		err error
	)
	m.RequestsTotal, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Requests served, by method, route and status"))
	if err != nil {
		return nil, fmt.Errorf("http_requests_total: %w", err)
	}
	m.RequestDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("Request latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("http_request_duration_seconds: %w", err)
	}
	m.ActiveRequests, err = meter.Int64UpDownCounter("http_active_requests",
		metric.WithDescription("Requests in flight"))
	if err != nil {
		return nil, fmt.Errorf("http_active_requests: %w", err)
	}
	return &m, nil
}
