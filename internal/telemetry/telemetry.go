package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"foreman/internal/logging"
)

// Config selects the OTLP endpoint and service identity for exported spans.
type Config struct {
	// Enabled gates the whole setup; when false Setup is a no-op.
	Enabled bool

	// OTLP HTTP endpoint, host:port (e.g. jaeger:4318).
	Endpoint string

	// Service name for traces.
	ServiceName string

	// Service version.
	ServiceVersion string
}

// Setup installs a global tracer provider exporting over OTLP HTTP. Returns
// without side effects when tracing is disabled; callers keep using the
// default no-op provider.
func Setup(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		logging.Debug("Telemetry export disabled")
		return nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "foreman"
	}
	serviceVersion := cfg.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = "dev"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	processor := trace.NewBatchSpanProcessor(
		exporter,
		trace.WithBatchTimeout(5*time.Second),
		trace.WithMaxExportBatchSize(100),
	)

	provider := trace.NewTracerProvider(
		trace.WithSpanProcessor(processor),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	logging.Info("OpenTelemetry tracing enabled, exporting to %s", endpoint)
	return nil
}

// Shutdown flushes and stops the installed tracer provider.
func Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*trace.TracerProvider); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
