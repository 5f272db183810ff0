package monitoring

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/chaodonghu/outfit-generator"

type TelemetryConfig struct {
	// OTLP/HTTP endpoint for traces. E.g., "localhost:4318". Empty disables
	// tracing export.
	TraceEndpoint string `yaml:"trace_endpoint"`

	// OTLP/gRPC endpoint for metrics. E.g., "localhost:4317". Empty disables
	// metrics export.
	MetricEndpoint string `yaml:"metric_endpoint"`

	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`

	// Fraction of generations traced, 0 to 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Tracer returns the tracer used for generation spans. Falls back to the
// global no-op provider when telemetry is not set up.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// SetupTelemetry installs global tracer and meter providers exporting over
// OTLP. The returned function flushes and stops them.
func SetupTelemetry(ctx context.Context, config TelemetryConfig, logger *zap.SugaredLogger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if config.TraceEndpoint == "" && config.MetricEndpoint == "" {
		logger.Infow("Telemetry export disabled")
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %v", err)
	}

	var shutdowns []func(context.Context) error

	if config.TraceEndpoint != "" {
		options := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.TraceEndpoint),
			otlptracehttp.WithHeaders(config.Headers),
		}
		if config.Insecure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, options...)
		if err != nil {
			return noop, fmt.Errorf("failed to create OTLP trace exporter: %v", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))),
		)
		otel.SetTracerProvider(tracerProvider)
		shutdowns = append(shutdowns, tracerProvider.Shutdown)
		logger.Infow("Trace export enabled", "endpoint", config.TraceEndpoint, "sample_ratio", config.SampleRatio)
	}

	if config.MetricEndpoint != "" {
		options := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(config.MetricEndpoint),
			otlpmetricgrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			options = append(options, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, options...)
		if err != nil {
			return noop, fmt.Errorf("failed to create OTLP metrics exporter: %v", err)
		}

		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(meterProvider)
		shutdowns = append(shutdowns, meterProvider.Shutdown)
		logger.Infow("Metric export enabled", "endpoint", config.MetricEndpoint)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(ctx))
		}
		return errors.Join(errs...)
	}, nil
}
