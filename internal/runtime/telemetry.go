package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry holds the providers installed as otel globals for one runtime.
type telemetry struct {
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	registry *promclient.Registry
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceInstanceID(cfg.Node.ID),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.Int("loqa.tts.channels", cfg.Speech.Channels),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &telemetry{}
	t.tracer, err = newTracerProvider(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(t.tracer)

	if err := t.initMetrics(res, logger); err != nil {
		_ = t.tracer.Shutdown(ctx)
		return nil, err
	}
	otel.SetMeterProvider(t.meter)
	return t, nil
}

// handler serves the runtime's own registry, not the prometheus default one,
// so several runtimes in one process do not collide.
func (t *telemetry) handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	if t.meter != nil {
		if err := t.meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	kind := strings.ToLower(cfg.TraceExporter)
	if kind == "" {
		kind = "stdout"
		if endpoint != "" {
			kind = "otlp"
		}
	}

	switch kind {
	case "otlp":
		if endpoint == "" {
			return nil, errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter")
		}
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	case "stdout":
		// Logs own stdout; spans go to stderr.
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
	default:
		logger.Info("telemetry initialized", slog.String("exporter", "none"))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func (t *telemetry) initMetrics(res *resource.Resource, logger *slog.Logger) error {
	t.registry = promclient.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promExporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}
	t.meter = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return nil
}
