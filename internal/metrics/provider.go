package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds OTLP exporter configuration.
type Config struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Endpoint       string        `yaml:"endpoint" env:"ENDPOINT"`
	Insecure       bool          `yaml:"insecure" env:"INSECURE"`
	Interval       time.Duration `yaml:"interval" env:"INTERVAL"`
	ServiceVersion string        `yaml:"-"`
}

// Provider is the meter provider handed to NewRecorder plus its shutdown hook.
type Provider struct {
	metric.MeterProvider
	shutdown func(context.Context) error
}

// Shutdown flushes pending metrics. It is a no-op for the disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// NewProvider exports over OTLP gRPC when cfg is enabled and returns a no-op
// provider otherwise, so instrumented code never checks whether telemetry is on.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Provider{MeterProvider: noop.NewMeterProvider()}, nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(meterName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return &Provider{MeterProvider: provider, shutdown: provider.Shutdown}, nil
}
