package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sand/ripplebids-settlement/backend/config"
)

// Init installs the global tracer provider. Without an OTLP endpoint the
// default no-op provider stays in place.
// The returned function flushes pending spans and must be called on shutdown.
func Init(ctx context.Context, logger *slog.Logger, cfg *config.Config) (func(context.Context) error, error) {
	if cfg.Tracing.URL == "" {
		logger.Info("Tracing disabled, TRACING_URL not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Tracing.URL),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.App.Name),
		attribute.String("deployment.environment", cfg.App.Environment),
		attribute.String("network", cfg.NetworkName()),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("Tracing enabled", "endpoint", cfg.Tracing.URL)
	return tp.Shutdown, nil
}
