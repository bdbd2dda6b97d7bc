package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/sellerops/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer exports spans over OTLP/HTTP when enabled. Otherwise it returns the no-op
// global tracer.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string, enabled bool, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !enabled {
		return otelhelper.Tracer(serviceName), func(context.Context) error { return nil }, nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	logger.InfoContext(ctx, "Tracing enabled", "service", serviceName)

	return tracer, shutdown, nil
}
