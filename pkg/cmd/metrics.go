package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/sellerops/pkg/metrics"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsShutdownTimeout = 5 * time.Second

// NewMetrics creates a registry with the Go and process collectors and the sink the job
// pool and the rule executor report to.
func NewMetrics(logger *slog.Logger) (*metrics.PrometheusSink, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return metrics.NewPrometheusSink(registry, logger), registry
}

// MetricsHandler exposes gatherer in the Prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// ServeMetrics serves /metrics on addr until ctx is done. An empty addr disables it.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	if addr == "" {
		<-ctx.Done()

		return nil
	}

	app := fiber.New()
	app.Get("/metrics", MetricsHandler(gatherer))

	errCh := make(chan error, 1)

	go func() {
		logger.InfoContext(ctx, "Serving metrics", "addr", addr)

		errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	}
}
