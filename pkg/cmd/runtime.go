package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/sellerops/pkg/config"
	"github.com/dukex/sellerops/pkg/cooldown"
	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/features"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/metrics"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

// Runtime holds the collaborators every binary opens from the common flags.
type Runtime struct {
	Config      *config.Config
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Cooldowns   cooldown.Store
	Catalog     *services.Catalog
	Notifier    *services.Notifier
	Metrics     *metrics.PrometheusSink
	Gatherer    prometheus.Gatherer
	Tracer      trace.Tracer
	JobRegistry *jobs.Registry
	Queue       *jobs.Queue
	Recomputer  *features.Recomputer

	logger  *slog.Logger
	closers []func(context.Context) error
}

// NewRuntime opens the stores, the event bus and the job registry named by the common
// flags. On error everything opened so far is closed.
func NewRuntime(ctx context.Context, command *cli.Command, serviceName string, logger *slog.Logger) (_ *Runtime, err error) {
	rt := &Runtime{logger: logger}

	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()

	rt.Config, err = config.Load(command.String("config-file"))
	if err != nil {
		return nil, err
	}

	rt.Persistence, err = NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	rt.onClose(rt.Persistence.Close)

	rt.EventBus, err = NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), serviceName, logger)
	if err != nil {
		return nil, err
	}

	rt.onClose(func(context.Context) error { return rt.EventBus.Close() })

	var closeCooldowns func() error

	rt.Cooldowns, closeCooldowns, err = NewCooldownStore(ctx, command.String("cooldown-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to open cooldown store: %w", err)
	}

	rt.onClose(func(context.Context) error { return closeCooldowns() })

	rt.Catalog, err = NewCatalog(ctx, logger, command.String("catalog-file"))
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	var shutdownTracer func(context.Context) error

	rt.Tracer, shutdownTracer, err = NewTracer(ctx, serviceName, command.Bool("tracing"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	rt.onClose(shutdownTracer)

	rt.Metrics, rt.Gatherer = NewMetrics(logger)
	rt.Notifier = services.NewNotifier(rt.EventBus, logger)
	rt.Recomputer = features.NewRecomputer(rt.Catalog, rt.Cooldowns, rt.Config.Features.LockTTL, logger,
		features.WithPublisher(rt.EventBus),
	)

	rt.JobRegistry, err = NewJobRegistry(rt.Config, rt.Catalog, rt.Persistence, rt.Recomputer, logger)
	if err != nil {
		return nil, err
	}

	rt.Queue = jobs.NewQueue(rt.Persistence, logger,
		jobs.WithRegistry(rt.JobRegistry),
		jobs.WithDedupStore(rt.Cooldowns),
		jobs.WithDefaultMaxAttempts(rt.Config.Jobs.DefaultMaxAttempts),
		jobs.WithQueueMetrics(rt.Metrics),
	)

	return rt, nil
}

func (rt *Runtime) onClose(closer func(context.Context) error) {
	rt.closers = append(rt.closers, closer)
}

// Close releases everything in reverse opening order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	rt.closers = nil

	if err := errors.Join(errs...); err != nil {
		rt.logger.ErrorContext(ctx, "Failed to close runtime", "error", err)

		return err
	}

	return nil
}
