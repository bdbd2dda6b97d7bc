package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/sellerops/pkg/cmd"
	"github.com/dukex/sellerops/pkg/features"
	"github.com/dukex/sellerops/pkg/jobs"
	"golang.org/x/sync/errgroup"
)

// shutdownSlack is added to the grace period so abandoned jobs are logged before exit.
const shutdownSlack = 5 * time.Second

// WorkerManager runs the job pool, the feature-recompute scheduler and the metrics
// endpoint until a signal arrives.
type WorkerManager struct {
	rt          *cmd.Runtime
	pool        *jobs.Pool
	metricsAddr string
	logger      *slog.Logger
}

func NewWorkerManager(rt *cmd.Runtime, workerID, metricsAddr string, logger *slog.Logger) *WorkerManager {
	opts := append(rt.Config.PoolOptions(),
		jobs.WithMetrics(rt.Metrics),
		jobs.WithPublisher(rt.EventBus),
		jobs.WithTracer(rt.Tracer),
	)

	if workerID != "" {
		opts = append(opts, jobs.WithWorkerID(workerID))
	}

	return &WorkerManager{
		rt:          rt,
		pool:        jobs.NewPool(rt.Persistence, rt.JobRegistry, logger, opts...),
		metricsAddr: metricsAddr,
		logger:      logger,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.logger.InfoContext(ctx, "Starting worker manager", "worker_id", w.pool.WorkerID(), "job_types", w.rt.JobRegistry.Types())

	updates, err := features.SubscribeUpdates(ctx, w.rt.EventBus, w.rt.Queue, w.rt.Config.Features.DedupWindow, w.logger)
	if err != nil {
		return err
	}

	if err := w.pool.Start(ctx); err != nil {
		_ = updates.Close()

		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return cmd.ServeMetrics(gctx, w.metricsAddr, w.rt.Gatherer, w.logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		w.logger.InfoContext(ctx, "Shutting down worker...")

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.rt.Config.Worker.GracePeriod+shutdownSlack)
		defer cancel()

		return errors.Join(updates.Close(), w.pool.Stop(stopCtx))
	})

	return g.Wait()
}
