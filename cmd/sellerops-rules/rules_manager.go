package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/sellerops/pkg/cmd"
	"github.com/dukex/sellerops/pkg/persistence/file"
	"github.com/dukex/sellerops/pkg/rules"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 30 * time.Second

// RulesManager owns the rule registry, the executor and the dispatcher, and keeps the rule
// set current: file rules are watched, database rules are polled.
type RulesManager struct {
	rt             *cmd.Runtime
	registry       *rules.Registry
	dispatcher     *rules.Dispatcher
	fileStore      *file.RuleStore
	reloadInterval time.Duration
	metricsAddr    string
	logger         *slog.Logger
}

func NewRulesManager(rt *cmd.Runtime, rulesPath string, reloadInterval time.Duration, metricsAddr string, logger *slog.Logger) (*RulesManager, error) {
	ruleStore := cmd.NewRuleStore(rulesPath, rt.Persistence)

	set, err := cmd.NewActionSet(rt.Catalog, rt.Notifier, rt.Queue, logger)
	if err != nil {
		return nil, err
	}

	executor := rules.NewExecutor(
		cmd.NewExecutorStore(rt.Persistence, ruleStore),
		rt.Catalog,
		set,
		rt.Notifier,
		rt.Cooldowns,
		logger,
		rules.WithPublisher(rt.EventBus),
		rules.WithMetrics(rt.Metrics),
		rules.WithTracer(rt.Tracer),
	)

	registry := rules.NewRegistry(ruleStore, logger)
	fileStore, _ := ruleStore.(*file.RuleStore)

	return &RulesManager{
		rt:             rt,
		registry:       registry,
		dispatcher:     rules.NewDispatcher(registry, rt.EventBus, executor, logger),
		fileStore:      fileStore,
		reloadInterval: reloadInterval,
		metricsAddr:    metricsAddr,
		logger:         logger,
	}, nil
}

func (m *RulesManager) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.registry.Load(ctx); err != nil {
		return err
	}

	if err := m.dispatcher.Start(ctx); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Rule engine started", "rules", len(m.registry.Active()), "topics", m.dispatcher.Topics())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return cmd.ServeMetrics(gctx, m.metricsAddr, m.rt.Gatherer, m.logger)
	})

	g.Go(func() error {
		if m.fileStore != nil {
			return m.fileStore.Watch(gctx, m.logger, m.rt.Config.Rules.ReloadDebounce, m.reload)
		}

		return m.poll(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		m.logger.InfoContext(ctx, "Shutting down rule engine...")

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()

		err := m.dispatcher.Stop(stopCtx)
		m.registry.Shutdown()

		if errors.Is(err, context.DeadlineExceeded) {
			m.logger.WarnContext(stopCtx, "Scheduled firings still running at exit")
		}

		return err
	})

	return g.Wait()
}

func (m *RulesManager) poll(ctx context.Context) error {
	if m.reloadInterval <= 0 {
		<-ctx.Done()

		return nil
	}

	ticker := time.NewTicker(m.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.reload(ctx)
		}
	}
}

// reload keeps the previous rule set when the store cannot be read.
func (m *RulesManager) reload(ctx context.Context) {
	if err := m.dispatcher.Reload(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Failed to reload rules", "error", err)

		return
	}

	m.logger.InfoContext(ctx, "Rules reloaded",
		"rules", len(m.registry.Active()),
		"invalid", len(m.registry.Invalid()),
		"topics", m.dispatcher.Topics(),
	)
}
