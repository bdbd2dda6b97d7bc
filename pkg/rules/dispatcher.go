package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/robfig/cron/v3"
)

// ErrDispatcherStopped is returned by Start and Reload after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// TriggerHandler executes one rule firing.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, rule *models.Rule, tc models.TriggerContext) *models.ExecutionRecord
}

// Dispatcher routes bus events and cron ticks to the active rules. It holds one
// subscription per topic whatever the number of rules listening on it.
type Dispatcher struct {
	registry   *Registry
	subscriber eventbus.EventSubscriber
	handler    TriggerHandler
	logger     *slog.Logger
	now        func() time.Time

	// applyMu serializes Start and Reload.
	applyMu sync.Mutex

	mu            sync.RWMutex
	ctx           context.Context
	routes        map[string][]*models.Rule
	subscriptions map[string]*eventbus.Subscription
	scheduler     *cron.Cron
	stopped       bool
}

func NewDispatcher(registry *Registry, subscriber eventbus.EventSubscriber, handler TriggerHandler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		subscriber:    subscriber,
		handler:       handler,
		logger:        logger.With("module", "rule_dispatcher"),
		now:           func() time.Time { return time.Now().UTC() },
		routes:        make(map[string][]*models.Rule),
		subscriptions: make(map[string]*eventbus.Subscription),
	}
}

// Start registers the registry's active rules. Subscriptions live until Stop or until ctx
// is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()

		return ErrDispatcherStopped
	}

	d.ctx = ctx
	d.mu.Unlock()

	return d.apply(ctx)
}

// Reload reloads the registry and swaps the routing table. Topics no longer listened on are
// unsubscribed; the cron schedule is rebuilt. Before Start only the registry is reloaded.
func (d *Dispatcher) Reload(ctx context.Context) error {
	if err := d.registry.Reload(ctx); err != nil {
		return fmt.Errorf("reloading rules: %w", err)
	}

	d.mu.RLock()
	started := d.ctx != nil
	d.mu.RUnlock()

	if !started {
		return nil
	}

	return d.apply(ctx)
}

func (d *Dispatcher) apply(ctx context.Context) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	active := d.registry.Active()

	routes := make(map[string][]*models.Rule)
	scheduled := make([]*models.Rule, 0)

	for _, rule := range active {
		if rule.Trigger.Type == models.TriggerTime {
			scheduled = append(scheduled, rule)

			continue
		}

		topic, ok := Topic(rule.Trigger)
		if !ok {
			d.logger.WarnContext(ctx, "Rule has no routable trigger", "rule_id", rule.ID, "trigger_type", rule.Trigger.Type)

			continue
		}

		routes[topic] = append(routes[topic], rule)
	}

	scheduler := d.schedule(ctx, scheduled)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		scheduler.Stop()

		return ErrDispatcherStopped
	}

	subCtx := d.ctx
	d.routes = routes

	stale := make([]*eventbus.Subscription, 0)

	for topic, sub := range d.subscriptions {
		if _, keep := routes[topic]; !keep {
			stale = append(stale, sub)
			delete(d.subscriptions, topic)
		}
	}

	missing := make([]string, 0)

	for topic := range routes {
		if _, ok := d.subscriptions[topic]; !ok {
			missing = append(missing, topic)
		}
	}

	previous := d.scheduler
	d.scheduler = scheduler
	d.mu.Unlock()

	if previous != nil {
		<-previous.Stop().Done()
	}

	scheduler.Start()

	// Closing waits for in-flight callbacks, which take the read lock.
	for _, sub := range stale {
		if err := sub.Close(); err != nil {
			d.logger.WarnContext(ctx, "Failed to close subscription", "topic", sub.Topic, "error", err)
		}
	}

	var errs []error

	for _, topic := range missing {
		sub, err := d.subscriber.Subscribe(subCtx, topic, d.eventHandler(topic))
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to subscribe rule topic", "topic", topic, "error", err)
			errs = append(errs, err)

			continue
		}

		d.mu.Lock()
		d.subscriptions[topic] = sub
		d.mu.Unlock()
	}

	d.logger.InfoContext(ctx, "Rules registered",
		"topics", len(routes),
		"scheduled", len(scheduled),
		"active", len(active),
	)

	return errors.Join(errs...)
}

// schedule builds a cron scheduler holding one entry per time-triggered rule.
func (d *Dispatcher) schedule(ctx context.Context, rules []*models.Rule) *cron.Cron {
	logger := cronLogger{logger: d.logger}
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)

	for _, rule := range rules {
		_, err := scheduler.AddFunc(rule.Trigger.Time.Spec(), func() {
			d.fireScheduled(rule)
		})
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to schedule rule", "rule_id", rule.ID, "cron", rule.Trigger.Time.Cron, "error", err)
		}
	}

	return scheduler
}

func (d *Dispatcher) fireScheduled(rule *models.Rule) {
	d.mu.RLock()
	ctx := d.ctx
	d.mu.RUnlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	d.fire(ctx, rule, models.TriggerContext{
		EntityID:    models.AllInScope,
		TriggerData: map[string]any{"scheduled_at": d.now().Format(time.RFC3339)},
	})
}

func (d *Dispatcher) eventHandler(topic string) eventbus.EventHandler {
	return func(ctx context.Context, event any) error {
		d.mu.RLock()
		rules := d.routes[topic]
		d.mu.RUnlock()

		for _, rule := range rules {
			tc, ok := Match(rule.Trigger, event)
			if !ok {
				continue
			}

			d.fire(ctx, rule, tc)
		}

		// Failed firings are already recorded; redelivering would fire the other rules twice.
		return nil
	}
}

// fire runs the handler with the firing's panic contained.
func (d *Dispatcher) fire(ctx context.Context, rule *models.Rule, tc models.TriggerContext) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "Rule firing panicked", "rule_id", rule.ID, "entity_id", tc.EntityID, "panic", r)
		}
	}()

	d.handler.HandleTrigger(ctx, rule, tc)
}

// Topics lists the topics currently subscribed.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	topics := make([]string, 0, len(d.subscriptions))
	for topic := range d.subscriptions {
		topics = append(topics, topic)
	}

	return topics
}

// Stop closes every subscription and waits for running scheduled firings.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()

		return nil
	}

	d.stopped = true
	subs := d.subscriptions
	d.subscriptions = make(map[string]*eventbus.Subscription)
	d.routes = make(map[string][]*models.Rule)
	scheduler := d.scheduler
	d.scheduler = nil
	d.mu.Unlock()

	var errs []error

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	d.logger.InfoContext(ctx, "Dispatcher stopped")

	return errors.Join(errs...)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
