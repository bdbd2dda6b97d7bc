package rules_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/sellerops/pkg/channels/gochannel"
	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence/memory"
	"github.com/dukex/sellerops/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	ruleID string
	tc     models.TriggerContext
}

type recordingHandler struct {
	mu      sync.Mutex
	firings []firing
	fired   chan firing
	panicOn string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{fired: make(chan firing, 32)}
}

func (h *recordingHandler) HandleTrigger(_ context.Context, rule *models.Rule, tc models.TriggerContext) *models.ExecutionRecord {
	if rule.ID == h.panicOn {
		panic("handler exploded")
	}

	f := firing{ruleID: rule.ID, tc: tc}

	h.mu.Lock()
	h.firings = append(h.firings, f)
	h.mu.Unlock()

	h.fired <- f

	return nil
}

func (h *recordingHandler) wait(t *testing.T) firing {
	t.Helper()

	select {
	case f := <-h.fired:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no rule fired")

		return firing{}
	}
}

func (h *recordingHandler) assertQuiet(t *testing.T) {
	t.Helper()

	select {
	case f := <-h.fired:
		t.Fatalf("unexpected firing of %s", f.ruleID)
	case <-time.After(150 * time.Millisecond):
	}
}

type dispatcherFixture struct {
	store      *memory.Persistence
	bus        *eventbus.WatermillEventBus
	handler    *recordingHandler
	dispatcher *rules.Dispatcher
}

func newDispatcherFixture(t *testing.T, ruleSet ...*models.Rule) *dispatcherFixture {
	t.Helper()

	ctx := context.Background()
	store := memory.NewPersistence()

	for _, rule := range ruleSet {
		require.NoError(t, store.SaveRule(ctx, rule))
	}

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, slog.Default())
	t.Cleanup(func() { _ = bus.Close() })

	registry := rules.NewRegistry(store, slog.Default())
	require.NoError(t, registry.Load(ctx))

	handler := newRecordingHandler()
	dispatcher := rules.NewDispatcher(registry, bus, handler, slog.Default())
	require.NoError(t, dispatcher.Start(ctx))
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })

	return &dispatcherFixture{store: store, bus: bus, handler: handler, dispatcher: dispatcher}
}

func TestDispatcher_ThresholdRuleFiresBelowValue(t *testing.T) {
	f := newDispatcherFixture(t, lowScoreRule())
	ctx := context.Background()

	require.NoError(t, f.bus.Publish(ctx, events.MetricTopic("score"), events.NewMetricChanged("score", "L1", 55, nil)))

	fired := f.handler.wait(t)
	assert.Equal(t, "low-score", fired.ruleID)
	assert.Equal(t, "L1", fired.tc.EntityID)
	assert.Equal(t, 55.0, fired.tc.TriggerData["current_value"])

	require.NoError(t, f.bus.Publish(ctx, events.MetricTopic("score"), events.NewMetricChanged("score", "L1", 65, nil)))
	f.handler.assertQuiet(t)
}

func TestDispatcher_OneSubscriptionPerTopic(t *testing.T) {
	second := lowScoreRule()
	second.ID = "very-low-score"
	second.Trigger.Threshold = &models.ThresholdTrigger{Metric: "score", Operator: models.ThresholdLT, Value: 50}

	f := newDispatcherFixture(t, lowScoreRule(), second, timeRule("nightly", "@daily", ""))

	assert.Equal(t, []string{events.MetricTopic("score")}, f.dispatcher.Topics())

	require.NoError(t, f.bus.Publish(context.Background(), events.MetricTopic("score"), events.NewMetricChanged("score", "L1", 45, nil)))

	got := map[string]bool{f.handler.wait(t).ruleID: true, f.handler.wait(t).ruleID: true}
	assert.Equal(t, map[string]bool{"low-score": true, "very-low-score": true}, got)
}

func TestDispatcher_PanicDoesNotStopDelivery(t *testing.T) {
	f := newDispatcherFixture(t, lowScoreRule())
	f.handler.panicOn = "low-score"
	ctx := context.Background()

	require.NoError(t, f.bus.Publish(ctx, events.MetricTopic("score"), events.NewMetricChanged("score", "L1", 10, nil)))
	f.handler.assertQuiet(t)

	f.handler.panicOn = ""

	require.NoError(t, f.bus.Publish(ctx, events.MetricTopic("score"), events.NewMetricChanged("score", "L1", 20, nil)))
	assert.Equal(t, "low-score", f.handler.wait(t).ruleID)
}

func TestDispatcher_ReloadSwapsSubscriptions(t *testing.T) {
	f := newDispatcherFixture(t, lowScoreRule())
	ctx := context.Background()

	require.NoError(t, f.store.DeleteRule(ctx, "low-score"))
	require.NoError(t, f.store.SaveRule(ctx, &models.Rule{
		ID:      "order-tag",
		Name:    "Tag ordered listings",
		Active:  true,
		Trigger: models.Trigger{Type: models.TriggerEvent, Event: &models.EventTrigger{EventType: "order.created"}},
		Scope:   models.Scope{Type: models.ScopeAll},
		Actions: []models.Action{{Type: models.ActionTagEntity, TagEntity: &models.TagEntityAction{Tags: []string{"ordered"}}}},
	}))

	require.NoError(t, f.dispatcher.Reload(ctx))
	assert.Equal(t, []string{events.AppTopic("order.created")}, f.dispatcher.Topics())

	require.NoError(t, f.bus.Publish(ctx, events.MetricTopic("score"), events.NewMetricChanged("score", "L1", 10, nil)))
	require.NoError(t, f.bus.Publish(ctx, events.AppTopic("order.created"), events.NewAppEvent("order.created", "L7", nil)))

	fired := f.handler.wait(t)
	assert.Equal(t, "order-tag", fired.ruleID)
	assert.Equal(t, "L7", fired.tc.EntityID)
	f.handler.assertQuiet(t)
}

func TestDispatcher_TimeTriggerFiresAllInScope(t *testing.T) {
	f := newDispatcherFixture(t, timeRule("tick", "@every 1s", "UTC"))

	fired := f.handler.wait(t)
	assert.Equal(t, "tick", fired.ruleID)
	assert.True(t, fired.tc.IsAllInScope())
	assert.Contains(t, fired.tc.TriggerData, "scheduled_at")
}

func TestDispatcher_StopEndsDelivery(t *testing.T) {
	f := newDispatcherFixture(t, lowScoreRule())
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Stop(ctx))
	assert.Empty(t, f.dispatcher.Topics())
	assert.ErrorIs(t, f.dispatcher.Reload(ctx), rules.ErrDispatcherStopped)

	_ = f.bus.Publish(ctx, events.MetricTopic("score"), events.NewMetricChanged("score", "L1", 10, nil))
	f.handler.assertQuiet(t)
}
