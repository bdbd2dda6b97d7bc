package rules_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/sellerops/pkg/actions"
	"github.com/dukex/sellerops/pkg/cooldown"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/mocks"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence/memory"
	"github.com/dukex/sellerops/pkg/rules"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fixture struct {
	store     *memory.Persistence
	catalog   *services.Catalog
	tasks     *mocks.MockTaskService
	cooldowns *cooldown.MemoryStore
	set       *actions.Set
	executor  *rules.Executor
	failing   map[string]bool
	calls     []string
}

func newFixture(t *testing.T, opts ...rules.ExecutorOption) *fixture {
	t.Helper()

	f := &fixture{
		store: memory.NewPersistence(),
		catalog: services.NewCatalog(
			&models.Listing{ID: "L1", Title: "Trail shoe", Category: "shoes", Score: 55, Stock: 4, Price: 120, Cost: 60},
			&models.Listing{ID: "L2", Title: "Road shoe", Category: "shoes", Score: 40, Stock: 0, Price: 90, Cost: 50},
			&models.Listing{ID: "L3", Title: "Rain jacket", Category: "jackets", Score: 30, Stock: 9, Price: 150, Cost: 70},
		),
		tasks:     &mocks.MockTaskService{},
		cooldowns: cooldown.NewMemoryStore(time.Minute),
		failing:   make(map[string]bool),
	}

	alert := actions.ExecutorFunc(func(_ context.Context, _ models.Action, entity models.Entity, _ models.TriggerContext) (models.ActionResult, error) {
		f.calls = append(f.calls, "alert:"+entity.EntityID())

		if f.failing[entity.EntityID()] {
			return models.ActionResult{}, errBoom
		}

		return models.ActionResult{Success: true}, nil
	})

	set, err := actions.NewSet(actions.Set{
		CreateTask:    actions.NewCreateTask(f.tasks),
		UpdatePrice:   alert,
		SendAlert:     alert,
		TagEntity:     actions.NewTagEntity(f.catalog),
		Webhook:       alert,
		ApplyTemplate: actions.NewApplyTemplate(f.catalog),
	})
	require.NoError(t, err)

	f.set = set
	f.executor = rules.NewExecutor(f.store, f.catalog, set, f.tasks, f.cooldowns, slog.Default(), opts...)

	return f
}

func (f *fixture) save(t *testing.T, rule *models.Rule) *models.Rule {
	t.Helper()
	require.NoError(t, f.store.SaveRule(context.Background(), rule))

	return rule
}

func lowScoreRule() *models.Rule {
	return &models.Rule{
		ID:     "low-score",
		Name:   "Low score",
		Active: true,
		Trigger: models.Trigger{
			Type:      models.TriggerThreshold,
			Threshold: &models.ThresholdTrigger{Metric: "score", Operator: models.ThresholdLT, Value: 60},
		},
		Scope:      models.Scope{Type: models.ScopeCategory, Value: "shoes"},
		Conditions: []models.Condition{{Field: "stock", Operator: models.OpGt, Value: 0}},
		Actions: []models.Action{
			{Type: models.ActionTagEntity, TagEntity: &models.TagEntityAction{Tags: []string{"needs-work"}}},
			{Type: models.ActionSendAlert, SendAlert: &models.SendAlertAction{Channel: "ops", MessageTemplate: "{{title}} at {{context.current_value}}"}},
		},
		Controls: models.ExecutionControls{CooldownSeconds: 3600},
	}
}

func scoreFiring(entityID string, score float64) models.TriggerContext {
	return models.TriggerContext{
		EntityID:    entityID,
		TriggerData: map[string]any{"metric": "score", "current_value": score},
	}
}

func TestExecutor_ActsOnMatchingEntity(t *testing.T) {
	f := newFixture(t)
	rule := f.save(t, lowScoreRule())
	ctx := context.Background()

	record := f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionCompleted, record.Status)
	assert.Equal(t, models.ModeAuto, record.Mode)
	assert.Equal(t, 1, record.EntitiesEvaluated)
	assert.Equal(t, 1, record.EntitiesMatched)
	require.Len(t, record.Actions, 2)
	assert.True(t, record.Actions[0].Success)
	assert.Equal(t, models.ActionTagEntity, record.Actions[0].ActionType)
	assert.Equal(t, 1, record.Actions[1].ActionIndex)
	require.NotNil(t, record.CompletedAt)

	listing, _ := f.catalog.Listing("L1")
	assert.Contains(t, listing.Tags, "needs-work")

	saved, err := f.store.ExecutionByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, saved.Status)

	stored, err := f.store.RuleByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TriggerCount)
	assert.NotNil(t, stored.LastTriggeredAt)
}

func TestExecutor_CooldownSuppressesSecondFiring(t *testing.T) {
	f := newFixture(t)
	rule := f.save(t, lowScoreRule())
	ctx := context.Background()

	require.NotNil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55)))
	assert.Nil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 50)))

	records, err := f.store.Executions(ctx, rule.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []string{"alert:L1"}, f.calls)

	active, err := f.cooldowns.Active(ctx, cooldown.RuleKey(rule.ID, "L1"))
	require.NoError(t, err)
	assert.True(t, active)
}

func TestExecutor_CooldownIsPerEntity(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Conditions = nil
	f.save(t, rule)
	ctx := context.Background()

	require.NotNil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55)))
	require.NotNil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L2", 40)))

	// A scheduled firing finds both entities cooling down.
	assert.Nil(t, f.executor.HandleTrigger(ctx, rule, models.TriggerContext{EntityID: models.AllInScope}))
}

func TestExecutor_DailyLimit(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Controls = models.ExecutionControls{MaxDailyTriggers: 2}
	f.save(t, rule)
	ctx := context.Background()

	require.NotNil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55)))
	require.NotNil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 54)))
	assert.Nil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 53)))

	records, err := f.store.Executions(ctx, rule.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExecutor_DailyLimitResetsAtMidnight(t *testing.T) {
	now := time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC)
	f := newFixture(t, rules.WithClock(func() time.Time { return now }))
	rule := lowScoreRule()
	rule.Controls = models.ExecutionControls{MaxDailyTriggers: 1}
	f.save(t, rule)
	ctx := context.Background()

	require.NotNil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55)))
	assert.Nil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55)))

	now = now.Add(2 * time.Minute)
	assert.NotNil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55)))
}

func TestExecutor_Skips(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Rule)
		tc     models.TriggerContext
	}{
		{
			name:   "inactive rule",
			mutate: func(r *models.Rule) { r.Active = false },
			tc:     scoreFiring("L1", 55),
		},
		{
			name: "entity outside scope",
			tc:   scoreFiring("L3", 30),
		},
		{
			name: "unknown entity",
			tc:   scoreFiring("missing", 30),
		},
		{
			name: "conditions fail",
			tc:   scoreFiring("L2", 40),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rule := lowScoreRule()

			if tt.mutate != nil {
				tt.mutate(rule)
			}

			f.save(t, rule)

			assert.Nil(t, f.executor.HandleTrigger(context.Background(), rule, tt.tc))
			assert.Empty(t, f.calls)

			records, err := f.store.Executions(context.Background(), rule.ID, 0)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestExecutor_ScheduledFiringExpandsScope(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Conditions = nil
	rule.Actions = rule.Actions[1:]
	f.save(t, rule)

	record := f.executor.HandleTrigger(context.Background(), rule, models.TriggerContext{EntityID: models.AllInScope})
	require.NotNil(t, record)

	assert.Equal(t, 2, record.EntitiesEvaluated)
	assert.Equal(t, 2, record.EntitiesMatched)
	assert.Equal(t, []string{"alert:L1", "alert:L2"}, f.calls)
	assert.Equal(t, "L1", record.Actions[0].EntityID)
	assert.Equal(t, "L2", record.Actions[1].EntityID)
}

func TestExecutor_ScopeLookupFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	rule := f.save(t, lowScoreRule())

	lookup := &mocks.MockEntityLookup{}
	lookup.On("Resolve", mock.Anything, rule.Scope).Return(nil, errBoom)

	executor := rules.NewExecutor(f.store, lookup, f.set, f.tasks, f.cooldowns, slog.Default())

	record := executor.HandleTrigger(context.Background(), rule, models.TriggerContext{EntityID: models.AllInScope})
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.Contains(t, record.Error, "resolving scope")
	assert.Empty(t, record.Actions)
	lookup.AssertExpectations(t)

	records, err := f.store.Executions(context.Background(), rule.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecutor_MissingTriggerEntityIsSkipped(t *testing.T) {
	f := newFixture(t)
	rule := f.save(t, lowScoreRule())

	lookup := &mocks.MockEntityLookup{}
	lookup.On("Get", mock.Anything, mock.Anything, "ghost").
		Return(nil, services.NewServiceError("Get", "ghost", services.ErrEntityNotFound))

	executor := rules.NewExecutor(f.store, lookup, f.set, f.tasks, f.cooldowns, slog.Default())

	assert.Nil(t, executor.HandleTrigger(context.Background(), rule, scoreFiring("ghost", 10)))
	lookup.AssertExpectations(t)
}

func TestExecutor_PartialFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Conditions = nil
	rule.Actions = []models.Action{
		{Type: models.ActionSendAlert, SendAlert: &models.SendAlertAction{Channel: "ops", MessageTemplate: "first"}},
		{Type: models.ActionWebhook, Webhook: &models.WebhookAction{URL: "https://example.com/hook"}},
	}
	f.save(t, rule)
	f.failing["L1"] = true

	record := f.executor.HandleTrigger(context.Background(), rule, models.TriggerContext{EntityID: models.AllInScope})
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.Equal(t, 2, record.EntitiesMatched)
	assert.Equal(t, 2, record.Failed())
	assert.Contains(t, record.Error, "entity L1 action 0")
	// Without rollback every action is attempted.
	assert.Equal(t, []string{"alert:L1", "alert:L1", "alert:L2", "alert:L2"}, f.calls)
}

func TestExecutor_RollbackUndoesEarlierActions(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Controls.RollbackEnabled = true
	rule.Actions = append(rule.Actions, models.Action{
		Type:    models.ActionWebhook,
		Webhook: &models.WebhookAction{URL: "https://example.com/hook"},
	})
	f.save(t, rule)
	f.failing["L1"] = true

	record := f.executor.HandleTrigger(context.Background(), rule, scoreFiring("L1", 55))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionRolledBack, record.Status)
	require.Len(t, record.Actions, 2, "the entity stops at the first failure")
	assert.True(t, record.Actions[0].RolledBack)
	assert.False(t, record.Actions[1].Success)
	assert.Equal(t, errBoom.Error(), record.Actions[1].Error)

	listing, _ := f.catalog.Listing("L1")
	assert.NotContains(t, listing.Tags, "needs-work")
}

func TestExecutor_DryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Controls.Mode = models.ModeDryRun
	f.save(t, rule)
	ctx := context.Background()

	record := f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55))
	require.NotNil(t, record)

	assert.Equal(t, models.ModeDryRun, record.Mode)
	assert.Equal(t, models.ExecutionCompleted, record.Status)
	require.Len(t, record.Actions, 2)

	for _, action := range record.Actions {
		assert.True(t, action.Skipped)
		assert.Contains(t, action.ResultData, "preview")
	}

	preview := record.Actions[1].ResultData["preview"].(map[string]any)
	assert.Equal(t, "Trail shoe at 55", preview["message"])

	assert.Empty(t, f.calls)
	listing, _ := f.catalog.Listing("L1")
	assert.NotContains(t, listing.Tags, "needs-work")

	assert.Nil(t, f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55)), "dry runs still set the cooldown")
}

func TestExecutor_ApprovalCreatesReviewTask(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Controls.Mode = models.ModeApprovalRequired
	f.save(t, rule)

	f.tasks.On("Create", mock.Anything, mock.MatchedBy(func(task services.Task) bool {
		return task.EntityID == "L1" && task.RuleID == "low-score"
	})).Return("task-1", nil).Once()

	record := f.executor.HandleTrigger(context.Background(), rule, scoreFiring("L1", 55))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionCompleted, record.Status)
	require.Len(t, record.Actions, 2)
	assert.True(t, record.Actions[0].Skipped)
	assert.Equal(t, "task-1", record.Actions[0].ResultData["taskId"])
	assert.Empty(t, f.calls)
	f.tasks.AssertExpectations(t)
}

func TestExecutor_ApprovalTaskFailure(t *testing.T) {
	f := newFixture(t)
	rule := lowScoreRule()
	rule.Controls.Mode = models.ModeApprovalRequired
	f.save(t, rule)

	f.tasks.On("Create", mock.Anything, mock.Anything).Return("", errBoom)

	record := f.executor.HandleTrigger(context.Background(), rule, scoreFiring("L1", 55))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.Equal(t, 2, record.Failed())
}

func TestExecutor_PublishesExecution(t *testing.T) {
	bus := &mocks.MockEventBus{}
	f := newFixture(t, rules.WithPublisher(bus))
	rule := f.save(t, lowScoreRule())

	bus.On("Publish", mock.Anything, events.RuleExecutionsTopic, mock.MatchedBy(func(event *events.RuleExecuted) bool {
		return event.RuleID == "low-score" && event.Status == "completed" && event.EntitiesMatched == 1
	})).Return(nil).Once()

	require.NotNil(t, f.executor.HandleTrigger(context.Background(), rule, scoreFiring("L1", 55)))
	bus.AssertExpectations(t)
}

func TestExecutor_CooldownStoreDownFailsClosed(t *testing.T) {
	f := newFixture(t)
	rule := f.save(t, lowScoreRule())

	executor := rules.NewExecutor(f.store, f.catalog, f.set, f.tasks, unavailableStore{}, slog.Default())

	assert.Nil(t, executor.HandleTrigger(context.Background(), rule, scoreFiring("L1", 55)))
	assert.Empty(t, f.calls)

	listing, _ := f.catalog.Listing("L1")
	assert.NotContains(t, listing.Tags, "needs-work")
}

func TestExecutor_RecordsMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	f := newFixture(t, rules.WithMetrics(metrics))
	rule := f.save(t, lowScoreRule())
	ctx := context.Background()

	f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55))
	f.executor.HandleTrigger(ctx, rule, scoreFiring("L1", 55))

	assert.Equal(t, []models.ExecutionStatus{models.ExecutionCompleted}, metrics.fired)
	assert.Equal(t, []string{rules.SkipCooldown}, metrics.skipped)
	assert.Equal(t, []string{rules.OutcomeSucceeded, rules.OutcomeSucceeded}, metrics.outcomes)
}

type unavailableStore struct{}

func (unavailableStore) TryAcquire(context.Context, string, time.Duration) (bool, error) {
	return false, errBoom
}

func (unavailableStore) Lock(context.Context, string, time.Duration) (string, error) {
	return "", errBoom
}

func (unavailableStore) Release(context.Context, string, string) error { return errBoom }

func (unavailableStore) Active(context.Context, string) (bool, error) { return false, errBoom }

type recordingMetrics struct {
	fired    []models.ExecutionStatus
	skipped  []string
	outcomes []string
}

func (m *recordingMetrics) RuleFired(_ string, status models.ExecutionStatus) {
	m.fired = append(m.fired, status)
}

func (m *recordingMetrics) RuleSkipped(_ string, reason string) {
	m.skipped = append(m.skipped, reason)
}

func (m *recordingMetrics) ActionExecuted(_ models.ActionType, outcome string) {
	m.outcomes = append(m.outcomes, outcome)
}
