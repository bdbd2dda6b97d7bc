package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/sellerops/pkg/actions"
	"github.com/dukex/sellerops/pkg/condition"
	"github.com/dukex/sellerops/pkg/cooldown"
	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/otelhelper"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the part of persistence the executor writes to.
type Store interface {
	persistence.ExecutionStore
	RecordTrigger(ctx context.Context, ruleID string, at time.Time) error
}

// Executor runs one rule firing end to end. It never returns an error: every failure
// ends up in the execution record or the log.
type Executor struct {
	store     Store
	lookup    services.EntityLookup
	actions   *actions.Set
	tasks     services.TaskService
	cooldowns cooldown.Store
	publisher eventbus.EventPublisher
	metrics   Metrics
	tracer    trace.Tracer
	now       func() time.Time
	logger    *slog.Logger
}

type ExecutorOption func(*Executor)

// WithPublisher publishes a RuleExecuted event after each recorded firing.
func WithPublisher(publisher eventbus.EventPublisher) ExecutorOption {
	return func(e *Executor) { e.publisher = publisher }
}

func WithMetrics(metrics Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor wires the executor. tasks receives review tasks of approval_required rules.
func NewExecutor(
	store Store,
	lookup services.EntityLookup,
	set *actions.Set,
	tasks services.TaskService,
	cooldowns cooldown.Store,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		store:     store,
		lookup:    lookup,
		actions:   set,
		tasks:     tasks,
		cooldowns: cooldowns,
		metrics:   NopMetrics{},
		tracer:    otelhelper.Tracer("sellerops/rules"),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("module", "rule_executor"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// HandleTrigger evaluates the rule for the firing and runs its actions on every matching
// entity. It returns the written record, or nil when the firing was skipped (inactive rule,
// cooldown, daily limit, out of scope, no match). Skips are not recorded.
func (e *Executor) HandleTrigger(ctx context.Context, rule *models.Rule, tc models.TriggerContext) *models.ExecutionRecord {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "rule.handle_trigger",
		attribute.String("rule_id", rule.ID),
		attribute.String("entity_id", tc.EntityID),
	)
	defer span.End()

	logger := e.logger.With("rule_id", rule.ID, "entity_id", tc.EntityID)

	if reason, skip := e.gate(ctx, logger, rule, tc); skip {
		e.skip(ctx, logger, rule, reason)
		span.SetAttributes(attribute.String("skip_reason", reason))

		return nil
	}

	record := &models.ExecutionRecord{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Mode:      rule.Controls.EffectiveMode(),
		Trigger:   tc,
		StartedAt: e.now(),
		Status:    models.ExecutionRunning,
		Actions:   []models.ActionExecution{},
	}

	entities, err := e.resolve(ctx, rule, tc)
	if err != nil {
		if services.IsNotFound(err) {
			logger.WarnContext(ctx, "Trigger entity not found", "error", err)
			e.skip(ctx, logger, rule, SkipOutOfScope)

			return nil
		}

		logger.ErrorContext(ctx, "Failed to resolve rule scope", "error", err)
		record.Error = fmt.Sprintf("resolving scope: %v", err)
		e.finish(ctx, logger, rule, record, models.ExecutionFailed)
		otelhelper.SetError(span, err)

		return record
	}

	if len(entities) == 0 {
		e.skip(ctx, logger, rule, SkipOutOfScope)

		return nil
	}

	record.EntitiesEvaluated = len(entities)

	matched := make([]models.Entity, 0, len(entities))

	for _, entity := range entities {
		if condition.Evaluate(entity, rule.Conditions, entityContext(tc, entity)) {
			matched = append(matched, entity)
		}
	}

	if len(matched) == 0 {
		e.skip(ctx, logger, rule, SkipNoMatch)

		return nil
	}

	ctx = actions.WithRuleID(ctx, rule.ID)
	acted := 0

	for _, entity := range matched {
		if !e.acquireCooldown(ctx, logger, rule, entity.EntityID()) {
			continue
		}

		acted++

		record.Actions = append(record.Actions, e.runEntity(ctx, logger, rule, entity, entityContext(tc, entity))...)
	}

	if acted == 0 {
		e.skip(ctx, logger, rule, SkipCooldown)

		return nil
	}

	record.EntitiesMatched = acted

	status := recordStatus(record)
	if status != models.ExecutionCompleted {
		record.Error = firstError(record)
		otelhelper.SetError(span, errors.New(record.Error))
	} else {
		otelhelper.SetOK(span)
	}

	e.finish(ctx, logger, rule, record, status)

	return record
}

// gate applies the checks that skip a firing before any entity is looked up.
func (e *Executor) gate(ctx context.Context, logger *slog.Logger, rule *models.Rule, tc models.TriggerContext) (string, bool) {
	if !rule.Active {
		return SkipInactive, true
	}

	if rule.Controls.CooldownSeconds > 0 && !tc.IsAllInScope() {
		active, err := e.cooldowns.Active(ctx, cooldown.RuleKey(rule.ID, tc.EntityID))
		if err != nil {
			logger.ErrorContext(ctx, "Cooldown store unavailable", "error", err)

			return SkipUnavailable, true
		}

		if active {
			return SkipCooldown, true
		}
	}

	if rule.Controls.MaxDailyTriggers > 0 {
		count, err := e.store.CountExecutionsSince(ctx, rule.ID, startOfDay(e.now()))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to count today's executions", "error", err)

			return SkipUnavailable, true
		}

		if count >= rule.Controls.MaxDailyTriggers {
			return SkipDailyLimit, true
		}
	}

	return "", false
}

func (e *Executor) skip(ctx context.Context, logger *slog.Logger, rule *models.Rule, reason string) {
	logger.DebugContext(ctx, "Rule firing skipped", "reason", reason)
	e.metrics.RuleSkipped(rule.ID, reason)
}

// resolve expands the firing into entities: the rule scope for scheduled firings, the
// trigger entity (if it is in scope) otherwise.
func (e *Executor) resolve(ctx context.Context, rule *models.Rule, tc models.TriggerContext) ([]models.Entity, error) {
	if tc.IsAllInScope() {
		return e.lookup.Resolve(ctx, rule.Scope)
	}

	entity, err := e.lookup.Get(ctx, tc.EntityType, tc.EntityID)
	if err != nil {
		return nil, err
	}

	if !rule.Scope.Matches(entity) {
		return nil, nil
	}

	return []models.Entity{entity}, nil
}

// acquireCooldown takes the (rule, entity) cooldown key. It fails closed: when the store
// cannot be reached the entity is not acted on.
func (e *Executor) acquireCooldown(ctx context.Context, logger *slog.Logger, rule *models.Rule, entityID string) bool {
	ttl := rule.Controls.Cooldown()
	if ttl <= 0 {
		return true
	}

	acquired, err := e.cooldowns.TryAcquire(ctx, cooldown.RuleKey(rule.ID, entityID), ttl)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to set rule cooldown", "entity_id", entityID, "error", err)

		return false
	}

	if !acquired {
		logger.DebugContext(ctx, "Entity in cooldown", "entity_id", entityID)
	}

	return acquired
}

// runEntity performs the rule's actions for one entity according to the execution mode.
// A panic is contained to the entity.
func (e *Executor) runEntity(ctx context.Context, logger *slog.Logger, rule *models.Rule, entity models.Entity, tc models.TriggerContext) (executions []models.ActionExecution) {
	logger = logger.With("entity_id", entity.EntityID())

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "Rule actions panicked", "panic", r)

			executions = append(executions, models.ActionExecution{
				EntityID:    entity.EntityID(),
				ActionIndex: len(executions),
				Error:       fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	switch rule.Controls.EffectiveMode() {
	case models.ModeDryRun:
		return e.dryRun(ctx, logger, rule, entity, tc)
	case models.ModeApprovalRequired:
		return e.requestApproval(ctx, logger, rule, entity, tc)
	default:
		return e.execute(ctx, logger, rule, entity, tc)
	}
}

func (e *Executor) dryRun(ctx context.Context, logger *slog.Logger, rule *models.Rule, entity models.Entity, tc models.TriggerContext) []models.ActionExecution {
	executions := make([]models.ActionExecution, 0, len(rule.Actions))

	for _, planned := range Plan(rule.Actions, entity, tc) {
		logger.InfoContext(ctx, "Dry run: action not executed", "action_index", planned.Index, "action_type", planned.Type, "preview", planned.Preview)
		e.metrics.ActionExecuted(planned.Type, OutcomeDryRun)

		executions = append(executions, models.ActionExecution{
			EntityID:    entity.EntityID(),
			ActionIndex: planned.Index,
			ActionType:  planned.Type,
			Success:     true,
			Skipped:     true,
			ResultData:  map[string]any{"mode": string(models.ModeDryRun), "preview": planned.Preview},
		})
	}

	return executions
}

func (e *Executor) requestApproval(ctx context.Context, logger *slog.Logger, rule *models.Rule, entity models.Entity, tc models.TriggerContext) []models.ActionExecution {
	planned := Plan(rule.Actions, entity, tc)

	summary := make([]string, 0, len(planned))
	for _, p := range planned {
		summary = append(summary, fmt.Sprintf("%d. %s", p.Index+1, p.Type))
	}

	taskID, err := e.tasks.Create(ctx, services.Task{
		Title:       fmt.Sprintf("Approve %q for %s", rule.Name, entity.EntityID()),
		Description: "Pending actions:\n" + strings.Join(summary, "\n"),
		Priority:    "normal",
		EntityID:    entity.EntityID(),
		RuleID:      rule.ID,
		Metadata:    map[string]any{"actions": planned, "trigger": tc},
	})

	executions := make([]models.ActionExecution, 0, len(planned))

	for _, p := range planned {
		execution := models.ActionExecution{
			EntityID:    entity.EntityID(),
			ActionIndex: p.Index,
			ActionType:  p.Type,
		}

		if err != nil {
			execution.Error = fmt.Sprintf("creating review task: %v", err)
			e.metrics.ActionExecuted(p.Type, OutcomeFailed)
		} else {
			execution.Success = true
			execution.Skipped = true
			execution.ResultData = map[string]any{"mode": string(models.ModeApprovalRequired), "taskId": taskID}
			e.metrics.ActionExecuted(p.Type, OutcomeApproval)
		}

		executions = append(executions, execution)
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to create review task", "error", err)
	} else {
		logger.InfoContext(ctx, "Review task created", "task_id", taskID)
	}

	return executions
}

// execute runs the actions in order. With rollback enabled the first failure stops the
// entity and undoes its earlier successful actions in reverse order.
func (e *Executor) execute(ctx context.Context, logger *slog.Logger, rule *models.Rule, entity models.Entity, tc models.TriggerContext) []models.ActionExecution {
	executions := make([]models.ActionExecution, 0, len(rule.Actions))

	for i, action := range rule.Actions {
		execution := models.ActionExecution{
			EntityID:    entity.EntityID(),
			ActionIndex: i,
			ActionType:  action.Type,
		}

		result, err := e.actions.Execute(ctx, action, entity, tc)
		if err != nil {
			execution.Error = err.Error()
		} else {
			execution.Success = result.Success
			execution.ResultData = result.ResultData
			execution.RollbackData = result.RollbackData
		}

		executions = append(executions, execution)

		if execution.Success {
			e.metrics.ActionExecuted(action.Type, OutcomeSucceeded)
			logger.DebugContext(ctx, "Action succeeded", "action_index", i, "action_type", action.Type)

			continue
		}

		e.metrics.ActionExecuted(action.Type, OutcomeFailed)
		logger.WarnContext(ctx, "Action failed", "action_index", i, "action_type", action.Type, "error", execution.Error, "result", execution.ResultData)

		if rule.Controls.RollbackEnabled {
			e.rollback(ctx, logger, entity, executions)

			break
		}
	}

	return executions
}

func (e *Executor) rollback(ctx context.Context, logger *slog.Logger, entity models.Entity, executions []models.ActionExecution) {
	for i := len(executions) - 1; i >= 0; i-- {
		execution := &executions[i]
		if !execution.Success || execution.RollbackData == nil {
			continue
		}

		if err := e.actions.Rollback(ctx, execution.ActionType, entity, execution.RollbackData); err != nil {
			logger.ErrorContext(ctx, "Rollback failed", "action_index", execution.ActionIndex, "action_type", execution.ActionType, "error", err)

			continue
		}

		execution.RolledBack = true
		e.metrics.ActionExecuted(execution.ActionType, OutcomeRolledBack)
		logger.InfoContext(ctx, "Action rolled back", "action_index", execution.ActionIndex, "action_type", execution.ActionType)
	}
}

// finish stamps the record, does the trigger bookkeeping, stores the record and announces it.
func (e *Executor) finish(ctx context.Context, logger *slog.Logger, rule *models.Rule, record *models.ExecutionRecord, status models.ExecutionStatus) {
	completedAt := e.now()
	record.CompletedAt = &completedAt
	record.Status = status

	if err := e.store.RecordTrigger(ctx, rule.ID, completedAt); err != nil {
		logger.ErrorContext(ctx, "Failed to record rule trigger", "error", err)
	}

	if err := e.store.SaveExecution(ctx, record); err != nil {
		logger.ErrorContext(ctx, "Failed to save execution record", "execution_id", record.ID, "error", err)
	}

	e.metrics.RuleFired(rule.ID, status)

	logger.InfoContext(ctx, "Rule executed",
		"execution_id", record.ID,
		"status", status,
		"mode", record.Mode,
		"entities_evaluated", record.EntitiesEvaluated,
		"entities_matched", record.EntitiesMatched,
		"failed_actions", record.Failed(),
	)

	if e.publisher == nil {
		return
	}

	event := &events.RuleExecuted{
		BaseEvent:       events.NewBaseEvent(events.RuleExecutedEvent),
		RuleID:          rule.ID,
		ExecutionID:     record.ID,
		Status:          string(status),
		EntitiesMatched: record.EntitiesMatched,
	}

	if err := e.publisher.Publish(ctx, events.RuleExecutionsTopic, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish rule execution", "execution_id", record.ID, "error", err)
	}
}

func recordStatus(record *models.ExecutionRecord) models.ExecutionStatus {
	for _, action := range record.Actions {
		if action.RolledBack {
			return models.ExecutionRolledBack
		}
	}

	if record.Failed() > 0 {
		return models.ExecutionFailed
	}

	return models.ExecutionCompleted
}

func firstError(record *models.ExecutionRecord) string {
	for _, action := range record.Actions {
		if action.Success || action.Skipped {
			continue
		}

		if action.Error != "" {
			return fmt.Sprintf("entity %s action %d (%s): %s", action.EntityID, action.ActionIndex, action.ActionType, action.Error)
		}

		return fmt.Sprintf("entity %s action %d (%s) reported failure", action.EntityID, action.ActionIndex, action.ActionType)
	}

	return ""
}

// entityContext fills the entity identity into firings that were not tied to one.
func entityContext(tc models.TriggerContext, entity models.Entity) models.TriggerContext {
	if tc.IsAllInScope() {
		tc.EntityID = entity.EntityID()
		tc.EntityType = entity.EntityType()
	}

	return tc
}

func startOfDay(now time.Time) time.Time {
	now = now.UTC()

	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
