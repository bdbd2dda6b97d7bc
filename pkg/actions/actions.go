// Package actions executes rule actions against entities through the external services.
// Dispatch is closed over models.ActionType: a Set carries exactly one executor per kind.
package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/sellerops/pkg/models"
)

var (
	// ErrUnknownAction is returned for action types no executor exists for.
	ErrUnknownAction = errors.New("unknown action type")
	// ErrMissingConfig is returned when the kind-specific block of an action is absent.
	ErrMissingConfig = errors.New("action config missing for its type")
	// ErrNoRollback is returned when rolling back an action whose executor cannot undo it.
	ErrNoRollback = errors.New("action does not support rollback")
)

// Executor performs one action for one entity. Executors never call each other.
type Executor interface {
	Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error)
}

// Rollbacker is implemented by executors that can undo a successful action from the
// RollbackData it returned.
type Rollbacker interface {
	Rollback(ctx context.Context, entity models.Entity, rollbackData map[string]any) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error) {
	return f(ctx, action, entity, tc)
}

// Set holds one executor per action kind.
type Set struct {
	CreateTask    Executor
	UpdatePrice   Executor
	SendAlert     Executor
	TagEntity     Executor
	Webhook       Executor
	ApplyTemplate Executor
}

// NewSet checks that every action kind has an executor.
func NewSet(set Set) (*Set, error) {
	for _, actionType := range models.ActionTypes() {
		executor, err := set.lookup(actionType)
		if err != nil {
			return nil, err
		}

		if executor == nil {
			return nil, fmt.Errorf("%w: no executor configured for %s", ErrUnknownAction, actionType)
		}
	}

	return &set, nil
}

func (s *Set) lookup(actionType models.ActionType) (Executor, error) {
	switch actionType {
	case models.ActionCreateTask:
		return s.CreateTask, nil
	case models.ActionUpdatePrice:
		return s.UpdatePrice, nil
	case models.ActionSendAlert:
		return s.SendAlert, nil
	case models.ActionTagEntity:
		return s.TagEntity, nil
	case models.ActionWebhook:
		return s.Webhook, nil
	case models.ActionApplyTemplate:
		return s.ApplyTemplate, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}
}

// Execute routes the action to the executor of its kind.
func (s *Set) Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error) {
	executor, err := s.lookup(action.Type)
	if err != nil {
		return models.ActionResult{}, err
	}

	if executor == nil {
		return models.ActionResult{}, fmt.Errorf("%w: no executor configured for %s", ErrUnknownAction, action.Type)
	}

	return executor.Execute(ctx, action, entity, tc)
}

// CanRollback reports whether the executor for actionType can undo its actions.
func (s *Set) CanRollback(actionType models.ActionType) bool {
	executor, err := s.lookup(actionType)
	if err != nil {
		return false
	}

	_, ok := executor.(Rollbacker)

	return ok
}

// Rollback undoes a successful action using the rollback data it returned.
func (s *Set) Rollback(ctx context.Context, actionType models.ActionType, entity models.Entity, rollbackData map[string]any) error {
	executor, err := s.lookup(actionType)
	if err != nil {
		return err
	}

	rollbacker, ok := executor.(Rollbacker)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRollback, actionType)
	}

	return rollbacker.Rollback(ctx, entity, rollbackData)
}

type ruleIDKey struct{}

// WithRuleID tags ctx with the rule an action runs for, so side effects can reference it.
func WithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, ruleIDKey{}, ruleID)
}

// RuleID returns the rule id set by WithRuleID, or "".
func RuleID(ctx context.Context) string {
	ruleID, _ := ctx.Value(ruleIDKey{}).(string)

	return ruleID
}

func missingConfig(actionType models.ActionType) error {
	return fmt.Errorf("%w: %s", ErrMissingConfig, actionType)
}
