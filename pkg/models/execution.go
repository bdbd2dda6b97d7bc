package models

import (
	"time"
)

// ExecutionStatus is the outcome of one rule firing.
type ExecutionStatus string

const (
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// ExecutionRecord is the append-only audit row written once per non-skipped rule firing.
type ExecutionRecord struct {
	ID                string            `json:"id"`
	RuleID            string            `json:"rule_id"`
	Mode              ExecutionMode     `json:"mode"`
	Trigger           TriggerContext    `json:"trigger"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Status            ExecutionStatus   `json:"status"`
	EntitiesEvaluated int               `json:"entities_evaluated"`
	EntitiesMatched   int               `json:"entities_matched"`
	Actions           []ActionExecution `json:"actions"`
	Error             string            `json:"error,omitempty"`
}

// ActionExecution is the outcome of one action against one entity.
type ActionExecution struct {
	EntityID     string         `json:"entity_id"`
	ActionIndex  int            `json:"action_index"`
	ActionType   ActionType     `json:"action_type"`
	Success      bool           `json:"success"`
	Skipped      bool           `json:"skipped,omitempty"`
	RolledBack   bool           `json:"rolled_back,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	RollbackData map[string]any `json:"rollback_data,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Failed counts action executions that did not succeed and were not skipped.
func (r *ExecutionRecord) Failed() int {
	failed := 0

	for _, action := range r.Actions {
		if !action.Success && !action.Skipped {
			failed++
		}
	}

	return failed
}
