package rules

import (
	"github.com/dukex/sellerops/pkg/models"
)

// Skip reasons reported to Metrics.
const (
	SkipInactive    = "inactive"
	SkipCooldown    = "cooldown"
	SkipDailyLimit  = "daily_limit"
	SkipOutOfScope  = "out_of_scope"
	SkipNoMatch     = "no_match"
	SkipUnavailable = "store_unavailable"
)

// Action outcomes reported to Metrics.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
	OutcomeDryRun     = "dry_run"
	OutcomeApproval   = "approval_required"
	OutcomeRolledBack = "rolled_back"
)

// Metrics receives rule executor events.
type Metrics interface {
	RuleFired(ruleID string, status models.ExecutionStatus)
	RuleSkipped(ruleID, reason string)
	ActionExecuted(actionType models.ActionType, outcome string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RuleFired(string, models.ExecutionStatus) {}
func (NopMetrics) RuleSkipped(string, string) {}
func (NopMetrics) ActionExecuted(models.ActionType, string) {}
