// Package models defines the core domain models for rule-driven seller automation and the job queue.
package models

import (
	"strings"
	"time"
)

// ExecutionMode controls whether a matching rule performs its actions.
type ExecutionMode string

const (
	ModeAuto             ExecutionMode = "auto"              // Actions run immediately
	ModeApprovalRequired ExecutionMode = "approval_required" // A review task is created instead
	ModeDryRun           ExecutionMode = "dry_run"           // Actions are logged, never executed
)

// ScopeType selects which entities a rule applies to.
type ScopeType string

const (
	ScopeAll      ScopeType = "all"
	ScopeCategory ScopeType = "category"
	ScopeTag      ScopeType = "tag"
	ScopeEntity   ScopeType = "entity"
)

// AllInScope is the entity id carried by firings that are not tied to a single entity
// (scheduled rules). The rule executor expands it to the rule scope.
const AllInScope = "*"

// Rule is a trigger, a set of conditions and an ordered list of actions.
type Rule struct {
	ID         string            `json:"id"         yaml:"id"         validate:"required"`
	Name       string            `json:"name"       yaml:"name"       validate:"required,min=3"`
	Priority   int               `json:"priority"   yaml:"priority"`
	Active     bool              `json:"active"     yaml:"active"`
	Trigger    Trigger           `json:"trigger"    yaml:"trigger"    validate:"required"`
	Scope      Scope             `json:"scope"      yaml:"scope"      validate:"required"`
	Conditions []Condition       `json:"conditions" yaml:"conditions" validate:"dive"`
	Actions    []Action          `json:"actions"    yaml:"actions"    validate:"required,min=1,dive"`
	Controls   ExecutionControls `json:"controls"   yaml:"controls"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" yaml:"-"`
	TriggerCount    int64      `json:"trigger_count"               yaml:"-"`
	CreatedAt       time.Time  `json:"created_at"                  yaml:"-"`
	UpdatedAt       time.Time  `json:"updated_at"                  yaml:"-"`
}

// Scope restricts a rule to a subset of entities.
type Scope struct {
	Type  ScopeType `json:"type"            yaml:"type"            validate:"required,oneof=all category tag entity"`
	Value string    `json:"value,omitempty" yaml:"value,omitempty" validate:"required_unless=Type all"`
}

// Matches reports whether the entity belongs to the scope. Category and tag scopes read the
// entity's "category" and "tags" fields.
func (s Scope) Matches(entity Entity) bool {
	switch s.Type {
	case ScopeAll:
		return true
	case ScopeEntity:
		return entity.EntityID() == s.Value
	case ScopeCategory:
		category, ok := entity.Field("category")
		if !ok {
			return false
		}

		str, ok := category.(string)

		return ok && str == s.Value
	case ScopeTag:
		tags, ok := entity.Field("tags")
		if !ok {
			return false
		}

		return containsTag(tags, s.Value)
	default:
		return false
	}
}

func containsTag(tags any, tag string) bool {
	switch v := tags.(type) {
	case []string:
		for _, t := range v {
			if t == tag {
				return true
			}
		}
	case []any:
		for _, t := range v {
			if str, ok := t.(string); ok && str == tag {
				return true
			}
		}
	}

	return false
}

// ExecutionControls bound how often and how a rule acts.
type ExecutionControls struct {
	CooldownSeconds  int           `json:"cooldown_seconds"   yaml:"cooldown_seconds"   validate:"gte=0"`
	MaxDailyTriggers int           `json:"max_daily_triggers" yaml:"max_daily_triggers" validate:"gte=0"`
	Mode             ExecutionMode `json:"mode"               yaml:"mode"               validate:"omitempty,oneof=auto approval_required dry_run"`
	RollbackEnabled  bool          `json:"rollback_enabled"   yaml:"rollback_enabled"`
}

// Cooldown returns the cooldown window as a duration.
func (c ExecutionControls) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// EffectiveMode defaults an empty mode to auto.
func (c ExecutionControls) EffectiveMode() ExecutionMode {
	if c.Mode == "" {
		return ModeAuto
	}

	return c.Mode
}

// TriggerContext carries the evidence of one rule firing.
type TriggerContext struct {
	EntityID    string         `json:"entity_id"`
	EntityType  string         `json:"entity_type,omitempty"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// IsAllInScope reports whether the firing must be expanded to the whole rule scope.
func (tc TriggerContext) IsAllInScope() bool {
	return tc.EntityID == "" || tc.EntityID == AllInScope
}

// Lookup resolves entityId, entityType and any triggerData path (with or without a
// "triggerData." prefix).
func (tc TriggerContext) Lookup(path string) (any, bool) {
	switch path {
	case "entityId", "entity_id":
		return tc.EntityID, true
	case "entityType", "entity_type":
		return tc.EntityType, tc.EntityType != ""
	}

	if rest, ok := strings.CutPrefix(path, "triggerData."); ok {
		path = rest
	}

	return LookupPath(tc.TriggerData, path)
}
