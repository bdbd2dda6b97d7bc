package models

// TriggerType tags the Trigger union.
type TriggerType string

const (
	TriggerThreshold   TriggerType = "threshold"
	TriggerCompetitive TriggerType = "competitive"
	TriggerTime        TriggerType = "time"
	TriggerEvent       TriggerType = "event"
)

// ThresholdOperator compares a metric's current value (and previous value for change).
type ThresholdOperator string

const (
	ThresholdLT     ThresholdOperator = "lt"
	ThresholdLTE    ThresholdOperator = "lte"
	ThresholdGT     ThresholdOperator = "gt"
	ThresholdGTE    ThresholdOperator = "gte"
	ThresholdEQ     ThresholdOperator = "eq"
	ThresholdChange ThresholdOperator = "change"
)

// ChangeDirection restricts a change threshold to increases, decreases or both.
type ChangeDirection string

const (
	ChangeUp   ChangeDirection = "up"
	ChangeDown ChangeDirection = "down"
	ChangeAny  ChangeDirection = "any"
)

// Trigger is a tagged union: exactly one of the kind-specific fields is set, matching Type.
type Trigger struct {
	Type        TriggerType         `json:"type"                  yaml:"type"                  validate:"required,oneof=threshold competitive time event"`
	Threshold   *ThresholdTrigger   `json:"threshold,omitempty"   yaml:"threshold,omitempty"   validate:"required_if=Type threshold"`
	Competitive *CompetitiveTrigger `json:"competitive,omitempty" yaml:"competitive,omitempty" validate:"required_if=Type competitive"`
	Time        *TimeTrigger        `json:"time,omitempty"        yaml:"time,omitempty"        validate:"required_if=Type time"`
	Event       *EventTrigger       `json:"event,omitempty"       yaml:"event,omitempty"       validate:"required_if=Type event"`
}

// ThresholdTrigger fires when a monitored metric crosses a value.
type ThresholdTrigger struct {
	Metric          string            `json:"metric"                     yaml:"metric"                     validate:"required"`
	Operator        ThresholdOperator `json:"operator"                   yaml:"operator"                   validate:"required,oneof=lt lte gt gte eq change"`
	Value           float64           `json:"value"                      yaml:"value"`
	ChangeDirection ChangeDirection   `json:"change_direction,omitempty" yaml:"change_direction,omitempty" validate:"omitempty,oneof=up down any"`
}

// CompetitiveTrigger fires on competitor events of a given subtype.
type CompetitiveTrigger struct {
	Event     string         `json:"event"               yaml:"event"               validate:"required"`
	Threshold *float64       `json:"threshold,omitempty" yaml:"threshold"`
	Filter    map[string]any `json:"filter,omitempty"    yaml:"filter"`
}

// TimeTrigger fires on a cron schedule evaluated in Timezone.
type TimeTrigger struct {
	Cron     string `json:"cron"               yaml:"cron"               validate:"required"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone"`
}

// EventTrigger fires on a named application event.
type EventTrigger struct {
	EventType string         `json:"event_type"       yaml:"event_type"       validate:"required"`
	Filter    map[string]any `json:"filter,omitempty" yaml:"filter"`
}
