package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requiredTag = "required"

func validRule() *Rule {
	return &Rule{
		ID:     "rule-1",
		Name:   "Low score alert",
		Active: true,
		Trigger: Trigger{
			Type: TriggerThreshold,
			Threshold: &ThresholdTrigger{
				Metric:   "score",
				Operator: ThresholdLT,
				Value:    60,
			},
		},
		Scope: Scope{Type: ScopeAll},
		Actions: []Action{
			{
				Type: ActionSendAlert,
				SendAlert: &SendAlertAction{
					Channel:         "ops",
					MessageTemplate: "{{title}} dropped to {{score}}",
				},
			},
		},
	}
}

func validationErrors(err error) validator.ValidationErrors {
	var target validator.ValidationErrors

	_ = errors.As(err, &target)

	return target
}

func hasFieldError(err error, field, tag string) bool {
	for _, fieldErr := range validationErrors(err) {
		if fieldErr.Field() == field && fieldErr.Tag() == tag {
			return true
		}
	}

	return false
}

func TestRule_Validation_ValidRule(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	assert.NoError(t, validate.Struct(validRule()))
}

func TestRule_Validation_MissingActions(t *testing.T) {
	rule := validRule()
	rule.Actions = nil

	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(rule)
	require.Error(t, err)
	assert.True(t, hasFieldError(err, "Actions", requiredTag))
}

func TestRule_Validation_TriggerPayloadMustMatchType(t *testing.T) {
	rule := validRule()
	rule.Trigger = Trigger{Type: TriggerTime}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(rule)
	require.Error(t, err)
	assert.True(t, hasFieldError(err, "Time", "required_if"))
}

func TestRule_Validation_ScopeValueRequiredUnlessAll(t *testing.T) {
	rule := validRule()
	rule.Scope = Scope{Type: ScopeCategory}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(rule)
	require.Error(t, err)
	assert.True(t, hasFieldError(err, "Value", "required_unless"))
}

func TestScope_Matches(t *testing.T) {
	listing := &Listing{ID: "L1", Category: "shoes", Tags: []string{"summer", "clearance"}}
	entity := &MapEntity{ID: "E1", Fields: map[string]any{"category": "hats", "tags": []any{"winter"}}}

	tests := []struct {
		name   string
		scope  Scope
		entity Entity
		want   bool
	}{
		{"all", Scope{Type: ScopeAll}, listing, true},
		{"entity match", Scope{Type: ScopeEntity, Value: "L1"}, listing, true},
		{"entity mismatch", Scope{Type: ScopeEntity, Value: "L2"}, listing, false},
		{"category match", Scope{Type: ScopeCategory, Value: "shoes"}, listing, true},
		{"category mismatch", Scope{Type: ScopeCategory, Value: "shoes"}, entity, false},
		{"tag in typed slice", Scope{Type: ScopeTag, Value: "clearance"}, listing, true},
		{"tag in any slice", Scope{Type: ScopeTag, Value: "winter"}, entity, true},
		{"tag missing", Scope{Type: ScopeTag, Value: "spring"}, entity, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.Matches(tt.entity))
		})
	}
}

func TestExecutionControls_Defaults(t *testing.T) {
	controls := ExecutionControls{CooldownSeconds: 90}

	assert.Equal(t, 90*time.Second, controls.Cooldown())
	assert.Equal(t, ModeAuto, controls.EffectiveMode())
}

func TestTriggerContext_IsAllInScope(t *testing.T) {
	assert.True(t, TriggerContext{}.IsAllInScope())
	assert.True(t, TriggerContext{EntityID: AllInScope}.IsAllInScope())
	assert.False(t, TriggerContext{EntityID: "L1"}.IsAllInScope())
}

func TestMapEntity_Field(t *testing.T) {
	entity := &MapEntity{
		ID:   "E1",
		Type: "listing",
		Fields: map[string]any{
			"price": 12.5,
			"economics": map[string]any{
				"margin": map[string]any{"percent": 22.0},
			},
		},
	}

	value, ok := entity.Field("economics.margin.percent")
	require.True(t, ok)
	assert.InDelta(t, 22.0, value, 0.0001)

	_, ok = entity.Field("economics.margin.absolute")
	assert.False(t, ok)

	_, ok = entity.Field("price.currency")
	assert.False(t, ok)

	value, ok = entity.Field("id")
	require.True(t, ok)
	assert.Equal(t, "E1", value)
}

func TestListing_Field(t *testing.T) {
	listing := &Listing{
		ID:         "L1",
		Price:      19.99,
		Attributes: map[string]any{"color": "red"},
	}

	value, ok := listing.Field("price")
	require.True(t, ok)
	assert.InDelta(t, 19.99, value, 0.0001)

	value, ok = listing.Field("attributes.color")
	require.True(t, ok)
	assert.Equal(t, "red", value)

	_, ok = listing.Field("price.amount")
	assert.False(t, ok)

	_, ok = listing.Field("unknown")
	assert.False(t, ok)
}

func TestTimeTrigger_Validate(t *testing.T) {
	assert.NoError(t, (&TimeTrigger{Cron: "0 9 * * 1-5", Timezone: "Europe/London"}).Validate())
	assert.NoError(t, (&TimeTrigger{Cron: "@hourly"}).Validate())
	assert.ErrorIs(t, (&TimeTrigger{Cron: "not a cron"}).Validate(), ErrInvalidSchedule)
	assert.ErrorIs(t, (&TimeTrigger{Cron: "* * * * *", Timezone: "Mars/Olympus"}).Validate(), ErrInvalidSchedule)
	assert.ErrorIs(t, (&TimeTrigger{}).Validate(), ErrInvalidSchedule)
}

func TestTimeTrigger_NextFire(t *testing.T) {
	trigger := &TimeTrigger{Cron: "0 9 * * *", Timezone: "UTC"}
	reference := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := trigger.NextFire(reference)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, "CRON_TZ=UTC 0 9 * * *", trigger.Spec())
}

func TestJob_Exhausted(t *testing.T) {
	job := &Job{Attempt: 2, MaxAttempts: 3}
	assert.False(t, job.Exhausted())

	job.Attempt = 3
	assert.True(t, job.Exhausted())
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.True(t, JobSucceeded.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}

func TestExecutionRecord_Failed(t *testing.T) {
	record := &ExecutionRecord{Actions: []ActionExecution{
		{Success: true},
		{Success: false},
		{Success: false, Skipped: true},
	}}

	assert.Equal(t, 1, record.Failed())
}

func TestAction_JSONShape(t *testing.T) {
	raw := `{"type":"update_price","update_price":{"strategy":"decrease_percent","value":5,"respect_margin_floor":true,"min_margin_percent":15}}`

	var action Action
	require.NoError(t, json.Unmarshal([]byte(raw), &action))

	assert.Equal(t, ActionUpdatePrice, action.Type)
	require.NotNil(t, action.UpdatePrice)
	assert.Equal(t, PriceDecreasePercent, action.UpdatePrice.Strategy)
	assert.True(t, action.UpdatePrice.RespectMarginFloor)
	assert.Nil(t, action.SendAlert)
}
