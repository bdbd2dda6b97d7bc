package rules

import (
	"github.com/dukex/sellerops/pkg/condition"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/template"
)

// Evaluation is the side-effect-free verdict of a rule for one entity.
type Evaluation struct {
	EntityID   string             `json:"entity_id"`
	InScope    bool               `json:"in_scope"`
	Matched    bool               `json:"matched"`
	Conditions []condition.Result `json:"conditions"`
	Actions    []PlannedAction    `json:"actions,omitempty"`
}

// PlannedAction is an action as it would run for an entity, templates rendered.
type PlannedAction struct {
	Index   int               `json:"index"`
	Type    models.ActionType `json:"type"`
	Preview map[string]any    `json:"preview"`
}

// EvaluateOnly reports, for each entity, whether the rule would act on it and what it would
// do. It reads nothing but its arguments and changes nothing; cooldowns and daily limits
// are not consulted.
func EvaluateOnly(rule *models.Rule, entities []models.Entity, tc models.TriggerContext) []Evaluation {
	evaluations := make([]Evaluation, 0, len(entities))

	for _, entity := range entities {
		entityTC := tc
		if entityTC.IsAllInScope() {
			entityTC.EntityID = entity.EntityID()
			entityTC.EntityType = entity.EntityType()
		}

		evaluation := Evaluation{
			EntityID:   entity.EntityID(),
			InScope:    rule.Scope.Matches(entity),
			Conditions: condition.Explain(entity, rule.Conditions, entityTC),
		}

		evaluation.Matched = evaluation.InScope && allPassed(evaluation.Conditions)

		if evaluation.Matched {
			evaluation.Actions = Plan(rule.Actions, entity, entityTC)
		}

		evaluations = append(evaluations, evaluation)
	}

	return evaluations
}

// Plan renders the actions for an entity without executing them.
func Plan(actions []models.Action, entity models.Entity, tc models.TriggerContext) []PlannedAction {
	planned := make([]PlannedAction, 0, len(actions))

	for i, action := range actions {
		planned = append(planned, PlannedAction{
			Index:   i,
			Type:    action.Type,
			Preview: Preview(action, entity, tc),
		})
	}

	return planned
}

// Preview renders the templated fields of an action for an entity.
func Preview(action models.Action, entity models.Entity, tc models.TriggerContext) map[string]any {
	render := func(s string) string { return template.Interpolate(s, entity, tc) }

	switch action.Type {
	case models.ActionCreateTask:
		if c := action.CreateTask; c != nil {
			return map[string]any{"title": render(c.TitleTemplate), "description": render(c.DescriptionTemplate), "priority": c.Priority}
		}
	case models.ActionUpdatePrice:
		if c := action.UpdatePrice; c != nil {
			return map[string]any{"strategy": c.Strategy, "value": c.Value, "respectMarginFloor": c.RespectMarginFloor, "minMarginPercent": c.MinMarginPercent}
		}
	case models.ActionSendAlert:
		if c := action.SendAlert; c != nil {
			return map[string]any{"channel": c.Channel, "severity": c.Severity, "message": render(c.MessageTemplate)}
		}
	case models.ActionTagEntity:
		if c := action.TagEntity; c != nil {
			tags := make([]string, 0, len(c.Tags))
			for _, tag := range c.Tags {
				tags = append(tags, render(tag))
			}

			return map[string]any{"tags": tags, "remove": c.Remove}
		}
	case models.ActionWebhook:
		if c := action.Webhook; c != nil {
			return map[string]any{"method": c.Method, "url": render(c.URL), "body": render(c.BodyTemplate)}
		}
	case models.ActionApplyTemplate:
		if c := action.ApplyTemplate; c != nil {
			return map[string]any{"templateId": c.TemplateID, "overrides": template.InterpolateValue(c.Overrides, entity, tc)}
		}
	}

	return map[string]any{}
}

func allPassed(results []condition.Result) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}

	return true
}
