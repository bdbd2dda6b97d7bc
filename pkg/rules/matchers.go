package rules

import (
	"math"

	"github.com/dukex/sellerops/pkg/condition"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/models"
)

// Topic returns the event bus topic a rule trigger listens on. Time triggers have none.
func Topic(trigger models.Trigger) (string, bool) {
	switch trigger.Type {
	case models.TriggerThreshold:
		if trigger.Threshold != nil {
			return events.MetricTopic(trigger.Threshold.Metric), true
		}
	case models.TriggerCompetitive:
		return events.CompetitorTopic, true
	case models.TriggerEvent:
		if trigger.Event != nil {
			return events.AppTopic(trigger.Event.EventType), true
		}
	}

	return "", false
}

// Match decides whether an event fires the trigger and builds the firing's context.
func Match(trigger models.Trigger, event any) (models.TriggerContext, bool) {
	switch trigger.Type {
	case models.TriggerThreshold:
		metric, ok := event.(*events.MetricChanged)
		if !ok || trigger.Threshold == nil {
			return models.TriggerContext{}, false
		}

		return matchThreshold(trigger.Threshold, metric)
	case models.TriggerCompetitive:
		competitor, ok := event.(*events.CompetitorEvent)
		if !ok || trigger.Competitive == nil {
			return models.TriggerContext{}, false
		}

		return matchCompetitive(trigger.Competitive, competitor)
	case models.TriggerEvent:
		app, ok := event.(*events.AppEvent)
		if !ok || trigger.Event == nil {
			return models.TriggerContext{}, false
		}

		return matchAppEvent(trigger.Event, app)
	default:
		return models.TriggerContext{}, false
	}
}

func matchThreshold(trigger *models.ThresholdTrigger, event *events.MetricChanged) (models.TriggerContext, bool) {
	if event.Metric != trigger.Metric {
		return models.TriggerContext{}, false
	}

	current := event.CurrentValue
	data := copyData(event.Data)
	data["metric"] = event.Metric
	data["current_value"] = current

	var fired bool

	switch trigger.Operator {
	case models.ThresholdLT:
		fired = current < trigger.Value
	case models.ThresholdLTE:
		fired = current <= trigger.Value
	case models.ThresholdGT:
		fired = current > trigger.Value
	case models.ThresholdGTE:
		fired = current >= trigger.Value
	case models.ThresholdEQ:
		fired = current == trigger.Value
	case models.ThresholdChange:
		if event.PreviousValue == nil {
			return models.TriggerContext{}, false
		}

		delta := current - *event.PreviousValue
		fired = math.Abs(delta) >= trigger.Value && directionMatches(trigger.ChangeDirection, delta)
		data["change"] = delta
	}

	if event.PreviousValue != nil {
		data["previous_value"] = *event.PreviousValue
	}

	if !fired {
		return models.TriggerContext{}, false
	}

	return models.TriggerContext{
		EntityID:    event.EntityID,
		EntityType:  event.EntityType,
		TriggerData: data,
	}, true
}

func directionMatches(direction models.ChangeDirection, delta float64) bool {
	switch direction {
	case models.ChangeUp:
		return delta > 0
	case models.ChangeDown:
		return delta < 0
	default:
		return delta != 0
	}
}

func matchCompetitive(trigger *models.CompetitiveTrigger, event *events.CompetitorEvent) (models.TriggerContext, bool) {
	if event.Subtype != trigger.Event {
		return models.TriggerContext{}, false
	}

	if trigger.Threshold != nil && event.ThreatScore < *trigger.Threshold {
		return models.TriggerContext{}, false
	}

	if !filterMatches(trigger.Filter, event.Attributes) {
		return models.TriggerContext{}, false
	}

	data := copyData(event.Attributes)
	data["event"] = event.Subtype
	data["competitor_id"] = event.CompetitorID
	data["threat_score"] = event.ThreatScore

	return models.TriggerContext{
		EntityID:    event.EntityID,
		EntityType:  event.EntityType,
		TriggerData: data,
	}, true
}

func matchAppEvent(trigger *models.EventTrigger, event *events.AppEvent) (models.TriggerContext, bool) {
	if event.Name != trigger.EventType || !filterMatches(trigger.Filter, event.Data) {
		return models.TriggerContext{}, false
	}

	data := copyData(event.Data)
	data["event_type"] = event.Name

	entityID := event.EntityID
	if entityID == "" {
		entityID = models.AllInScope
	}

	return models.TriggerContext{
		EntityID:    entityID,
		EntityType:  event.EntityType,
		TriggerData: data,
	}, true
}

// filterMatches compares the filter's top-level keys with the event data. Numbers compare
// by value whatever their Go type.
func filterMatches(filter, data map[string]any) bool {
	for key, want := range filter {
		got, ok := data[key]
		if !ok || !sameValue(got, want) {
			return false
		}
	}

	return true
}

func sameValue(a, b any) bool {
	af, aNum := condition.ToFloat(a)
	bf, bNum := condition.ToFloat(b)

	if aNum && bNum {
		return af == bf
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)

	if aStr && bStr {
		return as == bs
	}

	ab, aBool := a.(bool)
	bb, bBool := b.(bool)

	return aBool && bBool && ab == bb
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+4)
	for k, v := range data {
		out[k] = v
	}

	return out
}
