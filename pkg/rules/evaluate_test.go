package rules_test

import (
	"testing"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateOnly(t *testing.T) {
	rule := lowScoreRule()
	entities := []models.Entity{
		&models.Listing{ID: "L1", Title: "Trail shoe", Category: "shoes", Stock: 4},
		&models.Listing{ID: "L2", Title: "Road shoe", Category: "shoes", Stock: 0},
		&models.Listing{ID: "L3", Title: "Rain jacket", Category: "jackets", Stock: 9},
	}

	evaluations := rules.EvaluateOnly(rule, entities, models.TriggerContext{
		EntityID:    models.AllInScope,
		TriggerData: map[string]any{"current_value": 42},
	})
	require.Len(t, evaluations, 3)

	first := evaluations[0]
	assert.Equal(t, "L1", first.EntityID)
	assert.True(t, first.InScope)
	assert.True(t, first.Matched)
	require.Len(t, first.Conditions, 1)
	assert.True(t, first.Conditions[0].Passed)
	require.Len(t, first.Actions, 2)
	assert.Equal(t, []string{"needs-work"}, first.Actions[0].Preview["tags"])
	assert.Equal(t, "Trail shoe at 42", first.Actions[1].Preview["message"])

	assert.True(t, evaluations[1].InScope)
	assert.False(t, evaluations[1].Matched)
	assert.Empty(t, evaluations[1].Actions)

	assert.False(t, evaluations[2].InScope)
	assert.False(t, evaluations[2].Matched)
}

func TestEvaluateOnly_EmptyConditionsMatchInScope(t *testing.T) {
	rule := lowScoreRule()
	rule.Conditions = nil

	evaluations := rules.EvaluateOnly(rule, []models.Entity{
		&models.MapEntity{ID: "m1", Type: "listing", Fields: map[string]any{"category": "shoes"}},
	}, models.TriggerContext{})

	require.Len(t, evaluations, 1)
	assert.True(t, evaluations[0].Matched)
}

func TestPreview(t *testing.T) {
	entity := &models.Listing{ID: "L1", Title: "Trail shoe", SKU: "TS-1"}
	tc := models.TriggerContext{EntityID: "L1"}

	preview := rules.Preview(models.Action{
		Type:    models.ActionWebhook,
		Webhook: &models.WebhookAction{Method: "POST", URL: "https://hooks.example.com/{{sku}}", BodyTemplate: `{"id":"{{id}}"}`},
	}, entity, tc)
	assert.Equal(t, "https://hooks.example.com/TS-1", preview["url"])
	assert.Equal(t, `{"id":"L1"}`, preview["body"])

	preview = rules.Preview(models.Action{
		Type:        models.ActionUpdatePrice,
		UpdatePrice: &models.UpdatePriceAction{Strategy: models.PriceDecreasePercent, Value: 5},
	}, entity, tc)
	assert.Equal(t, models.PriceDecreasePercent, preview["strategy"])

	assert.Empty(t, rules.Preview(models.Action{Type: models.ActionCreateTask}, entity, tc))
}
