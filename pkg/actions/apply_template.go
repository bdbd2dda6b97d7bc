package actions

import (
	"context"
	"fmt"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/dukex/sellerops/pkg/template"
)

// ApplyTemplate applies a stored listing template with interpolated overrides.
type ApplyTemplate struct {
	templates services.TemplateService
}

func NewApplyTemplate(templates services.TemplateService) *ApplyTemplate {
	return &ApplyTemplate{templates: templates}
}

func (e *ApplyTemplate) Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error) {
	config := action.ApplyTemplate
	if config == nil {
		return models.ActionResult{}, missingConfig(action.Type)
	}

	var overrides map[string]any
	if config.Overrides != nil {
		overrides, _ = template.InterpolateValue(config.Overrides, entity, tc).(map[string]any)
	}

	changed, err := e.templates.Apply(ctx, entity.EntityID(), config.TemplateID, overrides)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to apply template %s: %w", config.TemplateID, err)
	}

	return models.ActionResult{
		Success: true,
		ResultData: map[string]any{
			"templateId": config.TemplateID,
			"changed":    changed,
		},
	}, nil
}
