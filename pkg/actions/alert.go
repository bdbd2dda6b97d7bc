package actions

import (
	"context"
	"fmt"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/dukex/sellerops/pkg/template"
)

const defaultSeverity = "info"

// SendAlert routes an interpolated message to an operator channel.
type SendAlert struct {
	alerts services.AlertService
}

func NewSendAlert(alerts services.AlertService) *SendAlert {
	return &SendAlert{alerts: alerts}
}

func (e *SendAlert) Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error) {
	config := action.SendAlert
	if config == nil {
		return models.ActionResult{}, missingConfig(action.Type)
	}

	severity := config.Severity
	if severity == "" {
		severity = defaultSeverity
	}

	alert := services.Alert{
		Channel:  config.Channel,
		Severity: severity,
		Message:  template.Interpolate(config.MessageTemplate, entity, tc),
		EntityID: entity.EntityID(),
		RuleID:   RuleID(ctx),
	}

	if err := e.alerts.Send(ctx, alert); err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to send alert: %w", err)
	}

	return models.ActionResult{
		Success: true,
		ResultData: map[string]any{
			"channel":  alert.Channel,
			"severity": alert.Severity,
			"message":  alert.Message,
		},
	}, nil
}
