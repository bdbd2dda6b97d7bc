package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/google/uuid"
)

// Application events emitted by Notifier.
const (
	TaskCreatedEvent = "task.created"
	AlertSentEvent   = "alert.sent"
)

// Notifier turns tasks and alerts into application events on the bus, where inbox and
// chat integrations pick them up.
type Notifier struct {
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

var (
	_ TaskService  = (*Notifier)(nil)
	_ AlertService = (*Notifier)(nil)
)

func NewNotifier(publisher eventbus.EventPublisher, logger *slog.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		logger:    logger.With("module", "notifier"),
	}
}

func (n *Notifier) Create(ctx context.Context, task Task) (string, error) {
	if task.Title == "" {
		return "", NewServiceError("CreateTask", task.EntityID, fmt.Errorf("%w: empty title", ErrInvalidRequest))
	}

	id := uuid.New().String()

	event := events.NewAppEvent(TaskCreatedEvent, task.EntityID, map[string]any{
		"task_id":     id,
		"title":       task.Title,
		"description": task.Description,
		"priority":    task.Priority,
		"assignee":    task.Assignee,
		"rule_id":     task.RuleID,
		"metadata":    task.Metadata,
	})

	if err := n.publisher.Publish(ctx, events.AppTopic(TaskCreatedEvent), event); err != nil {
		return "", NewServiceError("CreateTask", task.EntityID, err)
	}

	n.logger.InfoContext(ctx, "Task created", "task_id", id, "entity_id", task.EntityID, "rule_id", task.RuleID)

	return id, nil
}

func (n *Notifier) Send(ctx context.Context, alert Alert) error {
	if alert.Channel == "" || alert.Message == "" {
		return NewServiceError("SendAlert", alert.EntityID, fmt.Errorf("%w: channel and message are required", ErrInvalidRequest))
	}

	event := events.NewAppEvent(AlertSentEvent, alert.EntityID, map[string]any{
		"channel":  alert.Channel,
		"severity": alert.Severity,
		"message":  alert.Message,
		"rule_id":  alert.RuleID,
	})

	if err := n.publisher.Publish(ctx, events.AppTopic(AlertSentEvent), event); err != nil {
		return NewServiceError("SendAlert", alert.EntityID, err)
	}

	n.logger.InfoContext(ctx, "Alert sent", "channel", alert.Channel, "severity", alert.Severity, "entity_id", alert.EntityID)

	return nil
}
