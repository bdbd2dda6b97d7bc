package actions

import (
	"context"
	"fmt"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/dukex/sellerops/pkg/template"
)

// CreateTask raises a task with interpolated title and description.
type CreateTask struct {
	tasks services.TaskService
}

func NewCreateTask(tasks services.TaskService) *CreateTask {
	return &CreateTask{tasks: tasks}
}

func (e *CreateTask) Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error) {
	config := action.CreateTask
	if config == nil {
		return models.ActionResult{}, missingConfig(action.Type)
	}

	task := services.Task{
		Title:       template.Interpolate(config.TitleTemplate, entity, tc),
		Description: template.Interpolate(config.DescriptionTemplate, entity, tc),
		Priority:    config.Priority,
		Assignee:    config.Assignee,
		EntityID:    entity.EntityID(),
		RuleID:      RuleID(ctx),
	}

	taskID, err := e.tasks.Create(ctx, task)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to create task: %w", err)
	}

	return models.ActionResult{
		Success: true,
		ResultData: map[string]any{
			"taskId": taskID,
			"title":  task.Title,
		},
	}, nil
}
