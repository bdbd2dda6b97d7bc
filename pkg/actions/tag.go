package actions

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/dukex/sellerops/pkg/template"
)

// TagEntity adds or removes tags. Only tags that actually changed are rolled back.
type TagEntity struct {
	tags services.TagService
}

var _ Rollbacker = (*TagEntity)(nil)

func NewTagEntity(tags services.TagService) *TagEntity {
	return &TagEntity{tags: tags}
}

func (e *TagEntity) Execute(ctx context.Context, action models.Action, entity models.Entity, tc models.TriggerContext) (models.ActionResult, error) {
	config := action.TagEntity
	if config == nil {
		return models.ActionResult{}, missingConfig(action.Type)
	}

	tags := make([]string, 0, len(config.Tags))
	for _, tag := range config.Tags {
		tags = append(tags, template.Interpolate(tag, entity, tc))
	}

	changed := changedTags(entity, tags, config.Remove)

	var err error
	if config.Remove {
		err = e.tags.RemoveTags(ctx, entity.EntityID(), tags)
	} else {
		err = e.tags.AddTags(ctx, entity.EntityID(), tags)
	}

	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to update tags: %w", err)
	}

	result := models.ActionResult{
		Success: true,
		ResultData: map[string]any{
			"tags":    tags,
			"removed": config.Remove,
		},
	}

	if len(changed) > 0 {
		result.RollbackData = map[string]any{
			"tags":    changed,
			"removed": config.Remove,
		}
	}

	return result, nil
}

// Rollback re-adds removed tags or removes added ones.
func (e *TagEntity) Rollback(ctx context.Context, entity models.Entity, rollbackData map[string]any) error {
	tags := stringList(rollbackData["tags"])
	if len(tags) == 0 {
		return nil
	}

	removed, _ := rollbackData["removed"].(bool)
	if removed {
		return e.tags.AddTags(ctx, entity.EntityID(), tags)
	}

	return e.tags.RemoveTags(ctx, entity.EntityID(), tags)
}

// changedTags returns the tags the operation will actually add or remove, judged from the
// entity as it was resolved.
func changedTags(entity models.Entity, tags []string, remove bool) []string {
	current := []string{}
	if value, ok := entity.Field("tags"); ok {
		current = stringList(value)
	}

	changed := make([]string, 0, len(tags))

	for _, tag := range tags {
		if slices.Contains(current, tag) == remove && !slices.Contains(changed, tag) {
			changed = append(changed, tag)
		}
	}

	return changed
}

func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}

		return out
	default:
		return nil
	}
}
