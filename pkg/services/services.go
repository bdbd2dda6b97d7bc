// Package services declares the external collaborators the rule engine acts through:
// entity lookup, tasks, pricing, alerts, tags, templates, outbound HTTP and feature
// computation. The engine never implements business side effects itself.
package services

import (
	"context"
	"net/http"

	"github.com/dukex/sellerops/pkg/models"
)

// EntityLookup resolves rule scopes and single entities.
type EntityLookup interface {
	Resolve(ctx context.Context, scope models.Scope) ([]models.Entity, error)
	Get(ctx context.Context, entityType, id string) (models.Entity, error)
}

// Task is a unit of manual work raised by a rule, including approval reviews.
type Task struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	RuleID      string         `json:"rule_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type TaskService interface {
	Create(ctx context.Context, task Task) (string, error)
}

type PricingService interface {
	CurrentPrice(ctx context.Context, entityID string) (float64, error)
	UpdatePrice(ctx context.Context, entityID string, price float64) error
	// MinPriceForMargin is the lowest price that keeps at least marginPercent of margin.
	MinPriceForMargin(ctx context.Context, entityID string, marginPercent float64) (float64, error)
}

// Alert is a notification routed to an operator channel.
type Alert struct {
	Channel  string `json:"channel"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	EntityID string `json:"entity_id,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
}

type AlertService interface {
	Send(ctx context.Context, alert Alert) error
}

type TagService interface {
	AddTags(ctx context.Context, entityID string, tags []string) error
	RemoveTags(ctx context.Context, entityID string, tags []string) error
}

// TemplateService applies a stored listing template. It returns the fields it changed.
type TemplateService interface {
	Apply(ctx context.Context, entityID, templateID string, overrides map[string]any) (map[string]any, error)
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FeatureService derives the numeric features rules and dashboards read for an entity.
type FeatureService interface {
	Compute(ctx context.Context, entityID string) (map[string]float64, error)
}
