package web

import (
	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/gofiber/fiber/v3"
)

// MetricEventRequest is the body of POST /events/metrics.
type MetricEventRequest struct {
	Metric        string         `json:"metric"                   validate:"required"`
	EntityID      string         `json:"entity_id"                validate:"required"`
	EntityType    string         `json:"entity_type,omitempty"`
	CurrentValue  *float64       `json:"current_value"            validate:"required"`
	PreviousValue *float64       `json:"previous_value,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// CompetitorEventRequest is the body of POST /events/competitors.
type CompetitorEventRequest struct {
	Event        string         `json:"event"                 validate:"required"`
	EntityID     string         `json:"entity_id"             validate:"required"`
	CompetitorID string         `json:"competitor_id"         validate:"required"`
	ThreatScore  float64        `json:"threat_score"          validate:"gte=0,lte=1"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// AppEventRequest is the body of POST /events/app/:name. An empty entity id fires the
// matching rules over their whole scope.
type AppEventRequest struct {
	EntityID   string         `json:"entity_id,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventAcceptedResponse carries the id of a published event.
type EventAcceptedResponse struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

func (h *APIHandlers) PublishMetricEvent(c fiber.Ctx) error {
	var req MetricEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event := events.NewMetricChanged(req.Metric, req.EntityID, *req.CurrentValue, req.PreviousValue)
	event.EntityType = req.EntityType
	event.Data = req.Data

	return h.publish(c, events.MetricTopic(req.Metric), event.ID, event)
}

func (h *APIHandlers) PublishCompetitorEvent(c fiber.Ctx) error {
	var req CompetitorEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event := events.NewCompetitorEvent(req.Event, req.EntityID, req.CompetitorID, req.ThreatScore)
	event.Attributes = req.Attributes

	return h.publish(c, events.CompetitorTopic, event.ID, event)
}

func (h *APIHandlers) PublishAppEvent(c fiber.Ctx) error {
	name := c.Params("name")

	var req AppEventRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	event := events.NewAppEvent(name, req.EntityID, req.Data)
	event.EntityType = req.EntityType

	return h.publish(c, events.AppTopic(name), event.ID, event)
}

func (h *APIHandlers) publish(c fiber.Ctx, topic, id string, event eventbus.Event) error {
	if err := h.publisher.Publish(c.Context(), topic, event); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(EventAcceptedResponse{ID: id, Topic: topic})
}
