// Package events defines the typed events carried by the event bus: metric changes,
// competitor activity, application events and engine notifications.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	MetricTopicPrefix   = "sellerops.metrics."        // One topic per monitored metric
	AppTopicPrefix      = "sellerops.events."         // One topic per application event name
	CompetitorTopic     = "sellerops.competitors"     // Wildcard topic carrying every competitor event
	RuleExecutionsTopic = "sellerops.rule.executions" // Rule execution notifications
	JobsTopic           = "sellerops.jobs"            // Job lifecycle notifications
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	MetricChangedEvent   EventType = "metric.changed"
	CompetitorEventType  EventType = "competitor.event"
	ApplicationEventType EventType = "application.event"
	RuleExecutedEvent    EventType = "rule.executed"
	JobDeadLetteredEvent EventType = "job.dead_lettered"
)

// ErrUnknownEventType is returned by Decode for event types it has no struct for.
var ErrUnknownEventType = errors.New("unknown event type")

// MetricTopic maps a monitored metric to its topic.
func MetricTopic(metric string) string {
	return MetricTopicPrefix + metric
}

// AppTopic maps an application event name to its topic.
func AppTopic(name string) string {
	return AppTopicPrefix + name
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// MetricChanged reports a new value of an entity metric, with the previous value when known.
type MetricChanged struct {
	BaseEvent

	Metric        string         `json:"metric"`
	EntityID      string         `json:"entity_id"`
	EntityType    string         `json:"entity_type,omitempty"`
	CurrentValue  float64        `json:"current_value"`
	PreviousValue *float64       `json:"previous_value,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

func (e MetricChanged) GetType() EventType {
	return MetricChangedEvent
}

func NewMetricChanged(metric, entityID string, current float64, previous *float64) *MetricChanged {
	return &MetricChanged{
		BaseEvent:     NewBaseEvent(MetricChangedEvent),
		Metric:        metric,
		EntityID:      entityID,
		CurrentValue:  current,
		PreviousValue: previous,
	}
}

// CompetitorEvent reports competitor activity against one of our entities.
type CompetitorEvent struct {
	BaseEvent

	Subtype      string         `json:"subtype"`
	EntityID     string         `json:"entity_id"`
	EntityType   string         `json:"entity_type,omitempty"`
	CompetitorID string         `json:"competitor_id"`
	ThreatScore  float64        `json:"threat_score"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (e CompetitorEvent) GetType() EventType {
	return CompetitorEventType
}

func NewCompetitorEvent(subtype, entityID, competitorID string, threatScore float64) *CompetitorEvent {
	return &CompetitorEvent{
		BaseEvent:    NewBaseEvent(CompetitorEventType),
		Subtype:      subtype,
		EntityID:     entityID,
		CompetitorID: competitorID,
		ThreatScore:  threatScore,
	}
}

// AppEvent is a named application event, for example "sync.completed".
type AppEvent struct {
	BaseEvent

	Name       string         `json:"name"`
	EntityID   string         `json:"entity_id,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func (e AppEvent) GetType() EventType {
	return ApplicationEventType
}

func NewAppEvent(name, entityID string, data map[string]any) *AppEvent {
	return &AppEvent{
		BaseEvent: NewBaseEvent(ApplicationEventType),
		Name:      name,
		EntityID:  entityID,
		Data:      data,
	}
}

// RuleExecuted is published after an execution record has been written.
type RuleExecuted struct {
	BaseEvent

	RuleID          string `json:"rule_id"`
	ExecutionID     string `json:"execution_id"`
	Status          string `json:"status"`
	EntitiesMatched int    `json:"entities_matched"`
}

func (e RuleExecuted) GetType() EventType {
	return RuleExecutedEvent
}

// JobDeadLettered is published when a job exhausts its attempts or fails permanently.
type JobDeadLettered struct {
	BaseEvent

	JobID        string `json:"job_id"`
	JobType      string `json:"job_type"`
	AttemptsMade int    `json:"attempts_made"`
	FinalError   string `json:"final_error"`
}

func (e JobDeadLettered) GetType() EventType {
	return JobDeadLetteredEvent
}

// Decode unmarshals payload into the struct registered for eventType.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case MetricChangedEvent:
		event = &MetricChanged{}
	case CompetitorEventType:
		event = &CompetitorEvent{}
	case ApplicationEventType:
		event = &AppEvent{}
	case RuleExecutedEvent:
		event = &RuleExecuted{}
	case JobDeadLetteredEvent:
		event = &JobDeadLettered{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
