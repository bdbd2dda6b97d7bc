package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/sellerops/pkg/models"
)

// EnqueueJobRequest is the body of POST /jobs.
type EnqueueJobRequest struct {
	JobType       string          `json:"job_type"                 validate:"required"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	MaxAttempts   int             `json:"max_attempts,omitempty"   validate:"omitempty,min=1"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	DedupKey      string          `json:"dedup_key,omitempty"`
	DedupSeconds  int             `json:"dedup_seconds,omitempty"  validate:"required_with=DedupKey,gte=0"`
	DelaySeconds  int             `json:"delay_seconds,omitempty"  validate:"gte=0"`
}

// JobCreatedResponse carries the id of a job created by enqueue or replay.
type JobCreatedResponse struct {
	ID string `json:"id"`
}

// EvaluateRuleRequest is the body of POST /rules/:id/evaluate. Without entity ids the
// rule scope is resolved.
type EvaluateRuleRequest struct {
	EntityType  string         `json:"entity_type,omitempty"`
	EntityIDs   []string       `json:"entity_ids,omitempty"   validate:"omitempty,dive,required"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// RuleListResponse lists the loaded rules and the definitions rejected by the last load.
type RuleListResponse struct {
	Rules    []*models.Rule    `json:"rules"`
	Invalid  map[string]string `json:"invalid,omitempty"`
	LoadedAt time.Time         `json:"loaded_at"`
}
