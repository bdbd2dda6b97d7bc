// Package features recomputes per-entity feature vectors behind an advisory lock and
// publishes the metrics that changed, which is what threshold rules listen to.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/sellerops/pkg/cooldown"
	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/services"
)

// JobType is the job that recomputes the features of one entity.
const JobType = "features.recompute"

// LockName names the advisory lock of the computation.
const LockName = "features"

const (
	DefaultLockTTL = 2 * time.Minute
	jobTimeout     = time.Minute
	jobMaxAttempts = 4
)

// PayloadSchema validates features.recompute payloads.
const PayloadSchema = `{
  "type": "object",
  "required": ["entity_id"],
  "properties": {
    "entity_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  }
}`

// Request is the features.recompute payload.
type Request struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason,omitempty"`
}

// Vector maps feature names to values.
type Vector map[string]float64

// Enqueuer is satisfied by *jobs.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...jobs.EnqueueOption) (string, error)
}

// Recomputer computes feature vectors, at most one computation per entity at a time across
// every process sharing the lock store.
type Recomputer struct {
	features  services.FeatureService
	guard     *cooldown.Guard[Vector]
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

type Option func(*Recomputer)

// WithPublisher publishes a MetricChanged event per feature whose value changed.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *Recomputer) { r.publisher = publisher }
}

func NewRecomputer(features services.FeatureService, locks cooldown.Store, lockTTL time.Duration, logger *slog.Logger, opts ...Option) *Recomputer {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	r := &Recomputer{
		features: features,
		guard:    cooldown.NewGuard[Vector](locks, LockName, lockTTL),
		logger:   logger.With("module", "features"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Recompute returns a fresh vector, or the last-known-good one with cooldown.Stale when
// another owner is computing the entity.
func (r *Recomputer) Recompute(ctx context.Context, entityID string) (Vector, cooldown.Outcome, error) {
	previous, hadPrevious := r.guard.Last(entityID)

	vector, outcome, err := r.guard.Do(ctx, entityID, func(ctx context.Context) (Vector, error) {
		computed, err := r.features.Compute(ctx, entityID)
		if err != nil {
			return nil, err
		}

		return Vector(computed), nil
	})
	if err != nil {
		return nil, outcome, err
	}

	if outcome == cooldown.Stale {
		r.logger.DebugContext(ctx, "Feature computation in progress elsewhere, serving last known value", "entity_id", entityID)

		return vector, outcome, nil
	}

	r.logger.DebugContext(ctx, "Features recomputed", "entity_id", entityID, "features", len(vector))

	if r.publisher != nil {
		r.publishChanges(ctx, entityID, previous, hadPrevious, vector)
	}

	return vector, outcome, nil
}

// Last returns the last-known-good vector of an entity.
func (r *Recomputer) Last(entityID string) (Vector, bool) {
	return r.guard.Last(entityID)
}

func (r *Recomputer) publishChanges(ctx context.Context, entityID string, previous Vector, hadPrevious bool, current Vector) {
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		value := current[name]

		var prev *float64

		if hadPrevious {
			old, ok := previous[name]
			if ok && old == value {
				continue
			}

			if ok {
				prev = &old
			}
		}

		event := events.NewMetricChanged(name, entityID, value, prev)
		event.EntityType = models.EntityTypeListing
		event.Data = map[string]any{"source": JobType}

		if err := r.publisher.Publish(ctx, events.MetricTopic(name), event); err != nil {
			r.logger.WarnContext(ctx, "Failed to publish feature change", "entity_id", entityID, "metric", name, "error", err)
		}
	}
}

// Schedule enqueues a recompute. Requests for the same entity within dedupWindow collapse
// into one job.
func Schedule(ctx context.Context, queue Enqueuer, entityID, reason string, dedupWindow time.Duration) (string, error) {
	opts := []jobs.EnqueueOption{jobs.CorrelationID(entityID)}
	if dedupWindow > 0 {
		opts = append(opts, jobs.DedupKey(JobType+"/"+entityID, dedupWindow))
	}

	return queue.Enqueue(ctx, JobType, Request{EntityID: entityID, Reason: reason}, opts...)
}

// Register adds the features.recompute handler. A lock held without a known value is
// retried; unknown entities fail permanently.
func Register(registry *jobs.Registry, recomputer *Recomputer, logger *slog.Logger) error {
	logger = logger.With("module", "features_job")

	handler := jobs.TypedHandler(func(ctx context.Context, req Request, job *models.Job) error {
		_, outcome, err := recomputer.Recompute(ctx, req.EntityID)
		if err != nil {
			if services.IsNotFound(err) {
				return jobs.Permanent(err)
			}

			if errors.Is(err, cooldown.ErrLockHeld) {
				return fmt.Errorf("features of %s are being computed elsewhere: %w", req.EntityID, err)
			}

			return fmt.Errorf("failed to recompute features: %w", err)
		}

		logger.InfoContext(ctx, "Features job done", "job_id", job.ID, "entity_id", req.EntityID, "outcome", outcome)

		return nil
	})

	return registry.Register(JobType, handler,
		jobs.WithSchema(PayloadSchema),
		jobs.WithTimeout(jobTimeout),
		jobs.WithMaxAttempts(jobMaxAttempts),
	)
}
