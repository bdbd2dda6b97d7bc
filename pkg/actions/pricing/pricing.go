// Package pricing provides the update_price action and the price.update job that applies
// the new price. The action only decides and enqueues; the job performs the write.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dukex/sellerops/pkg/actions"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/services"
)

// JobType is the job that writes a price through services.PricingService.
const JobType = "price.update"

const (
	jobTimeout     = 30 * time.Second
	jobMaxAttempts = 5

	// restores ordered after a running update retry while they wait for it
	restoreMaxAttempts = 10
)

// Reasons carried by price.update payloads and margin-floor results.
const (
	ReasonRule        = "rule"
	ReasonRollback    = "rollback"
	ReasonMarginFloor = "margin_floor"
)

// ErrInvalidTarget is returned when a strategy yields a non-positive price.
var ErrInvalidTarget = errors.New("price strategy produced a non-positive price")

// PayloadSchema validates price.update payloads on enqueue and before execution.
const PayloadSchema = `{
  "type": "object",
  "required": ["entity_id", "price"],
  "properties": {
    "entity_id": {"type": "string", "minLength": 1},
    "price": {"type": "number", "minimum": 0.01},
    "previous_price": {"type": "number"},
    "rule_id": {"type": "string"},
    "reason": {"type": "string"},
    "after_job_id": {"type": "string"}
  }
}`

// Update is the price.update payload.
type Update struct {
	EntityID      string  `json:"entity_id"`
	Price         float64 `json:"price"`
	PreviousPrice float64 `json:"previous_price,omitempty"`
	RuleID        string  `json:"rule_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	// AfterJobID holds the write back until that job reached a terminal state.
	AfterJobID string `json:"after_job_id,omitempty"`
}

// ErrAwaitingJob is the retryable error of a restore whose update job is still running.
var ErrAwaitingJob = errors.New("waiting for price update job to finish")

// Queue is satisfied by *jobs.Queue.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...jobs.EnqueueOption) (string, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
}

// JobLookup is satisfied by every persistence.Persistence.
type JobLookup interface {
	JobByID(ctx context.Context, id string) (*models.Job, error)
}

// Executor runs update_price actions.
type Executor struct {
	pricing services.PricingService
	queue   Queue
	logger  *slog.Logger
}

var _ actions.Rollbacker = (*Executor)(nil)

func New(pricing services.PricingService, queue Queue, logger *slog.Logger) *Executor {
	return &Executor{
		pricing: pricing,
		queue:   queue,
		logger:  logger.With("module", "update_price_action"),
	}
}

// Target applies the strategy to the current price, rounded to the cent.
func Target(strategy models.PriceStrategy, value, current float64) (float64, error) {
	var target float64

	switch strategy {
	case models.PriceSet:
		target = value
	case models.PriceIncreasePercent:
		target = current * (1 + value/100)
	case models.PriceDecreasePercent:
		target = current * (1 - value/100)
	case models.PriceIncreaseAmount:
		target = current + value
	case models.PriceDecreaseAmount:
		target = current - value
	default:
		return 0, fmt.Errorf("unknown price strategy %q", strategy)
	}

	target = math.Round(target*100) / 100
	if target <= 0 {
		return 0, fmt.Errorf("%w: %.2f", ErrInvalidTarget, target)
	}

	return target, nil
}

// Execute computes the new price and enqueues the write. When the margin floor would be
// violated it reports failure with the suggested floor price and changes nothing.
func (e *Executor) Execute(ctx context.Context, action models.Action, entity models.Entity, _ models.TriggerContext) (models.ActionResult, error) {
	config := action.UpdatePrice
	if config == nil {
		return models.ActionResult{}, fmt.Errorf("%w: %s", actions.ErrMissingConfig, action.Type)
	}

	entityID := entity.EntityID()
	logger := e.logger.With("entity_id", entityID, "strategy", config.Strategy)

	current, err := e.pricing.CurrentPrice(ctx, entityID)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to read current price: %w", err)
	}

	target, err := Target(config.Strategy, config.Value, current)
	if err != nil {
		return models.ActionResult{}, err
	}

	if config.RespectMarginFloor {
		floor, err := e.pricing.MinPriceForMargin(ctx, entityID, config.MinMarginPercent)
		if err != nil {
			return models.ActionResult{}, fmt.Errorf("failed to compute margin floor: %w", err)
		}

		if target < floor {
			logger.InfoContext(ctx, "Price change blocked by margin floor",
				"current_price", current, "requested_price", target, "floor", floor)

			return models.ActionResult{
				Success: false,
				ResultData: map[string]any{
					"reason":           ReasonMarginFloor,
					"currentPrice":     current,
					"requestedPrice":   target,
					"suggestedPrice":   floor,
					"minMarginPercent": config.MinMarginPercent,
				},
			}, nil
		}
	}

	ruleID := actions.RuleID(ctx)

	jobID, err := e.queue.Enqueue(ctx, JobType, Update{
		EntityID:      entityID,
		Price:         target,
		PreviousPrice: current,
		RuleID:        ruleID,
		Reason:        ReasonRule,
	}, jobs.CorrelationID(ruleID))
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to enqueue price update: %w", err)
	}

	logger.InfoContext(ctx, "Price update enqueued", "job_id", jobID, "previous_price", current, "new_price", target)

	return models.ActionResult{
		Success: true,
		ResultData: map[string]any{
			"jobId":         jobID,
			"previousPrice": current,
			"newPrice":      target,
		},
		RollbackData: map[string]any{
			"jobId":         jobID,
			"previousPrice": current,
		},
	}, nil
}

// Rollback undoes the price update enqueued by Execute. An update still waiting for
// its first run or for a retry is cancelled and nothing is restored. Otherwise a restore
// job is enqueued that only writes once the update job is terminal.
func (e *Executor) Rollback(ctx context.Context, entity models.Entity, rollbackData map[string]any) error {
	previous, ok := rollbackData["previousPrice"].(float64)
	if !ok || previous <= 0 {
		return fmt.Errorf("%w: no previous price to restore", actions.ErrNoRollback)
	}

	ruleID := actions.RuleID(ctx)
	logger := e.logger.With("entity_id", entity.EntityID(), "rule_id", ruleID)

	restore := Update{
		EntityID: entity.EntityID(),
		Price:    previous,
		RuleID:   ruleID,
		Reason:   ReasonRollback,
	}

	if updateJobID, _ := rollbackData["jobId"].(string); updateJobID != "" {
		job, err := e.queue.Cancel(ctx, updateJobID)

		switch {
		case err == nil && job.WorkerID == "":
			logger.InfoContext(ctx, "Pending price update cancelled", "job_id", updateJobID)
			return nil
		case err == nil:
			restore.AfterJobID = updateJobID
		case errors.Is(err, persistence.ErrJobNotCancellable):
			restore.AfterJobID = updateJobID
		case persistence.IsJobNotFound(err):
			// pruned from the store, restore unconditionally
		default:
			return fmt.Errorf("failed to cancel price update: %w", err)
		}
	}

	opts := []jobs.EnqueueOption{jobs.CorrelationID(ruleID)}
	if restore.AfterJobID != "" {
		opts = append(opts, jobs.MaxAttempts(restoreMaxAttempts))
	}

	jobID, err := e.queue.Enqueue(ctx, JobType, restore, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue price restore: %w", err)
	}

	logger.InfoContext(ctx, "Price restore enqueued", "job_id", jobID, "after_job_id", restore.AfterJobID)

	return nil
}

// Register installs the price.update handler. Unknown entities and rejected prices fail
// permanently; other pricing errors are retried.
func Register(registry *jobs.Registry, pricing services.PricingService, lookup JobLookup, logger *slog.Logger) error {
	logger = logger.With("module", "price_update_job")

	handler := jobs.TypedHandler(func(ctx context.Context, update Update, job *models.Job) error {
		if update.AfterJobID != "" {
			skip, err := awaitJob(ctx, lookup, update.AfterJobID, registry.Timeout(JobType))
			if err != nil {
				return err
			}

			if skip {
				logger.InfoContext(ctx, "Price restore skipped, update never applied",
					"job_id", job.ID, "after_job_id", update.AfterJobID)

				return nil
			}
		}

		err := pricing.UpdatePrice(ctx, update.EntityID, update.Price)
		if err != nil {
			if services.IsNotFound(err) || services.IsValidationError(err) {
				return jobs.Permanent(err)
			}

			return fmt.Errorf("failed to update price: %w", err)
		}

		logger.InfoContext(ctx, "Price updated",
			"job_id", job.ID, "entity_id", update.EntityID, "price", update.Price, "reason", update.Reason)

		return nil
	})

	return registry.Register(JobType, handler,
		jobs.WithSchema(PayloadSchema),
		jobs.WithTimeout(jobTimeout),
		jobs.WithMaxAttempts(jobMaxAttempts),
	)
}

// awaitJob reports whether the restore can be skipped because the job never wrote a
// price. ErrAwaitingJob is returned while the job, or a handler of a job cancelled
// mid-run, may still write.
func awaitJob(ctx context.Context, lookup JobLookup, id string, timeout time.Duration) (bool, error) {
	job, err := lookup.JobByID(ctx, id)
	if err != nil {
		if persistence.IsJobNotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to look up job %s: %w", id, err)
	}

	if !job.Status.IsTerminal() {
		return false, fmt.Errorf("%w: job %s is %s", ErrAwaitingJob, id, job.Status)
	}

	if job.Status == models.JobCancelled && job.StartedAt != nil && time.Now().Before(job.StartedAt.Add(timeout)) {
		return false, fmt.Errorf("%w: job %s was cancelled while running", ErrAwaitingJob, id)
	}

	return job.Status == models.JobFailed, nil
}
