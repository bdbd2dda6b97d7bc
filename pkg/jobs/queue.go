package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sellerops/pkg/cooldown"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/google/uuid"
)

// DefaultMaxAttempts is the attempt budget of jobs enqueued without one.
const DefaultMaxAttempts = 3

// Store is the part of persistence the queue needs.
type Store interface {
	persistence.JobStore
	persistence.DeadLetterStore
}

// Queue is the producer and operator API of the job core.
type Queue struct {
	store       Store
	registry    *Registry
	dedup       cooldown.Store
	metrics     Metrics
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

type QueueOption func(*Queue)

// WithRegistry enables payload schema validation and per-type attempt budgets.
func WithRegistry(registry *Registry) QueueOption {
	return func(q *Queue) { q.registry = registry }
}

// WithDedupStore enables DedupKey.
func WithDedupStore(store cooldown.Store) QueueOption {
	return func(q *Queue) { q.dedup = store }
}

// WithDefaultMaxAttempts overrides DefaultMaxAttempts.
func WithDefaultMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithQueueMetrics records enqueues.
func WithQueueMetrics(metrics Metrics) QueueOption {
	return func(q *Queue) { q.metrics = metrics }
}

// WithQueueClock replaces time.Now, for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(store Store, logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		store:       store,
		metrics:     NopMetrics{},
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With("module", "job_queue"),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

type enqueueOptions struct {
	jobID         string
	maxAttempts   int
	correlationID string
	dedupKey      string
	dedupTTL      time.Duration
	delay         time.Duration
	runAt         time.Time
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// MaxAttempts sets the attempt budget of the job.
func MaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// CorrelationID ties the job to the rule execution or request that produced it.
func CorrelationID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.correlationID = id }
}

// DedupKey rejects the enqueue with ErrDuplicate while another job with the same key was
// enqueued less than ttl ago.
func DedupKey(key string, ttl time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.dedupKey = key
		o.dedupTTL = ttl
	}
}

// Delay schedules the first attempt d from now.
func Delay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// RunAt schedules the first attempt at t.
func RunAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.runAt = t }
}

// JobID sets the job id instead of generating one.
func JobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

// Enqueue inserts a PENDING job and returns its id. payload is marshalled to JSON unless
// it already is raw JSON.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("%w: job type is required", ErrInvalidPayload)
	}

	options := enqueueOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	if q.registry != nil {
		if err := q.registry.Validate(jobType, raw); err != nil {
			return "", err
		}
	}

	now := q.now()
	job := &models.Job{
		ID:            options.jobID,
		JobType:       jobType,
		Payload:       raw,
		Status:        models.JobPending,
		Attempt:       0,
		MaxAttempts:   q.attemptsFor(jobType, options.maxAttempts),
		ScheduledFor:  now.Add(options.delay),
		CorrelationID: options.correlationID,
		DedupKey:      options.dedupKey,
		CreatedAt:     now,
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	if !options.runAt.IsZero() {
		job.ScheduledFor = options.runAt.UTC()
	}

	var dedupToken string

	if options.dedupKey != "" {
		dedupToken, err = q.acquireDedup(ctx, options.dedupKey, options.dedupTTL)
		if err != nil {
			return "", err
		}
	}

	if err := q.store.EnqueueJob(ctx, job); err != nil {
		if dedupToken != "" {
			_ = q.dedup.Release(ctx, cooldown.JobKey(options.dedupKey), dedupToken)
		}

		return "", fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}

	q.metrics.JobEnqueued(jobType)
	q.logger.DebugContext(ctx, "Job enqueued",
		"job_id", job.ID,
		"job_type", jobType,
		"max_attempts", job.MaxAttempts,
		"scheduled_for", job.ScheduledFor,
		"correlation_id", job.CorrelationID,
	)

	return job.ID, nil
}

func (q *Queue) acquireDedup(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if q.dedup == nil {
		return "", fmt.Errorf("dedup key %q given but no dedup store configured", key)
	}

	token, err := q.dedup.Lock(ctx, cooldown.JobKey(key), ttl)
	if err != nil {
		return "", fmt.Errorf("failed to check dedup key %q: %w", key, err)
	}

	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, key)
	}

	return token, nil
}

func (q *Queue) attemptsFor(jobType string, requested int) int {
	if requested > 0 {
		return requested
	}

	if q.registry != nil {
		if n := q.registry.MaxAttempts(jobType); n > 0 {
			return n
		}
	}

	return q.maxAttempts
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
		}

		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
		}

		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}

		return raw, nil
	}
}

func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	return q.store.JobByID(ctx, id)
}

func (q *Queue) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return q.store.Jobs(ctx, filter)
}

// Cancel moves a PENDING or RUNNING job to CANCELLED. A running handler observes the
// cancellation through its context once its worker notices.
func (q *Queue) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := q.store.CancelJob(ctx, id, q.now())
	if err != nil {
		return nil, err
	}

	q.logger.InfoContext(ctx, "Job cancelled", "job_id", id, "job_type", job.JobType)

	return job, nil
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	return q.store.DeadLetters(ctx, limit)
}

func (q *Queue) DeadLetter(ctx context.Context, jobID string) (*models.DeadLetterEntry, error) {
	return q.store.DeadLetterByJobID(ctx, jobID)
}

// Replay enqueues a fresh job from a dead letter and returns the new job id.
func (q *Queue) Replay(ctx context.Context, jobID string) (string, error) {
	entry, err := q.store.DeadLetterByJobID(ctx, jobID)
	if err != nil {
		return "", err
	}

	if entry.ReplayedAt != nil {
		return "", persistence.NewJobError("Replay", jobID, persistence.ErrAlreadyReplayed)
	}

	now := q.now()
	replay := &models.Job{
		ID:            uuid.New().String(),
		JobType:       entry.JobType,
		Payload:       entry.Payload,
		Status:        models.JobPending,
		MaxAttempts:   q.attemptsFor(entry.JobType, 0),
		ScheduledFor:  now,
		CorrelationID: entry.CorrelationID,
		CreatedAt:     now,
	}

	if err := q.store.ReplayDeadLetter(ctx, jobID, replay, now); err != nil {
		return "", fmt.Errorf("failed to replay dead letter of job %s: %w", jobID, err)
	}

	q.metrics.JobEnqueued(entry.JobType)
	q.logger.InfoContext(ctx, "Dead letter replayed", "job_id", jobID, "replay_job_id", replay.ID, "job_type", entry.JobType)

	return replay.ID, nil
}
