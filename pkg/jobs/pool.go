package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/otelhelper"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pool defaults.
const (
	DefaultConcurrency        = 4
	DefaultPollInterval       = time.Second
	DefaultGracePeriod        = 30 * time.Second
	DefaultSweepInterval      = time.Minute
	DefaultCancelPollInterval = 2 * time.Second
)

var errShutdown = errors.New("worker shutting down")

// Pool runs concurrent worker loops that claim jobs from the store and execute them.
type Pool struct {
	store     persistence.JobStore
	registry  *Registry
	backoff   Backoff
	publisher eventbus.EventPublisher
	metrics   Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	workerID           string
	concurrency        int
	pollInterval       time.Duration
	gracePeriod        time.Duration
	sweepInterval      time.Duration
	cancelPollInterval time.Duration

	mu       sync.Mutex
	running  bool
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelCauseFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkerID overrides the generated "<hostname>-<uuid>" worker id.
func WithWorkerID(id string) PoolOption {
	return func(p *Pool) { p.workerID = id }
}

// WithConcurrency sets the number of worker loops.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle loop sleeps before claiming again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithGracePeriod bounds how long Stop waits for in-flight jobs.
func WithGracePeriod(d time.Duration) PoolOption {
	return func(p *Pool) { p.gracePeriod = d }
}

// WithSweepInterval sets how often stale RUNNING jobs are reclaimed. Zero disables the sweep.
func WithSweepInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.sweepInterval = d }
}

// WithCancelPollInterval sets how often running jobs are checked for cancellation. Zero
// disables the check.
func WithCancelPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.cancelPollInterval = d }
}

// WithBackoff replaces the default retry policy.
func WithBackoff(b Backoff) PoolOption {
	return func(p *Pool) { p.backoff = b }
}

// WithMetrics records pool measurements.
func WithMetrics(m Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithPublisher publishes a JobDeadLettered event for every dead letter.
func WithPublisher(publisher eventbus.EventPublisher) PoolOption {
	return func(p *Pool) { p.publisher = publisher }
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) PoolOption {
	return func(p *Pool) { p.tracer = tracer }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

func NewPool(store persistence.JobStore, registry *Registry, logger *slog.Logger, opts ...PoolOption) *Pool {
	hostname, _ := os.Hostname()

	p := &Pool{
		store:              store,
		registry:           registry,
		backoff:            DefaultBackoff(),
		metrics:            NopMetrics{},
		tracer:             otelhelper.Tracer("sellerops/jobs"),
		now:                func() time.Time { return time.Now().UTC() },
		workerID:           hostname + "-" + uuid.New().String(),
		concurrency:        DefaultConcurrency,
		pollInterval:       DefaultPollInterval,
		gracePeriod:        DefaultGracePeriod,
		sweepInterval:      DefaultSweepInterval,
		cancelPollInterval: DefaultCancelPollInterval,
		activeJobs:         make(map[string]context.CancelCauseFunc),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = logger.With("module", "worker_pool", "worker_id", p.workerID)

	return p
}

// WorkerID returns the id this pool claims jobs under.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the worker loops, the stale-claim sweep and the cancellation watcher.
// It returns immediately. A stopped pool can be started again once Stop has returned.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if p.stopping {
		return ErrPoolStopping
	}

	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh

	p.logger.InfoContext(ctx, "Worker pool starting",
		"concurrency", p.concurrency,
		"poll_interval", p.pollInterval,
		"grace_period", p.gracePeriod,
	)

	for range p.concurrency {
		p.wg.Add(1)

		go p.claimLoop(stopCh)
	}

	if p.sweepInterval > 0 {
		p.wg.Add(1)

		go p.tick(stopCh, p.sweepInterval, p.Sweep)
	}

	if p.cancelPollInterval > 0 {
		p.wg.Add(1)

		go p.tick(stopCh, p.cancelPollInterval, p.checkCancellations)
	}

	return nil
}

// Stop stops claiming at once and waits for in-flight jobs up to the grace period (or ctx,
// whichever ends first). Jobs still running after that are abandoned: their handlers are
// cancelled, no state is written and they stay RUNNING for the stale-claim sweep. A handler
// that returns nil in that window still completes its job.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()

		return nil
	}

	p.running = false
	p.stopping = true
	close(p.stopCh)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.stopping = false
		p.mu.Unlock()
	}()

	p.logger.InfoContext(ctx, "Worker pool stopping", "in_flight", p.inFlight())

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.gracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		p.logger.InfoContext(ctx, "Worker pool stopped gracefully")

		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	abandoned := p.cancelActiveJobs(errShutdown)
	<-done

	p.logger.WarnContext(ctx, "Grace period elapsed, in-flight jobs left RUNNING for the stale sweep", "jobs", abandoned)

	return fmt.Errorf("%w: %d job(s)", ErrShutdownTimeout, len(abandoned))
}

func (p *Pool) claimLoop(stopCh <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		processed, err := p.RunOnce(context.Background())
		if err != nil {
			p.logger.Error("Failed to claim job", "error", err)
		}

		if err != nil || !processed {
			p.sleep(stopCh, p.pollInterval)
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was processed.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimJob(ctx, p.workerID, p.now())
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	if job == nil {
		return false, nil
	}

	p.metrics.JobClaimed(job.JobType)
	p.execute(ctx, job)

	return true, nil
}

func (p *Pool) execute(ctx context.Context, job *models.Job) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "job.execute",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.JobTypeKey, job.JobType),
		attribute.Int(otelhelper.JobAttemptKey, job.Attempt),
		attribute.String(otelhelper.WorkerIDKey, p.workerID),
	)
	defer span.End()

	logger := p.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempt)
	logger.DebugContext(ctx, "Job claimed", "max_attempts", job.MaxAttempts)

	jobCtx, cancel := context.WithCancelCause(trace.ContextWithSpan(context.Background(), span))
	p.track(job.ID, cancel)

	start := time.Now()
	err := p.invoke(jobCtx, cancel, job)
	elapsed := time.Since(start)

	p.untrack(job.ID)
	cancel(nil)

	// A handler that finished on its own after the grace period still records its result.
	if err != nil && errors.Is(context.Cause(jobCtx), errShutdown) {
		logger.WarnContext(ctx, "Job abandoned at shutdown", "elapsed", elapsed)

		return
	}

	if err != nil {
		otelhelper.SetError(span, err)
	} else {
		otelhelper.SetOK(span)
	}

	p.finish(ctx, logger, job, err, elapsed)
}

// invoke runs the handler in its own goroutine so a timeout, a cancellation or a shutdown
// can stop waiting for it. A handler that ignores its context keeps running detached.
func (p *Pool) invoke(ctx context.Context, cancel context.CancelCauseFunc, job *models.Job) error {
	handler, ok := p.registry.Lookup(job.JobType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.JobType)
	}

	if err := p.registry.Validate(job.JobType, job.Payload); err != nil {
		return Permanent(err)
	}

	timeout := p.registry.Timeout(job.JobType)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()

		done <- handler(ctx, job)
	}()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		timeoutErr := fmt.Errorf("%w after %s", ErrTimeout, timeout)
		cancel(timeoutErr)
		p.metrics.JobTimedOut(job.JobType)

		return timeoutErr
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}

		return context.Cause(ctx)
	}
}

func (p *Pool) finish(ctx context.Context, logger *slog.Logger, job *models.Job, err error, elapsed time.Duration) {
	now := p.now()

	switch {
	case err == nil:
		if storeErr := p.store.CompleteJob(ctx, job.ID, p.workerID, now); storeErr != nil {
			p.storeFailed(ctx, logger, "complete", storeErr)

			return
		}

		p.metrics.JobSucceeded(job.JobType, elapsed)
		logger.InfoContext(ctx, "Job succeeded", "elapsed", elapsed)

	case errors.Is(err, ErrCancelled):
		logger.InfoContext(ctx, "Job cancelled while running", "elapsed", elapsed)

	case IsPermanent(err) || job.Exhausted():
		p.deadLetter(ctx, logger, job, err, now)

	default:
		delay := p.backoff.Delay(job.Attempt)

		if storeErr := p.store.RetryJob(ctx, job.ID, p.workerID, now.Add(delay), err.Error()); storeErr != nil {
			p.storeFailed(ctx, logger, "retry", storeErr)

			return
		}

		p.metrics.JobRetried(job.JobType)
		logger.InfoContext(ctx, "Job scheduled for retry",
			"max_attempts", job.MaxAttempts,
			"delay", delay,
			"error", err,
		)
	}
}

func (p *Pool) deadLetter(ctx context.Context, logger *slog.Logger, job *models.Job, cause error, now time.Time) {
	entry := newDeadLetter(job, cause.Error(), now)

	if err := p.store.FailJob(ctx, job.ID, p.workerID, entry); err != nil {
		p.storeFailed(ctx, logger, "dead-letter", err)

		return
	}

	p.deadLettered(ctx, entry)
	logger.WarnContext(ctx, "Job moved to dead letter queue",
		"max_attempts", job.MaxAttempts,
		"permanent", IsPermanent(cause),
		"error", cause,
	)
}

func (p *Pool) deadLettered(ctx context.Context, entry *models.DeadLetterEntry) {
	p.metrics.JobDeadLettered(entry.JobType)

	if p.publisher == nil {
		return
	}

	event := &events.JobDeadLettered{
		BaseEvent:    events.NewBaseEvent(events.JobDeadLetteredEvent),
		JobID:        entry.JobID,
		JobType:      entry.JobType,
		AttemptsMade: entry.AttemptsMade,
		FinalError:   entry.FinalError,
	}

	if err := p.publisher.Publish(ctx, events.JobsTopic, event); err != nil {
		p.logger.ErrorContext(ctx, "Failed to publish dead letter event", "job_id", entry.JobID, "error", err)
	}
}

// storeFailed logs a failed state write. The job stays as the store has it: a lost claim
// means another path owns the job; any other error leaves it RUNNING for the sweep.
func (p *Pool) storeFailed(ctx context.Context, logger *slog.Logger, op string, err error) {
	if persistence.IsClaimLost(err) {
		logger.WarnContext(ctx, "Job claim lost before "+op, "error", err)

		return
	}

	logger.ErrorContext(ctx, "Failed to "+op+" job", "error", err)
}

func newDeadLetter(job *models.Job, finalError string, now time.Time) *models.DeadLetterEntry {
	return &models.DeadLetterEntry{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		JobType:       job.JobType,
		Payload:       job.Payload,
		FinalError:    finalError,
		FailedAt:      now,
		AttemptsMade:  job.Attempt,
		CorrelationID: job.CorrelationID,
	}
}

// Sweep reclaims RUNNING jobs whose claim is older than their timeout plus the grace
// period: they go back to PENDING, or to the dead letter queue when no attempt is left.
func (p *Pool) Sweep(ctx context.Context) {
	running, err := p.store.RunningJobs(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to list running jobs", "error", err)

		return
	}

	now := p.now()

	for _, job := range running {
		if job.StartedAt == nil || p.isActive(job.ID) {
			continue
		}

		deadline := job.StartedAt.Add(p.registry.Timeout(job.JobType) + p.gracePeriod)
		if now.Before(deadline) {
			continue
		}

		p.reclaim(ctx, job, now)
	}
}

func (p *Pool) reclaim(ctx context.Context, job *models.Job, now time.Time) {
	logger := p.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempt, "stale_worker_id", job.WorkerID)
	reason := fmt.Sprintf("claim by %s expired", job.WorkerID)

	if job.Exhausted() {
		entry := newDeadLetter(job, reason, now)

		ok, err := p.store.FailStaleJob(ctx, job.ID, *job.StartedAt, entry)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to dead-letter stale job", "error", err)

			return
		}

		if ok {
			p.deadLettered(ctx, entry)
			logger.WarnContext(ctx, "Stale job moved to dead letter queue")
		}

		return
	}

	ok, err := p.store.RequeueStaleJob(ctx, job.ID, *job.StartedAt, now, reason)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to requeue stale job", "error", err)

		return
	}

	if ok {
		p.metrics.JobRequeued(job.JobType)
		logger.InfoContext(ctx, "Stale job requeued")
	}
}

// checkCancellations cancels the handler context of every active job marked CANCELLED.
func (p *Pool) checkCancellations(ctx context.Context) {
	p.activeMu.Lock()
	ids := make([]string, 0, len(p.activeJobs))

	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	p.activeMu.Unlock()

	for _, id := range ids {
		job, err := p.store.JobByID(ctx, id)
		if err != nil {
			continue
		}

		if job.Status == models.JobCancelled {
			p.activeMu.Lock()
			if cancel, ok := p.activeJobs[id]; ok {
				cancel(ErrCancelled)
			}
			p.activeMu.Unlock()
		}
	}
}

func (p *Pool) tick(stopCh <-chan struct{}, interval time.Duration, fn func(ctx context.Context)) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

func (p *Pool) sleep(stopCh <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-stopCh:
	}
}

func (p *Pool) track(jobID string, cancel context.CancelCauseFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) isActive(jobID string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	_, ok := p.activeJobs[jobID]

	return ok
}

func (p *Pool) inFlight() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	return len(p.activeJobs)
}

func (p *Pool) cancelActiveJobs(cause error) []string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	ids := make([]string, 0, len(p.activeJobs))

	for jobID, cancel := range p.activeJobs {
		ids = append(ids, jobID)
		cancel(cause)
	}

	return ids
}
