package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/sellerops/pkg/channels/gochannel"
	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	jobs.NopMetrics

	mu           sync.Mutex
	retried      int
	deadLettered int
	timedOut     int
	requeued     int
	succeeded    int
}

func (m *recordingMetrics) JobRetried(string)      { m.inc(&m.retried) }
func (m *recordingMetrics) JobDeadLettered(string) { m.inc(&m.deadLettered) }
func (m *recordingMetrics) JobTimedOut(string)     { m.inc(&m.timedOut) }
func (m *recordingMetrics) JobRequeued(string)     { m.inc(&m.requeued) }

func (m *recordingMetrics) JobSucceeded(string, time.Duration) { m.inc(&m.succeeded) }

func (m *recordingMetrics) inc(counter *int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	*counter++
}

type poolFixture struct {
	store    *memory.Persistence
	queue    *jobs.Queue
	registry *jobs.Registry
	metrics  *recordingMetrics
}

func newPoolFixture() *poolFixture {
	store := memory.NewPersistence()
	registry := jobs.NewRegistry()

	return &poolFixture{
		store:    store,
		queue:    jobs.NewQueue(store, testLogger(), jobs.WithRegistry(registry)),
		registry: registry,
		metrics:  &recordingMetrics{},
	}
}

// synchronousPool never starts background loops: tests drive it with RunOnce.
func (f *poolFixture) synchronousPool(opts ...jobs.PoolOption) *jobs.Pool {
	base := []jobs.PoolOption{
		jobs.WithWorkerID("worker-test"),
		jobs.WithBackoff(jobs.Backoff{}),
		jobs.WithMetrics(f.metrics),
		jobs.WithSweepInterval(0),
		jobs.WithCancelPollInterval(0),
	}

	return jobs.NewPool(f.store, f.registry, testLogger(), append(base, opts...)...)
}

func (f *poolFixture) job(t *testing.T, id string) *models.Job {
	t.Helper()

	job, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)

	return job
}

func TestPool_RetriesThenDeadLettersOnce(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	var calls atomic.Int32

	f.registry.MustRegister("always.fails", func(context.Context, *models.Job) error {
		calls.Add(1)

		return errors.New("upstream unavailable")
	})

	id, err := f.queue.Enqueue(ctx, "always.fails", map[string]any{"n": 1}, jobs.MaxAttempts(3), jobs.CorrelationID("exec-1"))
	require.NoError(t, err)

	pool := f.synchronousPool()

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := pool.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", attempt)

		job := f.job(t, id)
		assert.Equal(t, attempt, job.Attempt)
		assert.Contains(t, job.ErrorMessage, "upstream unavailable")

		if attempt < 3 {
			assert.Equal(t, models.JobPending, job.Status)
		}
	}

	processed, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	job := f.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, int32(3), calls.Load())

	entries, err := f.queue.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].JobID)
	assert.Equal(t, 3, entries[0].AttemptsMade)
	assert.Equal(t, "upstream unavailable", entries[0].FinalError)
	assert.Equal(t, "exec-1", entries[0].CorrelationID)

	assert.Equal(t, 2, f.metrics.retried)
	assert.Equal(t, 1, f.metrics.deadLettered)
}

func TestPool_RetryUsesBackoff(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	f.registry.MustRegister("flaky", func(context.Context, *models.Job) error { return errors.New("nope") })

	id, err := f.queue.Enqueue(ctx, "flaky", nil, jobs.RunAt(epoch))
	require.NoError(t, err)

	pool := f.synchronousPool(
		jobs.WithClock(fixedClock(epoch)),
		jobs.WithBackoff(jobs.Backoff{Base: 30 * time.Second, Max: time.Hour}),
	)

	processed, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job := f.job(t, id)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, epoch.Add(30*time.Second), job.ScheduledFor)
	assert.Empty(t, job.WorkerID)

	processed, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "job must not be claimable before its backoff elapses")
}

func TestPool_Success(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	var seen *models.Job

	f.registry.MustRegister("ok", func(_ context.Context, job *models.Job) error {
		seen = job

		return nil
	})

	id, err := f.queue.Enqueue(ctx, "ok", map[string]any{"a": 1})
	require.NoError(t, err)

	processed, err := f.synchronousPool().RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	require.NotNil(t, seen)
	assert.Equal(t, 1, seen.Attempt)
	assert.Equal(t, models.JobRunning, seen.Status)
	assert.Equal(t, "worker-test", seen.WorkerID)

	job := f.job(t, id)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, 1, f.metrics.succeeded)
}

func TestPool_PermanentErrorSkipsRetries(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	f.registry.MustRegister("bad.input", func(context.Context, *models.Job) error {
		return jobs.Permanent(errors.New("listing does not exist"))
	})

	id, err := f.queue.Enqueue(ctx, "bad.input", nil, jobs.MaxAttempts(5))
	require.NoError(t, err)

	_, err = f.synchronousPool().RunOnce(ctx)
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempt)

	entry, err := f.queue.DeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.AttemptsMade)
	assert.Contains(t, entry.FinalError, "listing does not exist")
}

func TestPool_InvalidPayloadIsPermanent(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	f.registry.MustRegister("schema", func(context.Context, *models.Job) error { return nil })

	id, err := f.queue.Enqueue(ctx, "schema", map[string]any{"x": 1})
	require.NoError(t, err)

	// The schema is registered after enqueue, so only the worker-side check sees it.
	f.registry.MustRegister("schema", func(context.Context, *models.Job) error { return nil },
		jobs.WithSchema(`{"type":"object","required":["y"]}`))

	_, err = f.synchronousPool().RunOnce(ctx)
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "invalid job payload")
}

func TestPool_MissingHandlerIsRetried(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "unregistered", nil)
	require.NoError(t, err)

	_, err = f.synchronousPool().RunOnce(ctx)
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Contains(t, job.ErrorMessage, "no handler registered")
}

func TestPool_TimeoutCancelsHandlerContext(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()
	cause := make(chan error, 1)

	f.registry.MustRegister("slow", func(ctx context.Context, _ *models.Job) error {
		<-ctx.Done()
		cause <- context.Cause(ctx)

		return ctx.Err()
	}, jobs.WithTimeout(50*time.Millisecond))

	id, err := f.queue.Enqueue(ctx, "slow", nil, jobs.MaxAttempts(2))
	require.NoError(t, err)

	_, err = f.synchronousPool().RunOnce(ctx)
	require.NoError(t, err)

	select {
	case err := <-cause:
		assert.ErrorIs(t, err, jobs.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}

	job := f.job(t, id)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Contains(t, job.ErrorMessage, "timed out")
	assert.Equal(t, 1, f.metrics.timedOut)
}

func TestPool_PanicIsRecovered(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	f.registry.MustRegister("panics", func(context.Context, *models.Job) error {
		panic("nil map write")
	})

	id, err := f.queue.Enqueue(ctx, "panics", nil, jobs.MaxAttempts(1))
	require.NoError(t, err)

	_, err = f.synchronousPool().RunOnce(ctx)
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "panicked")
	assert.Contains(t, job.ErrorMessage, "nil map write")
}

func TestPool_PublishesDeadLetterEvent(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{}, 16)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, slog.Default())
	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan *events.JobDeadLettered, 1)
	_, err = bus.Subscribe(ctx, events.JobsTopic, func(_ context.Context, event any) error {
		received <- event.(*events.JobDeadLettered)

		return nil
	})
	require.NoError(t, err)

	f.registry.MustRegister("doomed", func(context.Context, *models.Job) error {
		return jobs.Permanent(errors.New("gone"))
	})

	id, err := f.queue.Enqueue(ctx, "doomed", nil)
	require.NoError(t, err)

	_, err = f.synchronousPool(jobs.WithPublisher(bus)).RunOnce(ctx)
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, id, event.JobID)
		assert.Equal(t, "doomed", event.JobType)
		assert.Equal(t, 1, event.AttemptsMade)
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter event not published")
	}
}

func TestPool_ConcurrentWorkersClaimEachJobOnce(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	const total = 60

	var (
		mu   sync.Mutex
		runs = make(map[string]int)
		done sync.WaitGroup
	)

	done.Add(total)

	f.registry.MustRegister("count", func(_ context.Context, job *models.Job) error {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		done.Done()

		return nil
	})

	for i := range total {
		_, err := f.queue.Enqueue(ctx, "count", map[string]int{"i": i})
		require.NoError(t, err)
	}

	pools := make([]*jobs.Pool, 0, 3)

	for i := range 3 {
		pool := jobs.NewPool(f.store, f.registry, testLogger(),
			jobs.WithWorkerID(fmt.Sprintf("worker-%d", i)),
			jobs.WithConcurrency(4),
			jobs.WithPollInterval(5*time.Millisecond),
		)
		require.NoError(t, pool.Start(ctx))

		pools = append(pools, pool)
	}

	waitOrFail(t, &done, 5*time.Second)

	for _, pool := range pools {
		require.NoError(t, pool.Stop(ctx))
	}

	assert.Len(t, runs, total)

	for id, n := range runs {
		assert.Equal(t, 1, n, "job %s", id)
	}

	succeeded, err := f.queue.List(ctx, models.JobFilter{Status: models.JobSucceeded})
	require.NoError(t, err)
	assert.Len(t, succeeded, total)
}

func TestPool_GracefulStopWaitsForInFlightJob(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()
	started := make(chan struct{})

	f.registry.MustRegister("short", func(context.Context, *models.Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)

		return nil
	})

	id, err := f.queue.Enqueue(ctx, "short", nil)
	require.NoError(t, err)

	pool := jobs.NewPool(f.store, f.registry, testLogger(),
		jobs.WithPollInterval(5*time.Millisecond),
		jobs.WithGracePeriod(2*time.Second),
	)
	require.NoError(t, pool.Start(ctx))

	<-started
	require.NoError(t, pool.Stop(ctx))

	assert.Equal(t, models.JobSucceeded, f.job(t, id).Status)

	// Stopping twice is a no-op.
	assert.NoError(t, pool.Stop(ctx))
}

func TestPool_StopAbandonsJobsAfterGracePeriod(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	f.registry.MustRegister("stubborn", func(context.Context, *models.Job) error {
		close(started)
		<-release

		return nil
	})

	id, err := f.queue.Enqueue(ctx, "stubborn", nil)
	require.NoError(t, err)

	pool := jobs.NewPool(f.store, f.registry, testLogger(),
		jobs.WithPollInterval(5*time.Millisecond),
		jobs.WithGracePeriod(50*time.Millisecond),
	)
	require.NoError(t, pool.Start(ctx))

	<-started

	err = pool.Stop(ctx)
	require.ErrorIs(t, err, jobs.ErrShutdownTimeout)

	job := f.job(t, id)
	assert.Equal(t, models.JobRunning, job.Status, "abandoned job stays RUNNING for the stale sweep")
	assert.Equal(t, pool.WorkerID(), job.WorkerID)
}

func TestPool_RestartsAfterAbandoningJobs(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	f.registry.MustRegister("stubborn", func(context.Context, *models.Job) error {
		close(started)
		<-release

		return nil
	})
	f.registry.MustRegister("quick", func(context.Context, *models.Job) error { return nil })

	stuckID, err := f.queue.Enqueue(ctx, "stubborn", nil)
	require.NoError(t, err)

	pool := jobs.NewPool(f.store, f.registry, testLogger(),
		jobs.WithPollInterval(5*time.Millisecond),
		jobs.WithGracePeriod(150*time.Millisecond),
		jobs.WithSweepInterval(0),
		jobs.WithCancelPollInterval(0),
	)
	require.NoError(t, pool.Start(ctx))

	<-started

	stopped := make(chan error, 1)

	go func() { stopped <- pool.Stop(ctx) }()

	require.Eventually(t, func() bool {
		return errors.Is(pool.Start(ctx), jobs.ErrPoolStopping)
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, <-stopped, jobs.ErrShutdownTimeout)
	assert.Equal(t, models.JobRunning, f.job(t, stuckID).Status)

	require.NoError(t, pool.Start(ctx))

	id, err := f.queue.Enqueue(ctx, "quick", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.job(t, id).Status == models.JobSucceeded
	}, time.Second, 5*time.Millisecond, "a restarted pool claims and records new jobs")

	require.NoError(t, pool.Stop(ctx))
}

func TestPool_ResultAfterAbandonedStopIsRecorded(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	f.registry.MustRegister("stubborn", func(context.Context, *models.Job) error {
		close(started)
		<-release

		return nil
	})
	f.registry.MustRegister("quick", func(context.Context, *models.Job) error { return nil })

	_, err := f.queue.Enqueue(ctx, "stubborn", nil)
	require.NoError(t, err)

	pool := jobs.NewPool(f.store, f.registry, testLogger(),
		jobs.WithPollInterval(5*time.Millisecond),
		jobs.WithGracePeriod(50*time.Millisecond),
		jobs.WithMetrics(f.metrics),
		jobs.WithSweepInterval(0),
		jobs.WithCancelPollInterval(0),
	)
	require.NoError(t, pool.Start(ctx))

	<-started
	require.ErrorIs(t, pool.Stop(ctx), jobs.ErrShutdownTimeout)

	id, err := f.queue.Enqueue(ctx, "quick", nil)
	require.NoError(t, err)

	ran, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, models.JobSucceeded, f.job(t, id).Status)
	assert.Equal(t, 1, f.metrics.succeeded)
}

func TestPool_CancelStopsRunningHandler(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()
	started := make(chan struct{})
	cause := make(chan error, 1)

	f.registry.MustRegister("long", func(ctx context.Context, _ *models.Job) error {
		close(started)
		<-ctx.Done()
		cause <- context.Cause(ctx)

		return ctx.Err()
	})

	id, err := f.queue.Enqueue(ctx, "long", nil)
	require.NoError(t, err)

	pool := jobs.NewPool(f.store, f.registry, testLogger(),
		jobs.WithPollInterval(5*time.Millisecond),
		jobs.WithCancelPollInterval(10*time.Millisecond),
	)
	require.NoError(t, pool.Start(ctx))
	defer func() { _ = pool.Stop(ctx) }()

	<-started

	_, err = f.queue.Cancel(ctx, id)
	require.NoError(t, err)

	select {
	case err := <-cause:
		assert.ErrorIs(t, err, jobs.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("running handler was not cancelled")
	}

	assert.Eventually(t, func() bool {
		return f.job(t, id).Status == models.JobCancelled
	}, time.Second, 10*time.Millisecond)

	entries, err := f.queue.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPool_SweepReclaimsStaleJobs(t *testing.T) {
	f := newPoolFixture()
	ctx := context.Background()

	f.registry.MustRegister("sweepable", func(context.Context, *models.Job) error { return nil },
		jobs.WithTimeout(time.Minute))

	retryable, err := f.queue.Enqueue(ctx, "sweepable", nil, jobs.MaxAttempts(3), jobs.RunAt(epoch))
	require.NoError(t, err)

	exhausted, err := f.queue.Enqueue(ctx, "sweepable", nil, jobs.MaxAttempts(1), jobs.RunAt(epoch.Add(time.Second)))
	require.NoError(t, err)

	fresh, err := f.queue.Enqueue(ctx, "sweepable", nil, jobs.RunAt(epoch.Add(2*time.Second)))
	require.NoError(t, err)

	// A crashed worker claimed the first two long ago; the third was claimed just now.
	for _, claimAt := range []time.Time{epoch, epoch.Add(time.Second)} {
		job, err := f.store.ClaimJob(ctx, "crashed", claimAt.Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, job)
	}

	now := epoch.Add(10 * time.Minute)

	job, err := f.store.ClaimJob(ctx, "alive", now)
	require.NoError(t, err)
	require.Equal(t, fresh, job.ID)

	pool := f.synchronousPool(jobs.WithClock(fixedClock(now)), jobs.WithGracePeriod(time.Minute))
	pool.Sweep(ctx)

	job = f.job(t, retryable)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, now, job.ScheduledFor)
	assert.Contains(t, job.ErrorMessage, "crashed")

	job = f.job(t, exhausted)
	assert.Equal(t, models.JobFailed, job.Status)

	entry, err := f.queue.DeadLetter(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.AttemptsMade)

	assert.Equal(t, models.JobRunning, f.job(t, fresh).Status)
	assert.Equal(t, 1, f.metrics.requeued)
	assert.Equal(t, 1, f.metrics.deadLettered)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for jobs")
	}
}
