package pricing_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/sellerops/pkg/actions"
	"github.com/dukex/sellerops/pkg/actions/pricing"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/mocks"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence/memory"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memory.Persistence
	registry *jobs.Registry
	queue    *jobs.Queue
	catalog  *services.Catalog
	executor *pricing.Executor
}

func newFixture(t *testing.T, listing *models.Listing) *fixture {
	t.Helper()

	catalog := services.NewCatalog(listing)

	return newFixtureWithWriter(t, catalog, catalog)
}

// newFixtureWithWriter routes the price.update job writes through writer.
func newFixtureWithWriter(t *testing.T, catalog *services.Catalog, writer services.PricingService) *fixture {
	t.Helper()

	store := memory.NewPersistence()
	registry := jobs.NewRegistry()

	require.NoError(t, pricing.Register(registry, writer, store, slog.Default()))

	queue := jobs.NewQueue(store, slog.Default(), jobs.WithRegistry(registry))

	return &fixture{
		store:    store,
		registry: registry,
		queue:    queue,
		catalog:  catalog,
		executor: pricing.New(catalog, queue, slog.Default()),
	}
}

func (f *fixture) pool() *jobs.Pool {
	return jobs.NewPool(f.store, f.registry, slog.Default(),
		jobs.WithBackoff(jobs.Backoff{}),
		jobs.WithSweepInterval(0),
		jobs.WithCancelPollInterval(0),
	)
}

func (f *fixture) runJobs(t *testing.T) {
	t.Helper()

	pool := f.pool()

	for {
		ran, err := pool.RunOnce(context.Background())
		require.NoError(t, err)

		if !ran {
			return
		}
	}
}

// flakyWriter fails the first failures price writes.
type flakyWriter struct {
	*services.Catalog
	failures atomic.Int32
}

func (w *flakyWriter) UpdatePrice(ctx context.Context, entityID string, price float64) error {
	if w.failures.Add(-1) >= 0 {
		return errors.New("pricing api unavailable")
	}

	return w.Catalog.UpdatePrice(ctx, entityID, price)
}

func priceAction(strategy models.PriceStrategy, value float64, floor bool, minMargin float64) models.Action {
	return models.Action{
		Type: models.ActionUpdatePrice,
		UpdatePrice: &models.UpdatePriceAction{
			Strategy:           strategy,
			Value:              value,
			RespectMarginFloor: floor,
			MinMarginPercent:   minMargin,
		},
	}
}

func TestTarget(t *testing.T) {
	tests := []struct {
		strategy models.PriceStrategy
		value    float64
		expected float64
	}{
		{models.PriceSet, 49.99, 49.99},
		{models.PriceIncreasePercent, 10, 110},
		{models.PriceDecreasePercent, 12.5, 87.5},
		{models.PriceIncreaseAmount, 0.5, 100.5},
		{models.PriceDecreaseAmount, 99.99, 0.01},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			target, err := pricing.Target(tt.strategy, tt.value, 100)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, target, 0.0001)
		})
	}

	_, err := pricing.Target(models.PriceDecreasePercent, 100, 100)
	require.ErrorIs(t, err, pricing.ErrInvalidTarget)

	_, err = pricing.Target("halve", 0, 100)
	assert.Error(t, err)
}

func TestExecutor_MarginFloorBlocksChange(t *testing.T) {
	f := newFixture(t, &models.Listing{ID: "L1", Price: 100, Cost: 80})
	ctx := context.Background()

	result, err := f.executor.Execute(ctx, priceAction(models.PriceDecreasePercent, 10, true, 20),
		&models.Listing{ID: "L1"}, models.TriggerContext{EntityID: "L1"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, pricing.ReasonMarginFloor, result.ResultData["reason"])
	assert.InDelta(t, 100.0, result.ResultData["suggestedPrice"], 0.0001)
	assert.InDelta(t, 90.0, result.ResultData["requestedPrice"], 0.0001)
	assert.Nil(t, result.RollbackData)

	queued, err := f.queue.List(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, queued)

	f.runJobs(t)

	price, err := f.catalog.CurrentPrice(ctx, "L1")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, price, 0.0001)
}

func TestExecutor_EnqueuesPriceUpdate(t *testing.T) {
	f := newFixture(t, &models.Listing{ID: "L1", Price: 120, Cost: 80})
	ctx := actions.WithRuleID(context.Background(), "reprice")

	result, err := f.executor.Execute(ctx, priceAction(models.PriceDecreasePercent, 10, true, 20),
		&models.Listing{ID: "L1"}, models.TriggerContext{EntityID: "L1"})
	require.NoError(t, err)
	require.True(t, result.Success)

	jobID, ok := result.ResultData["jobId"].(string)
	require.True(t, ok)

	job, err := f.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, pricing.JobType, job.JobType)
	assert.Equal(t, "reprice", job.CorrelationID)
	assert.Equal(t, 5, job.MaxAttempts)

	// Nothing changes until the job runs.
	price, _ := f.catalog.CurrentPrice(ctx, "L1")
	assert.InDelta(t, 120.0, price, 0.0001)

	f.runJobs(t)

	price, _ = f.catalog.CurrentPrice(ctx, "L1")
	assert.InDelta(t, 108.0, price, 0.0001)

	job, err = f.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
}

func TestExecutor_RollbackRestoresPreviousPrice(t *testing.T) {
	f := newFixture(t, &models.Listing{ID: "L1", Price: 120, Cost: 80})
	ctx := context.Background()
	entity := &models.Listing{ID: "L1"}

	result, err := f.executor.Execute(ctx, priceAction(models.PriceSet, 130, false, 0), entity, models.TriggerContext{})
	require.NoError(t, err)

	f.runJobs(t)

	price, _ := f.catalog.CurrentPrice(ctx, "L1")
	require.InDelta(t, 130.0, price, 0.0001)

	require.NoError(t, f.executor.Rollback(ctx, entity, result.RollbackData))
	f.runJobs(t)

	price, _ = f.catalog.CurrentPrice(ctx, "L1")
	assert.InDelta(t, 120.0, price, 0.0001)

	assert.ErrorIs(t, f.executor.Rollback(ctx, entity, map[string]any{}), actions.ErrNoRollback)
}

func TestExecutor_RollbackCancelsPendingRetry(t *testing.T) {
	catalog := services.NewCatalog(&models.Listing{ID: "L1", Price: 20, Cost: 5})
	writer := &flakyWriter{Catalog: catalog}
	writer.failures.Store(1)

	f := newFixtureWithWriter(t, catalog, writer)
	ctx := context.Background()
	entity := &models.Listing{ID: "L1"}

	result, err := f.executor.Execute(ctx, priceAction(models.PriceSet, 15, false, 0), entity, models.TriggerContext{})
	require.NoError(t, err)

	ran, err := f.pool().RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	updateJobID := result.RollbackData["jobId"].(string)

	job, err := f.queue.Get(ctx, updateJobID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	require.Equal(t, 1, job.Attempt)

	require.NoError(t, f.executor.Rollback(ctx, entity, result.RollbackData))

	job, err = f.queue.Get(ctx, updateJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)

	f.runJobs(t)

	price, _ := f.catalog.CurrentPrice(ctx, "L1")
	assert.InDelta(t, 20.0, price, 0.0001)

	all, err := f.queue.List(ctx, models.JobFilter{JobType: pricing.JobType})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExecutor_RollbackWaitsForRunningUpdate(t *testing.T) {
	f := newFixture(t, &models.Listing{ID: "L1", Price: 20, Cost: 5})
	require.NoError(t, f.registry.SetTimeout(pricing.JobType, 50*time.Millisecond))

	ctx := context.Background()
	entity := &models.Listing{ID: "L1"}

	result, err := f.executor.Execute(ctx, priceAction(models.PriceSet, 15, false, 0), entity, models.TriggerContext{})
	require.NoError(t, err)

	claimed, err := f.store.ClaimJob(ctx, "worker-a", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, f.executor.Rollback(ctx, entity, result.RollbackData))

	// the interrupted handler still lands its write after the rollback
	require.NoError(t, f.catalog.UpdatePrice(ctx, "L1", 15))

	ran, err := f.pool().RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	price, _ := f.catalog.CurrentPrice(ctx, "L1")
	require.InDelta(t, 15.0, price, 0.0001)

	time.Sleep(80 * time.Millisecond)
	f.runJobs(t)

	price, _ = f.catalog.CurrentPrice(ctx, "L1")
	assert.InDelta(t, 20.0, price, 0.0001)

	restores, err := f.queue.List(ctx, models.JobFilter{JobType: pricing.JobType, Status: models.JobSucceeded})
	require.NoError(t, err)
	require.Len(t, restores, 1)
	assert.Equal(t, 2, restores[0].Attempt)
}

func TestPriceUpdateJob_RestoreSkipsFailedUpdate(t *testing.T) {
	f := newFixture(t, &models.Listing{ID: "L1", Price: 20, Cost: 5})
	ctx := context.Background()

	failedID, err := f.queue.Enqueue(ctx, pricing.JobType, pricing.Update{EntityID: "missing", Price: 15})
	require.NoError(t, err)

	f.runJobs(t)

	require.NoError(t, f.catalog.UpdatePrice(ctx, "L1", 18))

	restoreID, err := f.queue.Enqueue(ctx, pricing.JobType, pricing.Update{
		EntityID:   "L1",
		Price:      20,
		Reason:     pricing.ReasonRollback,
		AfterJobID: failedID,
	})
	require.NoError(t, err)

	f.runJobs(t)

	job, err := f.queue.Get(ctx, restoreID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)

	price, _ := f.catalog.CurrentPrice(ctx, "L1")
	assert.InDelta(t, 18.0, price, 0.0001)
}

func TestPriceUpdateJob_UnknownEntityIsPermanent(t *testing.T) {
	f := newFixture(t, &models.Listing{ID: "L1", Price: 120, Cost: 80})
	ctx := context.Background()

	jobID, err := f.queue.Enqueue(ctx, pricing.JobType, pricing.Update{EntityID: "missing", Price: 10})
	require.NoError(t, err)

	f.runJobs(t)

	job, err := f.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempt)

	entry, err := f.queue.DeadLetter(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, entry.FinalError, "entity not found")
}

func TestPriceUpdateJob_SchemaRejectsBadPayload(t *testing.T) {
	f := newFixture(t, &models.Listing{ID: "L1", Price: 120})

	_, err := f.queue.Enqueue(context.Background(), pricing.JobType, pricing.Update{EntityID: "L1", Price: 0})
	assert.ErrorIs(t, err, jobs.ErrInvalidPayload)
}

func TestExecutor_PricingErrors(t *testing.T) {
	pricingService := &mocks.MockPricingService{}
	pricingService.On("CurrentPrice", mock.Anything, "L1").Return(0.0, errors.New("pricing api down")).Once()

	executor := pricing.New(pricingService, jobs.NewQueue(memory.NewPersistence(), slog.Default()), slog.Default())

	_, err := executor.Execute(context.Background(), priceAction(models.PriceSet, 10, false, 0),
		&models.Listing{ID: "L1"}, models.TriggerContext{})
	assert.ErrorContains(t, err, "pricing api down")

	_, err = executor.Execute(context.Background(), models.Action{Type: models.ActionUpdatePrice},
		&models.Listing{ID: "L1"}, models.TriggerContext{})
	assert.ErrorIs(t, err, actions.ErrMissingConfig)

	pricingService.AssertExpectations(t)
}
