// Package persistencetest holds the behaviour every persistence.Persistence implementation
// must share. Backends call RunSuite from their own tests.
package persistencetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) persistence.Persistence

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func RunSuite(t *testing.T, factory Factory) {
	t.Helper()

	tests := map[string]func(t *testing.T, store persistence.Persistence){
		"EnqueueAndGet":                      testEnqueueAndGet,
		"ClaimOrdersByScheduleThenInsertion": testClaimOrder,
		"ClaimSkipsFutureJobs":               testClaimSkipsFutureJobs,
		"ConcurrentClaimsHaveOneWinner":      testConcurrentClaims,
		"CompleteRequiresClaim":              testCompleteRequiresClaim,
		"RetryReturnsToPending":              testRetry,
		"FailWritesOneDeadLetter":            testFailWritesOneDeadLetter,
		"Cancel":                             testCancel,
		"StaleClaims":                        testStaleClaims,
		"ReplayDeadLetter":                   testReplay,
		"ListJobs":                           testListJobs,
		"Executions":                         testExecutions,
		"Rules":                              testRules,
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test(t, factory(t))
		})
	}
}

func newJob(jobType string, scheduledFor time.Time) *models.Job {
	return &models.Job{
		ID:           uuid.New().String(),
		JobType:      jobType,
		Payload:      json.RawMessage(`{"listing":"L1"}`),
		Status:       models.JobPending,
		MaxAttempts:  3,
		ScheduledFor: scheduledFor,
		CreatedAt:    base,
	}
}

func enqueue(t *testing.T, store persistence.Persistence, job *models.Job) *models.Job {
	t.Helper()
	require.NoError(t, store.EnqueueJob(context.Background(), job))

	return job
}

func claim(t *testing.T, store persistence.Persistence, workerID string, now time.Time) *models.Job {
	t.Helper()

	job, err := store.ClaimJob(context.Background(), workerID, now)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")

	return job
}

func deadLetter(job *models.Job, at time.Time) *models.DeadLetterEntry {
	return &models.DeadLetterEntry{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		JobType:       job.JobType,
		Payload:       job.Payload,
		FinalError:    "boom",
		FailedAt:      at,
		AttemptsMade:  job.Attempt,
		CorrelationID: job.CorrelationID,
	}
}

func testEnqueueAndGet(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	job := newJob("price.update", base)
	job.CorrelationID = "exec-1"
	enqueue(t, store, job)

	got, err := store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.JobType, got.JobType)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 0, got.Attempt)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Equal(t, "exec-1", got.CorrelationID)
	assert.True(t, base.Equal(got.ScheduledFor))
	assert.JSONEq(t, `{"listing":"L1"}`, string(got.Payload))

	assert.ErrorIs(t, store.EnqueueJob(ctx, job), persistence.ErrJobAlreadyExists)

	_, err = store.JobByID(ctx, uuid.New().String())
	assert.True(t, persistence.IsJobNotFound(err))
}

func testClaimOrder(t *testing.T, store persistence.Persistence) {
	later := enqueue(t, store, newJob("a", base.Add(time.Minute)))
	first := enqueue(t, store, newJob("a", base))
	second := enqueue(t, store, newJob("a", base))

	now := base.Add(time.Hour)

	assert.Equal(t, first.ID, claim(t, store, "w", now).ID)
	assert.Equal(t, second.ID, claim(t, store, "w", now).ID)

	job := claim(t, store, "w", now)
	assert.Equal(t, later.ID, job.ID)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "w", job.WorkerID)
	require.NotNil(t, job.StartedAt)
	assert.True(t, now.Equal(*job.StartedAt))

	none, err := store.ClaimJob(context.Background(), "w", now)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testClaimSkipsFutureJobs(t *testing.T, store persistence.Persistence) {
	enqueue(t, store, newJob("a", base.Add(time.Minute)))

	job, err := store.ClaimJob(context.Background(), "w", base)
	require.NoError(t, err)
	assert.Nil(t, job)

	assert.NotNil(t, claim(t, store, "w", base.Add(time.Minute)))
}

func testConcurrentClaims(t *testing.T, store persistence.Persistence) {
	const total = 20

	for range total {
		enqueue(t, store, newJob("a", base))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)

	for w := range 8 {
		wg.Add(1)

		go func(workerID string) {
			defer wg.Done()

			for {
				job, err := store.ClaimJob(context.Background(), workerID, base)
				if err != nil || job == nil {
					return
				}

				mu.Lock()
				if previous, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, previous, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}

	wg.Wait()
	assert.Len(t, claimed, total)
}

func testCompleteRequiresClaim(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	job := enqueue(t, store, newJob("a", base))

	assert.ErrorIs(t, store.CompleteJob(ctx, job.ID, "w", base), persistence.ErrClaimLost)

	claim(t, store, "w", base)

	assert.ErrorIs(t, store.CompleteJob(ctx, job.ID, "other", base), persistence.ErrClaimLost)
	require.NoError(t, store.CompleteJob(ctx, job.ID, "w", base.Add(time.Second)))

	got, err := store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, base.Add(time.Second).Equal(*got.CompletedAt))

	assert.ErrorIs(t, store.CompleteJob(ctx, job.ID, "w", base), persistence.ErrClaimLost)
	assert.True(t, persistence.IsJobNotFound(store.CompleteJob(ctx, uuid.New().String(), "w", base)))
}

func testRetry(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	job := enqueue(t, store, newJob("a", base))
	claim(t, store, "w", base)

	retryAt := base.Add(30 * time.Second)
	require.NoError(t, store.RetryJob(ctx, job.ID, "w", retryAt, "temporary"))

	got, err := store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "temporary", got.ErrorMessage)
	assert.True(t, retryAt.Equal(got.ScheduledFor))

	none, err := store.ClaimJob(ctx, "w", base)
	require.NoError(t, err)
	assert.Nil(t, none)

	again := claim(t, store, "w", retryAt)
	assert.Equal(t, 2, again.Attempt)

	assert.ErrorIs(t, store.RetryJob(ctx, job.ID, "other", retryAt, "x"), persistence.ErrClaimLost)
}

func testFailWritesOneDeadLetter(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	job := enqueue(t, store, newJob("a", base))
	claimed := claim(t, store, "w", base)

	require.NoError(t, store.FailJob(ctx, job.ID, "w", deadLetter(claimed, base.Add(time.Second))))
	assert.ErrorIs(t, store.FailJob(ctx, job.ID, "w", deadLetter(claimed, base)), persistence.ErrClaimLost)

	got, err := store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)

	entries, err := store.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].JobID)
	assert.Equal(t, 1, entries[0].AttemptsMade)
	assert.JSONEq(t, `{"listing":"L1"}`, string(entries[0].Payload))

	entry, err := store.DeadLetterByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", entry.FinalError)
	assert.Nil(t, entry.ReplayedAt)

	_, err = store.DeadLetterByJobID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, persistence.ErrDeadLetterNotFound)
}

func testCancel(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	completed := enqueue(t, store, newJob("a", base))
	running := enqueue(t, store, newJob("a", base.Add(time.Second)))
	claim(t, store, "w", base)
	claim(t, store, "w", base.Add(time.Second))

	fresh := enqueue(t, store, newJob("a", base.Add(time.Hour)))

	got, err := store.CancelJob(ctx, fresh.ID, base)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)

	got, err = store.CancelJob(ctx, running.ID, base)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)

	// The worker that held the claim can no longer complete it.
	assert.ErrorIs(t, store.CompleteJob(ctx, running.ID, "w", base), persistence.ErrClaimLost)

	require.NoError(t, store.CompleteJob(ctx, completed.ID, "w", base))

	_, err = store.CancelJob(ctx, completed.ID, base)
	assert.ErrorIs(t, err, persistence.ErrJobNotCancellable)

	_, err = store.CancelJob(ctx, uuid.New().String(), base)
	assert.True(t, persistence.IsJobNotFound(err))
}

func testStaleClaims(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	requeued := enqueue(t, store, newJob("a", base))
	failed := enqueue(t, store, newJob("a", base.Add(time.Second)))

	first := claim(t, store, "dead", base)
	second := claim(t, store, "dead", base.Add(time.Second))

	running, err := store.RunningJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	// A mismatched claim timestamp means the job was reclaimed in between.
	ok, err := store.RequeueStaleJob(ctx, requeued.ID, base.Add(-time.Hour), base, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.RequeueStaleJob(ctx, requeued.ID, *first.StartedAt, base.Add(time.Hour), "stale")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.JobByID(ctx, requeued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, "stale", got.ErrorMessage)
	assert.Equal(t, 1, got.Attempt)

	ok, err = store.FailStaleJob(ctx, failed.ID, *second.StartedAt, deadLetter(second, base.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.FailStaleJob(ctx, failed.ID, *second.StartedAt, deadLetter(second, base.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := store.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	running, err = store.RunningJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func testReplay(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	job := enqueue(t, store, newJob("a", base))
	claimed := claim(t, store, "w", base)
	require.NoError(t, store.FailJob(ctx, job.ID, "w", deadLetter(claimed, base)))

	replay := newJob("a", base.Add(time.Minute))
	require.NoError(t, store.ReplayDeadLetter(ctx, job.ID, replay, base.Add(time.Minute)))

	entry, err := store.DeadLetterByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, entry.ReplayedAt)
	assert.Equal(t, replay.ID, entry.ReplayJobID)

	got, err := store.JobByID(ctx, replay.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)

	err = store.ReplayDeadLetter(ctx, job.ID, newJob("a", base), base)
	assert.ErrorIs(t, err, persistence.ErrAlreadyReplayed)

	err = store.ReplayDeadLetter(ctx, uuid.New().String(), newJob("a", base), base)
	assert.ErrorIs(t, err, persistence.ErrDeadLetterNotFound)
}

func testListJobs(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	for i := range 3 {
		job := newJob("price.update", base.Add(time.Duration(i)*time.Second))
		job.CorrelationID = "exec-1"
		enqueue(t, store, job)
	}

	enqueue(t, store, newJob("webhook", base.Add(time.Hour)))
	claim(t, store, "w", base.Add(time.Minute))

	all, err := store.Jobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byType, err := store.Jobs(ctx, models.JobFilter{JobType: "price.update"})
	require.NoError(t, err)
	assert.Len(t, byType, 3)

	pending, err := store.Jobs(ctx, models.JobFilter{Status: models.JobPending, CorrelationID: "exec-1"})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	limited, err := store.Jobs(ctx, models.JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func newExecution(ruleID string, startedAt time.Time) *models.ExecutionRecord {
	completedAt := startedAt.Add(time.Second)

	return &models.ExecutionRecord{
		ID:                uuid.New().String(),
		RuleID:            ruleID,
		Mode:              models.ModeAuto,
		Trigger:           models.TriggerContext{EntityID: "L1", TriggerData: map[string]any{"metric": "score"}},
		StartedAt:         startedAt,
		CompletedAt:       &completedAt,
		Status:            models.ExecutionCompleted,
		EntitiesEvaluated: 1,
		EntitiesMatched:   1,
		Actions: []models.ActionExecution{{
			EntityID:   "L1",
			ActionType: models.ActionSendAlert,
			Success:    true,
			ResultData: map[string]any{"alert_id": "a1"},
		}},
	}
}

func testExecutions(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	older := newExecution("rule-1", base)
	newer := newExecution("rule-1", base.Add(time.Hour))
	other := newExecution("rule-2", base.Add(2*time.Hour))

	for _, record := range []*models.ExecutionRecord{older, newer, other} {
		require.NoError(t, store.SaveExecution(ctx, record))
	}

	got, err := store.ExecutionByID(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, "rule-1", got.RuleID)
	assert.Equal(t, "L1", got.Trigger.EntityID)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "a1", got.Actions[0].ResultData["alert_id"])

	_, err = store.ExecutionByID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)

	records, err := store.Executions(ctx, "rule-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, newer.ID, records[0].ID)
	assert.Equal(t, older.ID, records[1].ID)

	records, err = store.Executions(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, other.ID, records[0].ID)

	count, err := store.CountExecutionsSince(ctx, "rule-1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountExecutionsSince(ctx, "rule-1", base)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func newRule(id string, priority int) *models.Rule {
	return &models.Rule{
		ID:       id,
		Name:     "Rule " + id,
		Priority: priority,
		Active:   true,
		Trigger: models.Trigger{
			Type:  models.TriggerEvent,
			Event: &models.EventTrigger{EventType: "order.created"},
		},
		Scope: models.Scope{Type: models.ScopeAll},
		Actions: []models.Action{{
			Type:      models.ActionTagEntity,
			TagEntity: &models.TagEntityAction{Tags: []string{"hot"}},
		}},
		Controls: models.ExecutionControls{CooldownSeconds: 60},
	}
}

func testRules(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	require.NoError(t, store.SaveRule(ctx, newRule("b", 1)))
	require.NoError(t, store.SaveRule(ctx, newRule("a", 1)))
	require.NoError(t, store.SaveRule(ctx, newRule("c", 5)))

	rules, err := store.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})

	require.NoError(t, store.RecordTrigger(ctx, "a", base))
	require.NoError(t, store.RecordTrigger(ctx, "a", base.Add(time.Minute)))

	rule, err := store.RuleByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rule.TriggerCount)
	require.NotNil(t, rule.LastTriggeredAt)
	assert.True(t, base.Add(time.Minute).Equal(*rule.LastTriggeredAt))
	assert.Equal(t, 60, rule.Controls.CooldownSeconds)
	require.NotNil(t, rule.Trigger.Event)
	assert.Equal(t, "order.created", rule.Trigger.Event.EventType)

	// Saving again keeps the firing bookkeeping.
	updated := newRule("a", 9)
	require.NoError(t, store.SaveRule(ctx, updated))

	rule, err = store.RuleByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 9, rule.Priority)
	assert.Equal(t, int64(2), rule.TriggerCount)
	assert.False(t, rule.CreatedAt.IsZero())

	require.NoError(t, store.DeleteRule(ctx, "a"))
	_, err = store.RuleByID(ctx, "a")
	assert.True(t, persistence.IsRuleNotFound(err))

	assert.True(t, persistence.IsRuleNotFound(store.DeleteRule(ctx, "a")))
	assert.True(t, persistence.IsRuleNotFound(store.RecordTrigger(ctx, "a", base)))
}
