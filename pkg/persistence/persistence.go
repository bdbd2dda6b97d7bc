// Package persistence provides the storage abstraction for jobs, dead letters, rule
// execution records and rule definitions.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/sellerops/pkg/models"
)

// JobStore is the durable job table. Every mutating call is a single conditional update so
// concurrent workers never hold the same claim.
type JobStore interface {
	// EnqueueJob inserts a PENDING job.
	EnqueueJob(ctx context.Context, job *models.Job) error
	// ClaimJob moves the oldest due PENDING job to RUNNING for workerID, incrementing its
	// attempt. It returns nil when nothing is claimable.
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error)
	JobByID(ctx context.Context, id string) (*models.Job, error)
	Jobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	// CompleteJob marks a job claimed by workerID as SUCCEEDED.
	CompleteJob(ctx context.Context, id, workerID string, at time.Time) error
	// RetryJob returns a job claimed by workerID to PENDING, due at scheduledFor.
	RetryJob(ctx context.Context, id, workerID string, scheduledFor time.Time, errMsg string) error
	// FailJob marks a job claimed by workerID as FAILED and writes its dead letter in the
	// same atomic step. A job gets at most one dead letter.
	FailJob(ctx context.Context, id, workerID string, entry *models.DeadLetterEntry) error
	// CancelJob cancels a PENDING or RUNNING job. The returned job keeps the WorkerID of
	// the claim it interrupted, which is empty when the job was PENDING.
	CancelJob(ctx context.Context, id string, at time.Time) (*models.Job, error)
	// RunningJobs lists every RUNNING job, for the stale-claim sweep.
	RunningJobs(ctx context.Context) ([]*models.Job, error)
	// RequeueStaleJob resets a RUNNING job whose claim started at startedAt back to
	// PENDING. It reports false when the claim changed in between.
	RequeueStaleJob(ctx context.Context, id string, startedAt time.Time, scheduledFor time.Time, errMsg string) (bool, error)
	// FailStaleJob dead-letters a RUNNING job whose claim started at startedAt.
	FailStaleJob(ctx context.Context, id string, startedAt time.Time, entry *models.DeadLetterEntry) (bool, error)
}

// DeadLetterStore exposes dead letters for inspection and replay.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error)
	DeadLetterByJobID(ctx context.Context, jobID string) (*models.DeadLetterEntry, error)
	// ReplayDeadLetter enqueues replay and stamps the entry as replayed. An entry can be
	// replayed once.
	ReplayDeadLetter(ctx context.Context, jobID string, replay *models.Job, at time.Time) error
}

// ExecutionStore keeps the append-only rule execution history.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, record *models.ExecutionRecord) error
	ExecutionByID(ctx context.Context, id string) (*models.ExecutionRecord, error)
	// Executions lists records newest first. An empty ruleID lists every rule.
	Executions(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error)
	CountExecutionsSince(ctx context.Context, ruleID string, since time.Time) (int, error)
}

// RuleStore holds rule definitions and their firing bookkeeping.
type RuleStore interface {
	Rules(ctx context.Context) ([]*models.Rule, error)
	RuleByID(ctx context.Context, id string) (*models.Rule, error)
	SaveRule(ctx context.Context, rule *models.Rule) error
	DeleteRule(ctx context.Context, id string) error
	// RecordTrigger increments the trigger count and sets lastTriggeredAt.
	RecordTrigger(ctx context.Context, ruleID string, at time.Time) error
}

type Persistence interface {
	JobStore
	DeadLetterStore
	ExecutionStore
	RuleStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
