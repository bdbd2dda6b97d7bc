// Package postgresql provides the PostgreSQL persistence implementation for jobs, dead
// letters, rules and rule execution records.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/persistence/sqlbase"
	_ "github.com/lib/pq" // postgres driver
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	jobRepo       *JobRepository
	ruleRepo      *RuleRepository
	executionRepo *ExecutionRepository
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence connects, pings and migrates the database.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	postgres := &Persistence{
		db:            database,
		logger:        logger,
		jobRepo:       NewJobRepository(database, logger),
		ruleRepo:      NewRuleRepository(database, logger),
		executionRepo: NewExecutionRepository(database, logger),
	}

	// Run migrations on initialization
	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Jobs

func (p *Persistence) EnqueueJob(ctx context.Context, job *models.Job) error {
	return p.jobRepo.Enqueue(ctx, job)
}

func (p *Persistence) ClaimJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	return p.jobRepo.Claim(ctx, workerID, now)
}

func (p *Persistence) JobByID(ctx context.Context, id string) (*models.Job, error) {
	return p.jobRepo.GetByID(ctx, id)
}

func (p *Persistence) Jobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return p.jobRepo.List(ctx, filter)
}

func (p *Persistence) CompleteJob(ctx context.Context, id, workerID string, at time.Time) error {
	return p.jobRepo.Complete(ctx, id, workerID, at)
}

func (p *Persistence) RetryJob(ctx context.Context, id, workerID string, scheduledFor time.Time, errMsg string) error {
	return p.jobRepo.Retry(ctx, id, workerID, scheduledFor, errMsg)
}

func (p *Persistence) FailJob(ctx context.Context, id, workerID string, entry *models.DeadLetterEntry) error {
	return p.jobRepo.Fail(ctx, id, workerID, entry)
}

func (p *Persistence) CancelJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	return p.jobRepo.Cancel(ctx, id, at)
}

func (p *Persistence) RunningJobs(ctx context.Context) ([]*models.Job, error) {
	return p.jobRepo.Running(ctx)
}

func (p *Persistence) RequeueStaleJob(ctx context.Context, id string, startedAt, scheduledFor time.Time, errMsg string) (bool, error) {
	return p.jobRepo.RequeueStale(ctx, id, startedAt, scheduledFor, errMsg)
}

func (p *Persistence) FailStaleJob(ctx context.Context, id string, startedAt time.Time, entry *models.DeadLetterEntry) (bool, error) {
	return p.jobRepo.FailStale(ctx, id, startedAt, entry)
}

// Dead letters

func (p *Persistence) DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	return p.jobRepo.DeadLetters(ctx, limit)
}

func (p *Persistence) DeadLetterByJobID(ctx context.Context, jobID string) (*models.DeadLetterEntry, error) {
	return p.jobRepo.DeadLetterByJobID(ctx, jobID)
}

func (p *Persistence) ReplayDeadLetter(ctx context.Context, jobID string, replay *models.Job, at time.Time) error {
	return p.jobRepo.Replay(ctx, jobID, replay, at)
}

// Execution records

func (p *Persistence) SaveExecution(ctx context.Context, record *models.ExecutionRecord) error {
	return p.executionRepo.Save(ctx, record)
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	return p.executionRepo.GetByID(ctx, id)
}

func (p *Persistence) Executions(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error) {
	return p.executionRepo.List(ctx, ruleID, limit)
}

func (p *Persistence) CountExecutionsSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	return p.executionRepo.CountSince(ctx, ruleID, since)
}

// Rules

func (p *Persistence) Rules(ctx context.Context) ([]*models.Rule, error) {
	return p.ruleRepo.GetAll(ctx)
}

func (p *Persistence) RuleByID(ctx context.Context, id string) (*models.Rule, error) {
	return p.ruleRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveRule(ctx context.Context, rule *models.Rule) error {
	return p.ruleRepo.Save(ctx, rule)
}

func (p *Persistence) DeleteRule(ctx context.Context, id string) error {
	return p.ruleRepo.Delete(ctx, id)
}

func (p *Persistence) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	return p.ruleRepo.RecordTrigger(ctx, ruleID, at)
}
