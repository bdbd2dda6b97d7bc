package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const jobColumns = `
	id
  , job_type
  , payload
  , status
  , attempt
  , max_attempts
  , scheduled_for
  , started_at
  , completed_at
  , error_message
  , correlation_id
  , dedup_key
  , worker_id
  , created_at
`

const deadLetterColumns = `
	id
  , job_id
  , job_type
  , payload
  , final_error
  , failed_at
  , attempts_made
  , correlation_id
  , replayed_at
  , replay_job_id
`

// JobRepository implements the job table and the dead letter queue. Every state change is a
// single conditional UPDATE, so the row lock taken by Postgres serialises competing workers.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, db execer, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, job_type, payload, status, attempt, max_attempts, scheduled_for,
			started_at, completed_at, error_message, correlation_id, dedup_key, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.JobType,
		payload,
		job.Status,
		job.Attempt,
		job.MaxAttempts,
		job.ScheduledFor,
		job.StartedAt,
		job.CompletedAt,
		job.ErrorMessage,
		job.CorrelationID,
		job.DedupKey,
		job.WorkerID,
		job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewJobError("EnqueueJob", job.ID, persistence.ErrJobAlreadyExists)
		}

		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *JobRepository) Enqueue(ctx context.Context, job *models.Job) error {
	return insertJob(ctx, r.db, job)
}

// Claim locks the oldest due PENDING row, skipping rows other workers hold, and moves it
// to RUNNING in the same statement.
func (r *JobRepository) Claim(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs SET
			status = 'RUNNING'
		  , attempt = attempt + 1
		  , started_at = $2
		  , worker_id = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'PENDING' AND scheduled_for <= $2
			ORDER BY scheduled_for, seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, workerID, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("JobByID", id, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

func (r *JobRepository) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []any
	)

	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, column+" = $"+strconv.Itoa(len(args)))
	}

	if filter.Status != "" {
		add("status", filter.Status)
	}

	if filter.JobType != "" {
		add("job_type", filter.JobType)
	}

	if filter.CorrelationID != "" {
		add("correlation_id", filter.CorrelationID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	query += ` ORDER BY seq DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	return r.queryJobs(ctx, query, args...)
}

func (r *JobRepository) Running(ctx context.Context) ([]*models.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = 'RUNNING' ORDER BY started_at`)
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	jobs := make([]*models.Job, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func (r *JobRepository) Complete(ctx context.Context, id, workerID string, at time.Time) error {
	query := `
		UPDATE jobs SET status = 'SUCCEEDED', completed_at = $3, error_message = ''
		WHERE id = $1 AND status = 'RUNNING' AND worker_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, id, workerID, at)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return r.requireOwned(ctx, r.db, "CompleteJob", id, result)
}

func (r *JobRepository) Retry(ctx context.Context, id, workerID string, scheduledFor time.Time, errMsg string) error {
	query := `
		UPDATE jobs SET status = 'PENDING', scheduled_for = $3, error_message = $4, worker_id = ''
		WHERE id = $1 AND status = 'RUNNING' AND worker_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, id, workerID, scheduledFor, errMsg)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	return r.requireOwned(ctx, r.db, "RetryJob", id, result)
}

// Fail marks the job FAILED and inserts its dead letter in one transaction.
func (r *JobRepository) Fail(ctx context.Context, id, workerID string, entry *models.DeadLetterEntry) error {
	return r.failWhere(ctx, "FailJob", id, `worker_id = $4`, workerID, entry)
}

// FailStale dead-letters a RUNNING job still held by the claim that started at startedAt.
func (r *JobRepository) FailStale(ctx context.Context, id string, startedAt time.Time, entry *models.DeadLetterEntry) (bool, error) {
	err := r.failWhere(ctx, "FailStaleJob", id, `started_at = $4`, startedAt, entry)
	if err != nil {
		if persistence.IsClaimLost(err) || persistence.IsJobNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func (r *JobRepository) failWhere(ctx context.Context, op, id, claimClause string, claimArg any, entry *models.DeadLetterEntry) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		UPDATE jobs SET status = 'FAILED', completed_at = $2, error_message = $3
		WHERE id = $1 AND status = 'RUNNING' AND ` + claimClause

	result, err := tx.ExecContext(ctx, query, id, entry.FailedAt, entry.FinalError, claimArg)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if err = r.requireOwned(ctx, tx, op, id, result); err != nil {
		return err
	}

	insert := `
		INSERT INTO dead_letters (id, job_id, job_type, payload, final_error, failed_at, attempts_made, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING
	`

	payload := []byte(entry.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, insert,
		entry.ID,
		entry.JobID,
		entry.JobType,
		payload,
		entry.FinalError,
		entry.FailedAt,
		entry.AttemptsMade,
		entry.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *JobRepository) Cancel(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs SET status = 'CANCELLED', completed_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, at))
	if err == nil {
		return job, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	exists, err := jobExists(ctx, r.db, id)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, persistence.NewJobError("CancelJob", id, persistence.ErrJobNotFound)
	}

	return nil, persistence.NewJobError("CancelJob", id, persistence.ErrJobNotCancellable)
}

func (r *JobRepository) RequeueStale(ctx context.Context, id string, startedAt, scheduledFor time.Time, errMsg string) (bool, error) {
	query := `
		UPDATE jobs SET status = 'PENDING', scheduled_for = $3, error_message = $4, worker_id = ''
		WHERE id = $1 AND status = 'RUNNING' AND started_at = $2
	`

	result, err := r.db.ExecContext(ctx, query, id, startedAt, scheduledFor, errMsg)
	if err != nil {
		return false, fmt.Errorf("failed to requeue stale job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func jobExists(ctx context.Context, db queryer, id string) (bool, error) {
	var exists bool

	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}

	return exists, nil
}

// requireOwned turns a zero-row conditional update into ErrJobNotFound or ErrClaimLost.
func (r *JobRepository) requireOwned(ctx context.Context, db queryer, op, id string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 1 {
		return nil
	}

	exists, err := jobExists(ctx, db, id)
	if err != nil {
		return err
	}

	if !exists {
		return persistence.NewJobError(op, id, persistence.ErrJobNotFound)
	}

	return persistence.NewJobError(op, id, persistence.ErrClaimLost)
}

// Dead letters

func (r *JobRepository) DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters ORDER BY seq DESC`

	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	entries := make([]*models.DeadLetterEntry, 0)

	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return entries, nil
}

func (r *JobRepository) DeadLetterByJobID(ctx context.Context, jobID string) (*models.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE job_id = $1`

	entry, err := scanDeadLetter(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("DeadLetterByJobID", jobID, persistence.ErrDeadLetterNotFound)
		}

		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	return entry, nil
}

// Replay stamps the dead letter and inserts the replay job in one transaction.
func (r *JobRepository) Replay(ctx context.Context, jobID string, replay *models.Job, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE dead_letters SET replayed_at = $2, replay_job_id = $3
		WHERE job_id = $1 AND replayed_at IS NULL
	`, jobID, at, replay.ID)
	if err != nil {
		return fmt.Errorf("failed to stamp dead letter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM dead_letters WHERE job_id = $1)`, jobID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check dead letter existence: %w", err)
		}

		if !exists {
			err = persistence.NewJobError("ReplayDeadLetter", jobID, persistence.ErrDeadLetterNotFound)

			return err
		}

		err = persistence.NewJobError("ReplayDeadLetter", jobID, persistence.ErrAlreadyReplayed)

		return err
	}

	if err = insertJob(ctx, tx, replay); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*models.Job, error) {
	var (
		job                    models.Job
		payload                []byte
		startedAt, completedAt sql.NullTime
	)

	err := scanner.Scan(
		&job.ID,
		&job.JobType,
		&payload,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.ScheduledFor,
		&startedAt,
		&completedAt,
		&job.ErrorMessage,
		&job.CorrelationID,
		&job.DedupKey,
		&job.WorkerID,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = payload
	job.ScheduledFor = job.ScheduledFor.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)

	return &job, nil
}

func scanDeadLetter(scanner interface {
	Scan(dest ...any) error
}) (*models.DeadLetterEntry, error) {
	var (
		entry      models.DeadLetterEntry
		payload    []byte
		replayedAt sql.NullTime
	)

	err := scanner.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.JobType,
		&payload,
		&entry.FinalError,
		&entry.FailedAt,
		&entry.AttemptsMade,
		&entry.CorrelationID,
		&replayedAt,
		&entry.ReplayJobID,
	)
	if err != nil {
		return nil, err
	}

	entry.Payload = payload
	entry.FailedAt = entry.FailedAt.UTC()
	entry.ReplayedAt = nullTime(replayedAt)

	return &entry, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}
