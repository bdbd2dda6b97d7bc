package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is a unit of asynchronous, retryable work.
//
// Attempt counts the executions started so far: it is 0 while the job has never been
// claimed and is incremented by every claim.
type Job struct {
	ID            string          `json:"id"`
	JobType       string          `json:"job_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        JobStatus       `json:"status"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	DedupKey      string          `json:"dedup_key,omitempty"`
	WorkerID      string          `json:"worker_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Exhausted reports whether a failure of the current attempt leaves no retry budget.
func (j *Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// DeadLetterEntry is the snapshot written exactly once when a job gives up.
type DeadLetterEntry struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	JobType       string          `json:"job_type"`
	Payload       json.RawMessage `json:"payload"`
	FinalError    string          `json:"final_error"`
	FailedAt      time.Time       `json:"failed_at"`
	AttemptsMade  int             `json:"attempts_made"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplayedAt    *time.Time      `json:"replayed_at,omitempty"`
	ReplayJobID   string          `json:"replay_job_id,omitempty"`
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Status        JobStatus
	JobType       string
	CorrelationID string
	Limit         int
}

// Matches applies the filter to a single job.
func (f JobFilter) Matches(job *Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}

	if f.JobType != "" && job.JobType != f.JobType {
		return false
	}

	if f.CorrelationID != "" && job.CorrelationID != f.CorrelationID {
		return false
	}

	return true
}
