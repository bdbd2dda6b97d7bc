package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrJobNotFound indicates a job was not found by the given identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyExists indicates a job with the same identifier already exists.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrClaimLost indicates the caller no longer holds the RUNNING claim on a job: it was
	// cancelled, reclaimed by the stale sweep or finished by another path.
	ErrClaimLost = errors.New("job claim lost")

	// ErrJobNotCancellable indicates a cancellation of a job in a terminal state.
	ErrJobNotCancellable = errors.New("job is not cancellable")

	// ErrDeadLetterNotFound indicates no dead letter exists for the given job.
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrAlreadyReplayed indicates the dead letter was replayed before.
	ErrAlreadyReplayed = errors.New("dead letter already replayed")

	// ErrRuleNotFound indicates a rule was not found by the given identifier.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrExecutionNotFound indicates an execution record was not found.
	ErrExecutionNotFound = errors.New("execution record not found")

	// ErrReadOnly indicates a write against a read-only store.
	ErrReadOnly = errors.New("store is read-only")
)

// JobError wraps job-related errors with additional context.
type JobError struct {
	Op    string // Operation being performed (e.g., "ClaimJob", "FailJob")
	JobID string // Job ID if applicable
	Err   error  // Underlying error
}

func (e *JobError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s operation failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for job errors.
func (e *JobError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJobError creates a new job error with context.
func NewJobError(op, jobID string, err error) *JobError {
	return &JobError{
		Op:    op,
		JobID: jobID,
		Err:   err,
	}
}

// RuleError wraps rule-related errors with additional context.
type RuleError struct {
	Op     string // Operation being performed
	RuleID string // Rule ID
	Err    error  // Underlying error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s operation failed for rule %s: %v", e.Op, e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

func (e *RuleError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRuleError creates a new rule error with context.
func NewRuleError(op, ruleID string, err error) *RuleError {
	return &RuleError{
		Op:     op,
		RuleID: ruleID,
		Err:    err,
	}
}

// IsJobNotFound checks if an error indicates a job was not found.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsClaimLost checks if an error indicates the job claim was lost.
func IsClaimLost(err error) bool {
	return errors.Is(err, ErrClaimLost)
}

// IsRuleNotFound checks if an error indicates a rule was not found.
func IsRuleNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound)
}

// IsNotFound checks for any of the not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrDeadLetterNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrExecutionNotFound)
}
