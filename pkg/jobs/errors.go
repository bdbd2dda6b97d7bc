package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler is recorded when a claimed job has no registered handler. It is retried,
	// since a newer worker may know the type.
	ErrNoHandler = errors.New("no handler registered for job type")

	// ErrTimeout is recorded when a handler exceeds its timeout.
	ErrTimeout = errors.New("job handler timed out")

	// ErrPanic is recorded when a handler panics.
	ErrPanic = errors.New("job handler panicked")

	// ErrDuplicate is returned by Enqueue when the dedup key is still held.
	ErrDuplicate = errors.New("duplicate job")

	// ErrInvalidPayload is returned when a payload fails its schema.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrCancelled is recorded when a job was cancelled while running.
	ErrCancelled = errors.New("job cancelled")
)

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the worker dead-letters the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}

// ErrShutdownTimeout is returned by Pool.Stop when in-flight jobs outlived the grace
// period and were left RUNNING for the stale-claim sweep.
var ErrShutdownTimeout = errors.New("grace period elapsed with jobs in flight")

// ErrPoolStopping is returned by Pool.Start while a Stop is still draining the previous run.
var ErrPoolStopping = errors.New("worker pool is stopping")
