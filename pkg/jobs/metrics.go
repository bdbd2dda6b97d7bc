package jobs

import (
	"time"
)

// Metrics receives worker pool measurements.
type Metrics interface {
	JobEnqueued(jobType string)
	JobClaimed(jobType string)
	JobSucceeded(jobType string, elapsed time.Duration)
	JobRetried(jobType string)
	JobDeadLettered(jobType string)
	JobTimedOut(jobType string)
	JobRequeued(jobType string)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) JobEnqueued(string) {}
func (NopMetrics) JobClaimed(string) {}
func (NopMetrics) JobSucceeded(string, time.Duration) {}
func (NopMetrics) JobRetried(string) {}
func (NopMetrics) JobDeadLettered(string) {}
func (NopMetrics) JobTimedOut(string) {}
func (NopMetrics) JobRequeued(string) {}
