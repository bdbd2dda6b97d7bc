// Package metrics exports worker pool and rule executor measurements to Prometheus.
package metrics

import (
	"log/slog"
	"time"

	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/rules"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sellerops"

// PrometheusSink implements jobs.Metrics and rules.Metrics. Registration errors are logged,
// never returned, so a duplicate registration cannot stop a process from starting.
type PrometheusSink struct {
	logger *slog.Logger

	// Jobs
	jobsEnqueued     *prometheus.CounterVec
	jobsClaimed      *prometheus.CounterVec
	jobsSucceeded    *prometheus.CounterVec
	jobsRetried      *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	jobsTimedOut     *prometheus.CounterVec
	jobsRequeued     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec

	// Rules
	ruleFirings     *prometheus.CounterVec
	ruleSkips       *prometheus.CounterVec
	actionsExecuted *prometheus.CounterVec
}

var (
	_ jobs.Metrics  = (*PrometheusSink)(nil)
	_ rules.Metrics = (*PrometheusSink)(nil)
)

func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger.With("module", "metrics")}
	s.initJobMetrics(reg)
	s.initRuleMetrics(reg)

	return s
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (s *PrometheusSink) initJobMetrics(reg prometheus.Registerer) {
	s.jobsEnqueued = counterVec("jobs", "enqueued_total", "Jobs enqueued.", "job_type")
	s.jobsClaimed = counterVec("jobs", "claimed_total", "Job attempts started.", "job_type")
	s.jobsSucceeded = counterVec("jobs", "succeeded_total", "Jobs completed successfully.", "job_type")
	s.jobsRetried = counterVec("jobs", "retried_total", "Failed attempts scheduled for retry.", "job_type")
	s.jobsDeadLettered = counterVec("jobs", "dead_lettered_total", "Jobs moved to the dead-letter queue.", "job_type")
	s.jobsTimedOut = counterVec("jobs", "timed_out_total", "Attempts abandoned after their timeout.", "job_type")
	s.jobsRequeued = counterVec("jobs", "requeued_total", "Stale claims reset by the sweep.", "job_type")
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Duration of successful job attempts in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job_type"})

	s.register(reg, s.jobsEnqueued, "jobs_enqueued_total")
	s.register(reg, s.jobsClaimed, "jobs_claimed_total")
	s.register(reg, s.jobsSucceeded, "jobs_succeeded_total")
	s.register(reg, s.jobsRetried, "jobs_retried_total")
	s.register(reg, s.jobsDeadLettered, "jobs_dead_lettered_total")
	s.register(reg, s.jobsTimedOut, "jobs_timed_out_total")
	s.register(reg, s.jobsRequeued, "jobs_requeued_total")
	s.register(reg, s.jobDuration, "jobs_duration_seconds")
}

func (s *PrometheusSink) initRuleMetrics(reg prometheus.Registerer) {
	s.ruleFirings = counterVec("rules", "firings_total", "Recorded rule firings by final status.", "rule_id", "status")
	s.ruleSkips = counterVec("rules", "skips_total", "Rule firings skipped before acting.", "rule_id", "reason")
	s.actionsExecuted = counterVec("rules", "actions_total", "Action outcomes per action type.", "action_type", "outcome")

	s.register(reg, s.ruleFirings, "rules_firings_total")
	s.register(reg, s.ruleSkips, "rules_skips_total")
	s.register(reg, s.actionsExecuted, "rules_actions_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("Failed to register metric", "metric", name, "error", err)
	}
}

// Jobs

func (s *PrometheusSink) JobEnqueued(jobType string) {
	s.jobsEnqueued.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobClaimed(jobType string) {
	s.jobsClaimed.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobSucceeded(jobType string, elapsed time.Duration) {
	s.jobsSucceeded.WithLabelValues(jobType).Inc()
	s.jobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func (s *PrometheusSink) JobRetried(jobType string) {
	s.jobsRetried.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobDeadLettered(jobType string) {
	s.jobsDeadLettered.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobTimedOut(jobType string) {
	s.jobsTimedOut.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobRequeued(jobType string) {
	s.jobsRequeued.WithLabelValues(jobType).Inc()
}

// Rules

func (s *PrometheusSink) RuleFired(ruleID string, status models.ExecutionStatus) {
	s.ruleFirings.WithLabelValues(ruleID, string(status)).Inc()
}

func (s *PrometheusSink) RuleSkipped(ruleID, reason string) {
	s.ruleSkips.WithLabelValues(ruleID, reason).Inc()
}

func (s *PrometheusSink) ActionExecuted(actionType models.ActionType, outcome string) {
	s.actionsExecuted.WithLabelValues(string(actionType), outcome).Inc()
}
