// Package memory provides an in-process implementation of persistence.Persistence for
// single-node deployments and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
)

type jobRow struct {
	job *models.Job
	seq int64
}

// Persistence keeps every record in maps guarded by one mutex, which makes each
// operation atomic.
type Persistence struct {
	mu          sync.Mutex
	seq         int64
	jobs        map[string]*jobRow
	deadLetters map[string]*models.DeadLetterEntry
	dlqOrder    []string
	executions  map[string]*models.ExecutionRecord
	execOrder   []string
	rules       map[string]*models.Rule
}

var _ persistence.Persistence = (*Persistence)(nil)

func NewPersistence() *Persistence {
	return &Persistence{
		jobs:        make(map[string]*jobRow),
		deadLetters: make(map[string]*models.DeadLetterEntry),
		executions:  make(map[string]*models.ExecutionRecord),
		rules:       make(map[string]*models.Rule),
	}
}

func (p *Persistence) HealthCheck(context.Context) error { return nil }

func (p *Persistence) Close(context.Context) error { return nil }

// Jobs

func (p *Persistence) EnqueueJob(_ context.Context, job *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.jobs[job.ID]; exists {
		return persistence.NewJobError("EnqueueJob", job.ID, persistence.ErrJobAlreadyExists)
	}

	p.insertJobLocked(job)

	return nil
}

func (p *Persistence) insertJobLocked(job *models.Job) {
	p.seq++
	p.jobs[job.ID] = &jobRow{job: copyJob(job), seq: p.seq}
}

func (p *Persistence) ClaimJob(_ context.Context, workerID string, now time.Time) (*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next *jobRow

	for _, row := range p.jobs {
		if row.job.Status != models.JobPending || row.job.ScheduledFor.After(now) {
			continue
		}

		if next == nil || earlier(row, next) {
			next = row
		}
	}

	if next == nil {
		return nil, nil
	}

	startedAt := now
	next.job.Status = models.JobRunning
	next.job.Attempt++
	next.job.StartedAt = &startedAt
	next.job.WorkerID = workerID

	return copyJob(next.job), nil
}

func earlier(a, b *jobRow) bool {
	if !a.job.ScheduledFor.Equal(b.job.ScheduledFor) {
		return a.job.ScheduledFor.Before(b.job.ScheduledFor)
	}

	return a.seq < b.seq
}

func (p *Persistence) JobByID(_ context.Context, id string) (*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, ok := p.jobs[id]
	if !ok {
		return nil, persistence.NewJobError("JobByID", id, persistence.ErrJobNotFound)
	}

	return copyJob(row.job), nil
}

func (p *Persistence) Jobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]*jobRow, 0, len(p.jobs))

	for _, row := range p.jobs {
		if filter.Matches(row.job) {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })

	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	jobs := make([]*models.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, copyJob(row.job))
	}

	return jobs, nil
}

// ownedLocked returns the job when it is RUNNING under workerID.
func (p *Persistence) ownedLocked(op, id, workerID string) (*models.Job, error) {
	row, ok := p.jobs[id]
	if !ok {
		return nil, persistence.NewJobError(op, id, persistence.ErrJobNotFound)
	}

	if row.job.Status != models.JobRunning || row.job.WorkerID != workerID {
		return nil, persistence.NewJobError(op, id, persistence.ErrClaimLost)
	}

	return row.job, nil
}

func (p *Persistence) CompleteJob(_ context.Context, id, workerID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, err := p.ownedLocked("CompleteJob", id, workerID)
	if err != nil {
		return err
	}

	completedAt := at
	job.Status = models.JobSucceeded
	job.CompletedAt = &completedAt
	job.ErrorMessage = ""

	return nil
}

func (p *Persistence) RetryJob(_ context.Context, id, workerID string, scheduledFor time.Time, errMsg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, err := p.ownedLocked("RetryJob", id, workerID)
	if err != nil {
		return err
	}

	job.Status = models.JobPending
	job.ScheduledFor = scheduledFor
	job.ErrorMessage = errMsg
	job.WorkerID = ""

	return nil
}

func (p *Persistence) FailJob(_ context.Context, id, workerID string, entry *models.DeadLetterEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, err := p.ownedLocked("FailJob", id, workerID)
	if err != nil {
		return err
	}

	p.failLocked(job, entry)

	return nil
}

func (p *Persistence) failLocked(job *models.Job, entry *models.DeadLetterEntry) {
	completedAt := entry.FailedAt
	job.Status = models.JobFailed
	job.CompletedAt = &completedAt
	job.ErrorMessage = entry.FinalError

	if _, exists := p.deadLetters[job.ID]; exists {
		return
	}

	p.deadLetters[job.ID] = copyDeadLetter(entry)
	p.dlqOrder = append(p.dlqOrder, job.ID)
}

func (p *Persistence) CancelJob(_ context.Context, id string, at time.Time) (*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, ok := p.jobs[id]
	if !ok {
		return nil, persistence.NewJobError("CancelJob", id, persistence.ErrJobNotFound)
	}

	if row.job.Status != models.JobPending && row.job.Status != models.JobRunning {
		return nil, persistence.NewJobError("CancelJob", id, persistence.ErrJobNotCancellable)
	}

	completedAt := at
	row.job.Status = models.JobCancelled
	row.job.CompletedAt = &completedAt

	return copyJob(row.job), nil
}

func (p *Persistence) RunningJobs(_ context.Context) ([]*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var jobs []*models.Job

	for _, row := range p.jobs {
		if row.job.Status == models.JobRunning {
			jobs = append(jobs, copyJob(row.job))
		}
	}

	return jobs, nil
}

// staleLocked returns the job when it is still RUNNING under the claim that started at startedAt.
func (p *Persistence) staleLocked(id string, startedAt time.Time) *models.Job {
	row, ok := p.jobs[id]
	if !ok || row.job.Status != models.JobRunning || row.job.StartedAt == nil {
		return nil
	}

	if !row.job.StartedAt.Equal(startedAt) {
		return nil
	}

	return row.job
}

func (p *Persistence) RequeueStaleJob(_ context.Context, id string, startedAt, scheduledFor time.Time, errMsg string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job := p.staleLocked(id, startedAt)
	if job == nil {
		return false, nil
	}

	job.Status = models.JobPending
	job.ScheduledFor = scheduledFor
	job.ErrorMessage = errMsg
	job.WorkerID = ""

	return true, nil
}

func (p *Persistence) FailStaleJob(_ context.Context, id string, startedAt time.Time, entry *models.DeadLetterEntry) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job := p.staleLocked(id, startedAt)
	if job == nil {
		return false, nil
	}

	p.failLocked(job, entry)

	return true, nil
}

// Dead letters

func (p *Persistence) DeadLetters(_ context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]*models.DeadLetterEntry, 0, len(p.dlqOrder))

	for _, jobID := range slices.Backward(p.dlqOrder) {
		entries = append(entries, copyDeadLetter(p.deadLetters[jobID]))

		if limit > 0 && len(entries) == limit {
			break
		}
	}

	return entries, nil
}

func (p *Persistence) DeadLetterByJobID(_ context.Context, jobID string) (*models.DeadLetterEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.deadLetters[jobID]
	if !ok {
		return nil, persistence.NewJobError("DeadLetterByJobID", jobID, persistence.ErrDeadLetterNotFound)
	}

	return copyDeadLetter(entry), nil
}

func (p *Persistence) ReplayDeadLetter(_ context.Context, jobID string, replay *models.Job, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.deadLetters[jobID]
	if !ok {
		return persistence.NewJobError("ReplayDeadLetter", jobID, persistence.ErrDeadLetterNotFound)
	}

	if entry.ReplayedAt != nil {
		return persistence.NewJobError("ReplayDeadLetter", jobID, persistence.ErrAlreadyReplayed)
	}

	if _, exists := p.jobs[replay.ID]; exists {
		return persistence.NewJobError("ReplayDeadLetter", replay.ID, persistence.ErrJobAlreadyExists)
	}

	replayedAt := at
	entry.ReplayedAt = &replayedAt
	entry.ReplayJobID = replay.ID
	p.insertJobLocked(replay)

	return nil
}

func copyJob(job *models.Job) *models.Job {
	c := *job
	c.Payload = slices.Clone(job.Payload)

	if job.StartedAt != nil {
		startedAt := *job.StartedAt
		c.StartedAt = &startedAt
	}

	if job.CompletedAt != nil {
		completedAt := *job.CompletedAt
		c.CompletedAt = &completedAt
	}

	return &c
}

func copyDeadLetter(entry *models.DeadLetterEntry) *models.DeadLetterEntry {
	c := *entry
	c.Payload = slices.Clone(entry.Payload)

	if entry.ReplayedAt != nil {
		replayedAt := *entry.ReplayedAt
		c.ReplayedAt = &replayedAt
	}

	return &c
}
