// Package scheduler runs mining jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/logger"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Handler runs one scheduled occurrence
type Handler func(ctx context.Context) error

// Job represents a scheduled job
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	LastRunTime time.Time `json:"last_run_time"`
	NextRunTime time.Time `json:"next_run_time"`
	Runs        int       `json:"runs"`
	Status      JobStatus `json:"status"`
	Error       string    `json:"error,omitempty"`

	entry   cron.EntryID
	handler Handler
}

// Scheduler manages cron jobs. A job whose previous run is still going is
// skipped, so two sessions of one job never overlap.
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]*Job
	mu   sync.RWMutex
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler; schedules take a leading seconds field
func NewScheduler() *Scheduler {
	log := logger.GetGlobalLogger().WithField("component", "scheduler")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*Job),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers handler under name on schedule and returns the job ID
func (s *Scheduler) AddJob(name, schedule string, handler Handler) (string, error) {
	job := &Job{
		ID:       fmt.Sprintf("%s_%d", name, time.Now().UnixNano()),
		Name:     name,
		Schedule: schedule,
		Status:   JobStatusPending,
		handler:  handler,
	}

	// 添加到cron
	entry, err := s.cron.AddFunc(schedule, func() {
		s.runJob(s.ctx, job)
	})
	if err != nil {
		return "", apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput, "invalid schedule",
			schedule, err)
	}
	job.entry = entry

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.log.Info("Job scheduled", "job", name, "schedule", schedule)
	return job.ID, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the context of running jobs and waits for them to return or
// for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job immediately in the caller's goroutine
func (s *Scheduler) RunNow(ctx context.Context, jobID string) error {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return notFound(jobID)
	}
	return s.runJob(ctx, job)
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	job.Status = JobStatusRunning
	job.LastRunTime = time.Now()
	job.Runs++
	s.mu.Unlock()

	s.log.Info("Job started", "job", job.Name, "run", job.Runs)
	err := job.handler(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		s.log.Error("Job failed", "job", job.Name, "error", err)
	} else {
		job.Status = JobStatusCompleted
		job.Error = ""
		s.log.Info("Job completed", "job", job.Name, "duration", time.Since(job.LastRunTime).String())
	}
	return err
}

// GetJob returns a snapshot of a job
func (s *Scheduler) GetJob(jobID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return Job{}, notFound(jobID)
	}
	return s.snapshot(job), nil
}

// ListJobs lists all jobs ordered by name
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, s.snapshot(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

func (s *Scheduler) snapshot(job *Job) Job {
	out := *job
	out.NextRunTime = s.cron.Entry(job.entry).Next
	return out
}

func notFound(jobID string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "job not found", jobID, nil)
}

// cronLogger adapts logger.Logger to cron.Logger
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
