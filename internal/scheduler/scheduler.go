// Package scheduler wraps gocron with per-job bookkeeping so the stats
// endpoint can report when a job ran last and whether it failed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-co-op/gocron/v2"
)

// JobStatus represents the status of a job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusScheduled JobStatus = "scheduled"
)

// JobInfo contains information about a scheduled job.
type JobInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      JobStatus  `json:"status"`
	LastRun     time.Time  `json:"last_run"`
	NextRun     time.Time  `json:"next_run"`
	Schedule    string     `json:"schedule"`
	RunCount    int        `json:"run_count"`
	ErrorCount  int        `json:"error_count"`
	LastError   string     `json:"last_error,omitempty"`
	job         gocron.Job `json:"-"`
}

// JobFunc represents a function that can be scheduled.
type JobFunc func(ctx context.Context) error

// Scheduler manages scheduled jobs.
type Scheduler struct {
	gocron gocron.Scheduler
	mu     sync.RWMutex
	jobs   map[string]*JobInfo
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new scheduler.
func New() (*Scheduler, error) {
	gocronScheduler, err := gocron.NewScheduler(gocron.WithLogger(newLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		gocron: gocronScheduler,
		jobs:   make(map[string]*JobInfo),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start starts the scheduler and populates the next run times.
func (s *Scheduler) Start() {
	log.Info("Starting job scheduler")
	s.gocron.Start()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, jobInfo := range s.jobs {
		nextRun, err := jobInfo.job.NextRun()
		if err != nil {
			log.Warn("Failed to get next run time for job", "id", id, "error", err)
			continue
		}
		jobInfo.NextRun = nextRun
	}
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() error {
	log.Info("Stopping job scheduler")
	s.cancel()
	return s.gocron.Shutdown()
}

// AddSingletonJob adds a job that runs one instance at a time; a trigger that
// lands while the job is still running is rescheduled, not stacked. All jobs
// here are singletons, overlapping a sync or a vacuum with itself is never
// wanted.
func (s *Scheduler) AddSingletonJob(
	id, name, description, schedule string,
	jobDef gocron.JobDefinition,
	jobFunc JobFunc,
) error {
	jobInfo := &JobInfo{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      JobStatusScheduled,
		Schedule:    schedule,
	}

	job, err := s.gocron.NewJob(
		jobDef,
		gocron.NewTask(s.wrapJobFunc(id, jobFunc)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", id, err)
	}
	jobInfo.job = job

	s.mu.Lock()
	s.jobs[id] = jobInfo
	s.mu.Unlock()

	log.Info("Added job to scheduler", "id", id, "name", name)
	return nil
}

// Jobs returns a snapshot of all job information.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, jobInfo := range s.jobs {
		jobs = append(jobs, *jobInfo)
	}
	return jobs
}

// wrapJobFunc wraps a job function to update job statistics.
func (s *Scheduler) wrapJobFunc(id string, jobFunc JobFunc) func() {
	return func() {
		s.mu.Lock()
		jobInfo := s.jobs[id]
		if jobInfo == nil {
			s.mu.Unlock()
			log.Error("Job info not found", "id", id)
			return
		}
		log.Info("Starting job", "id", id, "name", jobInfo.Name)
		jobInfo.Status = JobStatusRunning
		jobInfo.LastRun = time.Now()
		jobInfo.RunCount++
		s.mu.Unlock()

		err := jobFunc(s.ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			log.Error("Job failed", "id", id, "name", jobInfo.Name, "error", err)
			jobInfo.Status = JobStatusFailed
			jobInfo.ErrorCount++
			jobInfo.LastError = err.Error()
		} else {
			log.Info("Job completed successfully", "id", id, "name", jobInfo.Name)
			jobInfo.Status = JobStatusCompleted
			jobInfo.LastError = ""
		}
		if nextRun, err := jobInfo.job.NextRun(); err == nil {
			jobInfo.NextRun = nextRun
		}
	}
}
