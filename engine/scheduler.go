package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config contains configuration for the scheduler.
type Config struct {
	// Workers is the fixed worker pool size.
	Workers int
	// BaseUnit is the estimated cost of one transaction at complexity 1.0.
	BaseUnit time.Duration
	// Pace scales how much of the estimate the local executor spends
	// in wall time (0 disables pacing).
	Pace float64
	// MaxQueueDepth caps waiting jobs; 0 means unbounded.
	MaxQueueDepth int
	// JobTimeout bounds each execution; 0 means no deadline.
	JobTimeout time.Duration
	// RetainFinished keeps only the newest N terminal jobs; 0 keeps all.
	RetainFinished int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:  4,
		BaseUnit: 100 * time.Millisecond,
		Pace:     0.1,
	}
}

// JobObserver receives job lifecycle notifications. Observers are called
// with the scheduler lock held and must not call back into the Scheduler.
type JobObserver interface {
	JobSubmitted(job JobSnapshot)
	JobStarted(job JobSnapshot)
	JobFinished(job JobSnapshot)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithExecutor replaces the default local executor.
func WithExecutor(e Executor) Option {
	return func(s *Scheduler) {
		s.executor = e
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// WithObserver registers a job lifecycle observer.
func WithObserver(o JobObserver) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, o)
	}
}

// Scheduler owns the job queue and job records and drives dispatch onto
// the worker pool. A single mutex serializes queue, worker and metric
// transitions; it is never held while a job executes.
type Scheduler struct {
	config    Config
	executor  Executor
	log       logrus.FieldLogger
	observers []JobObserver

	pool    *WorkerPool
	metrics *Aggregator

	jobs     map[string]*Job
	queue    []*Job
	finished []string

	running bool
	drained chan struct{}
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// New creates a scheduler. Call Start before submitting jobs.
func New(config Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BaseUnit <= 0 {
		config.BaseUnit = def.BaseUnit
	}

	s := &Scheduler{
		config:  config,
		log:     logrus.StandardLogger(),
		metrics: NewAggregator(),
		jobs:    make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.executor == nil {
		s.executor = NewLocalExecutor(config.Pace)
	}
	s.log = s.log.WithField("component", "scheduler")
	return s
}

// Start creates the worker pool and begins collecting results.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}
	if s.pool != nil {
		return errors.New("scheduler cannot be restarted")
	}

	s.pool = NewWorkerPool("scheduler", s.config.Workers, s.executor, s.config.JobTimeout)
	s.metrics = NewAggregator()
	s.running = true

	s.wg.Add(1)
	go s.collectResults()

	s.log.WithFields(logrus.Fields{
		"workers":         s.config.Workers,
		"base_unit":       s.config.BaseUnit,
		"max_queue_depth": s.config.MaxQueueDepth,
		"job_timeout":     s.config.JobTimeout,
	}).Info("Scheduler started")
	return nil
}

// Stop refuses new submissions and waits for queued and running jobs to
// finish. If ctx expires first, running executions are cancelled and end
// in the error state. Stop returns ctx.Err() in that case.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.drained = make(chan struct{})
	s.checkDrainedLocked()
	drained := s.drained
	s.mu.Unlock()

	var stopErr error
	select {
	case <-drained:
	case <-ctx.Done():
		stopErr = ctx.Err()
		s.log.WithError(stopErr).Warn("Stop deadline reached, aborting running jobs")
		s.pool.Abort()
		<-drained
	}

	s.pool.Shutdown()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
	return stopErr
}

// IsRunning reports whether the scheduler accepts submissions.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Estimate returns the processing time estimate for a payload:
// BaseUnit × transaction count × complexity.
func (s *Scheduler) Estimate(p Payload) time.Duration {
	return EstimateDuration(s.config.BaseUnit, p)
}

// EstimateDuration is the pure estimator used by Scheduler.Estimate.
func EstimateDuration(baseUnit time.Duration, p Payload) time.Duration {
	return time.Duration(float64(baseUnit) * float64(p.TxCount()) * p.Complexity())
}

// Submit records a new job, queues it and dispatches.
func (s *Scheduler) Submit(payload Payload) (Submission, error) {
	if payload == nil {
		payload = TransactionPayload{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return Submission{}, ErrSchedulerStopped
	}
	if s.config.MaxQueueDepth > 0 && len(s.queue) >= s.config.MaxQueueDepth {
		return Submission{}, ErrQueueFull
	}

	job := &Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		Status:      JobQueued,
		Estimate:    s.Estimate(payload),
		SubmittedAt: time.Now(),
		WorkerID:    -1,
	}
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job)
	s.metrics.RecordSubmitted()

	snap := job.Snapshot()
	for _, o := range s.observers {
		o.JobSubmitted(snap)
	}

	s.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"type":     payload.Kind(),
		"tx_count": len(payload.Transactions()),
		"estimate": job.Estimate,
	}).Debug("Job queued")

	s.dispatchLocked()

	return Submission{
		JobID:                   job.ID,
		Status:                  JobQueued.String(),
		EstimatedProcessingTime: millis(job.Estimate),
	}, nil
}

// JobStatus returns a snapshot of the job, or ErrJobNotFound.
func (s *Scheduler) JobStatus(id string) (JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}
	return job.Snapshot(), nil
}

// Metrics returns the aggregated metrics together with queue and worker
// gauges, all read under one lock.
func (s *Scheduler) Metrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsLocked()
}

func (s *Scheduler) metricsLocked() MetricsSnapshot {
	active, idle := 0, s.config.Workers
	if s.pool != nil {
		active, idle = s.pool.Counts()
	}
	return s.metrics.Snapshot(len(s.queue), active, idle)
}

// Workers returns a snapshot of every worker.
func (s *Scheduler) Workers() []WorkerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return []WorkerSnapshot{}
	}
	return s.pool.Workers()
}

// dispatchLocked assigns queued jobs to idle workers in FIFO order
// (called with lock held).
func (s *Scheduler) dispatchLocked() {
	for len(s.queue) > 0 {
		job := s.queue[0]
		task := &Task{
			JobID:    job.ID,
			Payload:  job.Payload,
			Estimate: job.Estimate,
		}

		workerID, ok := s.pool.AssignJob(task)
		if !ok {
			return
		}

		s.queue[0] = nil
		s.queue = s.queue[1:]

		job.Status = JobProcessing
		job.StartedAt = time.Now()
		job.WorkerID = workerID

		snap := job.Snapshot()
		for _, o := range s.observers {
			o.JobStarted(snap)
		}
	}
}

// collectResults consumes worker results until the pool shuts down.
func (s *Scheduler) collectResults() {
	defer s.wg.Done()

	for result := range s.pool.Results() {
		s.complete(result)
	}
}

// complete applies a finished execution to the job, worker and metrics,
// then dispatches any queued work onto the freed worker.
func (s *Scheduler) complete(result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pool.ReleaseWorker(result.WorkerID); err != nil {
		s.log.WithError(err).Error("Failed to release worker")
	}

	job, ok := s.jobs[result.JobID]
	if !ok {
		s.log.WithField("job_id", result.JobID).Error("Result for unknown job")
		s.dispatchLocked()
		return
	}

	job.CompletedAt = time.Now()
	job.NodeID = result.Outcome.NodeID
	elapsed := job.CompletedAt.Sub(job.StartedAt)

	entry := s.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"worker_id": result.WorkerID,
		"elapsed":   elapsed,
	})

	switch {
	case result.Err == nil:
		job.Status = JobCompleted
		job.Result = &JobResult{
			ProcessedCount: result.Outcome.Processed,
			ElapsedTime:    millis(elapsed),
		}
		if elapsed > 0 {
			job.Result.Throughput = float64(result.Outcome.Processed) / elapsed.Seconds()
		}
		s.metrics.RecordCompleted(elapsed)
		entry.Debug("Job completed")
	case result.Panicked ||
		errors.Is(result.Err, context.DeadlineExceeded) ||
		errors.Is(result.Err, context.Canceled):
		job.Status = JobError
		job.Err = result.Err.Error()
		s.metrics.RecordFailed()
		entry.WithError(result.Err).Warn("Job errored")
	default:
		job.Status = JobFailed
		job.Err = result.Err.Error()
		s.metrics.RecordFailed()
		entry.WithError(result.Err).Info("Job failed")
	}

	snap := job.Snapshot()
	for _, o := range s.observers {
		o.JobFinished(snap)
	}

	s.retireLocked(job)
	s.dispatchLocked()
	s.checkDrainedLocked()
}

// retireLocked enforces the finished-job retention limit (called with lock
// held).
func (s *Scheduler) retireLocked(job *Job) {
	if s.config.RetainFinished <= 0 {
		return
	}
	s.finished = append(s.finished, job.ID)
	for len(s.finished) > s.config.RetainFinished {
		delete(s.jobs, s.finished[0])
		s.finished = s.finished[1:]
	}
}

// checkDrainedLocked signals Stop once nothing is queued or running
// (called with lock held).
func (s *Scheduler) checkDrainedLocked() {
	if s.running || s.drained == nil {
		return
	}
	active, _ := s.pool.Counts()
	if len(s.queue) == 0 && active == 0 {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
}
