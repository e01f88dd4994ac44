package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WorkerStatus is the occupancy of a worker.
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Result represents the result of one task execution.
type Result struct {
	JobID    string
	WorkerID int
	Outcome  Outcome
	Err      error
	Panicked bool
	Duration time.Duration
}

// WorkerSnapshot is a point-in-time copy of a worker.
type WorkerSnapshot struct {
	ID            int        `json:"id"`
	Status        string     `json:"status"`
	CurrentJobID  *string    `json:"currentJobId"`
	BusyStartTime *time.Time `json:"busyStartTime"`
	ProcessedJobs int64      `json:"processedJobs"`
}

type worker struct {
	id        int
	status    WorkerStatus
	jobID     string
	busySince time.Time
	processed int64
	tasks     chan *Task
}

// WorkerPool is a fixed set of goroutine workers, each running at most one
// task at a time. AssignJob and ReleaseWorker are the only operations that
// change a worker's state.
type WorkerPool struct {
	name     string
	executor Executor
	timeout  time.Duration
	workers  []*worker
	next     int
	results  chan *Result
	wg       sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// NewWorkerPool creates a pool of size workers executing tasks with
// executor. A positive timeout bounds each execution.
func NewWorkerPool(name string, size int, executor Executor, timeout time.Duration) *WorkerPool {
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:     name,
		executor: executor,
		timeout:  timeout,
		workers:  make([]*worker, size),
		// Each worker has at most one undelivered result.
		results: make(chan *Result, size),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}

	for i := range pool.workers {
		w := &worker{id: i, tasks: make(chan *Task, 1)}
		pool.workers[i] = w
		pool.wg.Add(1)
		go pool.run(w)
	}

	return pool
}

// run is the goroutine body of a worker.
func (p *WorkerPool) run(w *worker) {
	defer p.wg.Done()

	for task := range w.tasks {
		p.results <- p.processTask(w.id, task)
	}
}

// processTask executes a single task. The worker returns as soon as the
// task context ends, even if the executor ignores it; a late result from
// such an executor is discarded.
func (p *WorkerPool) processTask(workerID int, task *Task) *Result {
	start := time.Now()

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	done := make(chan *Result, 1)
	go func() {
		done <- p.execute(ctx, workerID, task)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		select {
		case result := <-done:
			return result
		default:
		}
		return &Result{
			JobID:    task.JobID,
			WorkerID: workerID,
			Err:      ctx.Err(),
			Duration: time.Since(start),
		}
	}
}

// execute runs the executor, converting panics into results.
func (p *WorkerPool) execute(ctx context.Context, workerID int, task *Task) (result *Result) {
	start := time.Now()
	result = &Result{
		JobID:    task.JobID,
		WorkerID: workerID,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("%w: %s", ErrJobPanicked, panicToString(r))
			result.Panicked = true
			result.Duration = time.Since(start)
		}
	}()

	result.Outcome, result.Err = p.executor.Execute(ctx, task)
	result.Duration = time.Since(start)
	return result
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AssignJob hands task to an idle worker, choosing round-robin among idle
// workers. It returns false when every worker is busy or the pool is shut
// down.
func (p *WorkerPool) AssignJob(task *Task) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return -1, false
	}

	for i := 0; i < len(p.workers); i++ {
		w := p.workers[(p.next+i)%len(p.workers)]
		if w.status != WorkerIdle {
			continue
		}
		w.status = WorkerBusy
		w.jobID = task.JobID
		w.busySince = time.Now()
		p.next = (w.id + 1) % len(p.workers)
		// Never blocks: an idle worker has already drained its channel.
		w.tasks <- task
		return w.id, true
	}
	return -1, false
}

// ReleaseWorker returns a busy worker to the idle set.
func (p *WorkerPool) ReleaseWorker(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.workers) {
		return fmt.Errorf("%w: %d", ErrWorkerNotFound, id)
	}
	w := p.workers[id]
	if w.status == WorkerBusy {
		w.processed++
	}
	w.status = WorkerIdle
	w.jobID = ""
	w.busySince = time.Time{}
	return nil
}

// Results returns the channel on which workers deliver task results.
// It is closed by Shutdown once every worker has exited.
func (p *WorkerPool) Results() <-chan *Result {
	return p.results
}

// Counts returns the number of busy and idle workers.
func (p *WorkerPool) Counts() (active, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.status == WorkerBusy {
			active++
		} else {
			idle++
		}
	}
	return active, idle
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// Workers returns a snapshot of every worker.
func (p *WorkerPool) Workers() []WorkerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(p.workers))
	for _, w := range p.workers {
		snap := WorkerSnapshot{
			ID:            w.id,
			Status:        w.status.String(),
			ProcessedJobs: w.processed,
		}
		if w.status == WorkerBusy {
			jobID := w.jobID
			since := w.busySince
			snap.CurrentJobID = &jobID
			snap.BusyStartTime = &since
		}
		out = append(out, snap)
	}
	return out
}

// Abort cancels the context of every in-flight execution.
func (p *WorkerPool) Abort() {
	p.cancel()
}

// Shutdown stops accepting tasks, waits for running tasks to finish and
// closes the results channel. Results must keep being consumed until then.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	for _, w := range p.workers {
		close(w.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	close(p.results)
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
