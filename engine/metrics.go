package engine

import (
	"sync"
	"time"
)

// MetricsSnapshot is the aggregated view of scheduler activity.
type MetricsSnapshot struct {
	TotalJobs             int64   `json:"totalJobs"`
	CompletedJobs         int64   `json:"completedJobs"`
	FailedJobs            int64   `json:"failedJobs"`
	ProcessingJobs        int64   `json:"processingJobs"`
	AverageProcessingTime float64 `json:"averageProcessingTime"`
	CurrentQueueDepth     int     `json:"currentQueueDepth"`
	ActiveWorkers         int     `json:"activeWorkers"`
	IdleWorkers           int     `json:"idleWorkers"`
	TotalWorkers          int     `json:"totalWorkers"`
	SuccessRate           float64 `json:"successRate"`
	Throughput            float64 `json:"throughput"`
	Uptime                float64 `json:"uptime"`
}

// Aggregator maintains running counters derived from job lifecycle events.
// Each event must be recorded exactly once per job transition.
type Aggregator struct {
	startedAt  time.Time
	total      int64
	completed  int64
	failed     int64
	avgLatency float64 // milliseconds
	now        func() time.Time
	mu         sync.Mutex
}

// NewAggregator creates an aggregator whose throughput clock starts now.
func NewAggregator() *Aggregator {
	return newAggregatorWithClock(time.Now)
}

func newAggregatorWithClock(now func() time.Time) *Aggregator {
	return &Aggregator{
		startedAt: now(),
		now:       now,
	}
}

// RecordSubmitted counts a newly submitted job.
func (a *Aggregator) RecordSubmitted() {
	a.mu.Lock()
	a.total++
	a.mu.Unlock()
}

// RecordCompleted counts a successful job and folds its duration into the
// running average.
func (a *Aggregator) RecordCompleted(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.completed++
	n := float64(a.completed)
	a.avgLatency = (a.avgLatency*(n-1) + millis(d)) / n
}

// RecordFailed counts a job that ended as failed or error.
func (a *Aggregator) RecordFailed() {
	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
}

// Snapshot combines the counters with the caller-supplied queue and
// worker gauges.
func (a *Aggregator) Snapshot(queueDepth, active, idle int) MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := MetricsSnapshot{
		TotalJobs:             a.total,
		CompletedJobs:         a.completed,
		FailedJobs:            a.failed,
		AverageProcessingTime: a.avgLatency,
		CurrentQueueDepth:     queueDepth,
		ActiveWorkers:         active,
		IdleWorkers:           idle,
		TotalWorkers:          active + idle,
		SuccessRate:           100,
	}
	snap.ProcessingJobs = a.total - a.completed - a.failed - int64(queueDepth)
	if a.total > 0 {
		snap.SuccessRate = float64(a.completed) / float64(a.total) * 100
	}

	elapsed := a.now().Sub(a.startedAt).Seconds()
	snap.Uptime = elapsed
	if elapsed > 0 {
		snap.Throughput = float64(a.completed) / elapsed
	}
	return snap
}
