// Package api exposes the scheduler over HTTP, websocket, gRPC health and
// the Arrow TCP ingest protocol, and exports its Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// Metrics holds all Prometheus metrics for the scheduler. It implements
// engine.JobObserver, so registering it with engine.WithObserver keeps the
// job counters in step with the scheduler's own state transitions.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobsSubmitted *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	JobWait       prometheus.Histogram
	JobDuration   *prometheus.HistogramVec

	// Batch metrics
	BatchesTotal       prometheus.Counter
	BatchSize          prometheus.Histogram
	BatchLatency       prometheus.Histogram
	IngestTransactions *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal *prometheus.CounterVec

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance on its own registry with the given
// namespace. Go runtime and process collectors are included.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted by type",
		}, []string{"type"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"type", "status"}),
		JobWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time jobs spent queued before a worker picked them up",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"type"}),

		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batch jobs submitted",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of transactions per batch",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 75, 100},
		}),
		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch end-to-end latency from submission to completion",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		IngestTransactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_transactions_total",
			Help:      "Transactions received on the ingest paths by outcome",
		}, []string{"outcome"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),

		GRPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests by method and status",
		}, []string{"method", "status"}),
		GRPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StatsSource is the read side of the scheduler used for gauges.
type StatsSource interface {
	Metrics() engine.MetricsSnapshot
}

// BatchStatsSource is the read side of the batcher used for gauges.
type BatchStatsSource interface {
	Stats() engine.BatcherStats
}

// RegisterSchedulerGauges exports live scheduler state as gauge funcs that
// are evaluated on scrape.
func (m *Metrics) RegisterSchedulerGauges(namespace string, src StatsSource) {
	factory := promauto.With(m.registry)
	gauge := func(name, help string, value func(engine.MetricsSnapshot) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(src.Metrics()) })
	}

	gauge("queue_depth", "Jobs waiting for a worker",
		func(s engine.MetricsSnapshot) float64 { return float64(s.CurrentQueueDepth) })
	gauge("worker_pool_active", "Number of busy workers",
		func(s engine.MetricsSnapshot) float64 { return float64(s.ActiveWorkers) })
	gauge("worker_pool_idle", "Number of idle workers",
		func(s engine.MetricsSnapshot) float64 { return float64(s.IdleWorkers) })
	gauge("success_rate_percent", "Completed jobs as a percentage of all jobs",
		func(s engine.MetricsSnapshot) float64 { return s.SuccessRate })
	gauge("throughput_jobs_per_second", "Completed jobs per second since start",
		func(s engine.MetricsSnapshot) float64 { return s.Throughput })
}

// RegisterBatcherGauges exports the mempool fill level.
func (m *Metrics) RegisterBatcherGauges(namespace string, src BatchStatsSource) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mempool_size",
		Help:      "Current number of pending transactions in mempool",
	}, func() float64 { return float64(src.Stats().Mempool.Size) })
}

// JobSubmitted implements engine.JobObserver.
func (m *Metrics) JobSubmitted(job engine.JobSnapshot) {
	m.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	if job.Type == engine.TypeBatchProcessing {
		m.BatchesTotal.Inc()
		m.BatchSize.Observe(float64(job.TransactionCount))
	}
}

// JobStarted implements engine.JobObserver.
func (m *Metrics) JobStarted(job engine.JobSnapshot) {
	if job.StartedAt != nil {
		m.JobWait.Observe(job.StartedAt.Sub(job.SubmittedAt).Seconds())
	}
}

// JobFinished implements engine.JobObserver.
func (m *Metrics) JobFinished(job engine.JobSnapshot) {
	m.JobsFinished.WithLabelValues(string(job.Type), job.Status).Inc()
	if job.StartedAt != nil && job.CompletedAt != nil {
		m.JobDuration.WithLabelValues(string(job.Type)).Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
	if job.Type == engine.TypeBatchProcessing && job.CompletedAt != nil {
		m.BatchLatency.Observe(job.CompletedAt.Sub(job.SubmittedAt).Seconds())
	}
}

// RecordIngest records the outcome of an ingest request.
func (m *Metrics) RecordIngest(accepted, rejected int) {
	m.IngestTransactions.WithLabelValues("accepted").Add(float64(accepted))
	m.IngestTransactions.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UnaryServerInterceptor records every unary gRPC call.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}
