package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
	"github.com/VanDung-dev/HieraChain-Scheduler/network"
)

func TestSubmitJob(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"action": ActionSubmitJob,
		"data": map[string]interface{}{
			"type":         "transaction_processing",
			"transactions": transactionsJSON(10),
			"complexity":   1.0,
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.NotEmpty(t, data["jobId"])
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, 1000.0, data["estimatedProcessingTime"])
}

func TestSubmitJobSoftDefaults(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"action": ActionSubmitJob,
		"data":   map[string]interface{}{"type": "no_such_type", "complexity": "high", "transactions": "nope"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 100.0, data["estimatedProcessingTime"])

	job, err := f.scheduler.JobStatus(data["jobId"].(string))
	require.NoError(t, err)
	assert.Equal(t, engine.TypeTransactionProcessing, job.Type)
	assert.Equal(t, 0, job.TransactionCount)
}

func TestProcessBatchCapsAt100(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"action": ActionProcessBatch,
		"data":   map[string]interface{}{"transactions": transactionsJSON(200)},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 100.0, data["batchSize"])
	assert.NotEmpty(t, data["jobId"])
	assert.NotContains(t, data, "followUpJobIds")
}

func TestProcessBatchEmpty(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"action": ActionProcessBatch,
		"data":   map[string]interface{}{},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, body["data"].(map[string]interface{})["batchSize"])
}

func TestEnqueueTransactions(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"action": ActionEnqueueTransactions,
		"data":   map[string]interface{}{"transactions": transactionsJSON(150)},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 150.0, data["accepted"])
	assert.Equal(t, 0.0, data["rejected"])
	assert.Len(t, data["jobIds"], 1)
	assert.Equal(t, 50, f.batcher.Stats().Mempool.Size)
}

func TestInvalidAction(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"action": "bogus"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Invalid action", body["error"])
}

func TestUnparsableBody(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", "{not json")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Internal server error", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestQueueFullIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	config := engine.Config{Workers: 1, BaseUnit: 100 * time.Millisecond, MaxQueueDepth: 1}
	f := newFixture(t, config, []engine.Option{blockingExecutor(release)})

	submit := func() int {
		rec, _ := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"action": ActionSubmitJob})
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, submit()) // processing
	assert.Equal(t, http.StatusOK, submit()) // queued

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"action": ActionSubmitJob})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Service unavailable", body["error"])
	assert.Contains(t, body["message"], "queue is full")

	// A full batch the scheduler cannot take stays pending, not lost.
	rec, body = f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"action": ActionEnqueueTransactions,
		"data":   map[string]interface{}{"transactions": transactionsJSON(100)},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 100.0, data["accepted"])
	assert.Equal(t, 100.0, data["pending"])
	assert.Empty(t, data["jobIds"])
	assert.Equal(t, int64(0), f.batcher.Stats().TxDropped)
}

func TestStoppedSchedulerIsUnavailable(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)
	require.NoError(t, f.scheduler.Stop(context.Background()))

	rec, _ := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"action": ActionSubmitJob})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"action": ActionEnqueueTransactions,
		"data":   map[string]interface{}{"transactions": transactionsJSON(100)},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, 0, f.batcher.Stats().Mempool.Size)

	rec, body = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "stopped", body["status"])
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	sub, err := f.scheduler.Submit(engine.TransactionPayload{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		job, _ := f.scheduler.JobStatus(sub.JobID)
		return job.Status == "completed"
	})

	rec, body := f.do(t, http.MethodGet, "/api/jobs?jobId="+sub.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, sub.JobID, data["jobId"])
	assert.Equal(t, "completed", data["status"])
	assert.NotNil(t, data["result"])
}

func TestGetUnknownJob(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodGet, "/api/jobs?jobId=does-not-exist", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Job not found", body["error"])
}

func TestGetOverview(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodGet, "/api/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	metrics := data["metrics"].(map[string]interface{})
	assert.Equal(t, 2.0, metrics["totalWorkers"])
	assert.Equal(t, 100.0, metrics["successRate"])
	assert.Len(t, data["workers"], 2)
	assert.NotContains(t, data, "cluster")
}

type staticCluster network.NetworkStatus

func (c staticCluster) GetStatus() network.NetworkStatus { return network.NetworkStatus(c) }

func TestGetOverviewWithCluster(t *testing.T) {
	f := newFixture(t, fastConfig(), nil, WithCluster(staticCluster{NodeID: "scheduler-1", IsRunning: true}))

	rec, body := f.do(t, http.MethodGet, "/api/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	cluster := body["data"].(map[string]interface{})["cluster"].(map[string]interface{})
	assert.Equal(t, "scheduler-1", cluster["nodeId"])
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	rec, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	_, err := f.scheduler.Submit(engine.NewBatchPayload("b-1", nil))
	require.NoError(t, err)
	f.do(t, http.MethodGet, "/api/jobs?jobId=missing", nil)

	rec, _ = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `test_jobs_submitted_total{type="batch_processing"} 1`)
	assert.Contains(t, out, "test_batches_total 1")
	assert.Contains(t, out, `test_http_requests_total{code="404",method="GET",route="/api/jobs"} 1`)
	assert.True(t, strings.Contains(out, "go_goroutines"), "expected Go collector output")
}

func TestServerStartStop(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	srv := NewServer("127.0.0.1:0", f.router)
	require.NoError(t, srv.StartAsync())
	assert.Error(t, srv.StartAsync(), "second start should fail")

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}
