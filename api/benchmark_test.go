package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
	"github.com/VanDung-dev/HieraChain-Scheduler/logging"
)

// BenchmarkIngestFrame_100 benchmarks ingesting one 100-row Arrow frame.
func BenchmarkIngestFrame_100(b *testing.B) {
	benchmarkIngestFrame(b, 100)
}

// BenchmarkIngestFrame_1000 benchmarks ingesting one 1000-row Arrow frame.
func BenchmarkIngestFrame_1000(b *testing.B) {
	benchmarkIngestFrame(b, 1000)
}

// discardBatches accepts everything without scheduling.
type discardBatches struct{}

func (discardBatches) ProcessBatch(txs []engine.Transaction) (engine.BatchResult, error) {
	return engine.BatchResult{BatchSize: len(txs)}, nil
}

func (discardBatches) Enqueue(txs ...engine.Transaction) (engine.EnqueueResult, error) {
	return engine.EnqueueResult{Accepted: len(txs), JobIDs: []string{}}, nil
}

func benchmarkIngestFrame(b *testing.B, rows int) {
	frame := arrowFrame(b, rows)
	handler := NewIngestHandler(discardBatches{}, nil)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		reply := handler.ProcessFrame(frame)
		if reply.Error != "" || reply.Accepted != rows {
			b.Fatalf("Unexpected reply: %+v", reply)
		}
	}

	b.ReportMetric(float64(rows*b.N)/b.Elapsed().Seconds(), "tx/sec")
}

// BenchmarkSubmitJob_Concurrent benchmarks concurrent submit_job requests
// through the HTTP handler.
func BenchmarkSubmitJob_Concurrent(b *testing.B) {
	s := engine.New(engine.Config{Workers: 8, BaseUnit: time.Millisecond}, engine.WithLogger(logging.Discard()))
	if err := s.Start(); err != nil {
		b.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(b.Context())

	router := NewHandler(s, engine.NewBatcher(engine.DefaultBatchConfig(), s, logging.Discard()),
		WithLogger(logging.Discard())).Router()
	body, _ := json.Marshal(map[string]interface{}{
		"action": ActionSubmitJob,
		"data":   map[string]interface{}{"transactions": transactionsJSON(10)},
	})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				b.Errorf("Expected 200, got %d", rec.Code)
			}
		}
	})
}
