package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSubmitter records every submitted payload.
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []Payload
	failAt   int
}

func (f *fakeSubmitter) Submit(p Payload) (Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAt > 0 && len(f.payloads)+1 == f.failAt {
		return Submission{}, ErrQueueFull
	}
	f.payloads = append(f.payloads, p)
	return Submission{
		JobID:                   fmt.Sprintf("job-%d", len(f.payloads)),
		Status:                  "queued",
		EstimatedProcessingTime: 1,
	}, nil
}

func (f *fakeSubmitter) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	sizes := make([]int, len(f.payloads))
	for i, p := range f.payloads {
		sizes[i] = len(p.Transactions())
	}
	return sizes
}

func TestProcessBatchCapsSize(t *testing.T) {
	sub := &fakeSubmitter{}
	b := NewBatcher(DefaultBatchConfig(), sub, quietLogger())

	result, err := b.ProcessBatch(makeTransactions(200))
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if result.BatchSize != 100 {
		t.Errorf("Expected batch size 100, got %d", result.BatchSize)
	}
	if len(result.FollowUpJobIDs) != 0 {
		t.Errorf("Expected no follow-ups with drop policy, got %v", result.FollowUpJobIDs)
	}

	sizes := sub.sizes()
	if len(sizes) != 1 || sizes[0] != 100 {
		t.Errorf("Expected a single submission of 100, got %v", sizes)
	}
	if sub.payloads[0].Kind() != TypeBatchProcessing {
		t.Errorf("Expected batch_processing, got %s", sub.payloads[0].Kind())
	}
	if sub.payloads[0].Complexity() != BatchComplexity {
		t.Errorf("Expected complexity %v, got %v", BatchComplexity, sub.payloads[0].Complexity())
	}

	if stats := b.Stats(); stats.TxDropped != 100 || stats.TxBatched != 100 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestProcessBatchEmpty(t *testing.T) {
	sub := &fakeSubmitter{}
	b := NewBatcher(DefaultBatchConfig(), sub, quietLogger())

	result, err := b.ProcessBatch(nil)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if result.BatchSize != 0 {
		t.Errorf("Expected batch size 0, got %d", result.BatchSize)
	}
	if result.JobID == "" {
		t.Error("Expected a job to be submitted for an empty batch")
	}
}

func TestProcessBatchSmall(t *testing.T) {
	sub := &fakeSubmitter{}
	b := NewBatcher(DefaultBatchConfig(), sub, quietLogger())

	txs := makeTransactions(5)
	result, _ := b.ProcessBatch(txs)
	if result.BatchSize != 5 {
		t.Errorf("Expected batch size 5, got %d", result.BatchSize)
	}

	// The batch is a copy of the caller's slice.
	txs[0].ID = "mutated"
	if got := sub.payloads[0].Transactions()[0].ID; got != "tx-0" {
		t.Errorf("Expected batch to be isolated from caller, got %s", got)
	}
}

func TestProcessBatchSplit(t *testing.T) {
	sub := &fakeSubmitter{}
	config := DefaultBatchConfig()
	config.Overflow = OverflowSplit
	b := NewBatcher(config, sub, quietLogger())

	result, err := b.ProcessBatch(makeTransactions(250))
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if result.BatchSize != 100 {
		t.Errorf("Expected batch size 100, got %d", result.BatchSize)
	}
	if len(result.FollowUpJobIDs) != 2 {
		t.Fatalf("Expected 2 follow-up jobs, got %v", result.FollowUpJobIDs)
	}

	sizes := sub.sizes()
	want := []int{100, 100, 50}
	if len(sizes) != len(want) {
		t.Fatalf("Expected %v, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("Expected size %d at %d, got %d", want[i], i, sizes[i])
		}
	}
}

func TestProcessBatchSplitFollowUpRejected(t *testing.T) {
	sub := &fakeSubmitter{failAt: 2}
	config := DefaultBatchConfig()
	config.Overflow = OverflowSplit
	b := NewBatcher(config, sub, quietLogger())

	result, err := b.ProcessBatch(makeTransactions(250))
	if err != nil {
		t.Fatalf("Primary batch should still succeed, got %v", err)
	}
	if len(result.FollowUpJobIDs) != 0 {
		t.Errorf("Expected no follow-ups, got %v", result.FollowUpJobIDs)
	}
	if stats := b.Stats(); stats.TxDropped != 150 {
		t.Errorf("Expected 150 dropped, got %d", stats.TxDropped)
	}
}

func TestProcessBatchSubmitError(t *testing.T) {
	b := NewBatcher(DefaultBatchConfig(), &fakeSubmitter{failAt: 1}, quietLogger())

	if _, err := b.ProcessBatch(makeTransactions(3)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	if p, err := ParseOverflowPolicy(""); err != nil || p != OverflowDrop {
		t.Errorf("Expected drop default, got %q / %v", p, err)
	}
	if p, err := ParseOverflowPolicy("split"); err != nil || p != OverflowSplit {
		t.Errorf("Expected split, got %q / %v", p, err)
	}
	if _, err := ParseOverflowPolicy("spill"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestEnqueueFlushesFullBatches(t *testing.T) {
	sub := &fakeSubmitter{}
	config := DefaultBatchConfig()
	config.MaxBatchSize = 10
	b := NewBatcher(config, sub, quietLogger())

	result, err := b.Enqueue(makeTransactions(25)...)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if result.Accepted != 25 || result.Rejected != 0 {
		t.Errorf("Unexpected enqueue result: %+v", result)
	}
	if len(result.JobIDs) != 2 {
		t.Errorf("Expected 2 full batches, got %v", result.JobIDs)
	}
	if b.Stats().Mempool.Size != 5 {
		t.Errorf("Expected 5 pending, got %d", b.Stats().Mempool.Size)
	}

	ids, err := b.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Expected 1 partial batch, got %v", ids)
	}
	if b.Stats().Mempool.Size != 0 {
		t.Error("Expected empty mempool after flush")
	}
}

// gatedSubmitter rejects submissions with ErrQueueFull until opened and
// reports itself stopped when stopped is set.
type gatedSubmitter struct {
	fakeSubmitter
	open    bool
	stopped bool
}

func (g *gatedSubmitter) Submit(p Payload) (Submission, error) {
	if !g.open {
		return Submission{}, ErrQueueFull
	}
	return g.fakeSubmitter.Submit(p)
}

func (g *gatedSubmitter) IsRunning() bool { return !g.stopped }

func TestEnqueueKeepsRejectedBatchPending(t *testing.T) {
	sub := &gatedSubmitter{}
	config := DefaultBatchConfig()
	config.MaxBatchSize = 10
	b := NewBatcher(config, sub, quietLogger())

	result, err := b.Enqueue(makeTransactions(10)...)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if result.Accepted != 10 || result.Pending != 10 || len(result.JobIDs) != 0 {
		t.Errorf("Expected 10 accepted and still pending, got %+v", result)
	}
	if stats := b.Stats(); stats.TxDropped != 0 || stats.Mempool.Size != 10 {
		t.Errorf("Expected nothing dropped and 10 pending, got %+v", stats)
	}

	sub.open = true
	ids, err := b.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("Expected 1 batch once the queue frees up, got %v", ids)
	}
	txs := sub.payloads[0].Transactions()
	for i, tx := range txs {
		if want := fmt.Sprintf("tx-%d", i); tx.ID != want {
			t.Errorf("Expected %s at %d, got %s", want, i, tx.ID)
		}
	}
}

func TestEnqueueStoppedSubmitter(t *testing.T) {
	sub := &gatedSubmitter{open: true, stopped: true}
	b := NewBatcher(DefaultBatchConfig(), sub, quietLogger())

	result, err := b.Enqueue(makeTransactions(5)...)
	if !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("Expected ErrSchedulerStopped, got %v", err)
	}
	if result.Accepted != 0 || result.Rejected != 5 {
		t.Errorf("Expected all 5 rejected, got %+v", result)
	}
	if b.Stats().Mempool.Size != 0 {
		t.Error("Expected nothing left in the mempool")
	}
}

func TestEnqueueDefaultsAndDuplicates(t *testing.T) {
	sub := &fakeSubmitter{}
	b := NewBatcher(DefaultBatchConfig(), sub, quietLogger())

	result, err := b.Enqueue(
		Transaction{},
		Transaction{ID: "dup"},
		Transaction{ID: "dup"},
	)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if result.Accepted != 2 || result.Rejected != 1 {
		t.Errorf("Expected 2 accepted / 1 rejected, got %+v", result)
	}

	_, _ = b.Flush()
	txs := sub.payloads[0].Transactions()
	for _, tx := range txs {
		if tx.ID == "" {
			t.Error("Expected generated transaction ID")
		}
		if tx.EntityID != "unknown" || tx.EventType != "unknown" {
			t.Errorf("Expected unknown defaults, got %+v", tx)
		}
	}
}

func TestEnqueueMempoolFull(t *testing.T) {
	config := DefaultBatchConfig()
	config.MempoolSize = 3
	b := NewBatcher(config, &fakeSubmitter{}, quietLogger())

	result, err := b.Enqueue(makeTransactions(5)...)
	if !errors.Is(err, ErrMempoolFull) {
		t.Errorf("Expected ErrMempoolFull, got %v", err)
	}
	if result.Accepted != 3 || result.Rejected != 2 {
		t.Errorf("Expected 3 accepted / 2 rejected, got %+v", result)
	}
}

func TestBatcherPeriodicFlush(t *testing.T) {
	sub := &fakeSubmitter{}
	config := DefaultBatchConfig()
	config.FlushInterval = 10 * time.Millisecond
	b := NewBatcher(config, sub, quietLogger())

	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()
	if err := b.Start(); err == nil {
		t.Error("Second Start should fail")
	}

	_, _ = b.Enqueue(makeTransactions(3)...)
	waitFor(t, time.Second, func() bool { return len(sub.sizes()) == 1 })
}

func TestBatcherStopFlushesPending(t *testing.T) {
	sub := &fakeSubmitter{}
	config := DefaultBatchConfig()
	config.FlushInterval = time.Hour
	b := NewBatcher(config, sub, quietLogger())

	_ = b.Start()
	_, _ = b.Enqueue(makeTransactions(7)...)
	b.Stop()

	sizes := sub.sizes()
	if len(sizes) != 1 || sizes[0] != 7 {
		t.Errorf("Expected final flush of 7, got %v", sizes)
	}

	// Idempotent
	b.Stop()
}

func TestBatcherWithScheduler(t *testing.T) {
	s := startScheduler(t, testConfig(2))
	b := NewBatcher(DefaultBatchConfig(), s, quietLogger())

	result, err := b.ProcessBatch(makeTransactions(150))
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		job, err := s.JobStatus(result.JobID)
		return err == nil && job.Status == "completed"
	})

	job, _ := s.JobStatus(result.JobID)
	if job.Type != TypeBatchProcessing || job.TransactionCount != 100 {
		t.Errorf("Unexpected job: %+v", job)
	}
	if job.Result == nil || job.Result.ProcessedCount != 100 {
		t.Errorf("Expected 100 processed, got %+v", job.Result)
	}
}
