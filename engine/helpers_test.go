package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// startScheduler starts a scheduler with no pacing and stops it when the
// test ends.
func startScheduler(t testing.TB, config Config, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s := New(config, opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func testConfig(workers int) Config {
	return Config{
		Workers:  workers,
		BaseUnit: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func makeTransactions(n int) []Transaction {
	txs := make([]Transaction, n)
	for i := range txs {
		txs[i] = Transaction{
			ID:        fmt.Sprintf("tx-%d", i),
			EntityID:  "entity",
			EventType: "test",
		}
	}
	return txs
}

func txPayload(n int, complexity float64) TransactionPayload {
	return TransactionPayload{TxSet: TxSet{Txs: makeTransactions(n), Factor: complexity}}
}

// gateExecutor blocks every execution until release is closed.
type gateExecutor struct {
	release chan struct{}
	started chan string
	mu      sync.Mutex
	order   []string
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		release: make(chan struct{}),
		started: make(chan string, 100),
	}
}

func (g *gateExecutor) Execute(ctx context.Context, task *Task) (Outcome, error) {
	g.mu.Lock()
	g.order = append(g.order, task.JobID)
	g.mu.Unlock()
	g.started <- task.JobID

	select {
	case <-g.release:
		return Outcome{Processed: len(task.Payload.Transactions())}, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (g *gateExecutor) open() {
	close(g.release)
}

// recordingObserver counts lifecycle notifications.
type recordingObserver struct {
	mu        sync.Mutex
	submitted int
	started   int
	finished  map[string]string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]string)}
}

func (o *recordingObserver) JobSubmitted(JobSnapshot) {
	o.mu.Lock()
	o.submitted++
	o.mu.Unlock()
}

func (o *recordingObserver) JobStarted(JobSnapshot) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) JobFinished(job JobSnapshot) {
	o.mu.Lock()
	o.finished[job.ID] = job.Status
	o.mu.Unlock()
}

// stuckExecutor ignores its context and only returns once the test ends.
func stuckExecutor(t testing.TB) (Executor, chan string) {
	release := make(chan struct{})
	started := make(chan string, 10)
	t.Cleanup(func() { close(release) })
	return ExecutorFunc(func(ctx context.Context, task *Task) (Outcome, error) {
		started <- task.JobID
		<-release
		return Outcome{}, nil
	}), started
}

// txJSON renders n transactions as a JSON list.
func txJSON(n int) string {
	b, _ := json.Marshal(makeTransactions(n))
	return string(b)
}
