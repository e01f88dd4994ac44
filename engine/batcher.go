package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OverflowPolicy decides what happens to transactions beyond MaxBatchSize.
type OverflowPolicy string

const (
	// OverflowDrop silently discards the excess.
	OverflowDrop OverflowPolicy = "drop"
	// OverflowSplit submits the excess as follow-up batch jobs.
	OverflowSplit OverflowPolicy = "split"
)

// ParseOverflowPolicy parses a policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverflowDrop, "":
		return OverflowDrop, nil
	case OverflowSplit:
		return OverflowSplit, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// BatchConfig contains configuration for the batcher.
type BatchConfig struct {
	MaxBatchSize  int
	Overflow      OverflowPolicy
	MempoolSize   int
	FlushInterval time.Duration
}

// DefaultBatchConfig returns default configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  100,
		Overflow:      OverflowDrop,
		MempoolSize:   10000,
		FlushInterval: 2 * time.Second,
	}
}

// Submitter accepts job payloads. *Scheduler implements it.
type Submitter interface {
	Submit(payload Payload) (Submission, error)
}

// BatchResult is returned by ProcessBatch.
type BatchResult struct {
	JobID                   string   `json:"jobId"`
	BatchSize               int      `json:"batchSize"`
	EstimatedProcessingTime float64  `json:"estimatedProcessingTime"`
	FollowUpJobIDs          []string `json:"followUpJobIds,omitempty"`
}

// EnqueueResult is returned by Enqueue. Accepted transactions are either
// in one of JobIDs or still pending in the mempool; Pending is the mempool
// size after the call.
type EnqueueResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Pending  int      `json:"pending"`
	JobIDs   []string `json:"jobIds"`
}

// BatcherStats contains batcher statistics.
type BatcherStats struct {
	BatchesSubmitted int64        `json:"batchesSubmitted"`
	TxBatched        int64        `json:"txBatched"`
	TxDropped        int64        `json:"txDropped"`
	Mempool          MempoolStats `json:"mempool"`
}

// Batcher groups transactions into size-capped batch jobs. ProcessBatch
// submits one batch immediately; Enqueue accumulates transactions in a
// mempool that is flushed when a full batch is available or on the flush
// interval.
type Batcher struct {
	config    BatchConfig
	submitter Submitter
	mempool   *Mempool
	log       logrus.FieldLogger

	batches   int64
	txBatched int64
	txDropped int64
	statsMu   sync.Mutex

	flushMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewBatcher creates a batcher submitting to s.
func NewBatcher(config BatchConfig, s Submitter, log logrus.FieldLogger) *Batcher {
	def := DefaultBatchConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = def.MaxBatchSize
	}
	if config.Overflow == "" {
		config.Overflow = def.Overflow
	}
	if config.MempoolSize <= 0 {
		config.MempoolSize = def.MempoolSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Batcher{
		config:    config,
		submitter: s,
		mempool:   NewMempool(config.MempoolSize),
		log:       log.WithField("component", "batcher"),
		stopCh:    make(chan struct{}),
	}
}

// ProcessBatch truncates txs to MaxBatchSize and submits them as a single
// batch_processing job. An empty list is valid and yields batchSize 0.
func (b *Batcher) ProcessBatch(txs []Transaction) (BatchResult, error) {
	size := len(txs)
	if size > b.config.MaxBatchSize {
		size = b.config.MaxBatchSize
	}

	batch := make([]Transaction, size)
	copy(batch, txs[:size])

	sub, err := b.submitter.Submit(NewBatchPayload(uuid.NewString(), batch))
	if err != nil {
		return BatchResult{}, err
	}
	b.recordBatch(size)

	result := BatchResult{
		JobID:                   sub.JobID,
		BatchSize:               size,
		EstimatedProcessingTime: sub.EstimatedProcessingTime,
	}

	excess := txs[size:]
	if len(excess) == 0 {
		return result, nil
	}

	if b.config.Overflow != OverflowSplit {
		b.recordDropped(len(excess))
		b.log.WithFields(logrus.Fields{
			"job_id":  sub.JobID,
			"dropped": len(excess),
		}).Debug("Batch overflow dropped")
		return result, nil
	}

	for len(excess) > 0 {
		n := len(excess)
		if n > b.config.MaxBatchSize {
			n = b.config.MaxBatchSize
		}
		chunk := make([]Transaction, n)
		copy(chunk, excess[:n])

		follow, err := b.submitter.Submit(NewBatchPayload(uuid.NewString(), chunk))
		if err != nil {
			b.recordDropped(len(excess))
			b.log.WithError(err).WithField("job_id", sub.JobID).
				Warn("Follow-up batch rejected, remaining transactions dropped")
			break
		}
		b.recordBatch(n)
		result.FollowUpJobIDs = append(result.FollowUpJobIDs, follow.JobID)
		excess = excess[n:]
	}

	return result, nil
}

// Enqueue adds transactions to the mempool and submits every full batch
// that becomes available. Transactions without an ID get a generated one;
// missing entity or event type default to "unknown". Duplicates and
// transactions that do not fit are rejected, as is everything when the
// submitter reports it is stopped. A batch the submitter refuses goes back
// into the mempool and the submit error is returned.
func (b *Batcher) Enqueue(txs ...Transaction) (EnqueueResult, error) {
	result := EnqueueResult{JobIDs: []string{}}

	if r, ok := b.submitter.(interface{ IsRunning() bool }); ok && !r.IsRunning() {
		result.Rejected = len(txs)
		result.Pending = b.mempool.Size()
		return result, ErrSchedulerStopped
	}

	var fullErr error
	now := time.Now()
	for _, tx := range txs {
		err := b.mempool.Add(tx.withDefaults(now))
		if err == nil {
			result.Accepted++
			continue
		}
		result.Rejected++
		if errors.Is(err, ErrMempoolFull) {
			fullErr = err
		}
	}

	ids, err := b.flush(false)
	result.JobIDs = append(result.JobIDs, ids...)
	result.Pending = b.mempool.Size()
	if err != nil {
		return result, err
	}
	return result, fullErr
}

// Flush submits everything currently pending, including a partial batch.
func (b *Batcher) Flush() ([]string, error) {
	return b.flush(true)
}

// flush submits full batches, and the trailing partial batch when partial
// is set.
func (b *Batcher) flush(partial bool) ([]string, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var ids []string
	for {
		size := b.mempool.Size()
		if size == 0 || (size < b.config.MaxBatchSize && !partial) {
			return ids, nil
		}

		batch := b.mempool.PopBatch(b.config.MaxBatchSize)
		result, err := b.ProcessBatch(batch)
		if err != nil {
			// The batch waits for the next flush instead of being lost.
			if lost := len(batch) - b.mempool.Requeue(batch); lost > 0 {
				b.recordDropped(lost)
			}
			return ids, fmt.Errorf("failed to submit batch of %d: %w", len(batch), err)
		}
		ids = append(ids, result.JobID)
	}
}

// Start begins the periodic flush loop.
func (b *Batcher) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("batcher already running")
	}
	b.running = true

	b.wg.Add(1)
	go b.flushLoop()
	return nil
}

// Stop stops the flush loop and submits whatever is still pending.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	if ids, err := b.Flush(); err != nil {
		b.log.WithError(err).WithField("pending", b.mempool.Size()).Warn("Final flush failed")
	} else if len(ids) > 0 {
		b.log.WithField("batches", len(ids)).Info("Flushed pending transactions")
	}
}

// flushLoop periodically flushes partial batches.
func (b *Batcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if _, err := b.Flush(); err != nil {
				b.log.WithError(err).Warn("Periodic flush failed")
			}
		}
	}
}

// Stats returns batcher statistics.
func (b *Batcher) Stats() BatcherStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	return BatcherStats{
		BatchesSubmitted: b.batches,
		TxBatched:        b.txBatched,
		TxDropped:        b.txDropped,
		Mempool:          b.mempool.Stats(),
	}
}

func (b *Batcher) recordBatch(size int) {
	b.statsMu.Lock()
	b.batches++
	b.txBatched += int64(size)
	b.statsMu.Unlock()
}

func (b *Batcher) recordDropped(n int) {
	b.statsMu.Lock()
	b.txDropped += int64(n)
	b.statsMu.Unlock()
}
