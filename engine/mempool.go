package engine

import (
	"container/heap"
	"errors"
	"sync"
)

// pendingTx is a mempool entry. seq breaks priority ties in arrival order
// so that batches stay deterministic when timestamps collide.
type pendingTx struct {
	tx    Transaction
	seq   int64
	index int
}

type txHeap []*pendingTx

func (h txHeap) Len() int { return len(h) }

func (h txHeap) Less(i, j int) bool {
	if h[i].tx.Priority != h[j].tx.Priority {
		return h[i].tx.Priority > h[j].tx.Priority
	}
	return h[i].seq < h[j].seq
}

func (h txHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *txHeap) Push(x interface{}) {
	p := x.(*pendingTx)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *txHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// Mempool holds transactions waiting to be grouped into a batch job.
// Higher priority leaves first; equal priorities leave in arrival order.
// IDs are unique among pending transactions only: once a transaction has
// been popped into a batch, the same ID may be added again.
type Mempool struct {
	mu       sync.Mutex
	byID     map[string]*pendingTx
	order    txHeap
	capacity int
	nextSeq  int64
	frontSeq int64
	rejected int64
}

// NewMempool creates a mempool holding at most capacity transactions.
func NewMempool(capacity int) *Mempool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mempool{
		byID:     make(map[string]*pendingTx),
		capacity: capacity,
	}
}

// Add queues a transaction. It fails with ErrInvalidTx when the ID, entity
// or event type is missing, ErrTxAlreadyExists when the ID is pending and
// ErrMempoolFull at capacity.
func (m *Mempool) Add(tx Transaction) error {
	if err := tx.validate(); err != nil {
		m.reject()
		return errors.Join(ErrInvalidTx, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byID[tx.ID]; dup {
		m.rejected++
		return ErrTxAlreadyExists
	}
	if len(m.byID) >= m.capacity {
		m.rejected++
		return ErrMempoolFull
	}

	p := &pendingTx{tx: tx, seq: m.nextSeq}
	m.nextSeq++
	m.byID[tx.ID] = p
	heap.Push(&m.order, p)
	return nil
}

func (m *Mempool) reject() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

// PopBatch removes and returns up to n transactions in batch order.
func (m *Mempool) PopBatch(n int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.order.Len() {
		n = m.order.Len()
	}
	if n <= 0 {
		return nil
	}

	batch := make([]Transaction, n)
	for i := range batch {
		p := heap.Pop(&m.order).(*pendingTx)
		delete(m.byID, p.tx.ID)
		batch[i] = p.tx
	}
	return batch
}

// Requeue puts a popped batch back ahead of everything of equal priority,
// keeping the batch's own order. Entries that no longer fit or whose ID was
// added again meanwhile are not restored. It returns how many were restored.
func (m *Mempool) Requeue(batch []Transaction) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	fit := make([]Transaction, 0, len(batch))
	for _, tx := range batch {
		if len(m.byID)+len(fit) >= m.capacity {
			break
		}
		if _, dup := m.byID[tx.ID]; !dup {
			fit = append(fit, tx)
		}
	}

	m.frontSeq -= int64(len(fit))
	for i, tx := range fit {
		p := &pendingTx{tx: tx, seq: m.frontSeq + int64(i)}
		m.byID[tx.ID] = p
		heap.Push(&m.order, p)
	}
	return len(fit)
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// MempoolStats contains mempool statistics.
type MempoolStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"maxSize"`
	Available int   `json:"available"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns mempool statistics.
func (m *Mempool) Stats() MempoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MempoolStats{
		Size:      len(m.byID),
		MaxSize:   m.capacity,
		Available: m.capacity - len(m.byID),
		Rejected:  m.rejected,
	}
}
