package engine

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Task is the immutable execution request handed to a worker.
type Task struct {
	JobID    string
	Payload  Payload
	Estimate time.Duration
}

// Outcome is what an executor reports for a successful task.
type Outcome struct {
	Processed int
	NodeID    string
}

// Executor runs the body of a job. Implementations must honour ctx.
type Executor interface {
	Execute(ctx context.Context, task *Task) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *Task) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (Outcome, error) {
	return f(ctx, task)
}

// ProcessorFunc processes the payload of one job type.
type ProcessorFunc func(ctx context.Context, task *Task) (Outcome, error)

// LocalExecutor runs jobs in-process with one processor per job type.
// After the processor returns, it spends Pace×Estimate of wall time so that
// the configured cost model is reflected in worker occupancy.
type LocalExecutor struct {
	processors map[JobType]ProcessorFunc
	pace       float64
	mu         sync.RWMutex
}

// NewLocalExecutor creates an executor with the built-in processors.
func NewLocalExecutor(pace float64) *LocalExecutor {
	e := &LocalExecutor{
		processors: make(map[JobType]ProcessorFunc),
		pace:       pace,
	}
	e.Register(TypeTransactionProcessing, processTransactions)
	e.Register(TypeBatchProcessing, processTransactions)
	e.Register(TypeDAGValidation, processDAG)
	e.Register(TypeQuantumSignature, processQuantumSignature)
	e.Register(TypeNetworkSync, processNetworkSync)
	return e
}

// Register installs or replaces the processor for a job type.
func (e *LocalExecutor) Register(kind JobType, fn ProcessorFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processors[kind] = fn
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, task *Task) (Outcome, error) {
	e.mu.RLock()
	fn, ok := e.processors[task.Payload.Kind()]
	e.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoProcessor, task.Payload.Kind())
	}

	out, err := fn(ctx, task)
	if err != nil {
		return out, err
	}

	if e.pace > 0 {
		timer := time.NewTimer(time.Duration(float64(task.Estimate) * e.pace))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-timer.C:
		}
	}
	return out, nil
}

// digestTransaction hashes the identifying fields and data of a transaction.
func digestTransaction(tx *Transaction) [32]byte {
	h := sha256.New()
	h.Write([]byte(tx.ID))
	h.Write([]byte(tx.EntityID))
	h.Write([]byte(tx.EventType))
	h.Write(tx.Data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func processTransactions(ctx context.Context, task *Task) (Outcome, error) {
	txs := task.Payload.Transactions()
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return Outcome{Processed: i}, err
		}
		_ = digestTransaction(&txs[i])
	}
	return Outcome{Processed: len(txs)}, nil
}

// processDAG verifies that every referenced parent exists and that the
// parent graph has no cycle (Kahn's algorithm).
func processDAG(ctx context.Context, task *Task) (Outcome, error) {
	p, ok := task.Payload.(DAGValidationPayload)
	if !ok {
		return Outcome{}, fmt.Errorf("unexpected payload %T for %s", task.Payload, TypeDAGValidation)
	}

	indegree := make(map[string]int, len(p.Txs))
	for _, tx := range p.Txs {
		if tx.ID != "" {
			indegree[tx.ID] = 0
		}
	}

	children := make(map[string][]string)
	for child, parents := range p.Parents {
		if _, known := indegree[child]; !known {
			return Outcome{}, fmt.Errorf("dag references unknown transaction %q", child)
		}
		for _, parent := range parents {
			if _, known := indegree[parent]; !known {
				return Outcome{}, fmt.Errorf("transaction %q references unknown parent %q", child, parent)
			}
			children[parent] = append(children[parent], child)
			indegree[child]++
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Outcome{Processed: visited}, err
		}
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(indegree) {
		return Outcome{Processed: visited}, errors.New("dag contains a cycle")
	}
	return Outcome{Processed: len(p.Txs)}, nil
}

// roundCheckInterval is how many digest rounds run between context checks.
const roundCheckInterval = 1024

// processQuantumSignature derives an iterated SHA-512 digest per
// transaction; SecurityLevel sets the number of rounds.
func processQuantumSignature(ctx context.Context, task *Task) (Outcome, error) {
	rounds := 1
	if p, ok := task.Payload.(QuantumSignaturePayload); ok && p.SecurityLevel > 0 {
		rounds = min(p.SecurityLevel, MaxSecurityLevel)
	}

	txs := task.Payload.Transactions()
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return Outcome{Processed: i}, err
		}
		seed := digestTransaction(&txs[i])
		sum := sha512.Sum512(seed[:])
		for r := 1; r < rounds; r++ {
			if r%roundCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return Outcome{Processed: i}, err
				}
			}
			sum = sha512.Sum512(sum[:])
		}
	}
	return Outcome{Processed: len(txs)}, nil
}

// processNetworkSync walks the requested height range, chaining a digest
// per height with the transactions applied at the start.
func processNetworkSync(ctx context.Context, task *Task) (Outcome, error) {
	p, ok := task.Payload.(NetworkSyncPayload)
	if !ok {
		return processTransactions(ctx, task)
	}
	if p.ToHeight < p.FromHeight {
		return Outcome{}, fmt.Errorf("invalid height range %d..%d", p.FromHeight, p.ToHeight)
	}

	var state [32]byte
	for i := range p.Txs {
		d := digestTransaction(&p.Txs[i])
		state = sha256.Sum256(append(state[:], d[:]...))
	}

	var buf [8]byte
	for h := p.FromHeight; h < p.ToHeight; h++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		binary.BigEndian.PutUint64(buf[:], uint64(h))
		state = sha256.Sum256(append(state[:], buf[:]...))
	}
	return Outcome{Processed: len(p.Txs)}, nil
}
