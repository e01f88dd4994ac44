package engine

import (
	"encoding/json"
	"math"
	"time"
)

// JobType identifies the kind of work a job carries.
type JobType string

const (
	TypeTransactionProcessing JobType = "transaction_processing"
	TypeDAGValidation         JobType = "dag_validation"
	TypeQuantumSignature      JobType = "quantum_signature"
	TypeNetworkSync           JobType = "network_sync"
	TypeBatchProcessing       JobType = "batch_processing"
)

// JobTypes lists every known job type.
var JobTypes = []JobType{
	TypeTransactionProcessing,
	TypeDAGValidation,
	TypeQuantumSignature,
	TypeNetworkSync,
	TypeBatchProcessing,
}

// BatchComplexity is the fixed complexity factor of batch jobs.
const BatchComplexity = 1.2

// JobStatus represents the lifecycle state of a job.
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobProcessing
	JobCompleted
	JobFailed
	JobError
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobProcessing:
		return "processing"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobError
}

// Payload is the typed input of a job. Each job type has its own
// implementation; DecodePayload picks one from the "type" tag.
type Payload interface {
	Kind() JobType
	Transactions() []Transaction
	// TxCount is the transaction count used for estimation (at least 1).
	TxCount() int
	// Complexity is the complexity factor used for estimation (default 1.0).
	Complexity() float64
}

// TxSet holds the fields shared by every payload kind.
type TxSet struct {
	Txs    []Transaction `json:"transactions,omitempty"`
	Factor float64       `json:"complexity,omitempty"`
}

func (s TxSet) Transactions() []Transaction { return s.Txs }

func (s TxSet) TxCount() int {
	if len(s.Txs) == 0 {
		return 1
	}
	return len(s.Txs)
}

func (s TxSet) Complexity() float64 {
	if s.Factor <= 0 || math.IsNaN(s.Factor) || math.IsInf(s.Factor, 0) {
		return 1.0
	}
	return s.Factor
}

// TransactionPayload processes a list of individual transactions.
type TransactionPayload struct {
	TxSet
}

func (TransactionPayload) Kind() JobType { return TypeTransactionProcessing }

// DAGValidationPayload checks that the transactions form an acyclic graph.
// Parents maps a transaction ID to the IDs it references.
type DAGValidationPayload struct {
	TxSet
	Parents map[string][]string `json:"parents,omitempty"`
}

func (DAGValidationPayload) Kind() JobType { return TypeDAGValidation }

// MaxSecurityLevel caps the digest rounds a quantum_signature job may ask for.
const MaxSecurityLevel = 1 << 16

// QuantumSignaturePayload digests transactions under a post-quantum scheme name.
type QuantumSignaturePayload struct {
	TxSet
	Algorithm     string `json:"algorithm,omitempty"`
	SecurityLevel int    `json:"securityLevel,omitempty"`
}

func (QuantumSignaturePayload) Kind() JobType { return TypeQuantumSignature }

// NetworkSyncPayload synchronizes a height range with a set of peers.
type NetworkSyncPayload struct {
	TxSet
	Peers      []string `json:"peers,omitempty"`
	FromHeight int64    `json:"fromHeight,omitempty"`
	ToHeight   int64    `json:"toHeight,omitempty"`
}

func (NetworkSyncPayload) Kind() JobType { return TypeNetworkSync }

// BatchPayload is a size-capped group of transactions built by the Batcher.
type BatchPayload struct {
	TxSet
	BatchID string `json:"batchId,omitempty"`
}

func (BatchPayload) Kind() JobType { return TypeBatchProcessing }

// NewBatchPayload creates a batch payload with the fixed batch complexity.
func NewBatchPayload(batchID string, txs []Transaction) BatchPayload {
	return BatchPayload{
		TxSet:   TxSet{Txs: txs, Factor: BatchComplexity},
		BatchID: batchID,
	}
}

// DecodePayload builds a Payload from a JSON object. It never fails:
// fields that are missing or have the wrong shape fall back to defaults,
// and an unknown type is treated as transaction_processing.
func DecodePayload(raw []byte) Payload {
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(raw, &fields)

	var kind string
	decodeField(fields, "type", &kind)

	set := TxSet{Txs: DecodeTransactions(fields["transactions"])}
	decodeField(fields, "complexity", &set.Factor)

	switch JobType(kind) {
	case TypeDAGValidation:
		p := DAGValidationPayload{TxSet: set}
		decodeField(fields, "parents", &p.Parents)
		return p
	case TypeQuantumSignature:
		p := QuantumSignaturePayload{TxSet: set}
		decodeField(fields, "algorithm", &p.Algorithm)
		decodeField(fields, "securityLevel", &p.SecurityLevel)
		if p.SecurityLevel > MaxSecurityLevel {
			p.SecurityLevel = MaxSecurityLevel
		}
		return p
	case TypeNetworkSync:
		p := NetworkSyncPayload{TxSet: set}
		decodeField(fields, "peers", &p.Peers)
		decodeField(fields, "fromHeight", &p.FromHeight)
		decodeField(fields, "toHeight", &p.ToHeight)
		return p
	case TypeBatchProcessing:
		p := BatchPayload{TxSet: set}
		decodeField(fields, "batchId", &p.BatchID)
		return p
	default:
		return TransactionPayload{TxSet: set}
	}
}

// MarshalPayload encodes a payload together with its type tag, in the
// form accepted by DecodePayload.
func MarshalPayload(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(p.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// DecodeTransactions decodes a JSON list of transactions. Anything that is
// not a list yields no transactions.
func DecodeTransactions(raw []byte) []Transaction {
	if len(raw) == 0 {
		return nil
	}
	var txs []Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil
	}
	return txs
}

// decodeField unmarshals fields[key] into dst, leaving dst untouched on error.
func decodeField(fields map[string]json.RawMessage, key string, dst interface{}) {
	raw, ok := fields[key]
	if !ok || len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

// Job is the scheduler's record of one unit of submitted work.
type Job struct {
	ID          string
	Payload     Payload
	Status      JobStatus
	Estimate    time.Duration
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	WorkerID    int
	NodeID      string
	Result      *JobResult
	Err         string
}

// JobResult describes a successful execution.
type JobResult struct {
	ProcessedCount int     `json:"processedCount"`
	ElapsedTime    float64 `json:"elapsedTime"`
	Throughput     float64 `json:"throughput"`
}

// JobSnapshot is a point-in-time copy of a job, safe to hand to callers.
type JobSnapshot struct {
	ID                      string     `json:"jobId"`
	Type                    JobType    `json:"type"`
	Status                  string     `json:"status"`
	TransactionCount        int        `json:"transactionCount"`
	Complexity              float64    `json:"complexity"`
	EstimatedProcessingTime float64    `json:"estimatedProcessingTime"`
	SubmittedAt             time.Time  `json:"submittedAt"`
	StartedAt               *time.Time `json:"startedAt,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`
	WorkerID                *int       `json:"workerId,omitempty"`
	NodeID                  string     `json:"nodeId,omitempty"`
	Result                  *JobResult `json:"result,omitempty"`
	Error                   string     `json:"error,omitempty"`
}

// Snapshot copies the job (called with the scheduler lock held).
func (j *Job) Snapshot() JobSnapshot {
	snap := JobSnapshot{
		ID:                      j.ID,
		Type:                    j.Payload.Kind(),
		Status:                  j.Status.String(),
		TransactionCount:        len(j.Payload.Transactions()),
		Complexity:              j.Payload.Complexity(),
		EstimatedProcessingTime: millis(j.Estimate),
		SubmittedAt:             j.SubmittedAt,
		NodeID:                  j.NodeID,
		Error:                   j.Err,
	}
	if !j.StartedAt.IsZero() {
		started := j.StartedAt
		snap.StartedAt = &started
		workerID := j.WorkerID
		snap.WorkerID = &workerID
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		snap.CompletedAt = &completed
	}
	if j.Result != nil {
		result := *j.Result
		snap.Result = &result
	}
	return snap
}

// Submission is returned to the caller of Scheduler.Submit.
type Submission struct {
	JobID                   string  `json:"jobId"`
	Status                  string  `json:"status"`
	EstimatedProcessingTime float64 `json:"estimatedProcessingTime"`
}

// millis converts a duration to fractional milliseconds.
func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
