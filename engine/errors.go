package engine

import "errors"

// Common errors for scheduler operations
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrQueueFull        = errors.New("job queue is full")
	ErrSchedulerStopped = errors.New("scheduler is not running")
	ErrSchedulerRunning = errors.New("scheduler already running")
	ErrNoProcessor      = errors.New("no processor registered for job type")
	ErrJobPanicked      = errors.New("panic in job execution")
	ErrWorkerNotFound   = errors.New("worker not found")
)

// Common errors for mempool operations
var (
	ErrMempoolFull     = errors.New("mempool is full")
	ErrTxAlreadyExists = errors.New("transaction already exists")
	ErrInvalidTx       = errors.New("invalid transaction")
)
