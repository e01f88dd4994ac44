package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraChain-Scheduler/api"
	"github.com/VanDung-dev/HieraChain-Scheduler/data"
	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address      string
	Concurrency  int
	RequestCount int64
	Duration     time.Duration
	BatchSize    int
	ReportFile   string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	Accepted       int64
	Rejected       int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
	TxPerSec       float64
}

type counters struct {
	total, success, failed int64
	accepted, rejected     int64
	latencySum             int64
	minLatency             int64
	maxLatency             int64
}

func main() {
	config := StressTestConfig{}

	cmd := &cobra.Command{
		Use:   "stress_test",
		Short: "Drive the Arrow ingest endpoint with concurrent transaction batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.BatchSize <= 0 || config.Concurrency <= 0 {
				return fmt.Errorf("batch size and concurrency must be positive")
			}

			fmt.Println("=== HieraChain Arrow Ingest Stress Test ===")
			fmt.Printf("Target: %s\n", config.Address)
			fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
			fmt.Printf("Batch size: %d transactions\n", config.BatchSize)
			fmt.Printf("Duration: %v\n", config.Duration)
			fmt.Println()

			result := runStressTest(config)
			printResults(result)

			if config.ReportFile != "" {
				return saveReport(config, result)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&config.Address, "addr", "127.0.0.1:9000", "Arrow ingest server address")
	cmd.Flags().IntVarP(&config.Concurrency, "concurrency", "c", 10, "Number of concurrent workers")
	cmd.Flags().Int64VarP(&config.RequestCount, "requests", "n", 0, "Total number of requests (0 = until duration)")
	cmd.Flags().DurationVarP(&config.Duration, "duration", "d", 30*time.Second, "Duration of test")
	cmd.Flags().IntVarP(&config.BatchSize, "batch", "b", 100, "Transactions per frame")
	cmd.Flags().StringVarP(&config.ReportFile, "output", "o", "", "Output report file (JSON)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStressTest(config StressTestConfig) StressTestResult {
	c := &counters{minLatency: 1<<63 - 1}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, config, stop, c)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-time.After(config.Duration):
		close(stop)
		<-done
	case <-done:
	}

	duration := time.Since(startTime)
	success := atomic.LoadInt64(&c.success)
	total := atomic.LoadInt64(&c.total)
	accepted := atomic.LoadInt64(&c.accepted)

	var avgLatency time.Duration
	minLat := atomic.LoadInt64(&c.minLatency)
	if success > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&c.latencySum) / success)
	} else {
		minLat = 0
	}

	return StressTestResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     atomic.LoadInt64(&c.failed),
		Accepted:       accepted,
		Rejected:       atomic.LoadInt64(&c.rejected),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(atomic.LoadInt64(&c.maxLatency)),
		RequestsPerSec: float64(total) / duration.Seconds(),
		TxPerSec:       float64(accepted) / duration.Seconds(),
	}
}

// runWorker keeps one connection open and reconnects after a failure.
func runWorker(id int, config StressTestConfig, stop chan struct{}, c *counters) {
	log := logrus.WithField("worker", id)
	converter := data.NewConverter()
	var conn net.Conn

	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}
		if n := atomic.AddInt64(&c.total, 1); config.RequestCount > 0 && n > config.RequestCount {
			atomic.AddInt64(&c.total, -1)
			return
		}

		if conn == nil {
			var err error
			conn, err = net.DialTimeout("tcp", config.Address, 5*time.Second)
			if err != nil {
				atomic.AddInt64(&c.failed, 1)
				log.WithError(err).Debug("Dial failed")
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		latency, reply, err := sendBatch(conn, converter, config.BatchSize)
		if err != nil {
			atomic.AddInt64(&c.failed, 1)
			log.WithError(err).Debug("Request failed")
			conn.Close()
			conn = nil
			time.Sleep(10 * time.Millisecond)
			continue
		}

		atomic.AddInt64(&c.accepted, int64(reply.Accepted))
		atomic.AddInt64(&c.rejected, int64(reply.Rejected))
		if reply.Error != "" && reply.Accepted == 0 {
			atomic.AddInt64(&c.failed, 1)
			continue
		}
		c.recordSuccess(latency)
	}
}

func (c *counters) recordSuccess(latency time.Duration) {
	atomic.AddInt64(&c.success, 1)
	lat := int64(latency)
	atomic.AddInt64(&c.latencySum, lat)
	for {
		old := atomic.LoadInt64(&c.minLatency)
		if lat >= old || atomic.CompareAndSwapInt64(&c.minLatency, old, lat) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&c.maxLatency)
		if lat <= old || atomic.CompareAndSwapInt64(&c.maxLatency, old, lat) {
			break
		}
	}
}

func sendBatch(conn net.Conn, converter *data.Converter, n int) (time.Duration, api.IngestReply, error) {
	var reply api.IngestReply

	txs := make([]engine.Transaction, n)
	now := time.Now()
	for i := range txs {
		txs[i] = engine.Transaction{
			ID:        uuid.NewString(),
			EntityID:  "stress_test",
			EventType: "test",
			Priority:  i % 5,
			Timestamp: now,
		}
	}

	record, err := converter.TransactionsToRecord(txs)
	if err != nil {
		return 0, reply, err
	}
	frame, err := data.EncodeIPC(record)
	record.Release()
	if err != nil {
		return 0, reply, err
	}

	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return 0, reply, err
	}

	start := time.Now()
	if err := api.WriteFrame(conn, frame, 0); err != nil {
		return 0, reply, err
	}
	raw, err := api.ReadFrame(conn, 0)
	latency := time.Since(start)
	if err != nil {
		return 0, reply, err
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return 0, reply, fmt.Errorf("invalid reply: %w", err)
	}
	return latency, reply, nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, percent(result.SuccessfulReqs, result.TotalRequests))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, percent(result.FailedReqs, result.TotalRequests))
	fmt.Printf("Accepted tx:     %d\n", result.Accepted)
	fmt.Printf("Rejected tx:     %d\n", result.Rejected)
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Tx/sec:          %.2f\n", result.TxPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) error {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     config.Address,
			"concurrency": config.Concurrency,
			"batch_size":  config.BatchSize,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"accepted_tx":      result.Accepted,
			"rejected_tx":      result.Rejected,
			"requests_per_sec": result.RequestsPerSec,
			"tx_per_sec":       result.TxPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(config.ReportFile, out, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("Report saved to: %s\n", config.ReportFile)
	return nil
}
