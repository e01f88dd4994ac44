package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-Scheduler/data"
	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// IngestReply is the JSON reply to one ingest frame.
type IngestReply struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Pending  int      `json:"pending"`
	JobIDs   []string `json:"jobIds"`
	Error    string   `json:"error,omitempty"`
}

// IngestHandler turns Arrow IPC frames into Batcher.Enqueue calls.
type IngestHandler struct {
	batches   BatchService
	converter *data.Converter
	metrics   *Metrics
}

// NewIngestHandler creates a handler. metrics may be nil.
func NewIngestHandler(batches BatchService, metrics *Metrics) *IngestHandler {
	return &IngestHandler{
		batches:   batches,
		converter: data.NewConverter(),
		metrics:   metrics,
	}
}

// ProcessFrame decodes an Arrow IPC stream of TransactionSchema records and
// enqueues every row. Errors are reported in the reply; a mempool that
// fills up part way still reports what was accepted.
func (h *IngestHandler) ProcessFrame(frame []byte) IngestReply {
	reply := IngestReply{JobIDs: []string{}}
	if len(frame) == 0 {
		reply.Error = "received empty data"
		return reply
	}

	records, err := data.DecodeIPC(frame)
	if err != nil {
		reply.Error = fmt.Sprintf("invalid Arrow stream: %v", err)
		return reply
	}
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()

	var txs []engine.Transaction
	for i, record := range records {
		batch, err := h.converter.RecordToTransactions(record)
		if err != nil {
			reply.Error = fmt.Sprintf("record %d: %v", i, err)
			return reply
		}
		txs = append(txs, batch...)
	}

	result, err := h.batches.Enqueue(txs...)
	reply.Accepted = result.Accepted
	reply.Rejected = result.Rejected
	reply.Pending = result.Pending
	reply.JobIDs = append(reply.JobIDs, result.JobIDs...)
	if err != nil {
		reply.Error = err.Error()
	}
	if h.metrics != nil {
		h.metrics.RecordIngest(result.Accepted, result.Rejected)
	}
	return reply
}

// IngestServer is a TCP server that accepts length-prefixed Arrow IPC
// frames and answers each with a JSON IngestReply frame.
type IngestServer struct {
	handler  *IngestHandler
	log      logrus.FieldLogger
	listener net.Listener

	maxFrame int

	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	quit    chan struct{}
}

// IngestOption configures an IngestServer.
type IngestOption func(*IngestServer)

// WithMaxFrameSize limits the size of accepted frames. Zero keeps
// DefaultMaxFrameSize.
func WithMaxFrameSize(n int) IngestOption {
	return func(s *IngestServer) {
		s.maxFrame = n
	}
}

// NewIngestServer creates a new IngestServer.
func NewIngestServer(handler *IngestHandler, log logrus.FieldLogger, opts ...IngestOption) *IngestServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &IngestServer{
		handler: handler,
		log:     log.WithField("component", "ingest"),
		conns:   make(map[net.Conn]struct{}),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAsync binds address and accepts connections in the background.
func (s *IngestServer) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(lis)

	s.log.WithField("address", lis.Addr().String()).Info("Arrow ingest server started")
	return nil
}

// Addr returns the bound address.
func (s *IngestServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection and waits for the
// connection handlers.
func (s *IngestServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if err := s.listener.Close(); err != nil {
		s.log.WithError(err).Debug("Listener close failed")
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *IngestServer) acceptLoop(lis net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.WithError(err).Warn("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// handleConnection serves frames on conn until the peer closes it. An
// oversized frame is answered with an error and ends the connection since
// the stream can no longer be resynchronized.
func (s *IngestServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	for {
		frame, err := ReadFrame(conn, s.maxFrame)
		if err != nil {
			switch {
			case errors.Is(err, ErrFrameTooLarge):
				s.reply(conn, IngestReply{JobIDs: []string{}, Error: err.Error()}, log)
			case errors.Is(err, ErrTruncatedFrame):
				log.WithError(err).Warn("Peer closed mid-frame")
			case !errors.Is(err, io.EOF):
				log.WithError(err).Debug("Read failed")
			}
			return
		}

		reply := s.handler.ProcessFrame(frame)
		if reply.Error != "" {
			log.WithField("error", reply.Error).Warn("Ingest frame rejected")
		}
		if !s.reply(conn, reply, log) {
			return
		}
	}
}

func (s *IngestServer) reply(conn net.Conn, reply IngestReply, log logrus.FieldLogger) bool {
	body, err := json.Marshal(reply)
	if err != nil {
		log.WithError(err).Error("Failed to marshal reply")
		return false
	}
	if err := WriteFrame(conn, body, 0); err != nil {
		log.WithError(err).Debug("Write failed")
		return false
	}
	return true
}
