package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// MaxMessageSize is the largest node message accepted (16MB).
const MaxMessageSize = 16 * 1024 * 1024

// Message types exchanged between the scheduler and a node.
const (
	MsgExecute = "execute"
	MsgPing    = "ping"
	MsgResult  = "result"
	MsgPong    = "pong"
	MsgError   = "error"
)

// ErrMessageTooLarge is returned when a node message exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message too large")

// Message is the JSON envelope carried over the REQ/REP sockets.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	JobID     string          `json:"jobId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Estimate  float64         `json:"estimate,omitempty"`
	Processed int             `json:"processed,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce,omitempty"`
}

// ParseMessage decodes a node message.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("invalid message: missing type")
	}
	return &msg, nil
}

func newMessage(msgType, from string) *Message {
	return &Message{
		Type:      msgType,
		From:      from,
		Timestamp: time.Now(),
		Nonce:     uuid.NewString(),
	}
}

// NodeServer is a worker node: it answers execute and ping requests on a
// ZeroMQ REP socket, running jobs with its own executor.
type NodeServer struct {
	nodeID   string
	address  string
	executor engine.Executor
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	rep    zmq4.Socket

	// Replay protection
	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration

	executed int64
	failed   int64
	statsMu  sync.Mutex

	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewNodeServer creates a node listening on address (e.g. tcp://127.0.0.1:5555).
func NewNodeServer(nodeID, address string, executor engine.Executor, log logrus.FieldLogger) *NodeServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NodeServer{
		nodeID:          nodeID,
		address:         address,
		executor:        executor,
		log:             log.WithFields(logrus.Fields{"component": "node", "node_id": nodeID}),
		ctx:             ctx,
		cancel:          cancel,
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

// Start binds the REP socket and begins serving.
func (s *NodeServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("node already running")
	}

	s.rep = zmq4.NewRep(s.ctx, zmq4.WithID(zmq4.SocketIdentity(s.nodeID)))
	if err := s.rep.Listen(s.address); err != nil {
		return fmt.Errorf("failed to bind rep socket: %w", err)
	}
	s.running = true

	s.wg.Add(2)
	go s.serveLoop()
	go s.replayCacheCleaner()

	s.log.WithField("address", s.address).Info("Node started")
	return nil
}

// Stop shuts the node down. A job in progress is cancelled.
func (s *NodeServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if err := s.rep.Close(); err != nil {
		s.log.WithError(err).Debug("Close rep socket")
	}
	s.wg.Wait()
	s.log.Info("Node stopped")
}

// IsRunning reports whether the node is serving.
func (s *NodeServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	IsRunning bool   `json:"isRunning"`
	Executed  int64  `json:"executed"`
	Failed    int64  `json:"failed"`
}

// GetStats returns current node statistics.
func (s *NodeServer) GetStats() NodeStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	return NodeStats{
		NodeID:    s.nodeID,
		Address:   s.address,
		IsRunning: s.IsRunning(),
		Executed:  s.executed,
		Failed:    s.failed,
	}
}

// serveLoop answers requests one at a time, as REP sockets require.
func (s *NodeServer) serveLoop() {
	defer s.wg.Done()

	for {
		raw, err := s.rep.Recv()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				continue
			}
		}

		reply := s.handle(raw.Bytes())
		data, err := json.Marshal(reply)
		if err != nil {
			s.log.WithError(err).Error("Failed to marshal reply")
			continue
		}
		if err := s.rep.Send(zmq4.NewMsg(data)); err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.WithError(err).Warn("Failed to send reply")
			}
		}
	}
}

// handle turns one request into its reply.
func (s *NodeServer) handle(data []byte) *Message {
	msg, err := ParseMessage(data)
	if err != nil {
		reply := newMessage(MsgError, s.nodeID)
		reply.Error = err.Error()
		return reply
	}
	if !s.isValidReplay(msg) {
		reply := newMessage(MsgError, s.nodeID)
		reply.JobID = msg.JobID
		reply.Error = "replayed or expired message"
		return reply
	}

	switch msg.Type {
	case MsgPing:
		return newMessage(MsgPong, s.nodeID)
	case MsgExecute:
		return s.execute(msg)
	default:
		reply := newMessage(MsgError, s.nodeID)
		reply.Error = fmt.Sprintf("unknown message type %q", msg.Type)
		return reply
	}
}

func (s *NodeServer) execute(msg *Message) *Message {
	task := &engine.Task{
		JobID:    msg.JobID,
		Payload:  engine.DecodePayload(msg.Payload),
		Estimate: time.Duration(msg.Estimate * float64(time.Millisecond)),
	}

	out, err := s.executor.Execute(s.ctx, task)

	s.statsMu.Lock()
	s.executed++
	if err != nil {
		s.failed++
	}
	s.statsMu.Unlock()

	reply := newMessage(MsgResult, s.nodeID)
	reply.JobID = msg.JobID
	reply.Processed = out.Processed
	if err != nil {
		reply.Error = err.Error()
		s.log.WithError(err).WithField("job_id", msg.JobID).Warn("Job failed on node")
	}
	return reply
}

// isValidReplay checks that a message is neither a replay nor too old.
func (s *NodeServer) isValidReplay(msg *Message) bool {
	if msg.Nonce == "" {
		return true
	}

	s.replayCacheMu.Lock()
	defer s.replayCacheMu.Unlock()

	if _, seen := s.replayCache[msg.Nonce]; seen {
		return false
	}
	if time.Since(msg.Timestamp) > s.replayTolerance {
		return false
	}
	s.replayCache[msg.Nonce] = time.Now()
	return true
}

func (s *NodeServer) replayCacheCleaner() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanReplayCache()
		}
	}
}

func (s *NodeServer) cleanReplayCache() {
	s.replayCacheMu.Lock()
	defer s.replayCacheMu.Unlock()

	cutoff := time.Now().Add(-s.replayTolerance)
	for nonce, ts := range s.replayCache {
		if ts.Before(cutoff) {
			delete(s.replayCache, nonce)
		}
	}
}

// ClientConfig contains configuration for the node client.
type ClientConfig struct {
	// RequestTimeout bounds one request/reply round trip.
	RequestTimeout time.Duration
	// MaxRetries is the number of retries after a transport failure.
	MaxRetries uint64
	// DialRetry is the pause between connection attempts.
	DialRetry time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 30 * time.Second,
		MaxRetries:     2,
		DialRetry:      100 * time.Millisecond,
	}
}

// Client sends requests to nodes. Each request uses a fresh REQ socket, so
// a lost reply never wedges the REQ state machine.
type Client struct {
	id     string
	config ClientConfig
}

// NewClient creates a client identified as id in outgoing messages.
func NewClient(id string, config ClientConfig) *Client {
	def := DefaultClientConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.DialRetry <= 0 {
		config.DialRetry = def.DialRetry
	}
	return &Client{id: id, config: config}
}

// Execute runs a task on the node at address. Failures to connect or send
// are retried with exponential backoff. Once a request has been sent it is
// never resent: a missing reply is returned wrapped in ErrNoReply, and a job
// error reported by the node is returned wrapped in ErrRemoteJob.
func (c *Client) Execute(ctx context.Context, address string, task *engine.Task) (engine.Outcome, error) {
	payload, err := engine.MarshalPayload(task.Payload)
	if err != nil {
		return engine.Outcome{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var reply *Message
	err = c.retry(ctx, func() error {
		req := newMessage(MsgExecute, c.id)
		req.JobID = task.JobID
		req.Payload = payload
		req.Estimate = float64(task.Estimate) / float64(time.Millisecond)

		r, err := c.roundTrip(ctx, address, req, task.Estimate)
		if errors.Is(err, ErrNoReply) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		return engine.Outcome{}, err
	}

	switch reply.Type {
	case MsgResult:
		out := engine.Outcome{Processed: reply.Processed, NodeID: reply.From}
		if reply.Error != "" {
			return out, fmt.Errorf("%w on %s: %s", ErrRemoteJob, reply.From, reply.Error)
		}
		return out, nil
	case MsgError:
		return engine.Outcome{}, fmt.Errorf("node %s rejected request: %s", reply.From, reply.Error)
	default:
		return engine.Outcome{}, fmt.Errorf("unexpected reply type %q", reply.Type)
	}
}

// Ping checks that the node at address answers.
func (c *Client) Ping(ctx context.Context, address string) error {
	reply, err := c.roundTrip(ctx, address, newMessage(MsgPing, c.id), 0)
	if err != nil {
		return err
	}
	if reply.Type != MsgPong {
		return fmt.Errorf("unexpected reply type %q", reply.Type)
	}
	return nil
}

// retry runs fn until it succeeds, ctx ends or MaxRetries is used up.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = c.config.RequestTimeout
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(b, c.config.MaxRetries), ctx))
}

// roundTrip sends one request and waits for its reply. The wait is bounded
// by RequestTimeout plus the job's own estimate.
func (c *Client) roundTrip(ctx context.Context, address string, req *Message, extra time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout+extra)
	defer cancel()

	sock := zmq4.NewReq(ctx, zmq4.WithDialerRetry(c.config.DialRetry))
	defer sock.Close()

	if err := sock.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := sock.Send(zmq4.NewMsg(data)); err != nil {
		return nil, fmt.Errorf("failed to send to %s: %w", address, err)
	}

	raw, err := sock.Recv()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w %s: %w", ErrNoReply, address, err)
	}
	reply, err := ParseMessage(raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrNoReply, address, err)
	}
	return reply, nil
}
