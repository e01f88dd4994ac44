package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
	"github.com/VanDung-dev/HieraChain-Scheduler/network"
)

// Actions accepted by POST /api/jobs.
const (
	ActionSubmitJob           = "submit_job"
	ActionProcessBatch        = "process_batch"
	ActionEnqueueTransactions = "enqueue_transactions"
)

// JobService is the scheduler as seen by the HTTP layer.
type JobService interface {
	Submit(payload engine.Payload) (engine.Submission, error)
	JobStatus(id string) (engine.JobSnapshot, error)
	Metrics() engine.MetricsSnapshot
	Workers() []engine.WorkerSnapshot
	IsRunning() bool
}

// BatchService is the batcher as seen by the HTTP and ingest layers.
type BatchService interface {
	ProcessBatch(txs []engine.Transaction) (engine.BatchResult, error)
	Enqueue(txs ...engine.Transaction) (engine.EnqueueResult, error)
}

// ClusterService reports the state of remote nodes.
type ClusterService interface {
	GetStatus() network.NetworkStatus
}

// Response is the envelope of every /api/jobs reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Overview is returned by GET /api/jobs without a jobId.
type Overview struct {
	Metrics engine.MetricsSnapshot  `json:"metrics"`
	Workers []engine.WorkerSnapshot `json:"workers"`
	Cluster *network.NetworkStatus  `json:"cluster,omitempty"`
}

type jobRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Handler serves the job API.
type Handler struct {
	jobs    JobService
	batches BatchService
	cluster ClusterService
	metrics *Metrics
	stream  *Hub
	log     logrus.FieldLogger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCluster adds the cluster status to the GET overview.
func WithCluster(c ClusterService) HandlerOption {
	return func(h *Handler) { h.cluster = c }
}

// WithMetrics serves /metrics and counts requests.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithStream serves the live websocket stream on /ws.
func WithStream(hub *Hub) HandlerOption {
	return func(h *Handler) { h.stream = hub }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// NewHandler creates a Handler.
func NewHandler(jobs JobService, batches BatchService, opts ...HandlerOption) *Handler {
	h := &Handler{
		jobs:    jobs,
		batches: batches,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithField("component", "http")
	return h
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	if h.metrics != nil {
		r.Use(h.instrument())
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	r.GET("/health", h.health)

	jobs := r.Group("/api")
	jobs.POST("/jobs", h.postJobs)
	jobs.GET("/jobs", h.getJobs)

	if h.stream != nil {
		r.GET("/ws", gin.WrapF(h.stream.ServeHTTP))
	}
	return r
}

func (h *Handler) postJobs(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusInternalServerError, "Internal server error", err)
		return
	}

	switch req.Action {
	case ActionSubmitJob:
		sub, err := h.jobs.Submit(engine.DecodePayload(req.Data))
		if err != nil {
			h.failFor(c, err)
			return
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: sub})

	case ActionProcessBatch:
		result, err := h.batches.ProcessBatch(transactionsOf(req.Data))
		if err != nil {
			h.failFor(c, err)
			return
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: result})

	case ActionEnqueueTransactions:
		result, err := h.batches.Enqueue(transactionsOf(req.Data)...)
		if h.metrics != nil {
			h.metrics.RecordIngest(result.Accepted, result.Rejected)
		}
		if err != nil && result.Accepted == 0 {
			h.failFor(c, err)
			return
		}
		if err != nil {
			h.log.WithError(err).WithField("rejected", result.Rejected).Warn("Enqueue partially rejected")
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: result})

	default:
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "Invalid action"})
	}
}

func (h *Handler) getJobs(c *gin.Context) {
	if id := c.Query("jobId"); id != "" {
		job, err := h.jobs.JobStatus(id)
		if errors.Is(err, engine.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, Response{Success: false, Error: "Job not found"})
			return
		}
		if err != nil {
			h.failFor(c, err)
			return
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: job})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: h.overview()})
}

func (h *Handler) overview() Overview {
	o := Overview{
		Metrics: h.jobs.Metrics(),
		Workers: h.jobs.Workers(),
	}
	if h.cluster != nil {
		status := h.cluster.GetStatus()
		o.Cluster = &status
	}
	return o
}

func (h *Handler) health(c *gin.Context) {
	if !h.jobs.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// failFor maps scheduler back-pressure to 503 and everything else to 500.
func (h *Handler) failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrSchedulerStopped),
		errors.Is(err, engine.ErrMempoolFull):
		h.fail(c, http.StatusServiceUnavailable, "Service unavailable", err)
	default:
		h.fail(c, http.StatusInternalServerError, "Internal server error", err)
	}
}

func (h *Handler) fail(c *gin.Context, code int, title string, err error) {
	h.log.WithError(err).WithField("status", code).Warn("Request failed")
	c.JSON(code, Response{Success: false, Error: title, Message: err.Error()})
}

// transactionsOf reads data.transactions; any other shape yields none.
func transactionsOf(data json.RawMessage) []engine.Transaction {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return []engine.Transaction{}
	}
	return engine.DecodeTransactions(fields["transactions"])
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}

func (h *Handler) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		h.metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status()),
		).Inc()
	}
}

// Server runs the HTTP API.
type Server struct {
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start listens and serves until Stop is called (blocking). It returns nil
// after a clean shutdown.
func (s *Server) Start() error {
	if err := s.listen(); err != nil {
		return err
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartAsync listens and serves in a goroutine.
func (s *Server) StartAsync() error {
	if err := s.listen(); err != nil {
		return err
	}
	go func() {
		_ = s.server.Serve(s.listener)
	}()
	return nil
}

func (s *Server) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server is already running")
	}
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = lis
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
