package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Version is the current version of the HieraChain Scheduler.
const Version = "0.1.0"

// SchedulerService is the service name reported by the health server in
// addition to the overall "" service.
const SchedulerService = "hierachain.Scheduler"

// RunningChecker reports whether the scheduler accepts work.
type RunningChecker interface {
	IsRunning() bool
}

// HealthServer serves grpc.health.v1.Health. Its status follows the
// scheduler: SERVING while it runs, NOT_SERVING otherwise.
type HealthServer struct {
	source   RunningChecker
	interval time.Duration
	metrics  *Metrics
	log      logrus.FieldLogger

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewHealthServer creates a health server polling source every interval.
// metrics may be nil.
func NewHealthServer(source RunningChecker, interval time.Duration, metrics *Metrics, log logrus.FieldLogger) *HealthServer {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HealthServer{
		source:   source,
		interval: interval,
		metrics:  metrics,
		log:      log.WithField("component", "grpc-health"),
		health:   health.NewServer(),
		stopCh:   make(chan struct{}),
	}
}

// StartAsync binds address and serves in the background.
func (s *HealthServer) StartAsync(address string) error {
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

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(16 * 1024 * 1024),
		grpc.MaxSendMsgSize(16 * 1024 * 1024),
	}
	if s.metrics != nil {
		opts = append(opts, grpc.UnaryInterceptor(s.metrics.UnaryServerInterceptor()))
	}
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.refresh()

	s.running = true
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.log.WithError(err).Error("gRPC server stopped")
		}
	}()
	go s.watch()

	s.log.WithField("address", lis.Addr().String()).Info("gRPC health server started")
	return nil
}

// Addr returns the bound address.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *HealthServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.wg.Wait()
}

func (s *HealthServer) watch() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *HealthServer) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source.IsRunning() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(SchedulerService, status)
}
