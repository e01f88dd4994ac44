package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// NodeSpec describes a remote worker node known at startup.
type NodeSpec struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	NodeID         string        `json:"node_id"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Nodes          []NodeSpec    `json:"nodes"`
	Strategy       Strategy      `json:"strategy"`
	StaleTimeout   time.Duration `json:"stale_timeout"`
	HealthInterval time.Duration `json:"health_interval"`
	RequestTimeout time.Duration `json:"request_timeout"`
	MaxRetries     uint64        `json:"max_retries"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NodeID:         "node-1",
		Host:           "127.0.0.1",
		Port:           5555,
		Nodes:          []NodeSpec{},
		Strategy:       StrategyRoundRobin,
		StaleTimeout:   30 * time.Second,
		HealthInterval: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     2,
	}
}

// Address returns the ZeroMQ endpoint a node built from this config binds.
func (c NetworkConfig) Address() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	NodeID    string        `json:"nodeId"`
	IsRunning bool          `json:"isRunning"`
	Balancer  BalancerStats `json:"balancer"`
	Remote    RemoteStats   `json:"remote"`
}

// Service orchestrates the scheduler side of the network: Balancer,
// Monitor and RemoteExecutor.
type Service struct {
	config   NetworkConfig
	balancer *Balancer
	client   *Client
	monitor  *Monitor
	executor *RemoteExecutor
	log      logrus.FieldLogger

	mu      sync.RWMutex
	running bool
}

// NewService creates a network service. Jobs that cannot run remotely run
// on local.
func NewService(config NetworkConfig, local engine.Executor, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}

	balancer := NewBalancer(BalancerConfig{
		Strategy:      config.Strategy,
		StaleTimeout:  config.StaleTimeout,
		CheckInterval: config.HealthInterval,
	}, log)
	client := NewClient(config.NodeID, ClientConfig{
		RequestTimeout: config.RequestTimeout,
		MaxRetries:     config.MaxRetries,
	})

	return &Service{
		config:   config,
		balancer: balancer,
		client:   client,
		monitor:  NewMonitor(balancer, client, config.HealthInterval, 0, log),
		executor: NewRemoteExecutor(balancer, client, local, log),
		log:      log.WithField("component", "network"),
	}
}

// Start registers the configured nodes and starts health tracking.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	for _, n := range s.config.Nodes {
		if n.ID == "" || n.Address == "" {
			return fmt.Errorf("invalid node spec %+v: id and address are required", n)
		}
		s.balancer.AddNode(n.ID, n.Address, n.Capabilities...)
	}

	s.balancer.Start()
	s.monitor.Start()

	s.running = true
	s.log.WithFields(logrus.Fields{
		"nodes":    len(s.config.Nodes),
		"strategy": s.config.Strategy,
	}).Info("Network service started")
	return nil
}

// Stop stops health tracking.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.monitor.Stop()
	s.balancer.Stop()

	s.running = false
	s.log.Info("Network service stopped")
}

// Executor returns the executor to hand to the scheduler.
func (s *Service) Executor() engine.Executor {
	return s.executor
}

// Balancer returns the node registry.
func (s *Service) Balancer() *Balancer {
	return s.balancer
}

// GetStatus returns the current status of the network service.
func (s *Service) GetStatus() NetworkStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return NetworkStatus{
		NodeID:    s.config.NodeID,
		IsRunning: s.running,
		Balancer:  s.balancer.GetStats(),
		Remote:    s.executor.Stats(),
	}
}

// IsRunning returns whether the service is currently running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
