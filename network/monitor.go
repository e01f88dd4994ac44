package network

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pinger checks whether a node answers. *Client implements it.
type Pinger interface {
	Ping(ctx context.Context, address string) error
}

// Monitor periodically pings every registered node and updates its health
// in the balancer.
type Monitor struct {
	balancer *Balancer
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewMonitor creates a health monitor.
func NewMonitor(balancer *Balancer, pinger Pinger, interval, timeout time.Duration, log logrus.FieldLogger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		balancer: balancer,
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		log:      log.WithField("component", "monitor"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic checks.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	m.wg.Add(1)
	go m.loop()
}

// Stop stops periodic checks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckAll(context.Background())
		}
	}
}

// CheckAll pings every node concurrently and waits for the results.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, n := range m.balancer.Nodes() {
		wg.Add(1)
		go func(n NodeStatus) {
			defer wg.Done()
			m.check(ctx, n)
		}(n)
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, n NodeStatus) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.pinger.Ping(ctx, n.Address); err != nil {
		if n.Healthy {
			m.log.WithError(err).WithField("node_id", n.ID).Warn("Node health check failed")
		}
		_ = m.balancer.SetHealthy(n.ID, false)
		return
	}
	_ = m.balancer.Heartbeat(n.ID)
}
