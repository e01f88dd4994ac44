package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Common errors for network operations
var (
	ErrNodeNotFound   = errors.New("node not found")
	ErrNoHealthyNodes = errors.New("no healthy nodes available")
	ErrNodeNotRunning = errors.New("node is not running")
	ErrRemoteJob      = errors.New("remote job failed")
	// ErrNoReply means a request reached the node but no reply came back.
	// The node may still run the job, so it is neither retried nor run
	// locally.
	ErrNoReply = errors.New("no reply from node")
)

// Strategy selects among eligible nodes.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyLeastConnections Strategy = "least-connections"
)

// ParseStrategy parses a strategy name. An empty name means round-robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, "":
		return StrategyRoundRobin, nil
	case StrategyLeastConnections:
		return StrategyLeastConnections, nil
	default:
		return "", fmt.Errorf("unknown balancing strategy %q", s)
	}
}

// BalancerConfig contains configuration for the load balancer.
type BalancerConfig struct {
	Strategy      Strategy
	StaleTimeout  time.Duration
	CheckInterval time.Duration
	// BreakerFailures is the number of consecutive transport failures that
	// opens a node's breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long a breaker stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultBalancerConfig returns default configuration.
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		Strategy:        StrategyRoundRobin,
		StaleTimeout:    30 * time.Second,
		CheckInterval:   10 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  10 * time.Second,
	}
}

// NodeStatus is a point-in-time copy of a registered node.
type NodeStatus struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Healthy      bool      `json:"healthy"`
	ActiveJobs   int       `json:"activeJobs"`
	Dispatched   int64     `json:"dispatched"`
	Failures     int64     `json:"failures"`
	Breaker      string    `json:"breaker"`
	LastSeen     time.Time `json:"lastSeen"`
}

// BalancerStats contains load balancer statistics.
type BalancerStats struct {
	TotalNodes   int          `json:"totalNodes"`
	HealthyNodes int          `json:"healthyNodes"`
	ActiveJobs   int          `json:"activeJobs"`
	Strategy     Strategy     `json:"strategy"`
	Nodes        []NodeStatus `json:"nodes"`
}

type node struct {
	id           string
	address      string
	capabilities map[string]bool
	healthy      bool
	active       int
	dispatched   int64
	failures     int64
	lastSeen     time.Time
	breaker      *gobreaker.CircuitBreaker
}

func (n *node) status() NodeStatus {
	caps := make([]string, 0, len(n.capabilities))
	for c := range n.capabilities {
		caps = append(caps, c)
	}
	return NodeStatus{
		ID:           n.id,
		Address:      n.address,
		Capabilities: caps,
		Healthy:      n.healthy,
		ActiveJobs:   n.active,
		Dispatched:   n.dispatched,
		Failures:     n.failures,
		Breaker:      n.breaker.State().String(),
		LastSeen:     n.lastSeen,
	}
}

// accepts reports whether the node can run jobs of the given capability.
// A node without a capability list accepts everything.
func (n *node) accepts(capability string) bool {
	return len(n.capabilities) == 0 || n.capabilities[capability]
}

// Balancer keeps a registry of worker nodes and picks one per dispatch.
type Balancer struct {
	config BalancerConfig
	nodes  map[string]*node
	order  []string
	next   int
	mu     sync.Mutex

	log logrus.FieldLogger
	now func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewBalancer creates a new load balancer.
func NewBalancer(config BalancerConfig, log logrus.FieldLogger) *Balancer {
	def := DefaultBalancerConfig()
	if config.Strategy == "" {
		config.Strategy = def.Strategy
	}
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = def.StaleTimeout
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = def.BreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = def.BreakerTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Balancer{
		config: config,
		nodes:  make(map[string]*node),
		log:    log.WithField("component", "balancer"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// AddNode registers a node, or replaces the address and capabilities of an
// existing one. New nodes start healthy.
func (b *Balancer) AddNode(id, address string, capabilities ...string) {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := b.nodes[id]; ok {
		n.address = address
		n.capabilities = caps
		n.lastSeen = b.now()
		return
	}

	b.nodes[id] = &node{
		id:           id,
		address:      address,
		capabilities: caps,
		healthy:      true,
		lastSeen:     b.now(),
		breaker:      b.newBreaker(id),
	}
	b.order = append(b.order, id)
	b.log.WithFields(logrus.Fields{"node_id": id, "address": address}).Info("Node registered")
}

func (b *Balancer) newBreaker(id string) *gobreaker.CircuitBreaker {
	failures := b.config.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     b.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A job that ran and failed says nothing about the node.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRemoteJob)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.WithFields(logrus.Fields{
				"node_id": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Node breaker state changed")
		},
	})
}

// RemoveNode unregisters a node. Jobs already dispatched to it run to
// completion.
func (b *Balancer) RemoveNode(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(b.nodes, id)
	for i, nid := range b.order {
		if nid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.log.WithField("node_id", id).Info("Node removed")
	return nil
}

// GetNodeStatus returns a copy of a node's state.
func (b *Balancer) GetNodeStatus(id string) (NodeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[id]
	if !ok {
		return NodeStatus{}, ErrNodeNotFound
	}
	return n.status(), nil
}

// Nodes returns a copy of every registered node in registration order.
func (b *Balancer) Nodes() []NodeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]NodeStatus, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.nodes[id].status())
	}
	return out
}

// GetStats returns load balancer statistics.
func (b *Balancer) GetStats() BalancerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BalancerStats{
		TotalNodes: len(b.nodes),
		Strategy:   b.config.Strategy,
		Nodes:      make([]NodeStatus, 0, len(b.order)),
	}
	for _, id := range b.order {
		n := b.nodes[id]
		if n.healthy {
			stats.HealthyNodes++
		}
		stats.ActiveJobs += n.active
		stats.Nodes = append(stats.Nodes, n.status())
	}
	return stats
}

// SetHealthy marks a node healthy or unhealthy. Marking it healthy also
// counts as a sighting.
func (b *Balancer) SetHealthy(id string, healthy bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	if n.healthy != healthy {
		b.log.WithFields(logrus.Fields{"node_id": id, "healthy": healthy}).Info("Node health changed")
	}
	n.healthy = healthy
	if healthy {
		n.lastSeen = b.now()
	}
	return nil
}

// Heartbeat records that a node is alive.
func (b *Balancer) Heartbeat(id string) error {
	return b.SetHealthy(id, true)
}

// Dispatch selects an eligible node for capability and runs fn against it
// through the node's circuit breaker. The node counts as active while fn
// runs. ErrNoHealthyNodes is returned when no node qualifies.
func (b *Balancer) Dispatch(capability string, fn func(NodeStatus) error) error {
	b.mu.Lock()
	n := b.selectLocked(capability)
	if n == nil {
		b.mu.Unlock()
		return ErrNoHealthyNodes
	}
	n.active++
	n.dispatched++
	target := n.status()
	breaker := n.breaker
	b.mu.Unlock()

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, fn(target)
	})

	b.mu.Lock()
	// The node may have been removed (or replaced) while fn ran.
	if cur, ok := b.nodes[target.ID]; ok && cur == n {
		cur.active--
		if err != nil && !errors.Is(err, ErrRemoteJob) {
			cur.failures++
		}
	}
	b.mu.Unlock()

	return err
}

// selectLocked picks a node according to the strategy. Called with b.mu held.
func (b *Balancer) selectLocked(capability string) *node {
	count := len(b.order)
	if count == 0 {
		return nil
	}

	var best *node
	bestIdx := -1
	for i := 0; i < count; i++ {
		idx := (b.next + i) % count
		n := b.nodes[b.order[idx]]
		if !n.healthy || !n.accepts(capability) || n.breaker.State() == gobreaker.StateOpen {
			continue
		}
		if b.config.Strategy == StrategyRoundRobin {
			best, bestIdx = n, idx
			break
		}
		if best == nil || n.active < best.active {
			best, bestIdx = n, idx
		}
	}
	if best != nil {
		b.next = (bestIdx + 1) % count
	}
	return best
}

// Start begins the stale node checker.
func (b *Balancer) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.staleChecker()
}

// Stop stops the stale node checker.
func (b *Balancer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
}

func (b *Balancer) staleChecker() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.markStale()
		}
	}
}

// markStale marks nodes that have not been seen recently as unhealthy.
func (b *Balancer) markStale() {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.config.StaleTimeout)
	for _, n := range b.nodes {
		if n.healthy && n.lastSeen.Before(cutoff) {
			n.healthy = false
			b.log.WithField("node_id", n.id).Warn("Node marked stale")
		}
	}
}
