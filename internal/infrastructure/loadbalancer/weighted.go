package loadbalancer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	// nodes at or above these percentages are never selected
	maxCPU    = 80.0
	maxMemory = 80.0
)

// HealthChecker polls one node.
type HealthChecker interface {
	Health(ctx context.Context, node domain.Node) (domain.NodeHealth, error)
}

// NodeSource lists the nodes known to the coordinator.
type NodeSource interface {
	Nodes(ctx context.Context) ([]domain.Node, error)
}

type Config struct {
	HealthCheckInterval   time.Duration
	HealthTimeout         time.Duration
	DiscoveryInterval     time.Duration
	MaxConnectionsPerNode int
}

// NodeHealth is the balancer's last view of a node.
type NodeHealth struct {
	Status       string        `json:"status"`
	CPU          float64       `json:"cpu"`
	Memory       float64       `json:"memory"`
	Connections  int           `json:"connections"`
	ResponseTime time.Duration `json:"responseTime"`
	LastCheck    time.Time     `json:"lastCheck"`
	Error        string        `json:"error,omitempty"`
}

type NodeStat struct {
	NodeID         domain.NodeID `json:"nodeId"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Connections    int           `json:"connections"`
	MaxConnections int           `json:"maxConnections"`
	Utilization    string        `json:"utilization"`
	Weight         float64       `json:"weight"`
	Health         *NodeHealth   `json:"health"`
}

type Stats struct {
	TotalConnections int        `json:"totalConnections"`
	Capacity         int        `json:"capacity"`
	NodeStats        []NodeStat `json:"nodeStats"`
}

// Balancer assigns client connections with weighted least connections.
type Balancer struct {
	cfg     Config
	checker HealthChecker
	source  NodeSource
	metrics ports.BalancerMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu      sync.Mutex
	order   []domain.NodeID
	nodes   map[domain.NodeID]domain.Node
	health  map[domain.NodeID]NodeHealth
	weights map[domain.NodeID]float64
	counts  map[domain.NodeID]int
	conns   map[string]domain.NodeID
}

func New(cfg Config, checker HealthChecker, source NodeSource, metrics ports.BalancerMetrics, logger *zap.SugaredLogger) *Balancer {
	if cfg.MaxConnectionsPerNode <= 0 {
		cfg.MaxConnectionsPerNode = 10000
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 15 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopBalancerMetrics{}
	}
	return &Balancer{
		cfg:     cfg,
		checker: checker,
		source:  source,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		nodes:   make(map[domain.NodeID]domain.Node),
		health:  make(map[domain.NodeID]NodeHealth),
		weights: make(map[domain.NodeID]float64),
		counts:  make(map[domain.NodeID]int),
		conns:   make(map[string]domain.NodeID),
	}
}

// CalculateWeight scores a node in (0,1]; higher means more spare capacity.
func CalculateWeight(h domain.NodeHealth, responseTime time.Duration, maxConnections int) float64 {
	weight := 1.0
	weight *= math.Max(0.1, 1-h.CPU/100)
	weight *= math.Max(0.1, 1-h.Memory/100)
	weight *= math.Max(0.1, 1-math.Min(float64(responseTime.Milliseconds())/1000, 1))
	weight *= math.Max(0.1, 1-float64(h.Connections)/float64(maxConnections))
	return math.Round(weight*100) / 100
}

// SetNodes replaces the node set. Counters of nodes that remain are kept;
// connections to nodes that disappeared are dropped. It returns the nodes
// that were not known before.
func (b *Balancer) SetNodes(nodes []domain.Node) []domain.Node {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[domain.NodeID]domain.Node, len(nodes))
	order := make([]domain.NodeID, 0, len(nodes))
	var added []domain.Node
	for _, n := range nodes {
		if _, dup := next[n.ID]; dup {
			continue
		}
		next[n.ID] = n
		order = append(order, n.ID)
		if _, known := b.nodes[n.ID]; !known {
			added = append(added, n)
		}
	}

	for id := range b.nodes {
		if _, ok := next[id]; ok {
			continue
		}
		delete(b.health, id)
		delete(b.weights, id)
		delete(b.counts, id)
		b.metrics.ForgetBalancerNode(id)
		for conn, nodeID := range b.conns {
			if nodeID == id {
				delete(b.conns, conn)
			}
		}
	}
	b.nodes = next
	b.order = order
	return added
}

// Discover refreshes the node set from the coordinator and polls nodes seen
// for the first time right away.
func (b *Balancer) Discover(ctx context.Context) error {
	nodes, err := b.source.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("discover nodes: %w", err)
	}
	added := b.SetNodes(nodes)
	b.logger.Debugw("Discovered nodes", "count", len(nodes), "new", len(added))
	b.checkNodes(ctx, added)
	return nil
}

func (b *Balancer) snapshotNodes() []domain.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Node, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.nodes[id])
	}
	return out
}

// CheckHealth polls every node concurrently, each bounded by HealthTimeout.
func (b *Balancer) CheckHealth(ctx context.Context) {
	b.checkNodes(ctx, b.snapshotNodes())
}

func (b *Balancer) checkNodes(ctx context.Context, nodes []domain.Node) {
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			b.checkNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Balancer) checkNode(ctx context.Context, node domain.Node) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.HealthTimeout)
	defer cancel()

	start := b.now()
	report, err := b.checker.Health(ctx, node)
	rt := b.now().Sub(start)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, known := b.nodes[node.ID]; !known {
		return
	}

	if err != nil {
		b.health[node.ID] = NodeHealth{Status: StatusUnhealthy, LastCheck: b.now(), Error: err.Error()}
		b.weights[node.ID] = 0
		b.metrics.SetBalancerNode(node.ID, 0, b.counts[node.ID], false)
		b.logger.Warnw("Health check failed", "node_id", node.ID, "error", err)
		return
	}

	weight := CalculateWeight(report, rt, b.cfg.MaxConnectionsPerNode)
	b.health[node.ID] = NodeHealth{
		Status:       StatusHealthy,
		CPU:          report.CPU,
		Memory:       report.Memory,
		Connections:  report.Connections,
		ResponseTime: rt,
		LastCheck:    b.now(),
	}
	b.weights[node.ID] = weight
	b.metrics.SetBalancerNode(node.ID, weight, b.counts[node.ID], true)
	b.logger.Debugw("Health check passed",
		"node_id", node.ID,
		"cpu", report.CPU,
		"memory", report.Memory,
		"response_time", rt,
		"weight", weight,
	)
}

// selectLocked must be called with mu held.
func (b *Balancer) selectLocked() (domain.Node, bool) {
	var (
		best  domain.NodeID
		found bool
		low   = math.Inf(1)
	)
	for _, id := range b.order {
		h, ok := b.health[id]
		if !ok || h.Status != StatusHealthy {
			continue
		}
		conns := b.counts[id]
		if conns >= b.cfg.MaxConnectionsPerNode || h.CPU >= maxCPU || h.Memory >= maxMemory {
			continue
		}
		weight := b.weights[id]
		if weight <= 0 {
			weight = 1
		}
		score := float64(conns)/weight + h.CPU/100 + h.Memory/100
		if score < low {
			low, best, found = score, id, true
		}
	}
	if !found {
		return domain.Node{}, false
	}
	return b.nodes[best], true
}

// Assign selects a node for connID and tracks the connection in one step.
// A connection that is already tracked keeps its node.
func (b *Balancer) Assign(connID string) (domain.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if nodeID, ok := b.conns[connID]; ok {
		return b.nodes[nodeID], nil
	}

	if capacity := b.cfg.MaxConnectionsPerNode * len(b.nodes); len(b.conns) >= capacity {
		err := fmt.Errorf("%w: global connection limit of %d reached", domain.ErrCapacityExhausted, capacity)
		b.metrics.ObserveAssignment("", err)
		return domain.Node{}, err
	}

	node, ok := b.selectLocked()
	if !ok {
		err := fmt.Errorf("%w: no healthy node with spare capacity", domain.ErrCapacityExhausted)
		b.metrics.ObserveAssignment("", err)
		return domain.Node{}, err
	}

	b.conns[connID] = node.ID
	b.counts[node.ID]++
	b.metrics.ObserveAssignment(node.ID, nil)
	b.metrics.SetBalancerNode(node.ID, b.weights[node.ID], b.counts[node.ID], true)
	b.logger.Infow("Assigned connection",
		"connection_id", connID,
		"node_id", node.ID,
		"connections", b.counts[node.ID],
		"max_connections", b.cfg.MaxConnectionsPerNode,
	)
	return node, nil
}

// Track records connID on nodeID, moving it if it was tracked elsewhere.
func (b *Balancer) Track(connID string, nodeID domain.NodeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNodeNotFound, nodeID)
	}
	if prev, ok := b.conns[connID]; ok {
		if prev == nodeID {
			return nil
		}
		b.decLocked(prev)
	}
	b.conns[connID] = nodeID
	b.counts[nodeID]++
	return nil
}

// Untrack forgets connID and reports the node it was on.
func (b *Balancer) Untrack(connID string) (domain.NodeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nodeID, ok := b.conns[connID]
	if !ok {
		return "", false
	}
	delete(b.conns, connID)
	b.decLocked(nodeID)
	b.logger.Infow("Released connection", "connection_id", connID, "node_id", nodeID, "connections", b.counts[nodeID])
	return nodeID, true
}

func (b *Balancer) decLocked(nodeID domain.NodeID) {
	if b.counts[nodeID] > 0 {
		b.counts[nodeID]--
	}
}

// Lookup returns the node a tracked connection is on.
func (b *Balancer) Lookup(connID string) (domain.Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	nodeID, ok := b.conns[connID]
	if !ok {
		return domain.Node{}, false
	}
	return b.nodes[nodeID], true
}

func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		TotalConnections: len(b.conns),
		Capacity:         b.cfg.MaxConnectionsPerNode * len(b.nodes),
		NodeStats:        make([]NodeStat, 0, len(b.order)),
	}
	for _, id := range b.order {
		node := b.nodes[id]
		conns := b.counts[id]
		st := NodeStat{
			NodeID:         id,
			Host:           node.Host,
			Port:           node.Port,
			Connections:    conns,
			MaxConnections: b.cfg.MaxConnectionsPerNode,
			Utilization:    fmt.Sprintf("%.2f%%", float64(conns)/float64(b.cfg.MaxConnectionsPerNode)*100),
			Weight:         b.weights[id],
		}
		if h, ok := b.health[id]; ok {
			st.Health = &h
		}
		stats.NodeStats = append(stats.NodeStats, st)
	}
	return stats
}

// HealthyNodes counts nodes whose last health check passed.
func (b *Balancer) HealthyNodes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, h := range b.health {
		if h.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// Run discovers and polls on their intervals until ctx ends.
func (b *Balancer) Run(ctx context.Context) {
	if err := b.Discover(ctx); err != nil {
		b.logger.Warnw("Node discovery failed", "error", err)
	}

	discovery := time.NewTicker(b.cfg.DiscoveryInterval)
	defer discovery.Stop()
	health := time.NewTicker(b.cfg.HealthCheckInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-discovery.C:
			if err := b.Discover(ctx); err != nil {
				b.logger.Warnw("Node discovery failed", "error", err)
			}
		case <-health.C:
			b.CheckHealth(ctx)
		}
	}
}
