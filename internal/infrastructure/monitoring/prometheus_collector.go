package monitoring

import (
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Mesh
	replications     *prometheus.CounterVec
	replicationTime  *prometheus.HistogramVec
	teardowns        *prometheus.CounterVec
	linkChecks       *prometheus.CounterVec
	replicasConsumed *prometheus.CounterVec
	producersActive  *prometheus.GaugeVec

	// Peer RPC
	peerCalls        *prometheus.CounterVec
	peerCallDuration *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec

	// Coordinator
	clusterNodes  *prometheus.GaugeVec
	assignedRooms prometheus.Gauge

	// Balancer
	balancerWeight      *prometheus.GaugeVec
	balancerConnections *prometheus.GaugeVec
	balancerHealthy     *prometheus.GaugeVec
	assignments         *prometheus.CounterVec

	// Node
	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	signalConns   prometheus.Gauge
}

var (
	_ ports.MeshMetrics     = (*PrometheusCollector)(nil)
	_ ports.ClusterMetrics  = (*PrometheusCollector)(nil)
	_ ports.PeerMetrics     = (*PrometheusCollector)(nil)
	_ ports.BalancerMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		replications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshsfu_replications_total",
			Help: "Producer replications by target node and outcome",
		}, []string{"target", "outcome"}),

		replicationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshsfu_replication_duration_seconds",
			Help:    "Duration of one producer replication to one peer",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"target"}),

		teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshsfu_replica_teardowns_total",
			Help: "Replica teardowns by target node and result",
		}, []string{"target", "result"}),

		linkChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshsfu_relay_link_checks_total",
			Help: "Relay link establishment attempts by peer and result",
		}, []string{"peer", "result"}),

		replicasConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshsfu_replicas_consumed_total",
			Help: "Replica producers created or reused on this node",
		}, []string{"source", "reused"}),

		producersActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshsfu_producers_active",
			Help: "Local producers by media kind",
		}, []string{"kind"}),

		peerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshsfu_peer_calls_total",
			Help: "Node-to-node RPCs by peer, operation and result",
		}, []string{"peer", "op", "result"}),

		peerCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshsfu_peer_call_duration_seconds",
			Help:    "Node-to-node RPC latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"peer", "op"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshsfu_peer_breaker_state",
			Help: "Circuit breaker state per peer (0 closed, 1 open, 2 half-open)",
		}, []string{"peer"}),

		clusterNodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshsfu_cluster_nodes",
			Help: "Registered nodes by status",
		}, []string{"status"}),

		assignedRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshsfu_cluster_assigned_rooms",
			Help: "Rooms with a node assignment",
		}),

		balancerWeight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshsfu_balancer_node_weight",
			Help: "Current balancer weight per node",
		}, []string{"node"}),

		balancerConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshsfu_balancer_node_connections",
			Help: "Tracked connections per node",
		}, []string{"node"}),

		balancerHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshsfu_balancer_node_healthy",
			Help: "1 when the node passed its last health check",
		}, []string{"node"}),

		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshsfu_balancer_assignments_total",
			Help: "Connection assignments by node and result",
		}, []string{"node", "result"}),

		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshsfu_node_cpu_percent",
			Help: "Host CPU utilisation sampled from /proc",
		}),

		memoryPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshsfu_node_memory_percent",
			Help: "Host memory utilisation sampled from /proc",
		}),

		signalConns: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshsfu_signal_connections",
			Help: "Open client signaling sockets",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (p *PrometheusCollector) ObserveReplication(target domain.NodeID, outcome domain.PeerOutcome, d time.Duration) {
	p.replications.WithLabelValues(string(target), string(outcome)).Inc()
	p.replicationTime.WithLabelValues(string(target)).Observe(d.Seconds())
}

func (p *PrometheusCollector) ObserveTeardown(target domain.NodeID, err error) {
	p.teardowns.WithLabelValues(string(target), result(err)).Inc()
}

func (p *PrometheusCollector) ObserveLink(peer domain.NodeID, err error) {
	p.linkChecks.WithLabelValues(string(peer), result(err)).Inc()
}

func (p *PrometheusCollector) ObserveReplicaConsumed(source domain.NodeID, reused bool) {
	label := "false"
	if reused {
		label = "true"
	}
	p.replicasConsumed.WithLabelValues(string(source), label).Inc()
}

func (p *PrometheusCollector) ObserveProducer(kind domain.MediaKind, delta int) {
	p.producersActive.WithLabelValues(string(kind)).Add(float64(delta))
}

func (p *PrometheusCollector) ObservePeerCall(peer domain.NodeID, op string, d time.Duration, err error) {
	p.peerCalls.WithLabelValues(string(peer), op, result(err)).Inc()
	p.peerCallDuration.WithLabelValues(string(peer), op).Observe(d.Seconds())
}

func (p *PrometheusCollector) SetBreakerState(peer domain.NodeID, state int) {
	p.breakerState.WithLabelValues(string(peer)).Set(float64(state))
}

func (p *PrometheusCollector) SetClusterNodes(active, total int) {
	p.clusterNodes.WithLabelValues("active").Set(float64(active))
	p.clusterNodes.WithLabelValues("inactive").Set(float64(total - active))
}

func (p *PrometheusCollector) SetAssignedRooms(n int) {
	p.assignedRooms.Set(float64(n))
}

func (p *PrometheusCollector) SetBalancerNode(node domain.NodeID, weight float64, connections int, healthy bool) {
	p.balancerWeight.WithLabelValues(string(node)).Set(weight)
	p.balancerConnections.WithLabelValues(string(node)).Set(float64(connections))
	h := 0.0
	if healthy {
		h = 1
	}
	p.balancerHealthy.WithLabelValues(string(node)).Set(h)
}

// ForgetBalancerNode drops the series of a node that left the pool.
func (p *PrometheusCollector) ForgetBalancerNode(node domain.NodeID) {
	p.balancerWeight.DeleteLabelValues(string(node))
	p.balancerConnections.DeleteLabelValues(string(node))
	p.balancerHealthy.DeleteLabelValues(string(node))
}

func (p *PrometheusCollector) ObserveAssignment(node domain.NodeID, err error) {
	p.assignments.WithLabelValues(string(node), result(err)).Inc()
}

func (p *PrometheusCollector) SetResources(cpu, memory float64) {
	p.cpuPercent.Set(cpu)
	p.memoryPercent.Set(memory)
}

func (p *PrometheusCollector) SetSignalConnections(n int) {
	p.signalConns.Set(float64(n))
}
