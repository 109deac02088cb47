package ports

import (
	"time"

	"meshsfu/internal/core/domain"
)

// MeshMetrics records fan-out and relay activity.
type MeshMetrics interface {
	ObserveReplication(target domain.NodeID, outcome domain.PeerOutcome, d time.Duration)
	ObserveTeardown(target domain.NodeID, err error)
	ObserveLink(peer domain.NodeID, err error)
	ObserveReplicaConsumed(source domain.NodeID, reused bool)
	ObserveProducer(kind domain.MediaKind, delta int)
}

type NopMeshMetrics struct{}

func (NopMeshMetrics) ObserveReplication(domain.NodeID, domain.PeerOutcome, time.Duration) {}
func (NopMeshMetrics) ObserveTeardown(domain.NodeID, error)                                {}
func (NopMeshMetrics) ObserveLink(domain.NodeID, error)                                    {}
func (NopMeshMetrics) ObserveReplicaConsumed(domain.NodeID, bool)                          {}
func (NopMeshMetrics) ObserveProducer(domain.MediaKind, int)                               {}

// ClusterMetrics records the coordinator's view of the cluster.
type ClusterMetrics interface {
	SetClusterNodes(active, total int)
	SetAssignedRooms(n int)
}

type NopClusterMetrics struct{}

func (NopClusterMetrics) SetClusterNodes(int, int) {}
func (NopClusterMetrics) SetAssignedRooms(int)     {}

// PeerMetrics records node-to-node calls.
type PeerMetrics interface {
	ObservePeerCall(peer domain.NodeID, op string, d time.Duration, err error)
	// SetBreakerState reports 0 closed, 1 open, 2 half-open.
	SetBreakerState(peer domain.NodeID, state int)
}

type NopPeerMetrics struct{}

func (NopPeerMetrics) ObservePeerCall(domain.NodeID, string, time.Duration, error) {}
func (NopPeerMetrics) SetBreakerState(domain.NodeID, int)                          {}

// BalancerMetrics records ingress assignment.
type BalancerMetrics interface {
	SetBalancerNode(node domain.NodeID, weight float64, connections int, healthy bool)
	ObserveAssignment(node domain.NodeID, err error)
	ForgetBalancerNode(node domain.NodeID)
}

type NopBalancerMetrics struct{}

func (NopBalancerMetrics) SetBalancerNode(domain.NodeID, float64, int, bool) {}
func (NopBalancerMetrics) ObserveAssignment(domain.NodeID, error)            {}
func (NopBalancerMetrics) ForgetBalancerNode(domain.NodeID)                  {}
