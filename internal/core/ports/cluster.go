package ports

import (
	"context"

	"meshsfu/internal/core/domain"
	"meshsfu/pkg/distributed"
)

// Locker serialises work on a key, across processes when backed by Redis.
type Locker = distributed.Locker

// PeerDirectory answers which other nodes are part of the mesh.
type PeerDirectory interface {
	// ActivePeers returns active nodes other than the local one.
	ActivePeers(ctx context.Context) ([]domain.Node, error)
	Lookup(ctx context.Context, nodeID domain.NodeID) (domain.Node, bool, error)
}

type CreateRelayRequest struct {
	TargetNodeID domain.NodeID `json:"targetNodeId"`
}

type ConnectRelayRequest struct {
	Endpoint domain.Endpoint       `json:"endpointAddress"`
	Security domain.SRTPParameters `json:"securityParameters"`
}

// PeerClient issues node-to-node relay RPCs.
type PeerClient interface {
	CreateRelay(ctx context.Context, peer domain.Node, req CreateRelayRequest) (domain.RelayEndpoint, error)
	ConnectRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req ConnectRelayRequest) error
	ConsumeViaRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req domain.ConsumeViaRelayRequest) (domain.ReplicaInfo, error)
	// ReplicaStatus returns ok=false when the peer holds no replica.
	ReplicaStatus(ctx context.Context, peer domain.Node, originalProducerID domain.ProducerID) (domain.ReplicaInfo, bool, error)
	CloseReplica(ctx context.Context, peer domain.Node, originalProducerID domain.ProducerID) error
	ListProducers(ctx context.Context, peer domain.Node) ([]domain.LocalProducer, error)
	RequestReplication(ctx context.Context, peer domain.Node, producerID domain.ProducerID, target domain.NodeID) error
}

// ClusterBus carries membership events between nodes.
type ClusterBus interface {
	PublishNodeLeft(ctx context.Context, nodeID domain.NodeID) error
	// SubscribeNodeLeft delivers events from other nodes until ctx ends.
	SubscribeNodeLeft(ctx context.Context, handler func(domain.NodeLeft)) error
	Close() error
}
