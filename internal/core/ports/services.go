package ports

import (
	"context"

	"meshsfu/internal/core/domain"
)

// Coordinator is the cluster coordinator as used by its HTTP surface.
type Coordinator interface {
	RegisterNode(ctx context.Context, nodeID domain.NodeID, info domain.NodeInfo) (domain.Node, error)
	UpdateNodeStats(ctx context.Context, nodeID domain.NodeID, update domain.StatsUpdate) error
	DeregisterNode(ctx context.Context, nodeID domain.NodeID) error
	GetNodes(ctx context.Context) []domain.Node
	// MatchNodes filters nodes by a glob over their ids.
	MatchNodes(ctx context.Context, pattern string) ([]domain.Node, error)
	AssignRoom(ctx context.Context, roomID domain.RoomID) (domain.RoomAssignment, error)
	GetRoomNode(ctx context.Context, roomID domain.RoomID) (domain.RoomAssignment, error)
	DeleteRoom(ctx context.Context, roomID domain.RoomID) error
	GetVisualizationData(ctx context.Context) domain.Visualization
	GetAllRouters(ctx context.Context) []domain.RouterInfo
	GetAllStreamRoutes(ctx context.Context) []domain.StreamRoute
	GetAllPipeConnections(ctx context.Context) []domain.PipeConnection
	GetHealth(ctx context.Context) domain.ClusterHealth
}

// Replicator is the fan-out entry points reachable from peers.
type Replicator interface {
	FanOut(ctx context.Context, producerID domain.ProducerID) (domain.FanOutReport, error)
	ReplicateTo(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) (domain.PeerResult, error)
	Teardown(ctx context.Context, producerID domain.ProducerID) error
	SyncFromPeers(ctx context.Context) error
}

// StatsSource feeds heartbeats.
type StatsSource interface {
	Snapshot() domain.StatsUpdate
}
