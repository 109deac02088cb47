package ports

import (
	"context"
	"time"

	"meshsfu/internal/core/domain"
)

// MeshStore is the shared coordination store visible to every node. Get
// methods return ok=false when the key is absent.
type MeshStore interface {
	PutRelayLink(ctx context.Context, link domain.RelayLink) error
	GetRelayLink(ctx context.Context, source, target domain.NodeID) (domain.RelayLink, bool, error)
	// DeleteRelayLinks removes every link where nodeID is source or target.
	DeleteRelayLinks(ctx context.Context, nodeID domain.NodeID) error
	ListRelayLinks(ctx context.Context) ([]domain.RelayLink, error)

	PutReplicationRecord(ctx context.Context, rec domain.ReplicationRecord) error
	GetReplicationRecord(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) (domain.ReplicationRecord, bool, error)
	ListReplicationRecords(ctx context.Context, producerID domain.ProducerID) ([]domain.ReplicationRecord, error)
	DeleteReplicationRecord(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) error

	TouchNode(ctx context.Context, nodeID domain.NodeID) error
	ActiveStoreNodes(ctx context.Context, window time.Duration) ([]domain.NodeID, error)

	Ping(ctx context.Context) error
	Close() error
}
