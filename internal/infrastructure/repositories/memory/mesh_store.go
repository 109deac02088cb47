package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
)

type linkKey struct {
	source domain.NodeID
	target domain.NodeID
}

// MeshStore is an in-process ports.MeshStore. Nodes that share one instance
// see each other's writes, which is how single-process clusters and tests
// run without Redis.
type MeshStore struct {
	mu      sync.RWMutex
	links   map[linkKey]domain.RelayLink
	records map[domain.ProducerID]map[domain.NodeID]domain.ReplicationRecord
	touched map[domain.NodeID]time.Time
	now     func() time.Time
}

func NewMeshStore() *MeshStore {
	return &MeshStore{
		links:   make(map[linkKey]domain.RelayLink),
		records: make(map[domain.ProducerID]map[domain.NodeID]domain.ReplicationRecord),
		touched: make(map[domain.NodeID]time.Time),
		now:     time.Now,
	}
}

var _ ports.MeshStore = (*MeshStore)(nil)

func (s *MeshStore) PutRelayLink(ctx context.Context, link domain.RelayLink) error {
	if err := link.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey{link.SourceNodeID, link.TargetNodeID}] = link
	return nil
}

func (s *MeshStore) GetRelayLink(ctx context.Context, source, target domain.NodeID) (domain.RelayLink, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkKey{source, target}]
	return link, ok, nil
}

func (s *MeshStore) DeleteRelayLinks(ctx context.Context, nodeID domain.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.links {
		if k.source == nodeID || k.target == nodeID {
			delete(s.links, k)
		}
	}
	return nil
}

func (s *MeshStore) ListRelayLinks(ctx context.Context) ([]domain.RelayLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RelayLink, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sortLinks(out)
	return out, nil
}

func (s *MeshStore) PutReplicationRecord(ctx context.Context, rec domain.ReplicationRecord) error {
	if rec.SourceProducerID == "" || rec.TargetNodeID == "" {
		return domain.InvalidParams("replication record needs a producer and a target")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byTarget, ok := s.records[rec.SourceProducerID]
	if !ok {
		byTarget = make(map[domain.NodeID]domain.ReplicationRecord)
		s.records[rec.SourceProducerID] = byTarget
	}
	byTarget[rec.TargetNodeID] = rec
	return nil
}

func (s *MeshStore) GetReplicationRecord(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) (domain.ReplicationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[producerID][target]
	return rec, ok, nil
}

func (s *MeshStore) ListReplicationRecords(ctx context.Context, producerID domain.ProducerID) ([]domain.ReplicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReplicationRecord, 0, len(s.records[producerID]))
	for _, rec := range s.records[producerID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetNodeID < out[j].TargetNodeID })
	return out, nil
}

func (s *MeshStore) DeleteReplicationRecord(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTarget, ok := s.records[producerID]
	if !ok {
		return nil
	}
	delete(byTarget, target)
	if len(byTarget) == 0 {
		delete(s.records, producerID)
	}
	return nil
}

func (s *MeshStore) TouchNode(ctx context.Context, nodeID domain.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[nodeID] = s.now()
	return nil
}

func (s *MeshStore) ActiveStoreNodes(ctx context.Context, window time.Duration) ([]domain.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-window)
	var out []domain.NodeID
	for id, at := range s.touched {
		if !at.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MeshStore) Ping(ctx context.Context) error { return nil }

func (s *MeshStore) Close() error { return nil }

func sortLinks(links []domain.RelayLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].SourceNodeID != links[j].SourceNodeID {
			return links[i].SourceNodeID < links[j].SourceNodeID
		}
		return links[i].TargetNodeID < links[j].TargetNodeID
	})
}
