package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/batch"
)

func nodesKey(prefix string) string { return prefix + "nodes" }

type StoreOptions struct {
	Prefix string
	// Heartbeat writes are pipelined in batches of TouchBatchSize or every
	// TouchFlushInterval, whichever comes first.
	TouchBatchSize     int
	TouchFlushInterval time.Duration
}

type nodeTouch struct {
	nodeID domain.NodeID
	at     time.Time
}

// MeshStore keeps relay links and replication records in Redis so every node
// sees the same mesh.
//
// Layout under the prefix:
//
//	links                 hash  "source|target" -> RelayLink JSON
//	replication:<producer> hash  target -> ReplicationRecord JSON
//	nodes                 zset  node id scored by last touch (unix ms)
type MeshStore struct {
	client  redis.UniversalClient
	prefix  string
	logger  *zap.SugaredLogger
	touches *batch.Batcher[nodeTouch]
	now     func() time.Time
}

func NewMeshStore(client redis.UniversalClient, opts StoreOptions, logger *zap.SugaredLogger) *MeshStore {
	if opts.TouchFlushInterval <= 0 {
		opts.TouchFlushInterval = time.Second
	}
	s := &MeshStore{
		client: client,
		prefix: opts.Prefix,
		logger: logger,
		now:    time.Now,
	}
	s.touches = batch.NewBatcher[nodeTouch](opts.TouchBatchSize, opts.TouchFlushInterval, batch.ProcessorFunc[nodeTouch](s.flushTouches), func(err error) {
		logger.Warnw("Failed to flush node touches", "error", err)
	})
	return s
}

var _ ports.MeshStore = (*MeshStore)(nil)

func (s *MeshStore) linksKey() string { return s.prefix + "links" }

func (s *MeshStore) recordsKey(producerID domain.ProducerID) string {
	return s.prefix + "replication:" + string(producerID)
}

func linkField(source, target domain.NodeID) string {
	return string(source) + "|" + string(target)
}

func (s *MeshStore) PutRelayLink(ctx context.Context, link domain.RelayLink) error {
	if err := link.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to marshal relay link: %w", err)
	}
	if err := s.client.HSet(ctx, s.linksKey(), linkField(link.SourceNodeID, link.TargetNodeID), data).Err(); err != nil {
		return fmt.Errorf("failed to store relay link: %w", err)
	}
	return nil
}

func (s *MeshStore) GetRelayLink(ctx context.Context, source, target domain.NodeID) (domain.RelayLink, bool, error) {
	data, err := s.client.HGet(ctx, s.linksKey(), linkField(source, target)).Bytes()
	if err == redis.Nil {
		return domain.RelayLink{}, false, nil
	}
	if err != nil {
		return domain.RelayLink{}, false, fmt.Errorf("failed to get relay link: %w", err)
	}
	var link domain.RelayLink
	if err := json.Unmarshal(data, &link); err != nil {
		return domain.RelayLink{}, false, fmt.Errorf("failed to unmarshal relay link: %w", err)
	}
	return link, true, nil
}

func (s *MeshStore) allLinks(ctx context.Context) (map[string]domain.RelayLink, error) {
	raw, err := s.client.HGetAll(ctx, s.linksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list relay links: %w", err)
	}
	out := make(map[string]domain.RelayLink, len(raw))
	for field, data := range raw {
		var link domain.RelayLink
		if err := json.Unmarshal([]byte(data), &link); err != nil {
			s.logger.Warnw("Skipping malformed relay link", "field", field, "error", err)
			continue
		}
		out[field] = link
	}
	return out, nil
}

func (s *MeshStore) DeleteRelayLinks(ctx context.Context, nodeID domain.NodeID) error {
	links, err := s.allLinks(ctx)
	if err != nil {
		return err
	}
	var fields []string
	for field, link := range links {
		if link.SourceNodeID == nodeID || link.TargetNodeID == nodeID {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.linksKey(), fields...).Err(); err != nil {
		return fmt.Errorf("failed to delete relay links of %s: %w", nodeID, err)
	}
	return nil
}

func (s *MeshStore) ListRelayLinks(ctx context.Context) ([]domain.RelayLink, error) {
	links, err := s.allLinks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RelayLink, 0, len(links))
	for _, l := range links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return linkField(out[i].SourceNodeID, out[i].TargetNodeID) < linkField(out[j].SourceNodeID, out[j].TargetNodeID)
	})
	return out, nil
}

func (s *MeshStore) PutReplicationRecord(ctx context.Context, rec domain.ReplicationRecord) error {
	if rec.SourceProducerID == "" || rec.TargetNodeID == "" {
		return domain.InvalidParams("replication record needs a producer and a target")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal replication record: %w", err)
	}
	if err := s.client.HSet(ctx, s.recordsKey(rec.SourceProducerID), string(rec.TargetNodeID), data).Err(); err != nil {
		return fmt.Errorf("failed to store replication record: %w", err)
	}
	return nil
}

func (s *MeshStore) GetReplicationRecord(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) (domain.ReplicationRecord, bool, error) {
	data, err := s.client.HGet(ctx, s.recordsKey(producerID), string(target)).Bytes()
	if err == redis.Nil {
		return domain.ReplicationRecord{}, false, nil
	}
	if err != nil {
		return domain.ReplicationRecord{}, false, fmt.Errorf("failed to get replication record: %w", err)
	}
	var rec domain.ReplicationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.ReplicationRecord{}, false, fmt.Errorf("failed to unmarshal replication record: %w", err)
	}
	return rec, true, nil
}

func (s *MeshStore) ListReplicationRecords(ctx context.Context, producerID domain.ProducerID) ([]domain.ReplicationRecord, error) {
	raw, err := s.client.HGetAll(ctx, s.recordsKey(producerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list replication records: %w", err)
	}
	out := make([]domain.ReplicationRecord, 0, len(raw))
	for target, data := range raw {
		var rec domain.ReplicationRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.logger.Warnw("Skipping malformed replication record", "producer_id", producerID, "target", target, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetNodeID < out[j].TargetNodeID })
	return out, nil
}

func (s *MeshStore) DeleteReplicationRecord(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) error {
	if err := s.client.HDel(ctx, s.recordsKey(producerID), string(target)).Err(); err != nil {
		return fmt.Errorf("failed to delete replication record: %w", err)
	}
	return nil
}

// TouchNode queues a liveness write; it is pipelined with other touches.
func (s *MeshStore) TouchNode(ctx context.Context, nodeID domain.NodeID) error {
	s.touches.Add(nodeTouch{nodeID: nodeID, at: s.now()})
	return nil
}

func (s *MeshStore) flushTouches(ctx context.Context, touches []nodeTouch) error {
	pipe := s.client.Pipeline()
	for _, t := range touches {
		pipe.ZAdd(ctx, nodesKey(s.prefix), redis.Z{Score: float64(t.at.UnixMilli()), Member: string(t.nodeID)})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveStoreNodes flushes queued touches, then lists nodes touched within
// window.
func (s *MeshStore) ActiveStoreNodes(ctx context.Context, window time.Duration) ([]domain.NodeID, error) {
	if err := s.touches.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush node touches: %w", err)
	}
	cutoff := s.now().Add(-window).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, nodesKey(s.prefix), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active nodes: %w", err)
	}
	out := make([]domain.NodeID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.NodeID(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MeshStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close flushes pending touches. The client belongs to the caller.
func (s *MeshStore) Close() error {
	s.touches.Stop()
	return nil
}
