package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
)

const eventNodeLeft = "node.left"

// clusterEvent is the wire form of a membership event.
type clusterEvent struct {
	Type       string        `json:"type"`
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	NodeID     domain.NodeID `json:"node_id"`
}

// RedisClusterBus carries membership events over Redis pub/sub. Events
// published by this instance are not delivered back to it.
type RedisClusterBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

var _ ports.ClusterBus = (*RedisClusterBus)(nil)

func NewRedisClusterBus(client redis.UniversalClient, prefix, instanceID string, logger *zap.SugaredLogger) *RedisClusterBus {
	return &RedisClusterBus{
		client:     client,
		instanceID: instanceID,
		channel:    prefix + "events",
		logger:     logger,
	}
}

func (b *RedisClusterBus) PublishNodeLeft(ctx context.Context, nodeID domain.NodeID) error {
	data, err := json.Marshal(clusterEvent{
		Type:       eventNodeLeft,
		InstanceID: b.instanceID,
		Timestamp:  time.Now(),
		NodeID:     nodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	b.logger.Debugw("Published cluster event", "type", eventNodeLeft, "node_id", nodeID)
	return nil
}

// SubscribeNodeLeft returns once the subscription is confirmed by Redis.
func (b *RedisClusterBus) SubscribeNodeLeft(ctx context.Context, handler func(domain.NodeLeft)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, pubsub)
	b.mu.Unlock()

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event clusterEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warnw("Failed to unmarshal cluster event", "error", err, "payload", msg.Payload)
					continue
				}
				if event.InstanceID == b.instanceID || event.Type != eventNodeLeft {
					continue
				}
				handler(domain.NodeLeft{NodeID: event.NodeID})
			}
		}
	}()
	return nil
}

func (b *RedisClusterBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.pubsubs = nil
	return firstErr
}

// Hub connects in-process cluster buses, standing in for Redis pub/sub when
// every node of a cluster lives in one process.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]hubSub
}

type hubSub struct {
	instanceID string
	handler    func(domain.NodeLeft)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]hubSub)}
}

// Bus returns the hub endpoint for one instance.
func (h *Hub) Bus(instanceID string) *MemoryClusterBus {
	return &MemoryClusterBus{hub: h, instanceID: instanceID}
}

func (h *Hub) publish(from string, ev domain.NodeLeft) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.instanceID == from {
			continue
		}
		go s.handler(ev)
	}
}

type MemoryClusterBus struct {
	hub        *Hub
	instanceID string

	mu  sync.Mutex
	ids []int
}

var _ ports.ClusterBus = (*MemoryClusterBus)(nil)

func (b *MemoryClusterBus) PublishNodeLeft(ctx context.Context, nodeID domain.NodeID) error {
	b.hub.publish(b.instanceID, domain.NodeLeft{NodeID: nodeID})
	return nil
}

func (b *MemoryClusterBus) SubscribeNodeLeft(ctx context.Context, handler func(domain.NodeLeft)) error {
	b.hub.mu.Lock()
	id := b.hub.nextID
	b.hub.nextID++
	b.hub.subs[id] = hubSub{instanceID: b.instanceID, handler: handler}
	b.hub.mu.Unlock()

	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return nil
}

func (b *MemoryClusterBus) unsubscribe(id int) {
	b.hub.mu.Lock()
	delete(b.hub.subs, id)
	b.hub.mu.Unlock()
}

func (b *MemoryClusterBus) Close() error {
	b.mu.Lock()
	ids := b.ids
	b.ids = nil
	b.mu.Unlock()
	for _, id := range ids {
		b.unsubscribe(id)
	}
	return nil
}
