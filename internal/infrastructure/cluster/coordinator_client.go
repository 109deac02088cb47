package cluster

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/retry"
)

// RegisterRequest is the body of POST /nodes/register.
type RegisterRequest struct {
	NodeID domain.NodeID `json:"nodeId"`
	domain.NodeInfo
}

type RegisterResponse struct {
	Success bool          `json:"success"`
	NodeID  domain.NodeID `json:"nodeId"`
	Node    domain.Node   `json:"node"`
}

type NodesResponse struct {
	Nodes []domain.Node `json:"nodes"`
}

type AssignRoomRequest struct {
	RoomID domain.RoomID `json:"roomId"`
}

type CoordinatorClientConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	RetryInterval     time.Duration
	Timeout           time.Duration
}

// CoordinatorClient keeps a node registered with the coordinator.
type CoordinatorClient struct {
	cfg    CoordinatorClientConfig
	nodeID domain.NodeID
	info   domain.NodeInfo
	client jsonClient
	logger *zap.SugaredLogger

	mu         sync.Mutex
	registered bool
}

func NewCoordinatorClient(cfg CoordinatorClientConfig, nodeID domain.NodeID, info domain.NodeInfo, logger *zap.SugaredLogger) *CoordinatorClient {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &CoordinatorClient{
		cfg:    cfg,
		nodeID: nodeID,
		info:   info,
		client: newJSONClient(cfg.Timeout),
		logger: logger,
	}
}

func (c *CoordinatorClient) url(path string) string {
	return c.cfg.URL + path
}

// Registered reports whether the last register or heartbeat succeeded.
func (c *CoordinatorClient) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *CoordinatorClient) setRegistered(v bool) {
	c.mu.Lock()
	c.registered = v
	c.mu.Unlock()
}

// Register announces the node once.
func (c *CoordinatorClient) Register(ctx context.Context) (domain.Node, error) {
	req := RegisterRequest{NodeID: c.nodeID, NodeInfo: c.info}
	var out RegisterResponse
	if err := c.client.do(ctx, http.MethodPost, c.url("/nodes/register"), req, &out); err != nil {
		return domain.Node{}, fmt.Errorf("register %s: %w", c.nodeID, err)
	}
	c.setRegistered(true)
	return out.Node, nil
}

// RegisterWithRetry keeps trying every RetryInterval until ctx ends.
func (c *CoordinatorClient) RegisterWithRetry(ctx context.Context) (domain.Node, error) {
	cfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  1 << 30,
		InitialDelay: c.cfg.RetryInterval,
		MaxDelay:     c.cfg.RetryInterval,
		Multiplier:   1,
	}
	attempt := 0
	return retry.RetryWithResult(ctx, cfg, func() (domain.Node, error) {
		attempt++
		node, err := c.Register(ctx)
		if err != nil {
			c.logger.Warnw("Coordinator registration failed",
				"node_id", c.nodeID,
				"attempt", attempt,
				"retry_in", c.cfg.RetryInterval,
				"error", err,
			)
			return domain.Node{}, err
		}
		c.logger.Infow("Registered with coordinator", "node_id", c.nodeID, "coordinator", c.cfg.URL)
		return node, nil
	})
}

func (c *CoordinatorClient) UpdateStats(ctx context.Context, update domain.StatsUpdate) error {
	if err := c.client.do(ctx, http.MethodPost, c.url("/nodes/"+string(c.nodeID)+"/stats"), update, nil); err != nil {
		return fmt.Errorf("update stats %s: %w", c.nodeID, err)
	}
	return nil
}

func (c *CoordinatorClient) Deregister(ctx context.Context) error {
	c.setRegistered(false)
	if err := c.client.do(ctx, http.MethodDelete, c.url("/nodes/"+string(c.nodeID)), nil, nil); err != nil {
		return fmt.Errorf("deregister %s: %w", c.nodeID, err)
	}
	return nil
}

// Nodes lists every node the coordinator knows, in registration order.
func (c *CoordinatorClient) Nodes(ctx context.Context) ([]domain.Node, error) {
	var out NodesResponse
	if err := c.client.do(ctx, http.MethodGet, c.url("/nodes"), nil, &out); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return out.Nodes, nil
}

func (c *CoordinatorClient) AssignRoom(ctx context.Context, roomID domain.RoomID) (domain.RoomAssignment, error) {
	var out domain.RoomAssignment
	err := c.client.do(ctx, http.MethodPost, c.url("/rooms/assign"), AssignRoomRequest{RoomID: roomID}, &out)
	return out, err
}

// Run registers and then heartbeats until ctx ends. A failed heartbeat
// re-registers on the next tick.
func (c *CoordinatorClient) Run(ctx context.Context, stats ports.StatsSource) {
	if !c.Registered() {
		if _, err := c.RegisterWithRetry(ctx); err != nil {
			return
		}
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx, stats)
		}
	}
}

func (c *CoordinatorClient) heartbeat(ctx context.Context, stats ports.StatsSource) {
	if !c.Registered() {
		if _, err := c.Register(ctx); err != nil {
			c.logger.Warnw("Coordinator re-registration failed", "node_id", c.nodeID, "error", err)
			return
		}
		c.logger.Infow("Re-registered with coordinator", "node_id", c.nodeID)
	}

	if err := c.UpdateStats(ctx, stats.Snapshot()); err != nil {
		c.setRegistered(false)
		c.logger.Warnw("Heartbeat failed", "node_id", c.nodeID, "error", err)
	}
}
