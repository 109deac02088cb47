package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
)

type CoordinatorConfig struct {
	// NodeTimeout marks a silent node unhealthy.
	NodeTimeout time.Duration
	// NodeExpiry removes a silent node and everything it reported.
	NodeExpiry    time.Duration
	SweepInterval time.Duration
}

type nodeEntry struct {
	node domain.Node
	seq  uint64
}

type pipeEntry struct {
	conn     domain.PipeConnection
	reporter domain.NodeID
}

type routeEntry struct {
	route     domain.StreamRoute
	reporter  domain.NodeID
	updatedAt time.Time
}

// CoordinatorService is the cluster's node registry and room placement
// authority. All state is in memory and rebuilt from node heartbeats after a
// restart.
type CoordinatorService struct {
	mu      sync.RWMutex
	nodes   map[domain.NodeID]*nodeEntry
	seq     uint64
	rooms   map[domain.RoomID]domain.NodeID
	routers map[domain.RouterID]domain.RouterInfo
	pipes   map[string]pipeEntry
	routes  map[string]routeEntry

	cfg     CoordinatorConfig
	metrics ports.ClusterMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

var _ ports.Coordinator = (*CoordinatorService)(nil)

func NewCoordinatorService(cfg CoordinatorConfig, metrics ports.ClusterMetrics, logger *zap.SugaredLogger) *CoordinatorService {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 30 * time.Second
	}
	if cfg.NodeExpiry <= 0 {
		cfg.NodeExpiry = 2 * cfg.NodeTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.NodeTimeout / 3
	}
	if metrics == nil {
		metrics = ports.NopClusterMetrics{}
	}
	return &CoordinatorService{
		nodes:   make(map[domain.NodeID]*nodeEntry),
		rooms:   make(map[domain.RoomID]domain.NodeID),
		routers: make(map[domain.RouterID]domain.RouterInfo),
		pipes:   make(map[string]pipeEntry),
		routes:  make(map[string]routeEntry),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterNode upserts a node. Re-registering resets its stats and status but
// keeps its place in the registration order.
func (s *CoordinatorService) RegisterNode(ctx context.Context, nodeID domain.NodeID, info domain.NodeInfo) (domain.Node, error) {
	if nodeID == "" {
		return domain.Node{}, domain.InvalidParams("nodeId is required")
	}
	if info.Host == "" || info.Port <= 0 || info.Port > 65535 {
		return domain.Node{}, domain.InvalidParams("node %s needs a host and a valid port", nodeID)
	}

	now := s.now()
	s.mu.Lock()
	entry, ok := s.nodes[nodeID]
	if !ok {
		s.seq++
		entry = &nodeEntry{seq: s.seq}
		s.nodes[nodeID] = entry
	}
	entry.node = domain.Node{
		ID:           nodeID,
		Host:         info.Host,
		Port:         info.Port,
		Status:       domain.NodeActive,
		Capacity:     info.Capacity,
		RegisteredAt: now,
		LastSeen:     now,
		Stats:        domain.NodeStats{UpdatedAt: now},
	}
	node := entry.node
	s.mu.Unlock()

	s.logger.Infow("Node registered", "node_id", nodeID, "host", info.Host, "port", info.Port, "rejoined", ok)
	s.publishMetrics()
	return node, nil
}

// UpdateNodeStats merges a partial stats report. Absent fields keep their
// previous value.
func (s *CoordinatorService) UpdateNodeStats(ctx context.Context, nodeID domain.NodeID, update domain.StatsUpdate) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNodeNotFound, nodeID)
	}
	n := &entry.node
	n.LastSeen = now
	if n.Status != domain.NodeActive {
		s.logger.Infow("Node recovered", "node_id", nodeID, "previous_status", n.Status)
		n.Status = domain.NodeActive
	}

	if update.Load != nil {
		n.Stats.Load = *update.Load
	}
	if update.Rooms != nil {
		n.Stats.Rooms = *update.Rooms
	}
	if update.Participants != nil {
		n.Stats.Participants = *update.Participants
	}
	n.Stats.UpdatedAt = now

	if rc := update.RouterCreated; rc != nil && rc.RouterID != "" {
		createdAt := now
		if prev, ok := s.routers[rc.RouterID]; ok && prev.NodeID == nodeID {
			createdAt = prev.CreatedAt
		}
		s.routers[rc.RouterID] = domain.RouterInfo{
			ID:        rc.RouterID,
			NodeID:    nodeID,
			WorkerPID: rc.WorkerPID,
			RoomID:    rc.RoomID,
			CreatedAt: createdAt,
		}
	}
	if pc := update.PipeCreated; pc != nil {
		target := pc.TargetRouterID
		if target == "" && pc.TargetNodeID != "" {
			target = s.routerOfLocked(pc.TargetNodeID)
		}
		key := string(pc.SourceRouterID) + "_" + string(target)
		if _, seen := s.pipes[key]; !seen && pc.SourceRouterID != "" && target != "" {
			s.pipes[key] = pipeEntry{
				conn: domain.PipeConnection{
					SourceRouterID: pc.SourceRouterID,
					TargetRouterID: target,
					SourceNodeID:   nodeID,
					TargetNodeID:   pc.TargetNodeID,
					CreatedAt:      now,
				},
				reporter: nodeID,
			}
		}
	}
	if rs := update.RouterStats; rs != nil {
		if len(rs.WorkerLoads) > 0 {
			if n.Stats.Workers == nil {
				n.Stats.Workers = make(map[int]float64, len(rs.WorkerLoads))
			}
			for pid, load := range rs.WorkerLoads {
				n.Stats.Workers[pid] = load
			}
		}
		for _, r := range rs.StreamRoutes {
			if r.ProducerID == "" || r.ConsumerID == "" {
				continue
			}
			s.routes[string(r.ProducerID)+"_"+string(r.ConsumerID)] = routeEntry{route: r, reporter: nodeID, updatedAt: now}
		}
	}
	return nil
}

// routerOfLocked returns the first router a node reported, if any.
func (s *CoordinatorService) routerOfLocked(nodeID domain.NodeID) domain.RouterID {
	var found domain.RouterID
	for id, r := range s.routers {
		if r.NodeID == nodeID && (found == "" || id < found) {
			found = id
		}
	}
	return found
}

// DeregisterNode removes a node that is shutting down.
func (s *CoordinatorService) DeregisterNode(ctx context.Context, nodeID domain.NodeID) error {
	if _, ok := s.CleanupNode(nodeID); !ok {
		return fmt.Errorf("%w: %s", domain.ErrNodeNotFound, nodeID)
	}
	return nil
}

// CleanupNode removes the node with its routers, pipes, stream routes and
// room assignments.
func (s *CoordinatorService) CleanupNode(nodeID domain.NodeID) (domain.Node, bool) {
	s.mu.Lock()
	entry, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return domain.Node{}, false
	}
	delete(s.nodes, nodeID)

	for id, r := range s.routers {
		if r.NodeID == nodeID {
			delete(s.routers, id)
		}
	}
	for id, p := range s.pipes {
		if p.reporter == nodeID || p.conn.TargetNodeID == nodeID {
			delete(s.pipes, id)
		}
	}
	for id, r := range s.routes {
		if r.reporter == nodeID || r.route.ProducerNodeID == nodeID || r.route.ConsumerNodeID == nodeID {
			delete(s.routes, id)
		}
	}
	rooms := 0
	for roomID, owner := range s.rooms {
		if owner == nodeID {
			delete(s.rooms, roomID)
			rooms++
		}
	}
	s.mu.Unlock()

	s.logger.Infow("Node cleaned up", "node_id", nodeID, "released_rooms", rooms)
	s.publishMetrics()
	return entry.node, true
}

// ordered returns node entries in registration order. Caller holds s.mu.
func (s *CoordinatorService) ordered() []*nodeEntry {
	out := make([]*nodeEntry, 0, len(s.nodes))
	for _, e := range s.nodes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *CoordinatorService) GetNodes(ctx context.Context) []domain.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.ordered()
	out := make([]domain.Node, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneNode(e.node))
	}
	return out
}

// MatchNodes returns nodes whose id matches a glob pattern such as "sfu-eu-*".
func (s *CoordinatorService) MatchNodes(ctx context.Context, pattern string) ([]domain.Node, error) {
	if pattern == "" {
		return s.GetNodes(ctx), nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, domain.InvalidParams("bad node pattern %q: %v", pattern, err)
	}
	var out []domain.Node
	for _, n := range s.GetNodes(ctx) {
		if g.Match(string(n.ID)) {
			out = append(out, n)
		}
	}
	return out, nil
}

// ActiveNodes lists active nodes other than exclude.
func (s *CoordinatorService) ActiveNodes(ctx context.Context, exclude domain.NodeID) []domain.Node {
	var out []domain.Node
	for _, n := range s.GetNodes(ctx) {
		if n.Status == domain.NodeActive && n.ID != exclude {
			out = append(out, n)
		}
	}
	return out
}

func cloneNode(n domain.Node) domain.Node {
	if n.Stats.Workers != nil {
		workers := make(map[int]float64, len(n.Stats.Workers))
		for k, v := range n.Stats.Workers {
			workers[k] = v
		}
		n.Stats.Workers = workers
	}
	return n
}

// SelectLeastLoadedNode picks the active node with the lowest load. Ties go
// to the earliest registered node.
func (s *CoordinatorService) SelectLeastLoadedNode() (domain.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked()
}

func (s *CoordinatorService) selectLocked() (domain.Node, bool) {
	var best *nodeEntry
	for _, e := range s.ordered() {
		if e.node.Status != domain.NodeActive {
			continue
		}
		if best == nil || e.node.Stats.Load < best.node.Stats.Load {
			best = e
		}
	}
	if best == nil {
		return domain.Node{}, false
	}
	return cloneNode(best.node), true
}

func assignment(roomID domain.RoomID, n domain.Node) domain.RoomAssignment {
	return domain.RoomAssignment{RoomID: roomID, NodeID: n.ID, Host: n.Host, Port: n.Port}
}

// AssignRoom places a room on the least loaded node. A room that is already
// placed keeps its node.
func (s *CoordinatorService) AssignRoom(ctx context.Context, roomID domain.RoomID) (domain.RoomAssignment, error) {
	if roomID == "" {
		return domain.RoomAssignment{}, domain.InvalidParams("roomId is required")
	}

	s.mu.Lock()
	if owner, ok := s.rooms[roomID]; ok {
		if e, ok := s.nodes[owner]; ok {
			a := assignment(roomID, e.node)
			s.mu.Unlock()
			return a, nil
		}
		delete(s.rooms, roomID)
	}

	n, ok := s.selectLocked()
	if !ok {
		s.mu.Unlock()
		return domain.RoomAssignment{}, domain.ErrNoAvailableNodes
	}
	s.rooms[roomID] = n.ID
	s.nodes[n.ID].node.Stats.Rooms++
	s.mu.Unlock()

	s.logger.Infow("Room assigned", "room_id", roomID, "node_id", n.ID)
	s.publishMetrics()
	return assignment(roomID, n), nil
}

func (s *CoordinatorService) GetRoomNode(ctx context.Context, roomID domain.RoomID) (domain.RoomAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.rooms[roomID]
	if !ok {
		return domain.RoomAssignment{}, fmt.Errorf("%w: %s is not assigned", domain.ErrRoomNotFound, roomID)
	}
	e, ok := s.nodes[owner]
	if !ok {
		return domain.RoomAssignment{}, fmt.Errorf("%w: %s", domain.ErrNodeNotFound, owner)
	}
	return assignment(roomID, e.node), nil
}

// DeleteRoom drops a room assignment. Deleting an unknown room is a no-op.
func (s *CoordinatorService) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	s.mu.Lock()
	owner, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
		if e, ok := s.nodes[owner]; ok && e.node.Stats.Rooms > 0 {
			e.node.Stats.Rooms--
		}
	}
	s.mu.Unlock()

	if ok {
		s.logger.Infow("Room unassigned", "room_id", roomID, "node_id", owner)
		s.publishMetrics()
	}
	return nil
}

func (s *CoordinatorService) GetAllRouters(ctx context.Context) []domain.RouterInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RouterInfo, 0, len(s.routers))
	for _, r := range s.routers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *CoordinatorService) GetAllStreamRoutes(ctx context.Context) []domain.StreamRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StreamRoute, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r.route)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProducerID != out[j].ProducerID {
			return out[i].ProducerID < out[j].ProducerID
		}
		return out[i].ConsumerID < out[j].ConsumerID
	})
	return out
}

func (s *CoordinatorService) GetAllPipeConnections(ctx context.Context) []domain.PipeConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PipeConnection, 0, len(s.pipes))
	for _, p := range s.pipes {
		out = append(out, p.conn)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceRouterID != out[j].SourceRouterID {
			return out[i].SourceRouterID < out[j].SourceRouterID
		}
		return out[i].TargetRouterID < out[j].TargetRouterID
	})
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// GetVisualizationData renders the cluster as a graph. It only reads state.
func (s *CoordinatorService) GetVisualizationData(ctx context.Context) domain.Visualization {
	nodes := s.GetNodes(ctx)
	routers := s.GetAllRouters(ctx)
	pipes := s.GetAllPipeConnections(ctx)
	routes := s.GetAllStreamRoutes(ctx)

	v := domain.Visualization{
		Nodes:     make([]domain.GraphNode, 0, len(nodes)+len(routers)),
		Edges:     make([]domain.GraphEdge, 0, len(routers)+len(pipes)+len(routes)),
		Timestamp: s.now(),
	}
	seen := make(map[string]bool)
	addNode := func(n domain.GraphNode) {
		if !seen[n.ID] {
			seen[n.ID] = true
			v.Nodes = append(v.Nodes, n)
		}
	}

	for _, n := range nodes {
		addNode(domain.GraphNode{
			ID:    "node_" + string(n.ID),
			Type:  "node",
			Label: string(n.ID),
			Data: map[string]interface{}{
				"host":         n.Host,
				"port":         n.Port,
				"status":       n.Status,
				"load":         n.Stats.Load,
				"registeredAt": n.RegisteredAt,
			},
		})
	}
	for _, r := range routers {
		addNode(domain.GraphNode{
			ID:    "router_" + string(r.ID),
			Type:  "router",
			Label: "Router " + shortID(string(r.ID)),
			Data:  map[string]interface{}{"nodeId": r.NodeID, "roomId": r.RoomID, "workerPid": r.WorkerPID},
		})
		v.Edges = append(v.Edges, domain.GraphEdge{
			ID:     "node_router_" + string(r.ID),
			Source: "node_" + string(r.NodeID),
			Target: "router_" + string(r.ID),
			Type:   "node_router",
		})
	}
	for _, p := range pipes {
		v.Edges = append(v.Edges, domain.GraphEdge{
			ID:     "pipe_" + string(p.SourceRouterID) + "_" + string(p.TargetRouterID),
			Source: "router_" + string(p.SourceRouterID),
			Target: "router_" + string(p.TargetRouterID),
			Type:   "pipe",
		})
	}
	for _, r := range routes {
		producer := "producer_" + string(r.ProducerID)
		consumer := "consumer_" + string(r.ConsumerID)
		addNode(domain.GraphNode{
			ID:    producer,
			Type:  "producer",
			Label: "Producer " + shortID(string(r.ProducerID)),
			Data:  map[string]interface{}{"kind": r.Kind, "nodeId": r.ProducerNodeID, "roomId": r.RoomID},
		})
		addNode(domain.GraphNode{
			ID:    consumer,
			Type:  "consumer",
			Label: "Consumer " + shortID(string(r.ConsumerID)),
			Data:  map[string]interface{}{"kind": r.Kind, "nodeId": r.ConsumerNodeID, "roomId": r.RoomID},
		})
		v.Edges = append(v.Edges, domain.GraphEdge{
			ID:     "stream_" + string(r.ProducerID) + "_" + string(r.ConsumerID),
			Source: producer,
			Target: consumer,
			Type:   "stream",
			Data:   map[string]interface{}{"kind": r.Kind},
		})
	}
	return v
}

func (s *CoordinatorService) GetHealth(ctx context.Context) domain.ClusterHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := domain.ClusterHealth{Status: "healthy", Nodes: len(s.nodes), Rooms: len(s.rooms)}
	for _, e := range s.nodes {
		if e.node.Status == domain.NodeActive {
			h.ActiveNodes++
		}
	}
	if h.ActiveNodes < h.Nodes {
		h.Status = "degraded"
	}
	return h
}

// Sweep marks silent nodes unhealthy and removes expired ones. It returns the
// ids of removed nodes.
func (s *CoordinatorService) Sweep() []domain.NodeID {
	now := s.now()

	var expired []domain.NodeID
	s.mu.Lock()
	for id, e := range s.nodes {
		silent := now.Sub(e.node.LastSeen)
		switch {
		case silent > s.cfg.NodeExpiry:
			expired = append(expired, id)
		case silent > s.cfg.NodeTimeout && e.node.Status == domain.NodeActive:
			e.node.Status = domain.NodeUnhealthy
			s.logger.Warnw("Node timed out", "node_id", id, "silent_for", silent)
		}
	}
	s.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		s.CleanupNode(id)
	}
	s.publishMetrics()
	return expired
}

// Run sweeps every SweepInterval until ctx ends.
func (s *CoordinatorService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *CoordinatorService) publishMetrics() {
	h := s.GetHealth(context.Background())
	s.metrics.SetClusterNodes(h.ActiveNodes, h.Nodes)
	s.metrics.SetAssignedRooms(h.Rooms)
}
