package monitoring

import (
	"os"
	"sync"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
)

type RoomCounter interface {
	GlobalStats() domain.GlobalStats
}

type TransportSource interface {
	RouterID() domain.RouterID
	RelayTransports() []domain.TransportHandle
	Producers() []domain.ProducerHandle
	Consumers() []domain.ConsumerHandle
	Stats() domain.TransportStats
}

type UsageSource interface {
	Usage() (cpu, memory float64)
}

// NodeReporter builds the heartbeat payload sent to the coordinator and the
// body of the node's GET /health.
type NodeReporter struct {
	nodeID      domain.NodeID
	rooms       RoomCounter
	transports  TransportSource
	usage       UsageSource
	connections func() int
	started     time.Time
	pid         int
	now         func() time.Time

	mu       sync.Mutex
	pipeNext int
}

var _ ports.StatsSource = (*NodeReporter)(nil)

// NewNodeReporter wires the reporter. usage and connections may be nil.
func NewNodeReporter(nodeID domain.NodeID, rooms RoomCounter, transports TransportSource, usage UsageSource, connections func() int) *NodeReporter {
	return &NodeReporter{
		nodeID:      nodeID,
		rooms:       rooms,
		transports:  transports,
		usage:       usage,
		connections: connections,
		started:     time.Now(),
		pid:         os.Getpid(),
		now:         time.Now,
	}
}

// Load scores the node from its media object counts, capped at 100.
func Load(transports, producers, consumers, participants int) float64 {
	load := transports*2 + producers*5 + consumers + participants*2
	if load > 100 {
		load = 100
	}
	return float64(load)
}

// Snapshot reports counts and the router on every call. One relay pipe is
// announced per call in rotation so the coordinator learns every pipe within
// as many heartbeats as there are peers.
func (r *NodeReporter) Snapshot() domain.StatsUpdate {
	global := r.rooms.GlobalStats()
	ts := r.transports.Stats()
	load := Load(ts.Transports, ts.Producers, ts.Consumers, global.Participants)
	rooms, participants := global.Rooms, global.Participants

	routerID := r.transports.RouterID()
	update := domain.StatsUpdate{
		Load:         &load,
		Rooms:        &rooms,
		Participants: &participants,
		RouterStats: &domain.RouterStats{
			WorkerLoads:  map[int]float64{r.pid: load},
			StreamRoutes: r.streamRoutes(),
		},
	}
	if routerID != "" {
		update.RouterCreated = &domain.RouterCreated{RouterID: routerID, WorkerPID: r.pid}
		if pipe := r.nextPipe(); pipe != "" {
			update.PipeCreated = &domain.PipeCreated{SourceRouterID: routerID, TargetNodeID: pipe}
		}
	}
	return update
}

func (r *NodeReporter) nextPipe() domain.NodeID {
	relays := r.transports.RelayTransports()
	if len(relays) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := relays[r.pipeNext%len(relays)]
	r.pipeNext = (r.pipeNext + 1) % len(relays)
	return t.TargetNodeID
}

func (r *NodeReporter) streamRoutes() []domain.StreamRoute {
	consumers := r.transports.Consumers()
	if len(consumers) == 0 {
		return nil
	}
	origin := make(map[domain.ProducerID]domain.NodeID)
	for _, p := range r.transports.Producers() {
		if p.IsPiped && p.SourceNode != "" {
			origin[p.ID] = p.SourceNode
		}
	}
	routes := make([]domain.StreamRoute, 0, len(consumers))
	for _, c := range consumers {
		from, ok := origin[c.ProducerID]
		if !ok {
			from = r.nodeID
		}
		routes = append(routes, domain.StreamRoute{
			ProducerID:     c.ProducerID,
			ConsumerID:     c.ID,
			ProducerNodeID: from,
			ConsumerNodeID: r.nodeID,
			Kind:           c.Kind,
			RoomID:         c.RoomID,
		})
	}
	return routes
}

func (r *NodeReporter) Health() domain.NodeHealth {
	var cpu, memory float64
	if r.usage != nil {
		cpu, memory = r.usage.Usage()
	}
	conns := 0
	if r.connections != nil {
		conns = r.connections()
	}
	ts := r.transports.Stats()
	transports := make(map[string]int, len(ts.ByKind))
	for kind, n := range ts.ByKind {
		transports[string(kind)] = n
	}
	return domain.NodeHealth{
		NodeID:      r.nodeID,
		Status:      "healthy",
		Uptime:      r.now().Sub(r.started).Seconds(),
		CPU:         cpu,
		Memory:      memory,
		Connections: conns,
		Transports:  transports,
	}
}
