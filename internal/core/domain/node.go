package domain

import (
	"fmt"
	"time"
)

type NodeStatus string

const (
	NodeActive    NodeStatus = "active"
	NodeUnhealthy NodeStatus = "unhealthy"
	NodeUnknown   NodeStatus = "unknown"
)

type Node struct {
	ID           NodeID     `json:"id"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Status       NodeStatus `json:"status"`
	Capacity     int        `json:"capacity"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastSeen     time.Time  `json:"lastSeen"`
	Stats        NodeStats  `json:"stats"`
}

// BaseURL is the node's HTTP address.
func (n Node) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

type NodeStats struct {
	Load         float64         `json:"load"`
	Rooms        int             `json:"rooms"`
	Participants int             `json:"participants"`
	Workers      map[int]float64 `json:"workers,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NodeInfo is what a node announces when registering.
type NodeInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Capacity int    `json:"capacity"`
}

// StatsUpdate is a partial stats report. Nil fields are left untouched.
type StatsUpdate struct {
	Load          *float64       `json:"load,omitempty"`
	Rooms         *int           `json:"rooms,omitempty"`
	Participants  *int           `json:"participants,omitempty"`
	RouterCreated *RouterCreated `json:"routerCreated,omitempty"`
	PipeCreated   *PipeCreated   `json:"pipeCreated,omitempty"`
	RouterStats   *RouterStats   `json:"routerStats,omitempty"`
}

type RouterCreated struct {
	RouterID  RouterID `json:"routerId"`
	WorkerPID int      `json:"workerPid"`
	RoomID    RoomID   `json:"roomId,omitempty"`
}

type PipeCreated struct {
	SourceRouterID RouterID `json:"sourceRouterId"`
	TargetRouterID RouterID `json:"targetRouterId"`
	TargetNodeID   NodeID   `json:"targetNodeId,omitempty"`
}

type RouterStats struct {
	WorkerLoads  map[int]float64 `json:"workerLoads,omitempty"`
	StreamRoutes []StreamRoute   `json:"streamRoutes,omitempty"`
}

type RouterInfo struct {
	ID        RouterID  `json:"id"`
	NodeID    NodeID    `json:"nodeId"`
	WorkerPID int       `json:"workerPid"`
	RoomID    RoomID    `json:"roomId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type PipeConnection struct {
	SourceRouterID RouterID  `json:"sourceRouterId"`
	TargetRouterID RouterID  `json:"targetRouterId"`
	SourceNodeID   NodeID    `json:"sourceNodeId"`
	TargetNodeID   NodeID    `json:"targetNodeId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// StreamRoute is observational only.
type StreamRoute struct {
	ProducerID     ProducerID `json:"producerId"`
	ConsumerID     ConsumerID `json:"consumerId"`
	ProducerNodeID NodeID     `json:"producerNodeId"`
	ConsumerNodeID NodeID     `json:"consumerNodeId"`
	Kind           MediaKind  `json:"kind"`
	RoomID         RoomID     `json:"roomId"`
}

type RoomAssignment struct {
	RoomID RoomID `json:"roomId"`
	NodeID NodeID `json:"nodeId"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

type GraphNode struct {
	ID    string                 `json:"id"`
	Type  string                 `json:"type"`
	Label string                 `json:"label"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

type GraphEdge struct {
	ID     string                 `json:"id"`
	Source string                 `json:"source"`
	Target string                 `json:"target"`
	Type   string                 `json:"type"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

type Visualization struct {
	Nodes     []GraphNode `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	Timestamp time.Time   `json:"timestamp"`
}

type ClusterHealth struct {
	Status      string `json:"status"`
	Nodes       int    `json:"nodes"`
	ActiveNodes int    `json:"activeNodes"`
	Rooms       int    `json:"rooms"`
}

// NodeHealth is what GET /health on a media node reports.
type NodeHealth struct {
	NodeID      NodeID         `json:"nodeId"`
	Status      string         `json:"status"`
	Uptime      float64        `json:"uptime"`
	CPU         float64        `json:"cpu"`
	Memory      float64        `json:"memory"`
	Connections int            `json:"connections"`
	Transports  map[string]int `json:"transports,omitempty"`
}
