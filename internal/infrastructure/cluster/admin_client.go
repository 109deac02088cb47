package cluster

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/infrastructure/loadbalancer"
)

// ClusterHealthResponse is the coordinator's GET /health body.
type ClusterHealthResponse struct {
	domain.ClusterHealth
	Timestamp time.Time `json:"timestamp"`
}

// AdminClient drives the operator endpoints of the coordinator, the
// balancer and individual media nodes.
type AdminClient struct {
	coordinatorURL string
	balancerURL    string
	client         jsonClient
}

func NewAdminClient(coordinatorURL, balancerURL string, timeout time.Duration) *AdminClient {
	return &AdminClient{
		coordinatorURL: strings.TrimRight(coordinatorURL, "/"),
		balancerURL:    strings.TrimRight(balancerURL, "/"),
		client:         newJSONClient(timeout),
	}
}

// MatchNodes lists nodes whose id matches pattern; an empty pattern lists all.
func (a *AdminClient) MatchNodes(ctx context.Context, pattern string) ([]domain.Node, error) {
	endpoint := a.coordinatorURL + "/nodes"
	if pattern != "" {
		endpoint += "?match=" + url.QueryEscape(pattern)
	}
	var resp NodesResponse
	if err := a.client.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (a *AdminClient) AssignRoom(ctx context.Context, roomID domain.RoomID) (domain.RoomAssignment, error) {
	var out domain.RoomAssignment
	err := a.client.do(ctx, http.MethodPost, a.coordinatorURL+"/rooms/assign", AssignRoomRequest{RoomID: roomID}, &out)
	return out, err
}

func (a *AdminClient) RoomNode(ctx context.Context, roomID domain.RoomID) (domain.RoomAssignment, error) {
	var out domain.RoomAssignment
	err := a.client.do(ctx, http.MethodGet, a.coordinatorURL+"/rooms/"+url.PathEscape(string(roomID))+"/node", nil, &out)
	return out, err
}

func (a *AdminClient) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	return a.client.do(ctx, http.MethodDelete, a.coordinatorURL+"/rooms/"+url.PathEscape(string(roomID)), nil, nil)
}

func (a *AdminClient) Routers(ctx context.Context) ([]domain.RouterInfo, error) {
	var resp struct {
		Routers []domain.RouterInfo `json:"routers"`
	}
	err := a.client.do(ctx, http.MethodGet, a.coordinatorURL+"/cluster/routers", nil, &resp)
	return resp.Routers, err
}

func (a *AdminClient) Streams(ctx context.Context) ([]domain.StreamRoute, error) {
	var resp struct {
		Streams []domain.StreamRoute `json:"streams"`
	}
	err := a.client.do(ctx, http.MethodGet, a.coordinatorURL+"/cluster/streams", nil, &resp)
	return resp.Streams, err
}

func (a *AdminClient) Pipes(ctx context.Context) ([]domain.PipeConnection, error) {
	var resp struct {
		Pipes []domain.PipeConnection `json:"pipes"`
	}
	err := a.client.do(ctx, http.MethodGet, a.coordinatorURL+"/cluster/pipes", nil, &resp)
	return resp.Pipes, err
}

func (a *AdminClient) Visualization(ctx context.Context) (domain.Visualization, error) {
	var out domain.Visualization
	err := a.client.do(ctx, http.MethodGet, a.coordinatorURL+"/cluster/visualization", nil, &out)
	return out, err
}

func (a *AdminClient) ClusterHealth(ctx context.Context) (ClusterHealthResponse, error) {
	var out ClusterHealthResponse
	err := a.client.do(ctx, http.MethodGet, a.coordinatorURL+"/health", nil, &out)
	return out, err
}

// BootstrapLinks asks the node at nodeURL to establish its missing relay links.
func (a *AdminClient) BootstrapLinks(ctx context.Context, nodeURL string) (domain.LinkReport, error) {
	var out domain.LinkReport
	err := a.client.do(ctx, http.MethodPost, strings.TrimRight(nodeURL, "/")+"/relay/bootstrap", nil, &out)
	return out, err
}

func (a *AdminClient) Links(ctx context.Context, nodeURL string) ([]domain.RelayLink, error) {
	var resp struct {
		Links []domain.RelayLink `json:"links"`
	}
	err := a.client.do(ctx, http.MethodGet, strings.TrimRight(nodeURL, "/")+"/relay/links", nil, &resp)
	return resp.Links, err
}

// Sync asks the node at nodeURL to pull producers it is missing from peers.
func (a *AdminClient) Sync(ctx context.Context, nodeURL string) error {
	return a.client.do(ctx, http.MethodPost, strings.TrimRight(nodeURL, "/")+"/relay/sync", nil, nil)
}

func (a *AdminClient) BalancerStats(ctx context.Context) (loadbalancer.Stats, error) {
	var out loadbalancer.Stats
	err := a.client.do(ctx, http.MethodGet, a.balancerURL+"/stats", nil, &out)
	return out, err
}
