package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/services"
	"meshsfu/internal/infrastructure/cluster"
)

func newCoordinatorServer(t *testing.T) (*services.CoordinatorService, *gin.Engine) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	coordinator := services.NewCoordinatorService(services.CoordinatorConfig{}, nil, logger)
	handler := NewCoordinatorHandler(coordinator, logger)
	return coordinator, newRouter(t, func(r *gin.Engine) { handler.SetupRoutes(r) })
}

func TestCoordinatorHandler_NodeLifecycleThroughClient(t *testing.T) {
	_, router := newCoordinatorServer(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx := context.Background()
	client := cluster.NewCoordinatorClient(cluster.CoordinatorClientConfig{URL: srv.URL + "/"}, "sfu1",
		domain.NodeInfo{Host: "10.0.0.1", Port: 3001, Capacity: 100}, zaptest.NewLogger(t).Sugar())

	node, err := client.Register(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, "sfu1", node.ID)
	assert.Equal(t, domain.NodeActive, node.Status)

	load := 12.0
	require.NoError(t, client.UpdateStats(ctx, domain.StatsUpdate{Load: &load}))

	nodes, err := client.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, 12.0, nodes[0].Stats.Load)

	assignment, err := client.AssignRoom(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, "sfu1", assignment.NodeID)
	assert.Equal(t, "10.0.0.1", assignment.Host)
	assert.Equal(t, 3001, assignment.Port)

	require.NoError(t, client.Deregister(ctx))
	nodes, err = client.Nodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestCoordinatorHandler_UnknownNodeStats(t *testing.T) {
	_, router := newCoordinatorServer(t)

	w := request(t, router, http.MethodPost, "/nodes/ghost/stats", map[string]any{"load": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestCoordinatorHandler_RegisterValidation(t *testing.T) {
	_, router := newCoordinatorServer(t)

	w := request(t, router, http.MethodPost, "/nodes/register", map[string]any{"nodeId": "sfu1", "port": 3001})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PARAMETERS", errorCode(t, w))

	w = request(t, router, http.MethodPost, "/nodes/register", map[string]any{"nodeId": "sfu 1", "host": "h", "port": 3001})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, router, http.MethodPost, "/nodes/register", map[string]any{"nodeId": "sfu1", "host": "h", "port": 3001})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[cluster.RegisterResponse](t, w)
	assert.True(t, resp.Success)
	assert.EqualValues(t, "sfu1", resp.NodeID)
}

func TestCoordinatorHandler_AssignWithoutNodes(t *testing.T) {
	_, router := newCoordinatorServer(t)

	w := request(t, router, http.MethodPost, "/rooms/assign", cluster.AssignRoomRequest{RoomID: "r1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "CAPACITY_EXHAUSTED", errorCode(t, w))
}

func TestCoordinatorHandler_RoomNodeAndDelete(t *testing.T) {
	coordinator, router := newCoordinatorServer(t)
	_, err := coordinator.RegisterNode(context.Background(), "sfu1", domain.NodeInfo{Host: "h1", Port: 3001})
	require.NoError(t, err)

	w := request(t, router, http.MethodPost, "/rooms/assign", cluster.AssignRoomRequest{RoomID: "r1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = request(t, router, http.MethodGet, "/rooms/r1/node", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, "sfu1", decode[domain.RoomAssignment](t, w).NodeID)

	w = request(t, router, http.MethodDelete, "/rooms/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = request(t, router, http.MethodGet, "/rooms/r1/node", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCoordinatorHandler_NodeFilter(t *testing.T) {
	coordinator, router := newCoordinatorServer(t)
	for _, id := range []domain.NodeID{"sfu-eu-1", "sfu-eu-2", "sfu-us-1"} {
		_, err := coordinator.RegisterNode(context.Background(), id, domain.NodeInfo{Host: "h", Port: 3001})
		require.NoError(t, err)
	}

	w := request(t, router, http.MethodGet, "/nodes?match=sfu-eu-*", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[cluster.NodesResponse](t, w)
	require.Len(t, resp.Nodes, 2)
	assert.EqualValues(t, "sfu-eu-1", resp.Nodes[0].ID)

	w = request(t, router, http.MethodGet, "/nodes?match=sfu-[", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, router, http.MethodGet, "/nodes?match=edge-*", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"nodes":[]`)
}

func TestCoordinatorHandler_ClusterViews(t *testing.T) {
	coordinator, router := newCoordinatorServer(t)
	ctx := context.Background()
	_, err := coordinator.RegisterNode(ctx, "sfu1", domain.NodeInfo{Host: "h", Port: 3001})
	require.NoError(t, err)
	require.NoError(t, coordinator.UpdateNodeStats(ctx, "sfu1", domain.StatsUpdate{
		RouterCreated: &domain.RouterCreated{RouterID: "ra", WorkerPID: 7},
	}))

	w := request(t, router, http.MethodGet, "/cluster/routers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])

	w = request(t, router, http.MethodGet, "/cluster/visualization", nil)
	require.Equal(t, http.StatusOK, w.Code)
	vis := decode[domain.Visualization](t, w)
	assert.NotEmpty(t, vis.Nodes)

	for _, path := range []string{"/cluster/streams", "/cluster/pipes"} {
		w = request(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w = request(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 1, health["activeNodes"])
}

func TestCoordinatorHandler_AdminClient(t *testing.T) {
	coordinator, router := newCoordinatorServer(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx := context.Background()
	for _, id := range []domain.NodeID{"sfu-eu-1", "sfu-us-1"} {
		_, err := coordinator.RegisterNode(ctx, id, domain.NodeInfo{Host: "h", Port: 3001})
		require.NoError(t, err)
	}
	admin := cluster.NewAdminClient(srv.URL, "", time.Second)

	nodes, err := admin.MatchNodes(ctx, "sfu-eu-*")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.EqualValues(t, "sfu-eu-1", nodes[0].ID)

	_, err = admin.MatchNodes(ctx, "sfu-[")
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	assignment, err := admin.AssignRoom(ctx, "r1")
	require.NoError(t, err)
	got, err := admin.RoomNode(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, assignment.NodeID, got.NodeID)

	routers, err := admin.Routers(ctx)
	require.NoError(t, err)
	assert.Empty(t, routers)

	health, err := admin.ClusterHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, health.ActiveNodes)
	assert.Equal(t, 1, health.Rooms)

	require.NoError(t, admin.DeleteRoom(ctx, "r1"))
	_, err = admin.RoomNode(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
