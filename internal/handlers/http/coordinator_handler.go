package http

import (
	"net/http"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/internal/infrastructure/cluster"
	"meshsfu/pkg/errors"
	"meshsfu/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type CoordinatorHandler struct {
	coordinator ports.Coordinator
	logger      *zap.SugaredLogger
}

func NewCoordinatorHandler(coordinator ports.Coordinator, logger *zap.SugaredLogger) *CoordinatorHandler {
	return &CoordinatorHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

func (h *CoordinatorHandler) SetupRoutes(router gin.IRouter) {
	nodes := router.Group("/nodes")
	{
		nodes.POST("/register", h.RegisterNode)
		nodes.POST("/:nodeId/stats", h.UpdateStats)
		nodes.DELETE("/:nodeId", h.DeregisterNode)
		nodes.GET("", h.ListNodes)
	}

	rooms := router.Group("/rooms")
	{
		rooms.POST("/assign", h.AssignRoom)
		rooms.GET("/:roomId/node", h.GetRoomNode)
		rooms.DELETE("/:roomId", h.DeleteRoom)
	}

	clusterGroup := router.Group("/cluster")
	{
		clusterGroup.GET("/visualization", h.Visualization)
		clusterGroup.GET("/routers", h.Routers)
		clusterGroup.GET("/streams", h.Streams)
		clusterGroup.GET("/pipes", h.Pipes)
	}

	router.GET("/health", h.Health)
}

func (h *CoordinatorHandler) RegisterNode(c *gin.Context) {
	var req cluster.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validation.ValidateID(string(req.NodeID), "nodeId"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateHostPort(req.Host, req.Port); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	node, err := h.coordinator.RegisterNode(c.Request.Context(), req.NodeID, req.NodeInfo)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cluster.RegisterResponse{Success: true, NodeID: node.ID, Node: node})
}

func (h *CoordinatorHandler) UpdateStats(c *gin.Context) {
	nodeID, ok := pathID(c, "nodeId")
	if !ok {
		return
	}
	var update domain.StatsUpdate
	if !bindJSON(c, &update) {
		return
	}

	if err := h.coordinator.UpdateNodeStats(c.Request.Context(), domain.NodeID(nodeID), update); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CoordinatorHandler) DeregisterNode(c *gin.Context) {
	nodeID, ok := pathID(c, "nodeId")
	if !ok {
		return
	}

	if err := h.coordinator.DeregisterNode(c.Request.Context(), domain.NodeID(nodeID)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListNodes accepts an optional glob over node ids, e.g. ?match=sfu-eu-*.
func (h *CoordinatorHandler) ListNodes(c *gin.Context) {
	nodes, err := h.coordinator.MatchNodes(c.Request.Context(), c.Query("match"))
	if err != nil {
		c.Error(err)
		return
	}
	if nodes == nil {
		nodes = []domain.Node{}
	}
	c.JSON(http.StatusOK, cluster.NodesResponse{Nodes: nodes})
}

func (h *CoordinatorHandler) AssignRoom(c *gin.Context) {
	var req cluster.AssignRoomRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validation.ValidateID(string(req.RoomID), "roomId"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	assignment, err := h.coordinator.AssignRoom(c.Request.Context(), req.RoomID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (h *CoordinatorHandler) GetRoomNode(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}

	assignment, err := h.coordinator.GetRoomNode(c.Request.Context(), domain.RoomID(roomID))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (h *CoordinatorHandler) DeleteRoom(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}

	if err := h.coordinator.DeleteRoom(c.Request.Context(), domain.RoomID(roomID)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CoordinatorHandler) Visualization(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.GetVisualizationData(c.Request.Context()))
}

func (h *CoordinatorHandler) Routers(c *gin.Context) {
	routers := h.coordinator.GetAllRouters(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"routers": routers, "count": len(routers)})
}

func (h *CoordinatorHandler) Streams(c *gin.Context) {
	routes := h.coordinator.GetAllStreamRoutes(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"streams": routes, "count": len(routes)})
}

func (h *CoordinatorHandler) Pipes(c *gin.Context) {
	pipes := h.coordinator.GetAllPipeConnections(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"pipes": pipes, "count": len(pipes)})
}

func (h *CoordinatorHandler) Health(c *gin.Context) {
	health := h.coordinator.GetHealth(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":      health.Status,
		"nodes":       health.Nodes,
		"activeNodes": health.ActiveNodes,
		"rooms":       health.Rooms,
		"timestamp":   time.Now(),
	})
}
