package http

import (
	"context"
	"fmt"
	"net/http"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/internal/infrastructure/cluster"
	"meshsfu/pkg/errors"
	"meshsfu/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RelayBackend is the peer side of the relay protocol.
type RelayBackend interface {
	CreateRelay(ctx context.Context, target domain.NodeID) (domain.RelayEndpoint, error)
	ConnectRelay(ctx context.Context, transportID domain.TransportID, req ports.ConnectRelayRequest) error
	ConsumeViaRelay(ctx context.Context, transportID domain.TransportID, req domain.ConsumeViaRelayRequest) (domain.ReplicaInfo, error)
	ReplicaStatus(originalID domain.ProducerID) (domain.ReplicaInfo, bool)
	CloseReplica(ctx context.Context, originalID domain.ProducerID) error
}

// LinkManager bootstraps and lists relay links.
type LinkManager interface {
	EnsureLinks(ctx context.Context) (domain.LinkReport, error)
	Links(ctx context.Context) ([]domain.RelayLink, error)
}

type RelayHandler struct {
	relay      RelayBackend
	replicator ports.Replicator
	links      LinkManager
	logger     *zap.SugaredLogger
}

func NewRelayHandler(relay RelayBackend, replicator ports.Replicator, links LinkManager, logger *zap.SugaredLogger) *RelayHandler {
	return &RelayHandler{
		relay:      relay,
		replicator: replicator,
		links:      links,
		logger:     logger,
	}
}

func (h *RelayHandler) SetupRoutes(router gin.IRouter) {
	relay := router.Group("/relay")
	{
		relay.POST("/create", h.CreateRelay)
		relay.POST("/:id/connect", h.ConnectRelay)
		relay.POST("/:id/consume", h.ConsumeViaRelay)
		relay.GET("/replicas/:originalProducerId", h.GetReplica)
		relay.DELETE("/replicas/:originalProducerId", h.CloseReplica)
		relay.POST("/replicate", h.Replicate)
		relay.POST("/bootstrap", h.Bootstrap)
		relay.POST("/sync", h.Sync)
		relay.GET("/links", h.ListLinks)
	}
}

// bindJSON decodes the body, attaching an invalid-input error on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format: " + err.Error()))
		return false
	}
	return true
}

// pathID validates a path parameter used as an identifier.
func pathID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if err := validation.ValidateID(id, name); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return id, true
}

func (h *RelayHandler) CreateRelay(c *gin.Context) {
	var req ports.CreateRelayRequest
	if !bindJSON(c, &req) {
		return
	}

	endpoint, err := h.relay.CreateRelay(c.Request.Context(), req.TargetNodeID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, endpoint)
}

func (h *RelayHandler) ConnectRelay(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req ports.ConnectRelayRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.relay.ConnectRelay(c.Request.Context(), domain.TransportID(id), req); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *RelayHandler) ConsumeViaRelay(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req domain.ConsumeViaRelayRequest
	if !bindJSON(c, &req) {
		return
	}

	replica, err := h.relay.ConsumeViaRelay(c.Request.Context(), domain.TransportID(id), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, replica)
}

func (h *RelayHandler) GetReplica(c *gin.Context) {
	id, ok := pathID(c, "originalProducerId")
	if !ok {
		return
	}

	replica, ok := h.relay.ReplicaStatus(domain.ProducerID(id))
	if !ok {
		c.Error(fmt.Errorf("%w: no replica of %s", domain.ErrProducerNotFound, id))
		return
	}
	c.JSON(http.StatusOK, replica)
}

func (h *RelayHandler) CloseReplica(c *gin.Context) {
	id, ok := pathID(c, "originalProducerId")
	if !ok {
		return
	}

	if err := h.relay.CloseReplica(c.Request.Context(), domain.ProducerID(id)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Replicate serves a late joiner asking this node to replicate one of its
// producers to the joiner.
func (h *RelayHandler) Replicate(c *gin.Context) {
	var req cluster.ReplicateRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validation.ValidateID(string(req.ProducerID), "producerId"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateID(string(req.TargetNodeID), "targetNodeId"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	result, err := h.replicator.ReplicateTo(c.Request.Context(), req.ProducerID, req.TargetNodeID)
	if err != nil {
		c.Error(err)
		return
	}
	if result.Outcome == domain.OutcomeFailed {
		h.logger.Warnw("Requested replication failed",
			"producer_id", req.ProducerID, "target_node_id", req.TargetNodeID, "error", result.Err)
		if result.Err == nil {
			result.Err = fmt.Errorf("%w: %s", domain.ErrPeerUnreachable, req.TargetNodeID)
		}
		c.Error(result.Err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RelayHandler) Bootstrap(c *gin.Context) {
	report, err := h.links.EnsureLinks(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Sync pulls producers this node is missing from its peers.
func (h *RelayHandler) Sync(c *gin.Context) {
	if err := h.replicator.SyncFromPeers(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *RelayHandler) ListLinks(c *gin.Context) {
	links, err := h.links.Links(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "count": len(links)})
}
