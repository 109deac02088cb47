package http

import (
	"net/http"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/infrastructure/loadbalancer"
	"meshsfu/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Assigner interface {
	Assign(connID string) (domain.Node, error)
	Untrack(connID string) (domain.NodeID, bool)
	Lookup(connID string) (domain.Node, bool)
	Stats() loadbalancer.Stats
	HealthyNodes() int
}

type TicketIssuer interface {
	Issue(sessionID string, nodeID domain.NodeID) (string, error)
}

type BalancerHandler struct {
	balancer Assigner
	sessions *loadbalancer.StickySessionManager
	// tickets is nil when ticket auth is disabled.
	tickets TicketIssuer
	logger  *zap.SugaredLogger
}

func NewBalancerHandler(balancer Assigner, sessions *loadbalancer.StickySessionManager, tickets TicketIssuer, logger *zap.SugaredLogger) *BalancerHandler {
	return &BalancerHandler{
		balancer: balancer,
		sessions: sessions,
		tickets:  tickets,
		logger:   logger,
	}
}

func (h *BalancerHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/connect", h.Connect)
	router.POST("/disconnect", h.Disconnect)
	router.GET("/stats", h.Stats)
	router.GET("/nodes", h.Nodes)
	router.GET("/health", h.Health)
}

type ConnectResponse struct {
	SessionID string        `json:"sessionId"`
	NodeID    domain.NodeID `json:"nodeId"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Ticket    string        `json:"ticket,omitempty"`
}

// Connect assigns the client a node. A client presenting a valid session
// cookie for a tracked session keeps its node.
func (h *BalancerHandler) Connect(c *gin.Context) {
	sessionID, existing := h.sessions.SessionID(c.Request)

	node, tracked := domain.Node{}, false
	if existing {
		node, tracked = h.balancer.Lookup(sessionID)
	}
	if !tracked {
		var err error
		node, err = h.balancer.Assign(sessionID)
		if err != nil {
			c.Error(err)
			return
		}
	}

	resp := ConnectResponse{
		SessionID: sessionID,
		NodeID:    node.ID,
		Host:      node.Host,
		Port:      node.Port,
	}
	if h.tickets != nil {
		ticket, err := h.tickets.Issue(sessionID, node.ID)
		if err != nil {
			h.balancer.Untrack(sessionID)
			c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue connection ticket", http.StatusInternalServerError))
			return
		}
		resp.Ticket = ticket
	}

	h.sessions.SetSessionCookie(c.Writer, sessionID)
	c.JSON(http.StatusOK, resp)
}

type disconnectRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *BalancerHandler) Disconnect(c *gin.Context) {
	var req disconnectRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if req.SessionID == "" {
		id, ok := h.sessions.FromRequest(c.Request)
		if !ok {
			c.Error(errors.NewInvalidInputError("sessionId or session cookie required"))
			return
		}
		req.SessionID = id
	}

	nodeID, ok := h.balancer.Untrack(req.SessionID)
	if !ok {
		c.Error(errors.NewNotFoundError("session"))
		return
	}
	h.sessions.ClearSessionCookie(c.Writer)
	c.JSON(http.StatusOK, gin.H{"success": true, "nodeId": nodeID})
}

func (h *BalancerHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.balancer.Stats())
}

func (h *BalancerHandler) Nodes(c *gin.Context) {
	stats := h.balancer.Stats()
	c.JSON(http.StatusOK, gin.H{"nodes": stats.NodeStats, "count": len(stats.NodeStats)})
}

func (h *BalancerHandler) Health(c *gin.Context) {
	healthy := h.balancer.HealthyNodes()
	status := http.StatusOK
	body := gin.H{
		"status":       "healthy",
		"healthyNodes": healthy,
		"timestamp":    time.Now(),
	}
	if healthy == 0 {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}
