package http

import (
	"context"
	"net/http"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/infrastructure/middleware"
	"meshsfu/internal/infrastructure/monitoring"
	"meshsfu/internal/infrastructure/signal"
	apperrors "meshsfu/pkg/errors"
	"meshsfu/pkg/utils"
	"meshsfu/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Sessions is the client-facing lifecycle plus the REST-only operations.
type Sessions interface {
	signal.Sessions
	CloseTransport(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID) error
	CloseRoom(ctx context.Context, roomID domain.RoomID) error
}

type Rooms interface {
	CreateRoom(opts domain.RoomOptions) (*domain.Room, bool, error)
	GetRoom(roomID domain.RoomID) (*domain.Room, error)
	ListRooms() []*domain.Room
	RoomStats(roomID domain.RoomID) (domain.RoomStats, error)
	GlobalStats() domain.GlobalStats
	LocalProducers() []domain.LocalProducer
	Streams() []domain.StreamView
}

type TransportCounter interface {
	Stats() domain.TransportStats
}

type NodeStatus interface {
	Health() domain.NodeHealth
}

type Readiness interface {
	CheckAll(ctx context.Context) monitoring.HealthStatus
}

type SignalEndpoint interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, participantID string)
}

type NodeHandlerConfig struct {
	NodeID       domain.NodeID
	ReadyTimeout time.Duration
	// TicketAuth guards the websocket endpoint when set.
	TicketAuth gin.HandlerFunc
}

type NodeHandler struct {
	cfg        NodeHandlerConfig
	sessions   Sessions
	rooms      Rooms
	transports TransportCounter
	status     NodeStatus
	ready      Readiness
	signal     SignalEndpoint
	logger     *zap.SugaredLogger
}

func NewNodeHandler(
	cfg NodeHandlerConfig,
	sessions Sessions,
	rooms Rooms,
	transports TransportCounter,
	status NodeStatus,
	ready Readiness,
	ws SignalEndpoint,
	logger *zap.SugaredLogger,
) *NodeHandler {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	return &NodeHandler{
		cfg:        cfg,
		sessions:   sessions,
		rooms:      rooms,
		transports: transports,
		status:     status,
		ready:      ready,
		signal:     ws,
		logger:     logger,
	}
}

func (h *NodeHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/stats", h.Stats)
	router.GET("/producers", h.ListProducers)
	router.DELETE("/producers/:id", h.CloseProducer)
	router.GET("/streams", h.ListStreams)

	rooms := router.Group("/rooms")
	{
		rooms.GET("", h.ListRooms)
		rooms.POST("", h.CreateRoom)
		rooms.GET("/:roomId", h.GetRoom)
		rooms.DELETE("/:roomId", h.CloseRoom)
		rooms.POST("/:roomId/join", h.JoinRoom)
		rooms.POST("/:roomId/leave", h.LeaveRoom)
		rooms.GET("/:roomId/producers", h.RoomProducers)
	}

	transports := router.Group("/transports")
	{
		transports.POST("", h.CreateTransport)
		transports.POST("/:id/connect", h.ConnectTransport)
		transports.POST("/:id/produce", h.Produce)
		transports.POST("/:id/consume", h.Consume)
		transports.DELETE("/:id", h.CloseTransport)
	}

	if h.cfg.TicketAuth != nil {
		router.GET("/signal", h.cfg.TicketAuth, h.Signal)
	} else {
		router.GET("/signal", h.Signal)
	}
}

func (h *NodeHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Health())
}

func (h *NodeHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.ReadyTimeout)
	defer cancel()

	status := h.ready.CheckAll(ctx)
	if status.Status != monitoring.StatusHealthy {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *NodeHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodeId":     h.cfg.NodeID,
		"global":     h.rooms.GlobalStats(),
		"transports": h.transports.Stats(),
		"timestamp":  time.Now(),
	})
}

// ListProducers answers peers doing a late-joiner sync, so it lists local
// producers only and returns a bare array.
func (h *NodeHandler) ListProducers(c *gin.Context) {
	c.JSON(http.StatusOK, h.rooms.LocalProducers())
}

func (h *NodeHandler) ListStreams(c *gin.Context) {
	streams := h.rooms.Streams()
	c.JSON(http.StatusOK, gin.H{"streams": streams, "count": len(streams)})
}

func (h *NodeHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.ListRooms()
	stats := make([]domain.RoomStats, 0, len(rooms))
	for _, room := range rooms {
		s, err := h.rooms.RoomStats(room.ID)
		if err != nil {
			// closed since listing
			continue
		}
		stats = append(stats, s)
	}
	c.JSON(http.StatusOK, gin.H{"rooms": stats, "count": len(stats)})
}

func (h *NodeHandler) CreateRoom(c *gin.Context) {
	var opts domain.RoomOptions
	if !bindJSON(c, &opts) {
		return
	}
	if opts.ID == "" {
		opts.ID = domain.RoomID(utils.NewID())
	} else if err := validation.ValidateID(string(opts.ID), "roomId"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	room, created, err := h.rooms.CreateRoom(opts)
	if err != nil {
		c.Error(err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"room": room, "created": created})
}

func (h *NodeHandler) GetRoom(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}

	room, err := h.rooms.GetRoom(domain.RoomID(roomID))
	if err != nil {
		c.Error(err)
		return
	}
	stats, err := h.rooms.RoomStats(room.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "stats": stats})
}

func (h *NodeHandler) CloseRoom(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}

	if err := h.sessions.CloseRoom(c.Request.Context(), domain.RoomID(roomID)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type joinRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName"`
}

func (h *NodeHandler) JoinRoom(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}
	var req joinRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.ParticipantID == "" {
		req.ParticipantID = domain.ParticipantID(utils.NewID())
	} else if err := validation.ValidateID(string(req.ParticipantID), "participantId"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	result, err := h.sessions.JoinRoom(c.Request.Context(), domain.RoomID(roomID), req.ParticipantID,
		domain.ParticipantMetadata{DisplayName: req.DisplayName})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type participantRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

// participant validates the participantId field shared by most bodies.
func participant(c *gin.Context, id domain.ParticipantID) bool {
	if err := validation.ValidateID(string(id), "participantId"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return false
	}
	return true
}

func (h *NodeHandler) LeaveRoom(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}
	var req participantRequest
	if !bindJSON(c, &req) || !participant(c, req.ParticipantID) {
		return
	}

	room, err := h.rooms.GetRoom(domain.RoomID(roomID))
	if err != nil {
		c.Error(err)
		return
	}
	if _, ok := room.Participants[req.ParticipantID]; !ok {
		c.Error(domain.ErrParticipantNotFound)
		return
	}
	if err := h.sessions.Leave(c.Request.Context(), req.ParticipantID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *NodeHandler) RoomProducers(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}

	producers, err := h.sessions.Producers(domain.RoomID(roomID), domain.ParticipantID(c.Query("exclude")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "producers": producers})
}

type createTransportRequest struct {
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	Role          domain.TransportRole `json:"role"`
}

func (h *NodeHandler) CreateTransport(c *gin.Context) {
	var req createTransportRequest
	if !bindJSON(c, &req) || !participant(c, req.ParticipantID) {
		return
	}
	if err := validation.ValidateID(string(req.RoomID), "roomId"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	params, err := h.sessions.CreateTransport(c.Request.Context(), req.RoomID, req.ParticipantID, req.Role)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, params)
}

type connectTransportRequest struct {
	ParticipantID  domain.ParticipantID  `json:"participantId"`
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
}

func (h *NodeHandler) ConnectTransport(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req connectTransportRequest
	if !bindJSON(c, &req) || !participant(c, req.ParticipantID) {
		return
	}

	err := h.sessions.ConnectTransport(c.Request.Context(), req.ParticipantID, domain.TransportID(id), req.DTLSParameters)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type produceRequest struct {
	ParticipantID domain.ParticipantID   `json:"participantId"`
	Kind          domain.MediaKind       `json:"kind"`
	RTPParameters domain.MediaParameters `json:"rtpParameters"`
}

func (h *NodeHandler) Produce(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req produceRequest
	if !bindJSON(c, &req) || !participant(c, req.ParticipantID) {
		return
	}
	if err := validation.ValidateKind(string(req.Kind)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	producer, err := h.sessions.Produce(c.Request.Context(), req.ParticipantID, domain.TransportID(id), req.Kind, req.RTPParameters)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": producer.ID, "kind": producer.Kind})
}

type consumeRequest struct {
	ParticipantID   domain.ParticipantID `json:"participantId"`
	ProducerID      domain.ProducerID    `json:"producerId"`
	RTPCapabilities domain.Capabilities  `json:"rtpCapabilities"`
}

func (h *NodeHandler) Consume(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req consumeRequest
	if !bindJSON(c, &req) || !participant(c, req.ParticipantID) {
		return
	}
	if err := validation.ValidateID(string(req.ProducerID), "producerId"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	consumer, err := h.sessions.Consume(c.Request.Context(), req.ParticipantID, domain.TransportID(id), req.ProducerID, req.RTPCapabilities)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, consumer)
}

func (h *NodeHandler) CloseTransport(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	pid := domain.ParticipantID(c.Query("participantId"))
	if !participant(c, pid) {
		return
	}

	if err := h.sessions.CloseTransport(c.Request.Context(), pid, domain.TransportID(id)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *NodeHandler) CloseProducer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	pid := domain.ParticipantID(c.Query("participantId"))
	if !participant(c, pid) {
		return
	}

	if err := h.sessions.CloseProducer(c.Request.Context(), pid, domain.ProducerID(id)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Signal upgrades to the client signaling websocket. With ticket auth the
// verified session id becomes the participant id.
func (h *NodeHandler) Signal(c *gin.Context) {
	sessionID := c.GetString(middleware.SessionIDKey)
	if h.cfg.TicketAuth != nil && sessionID == "" {
		c.Error(apperrors.NewUnauthorizedError("connection ticket required"))
		return
	}
	h.signal.HandleWebSocket(c.Writer, c.Request, sessionID)
}
