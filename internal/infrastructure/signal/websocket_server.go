package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/services"
	"meshsfu/internal/infrastructure/events"
	"meshsfu/internal/infrastructure/middleware"
	apperrors "meshsfu/pkg/errors"
	"meshsfu/pkg/tracing"
)

// Sessions is the node's client-facing lifecycle.
type Sessions interface {
	JoinRoom(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, meta domain.ParticipantMetadata) (services.JoinResult, error)
	CreateTransport(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, role domain.TransportRole) (domain.TransportParams, error)
	ConnectTransport(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID, dtls domain.DTLSParameters) error
	Produce(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID, kind domain.MediaKind, params domain.MediaParameters) (domain.ProducerHandle, error)
	Consume(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.Capabilities) (domain.ConsumerHandle, error)
	CloseProducer(ctx context.Context, participantID domain.ParticipantID, producerID domain.ProducerID) error
	Leave(ctx context.Context, participantID domain.ParticipantID) error
	Producers(roomID domain.RoomID, exclude domain.ParticipantID) ([]domain.RoomProducer, error)
	Participants(roomID domain.RoomID) ([]domain.ParticipantSummary, error)
	Participant(roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Participant, error)
	UpdateMetadata(participantID domain.ParticipantID, meta domain.ParticipantMetadata) (domain.ParticipantMetadata, error)
	SetProducerPaused(ctx context.Context, participantID domain.ParticipantID, producerID domain.ProducerID, paused bool) (domain.ProducerHandle, error)
	SetConsumerPaused(ctx context.Context, participantID domain.ParticipantID, consumerID domain.ConsumerID, paused bool) (domain.ConsumerHandle, error)
	ProducerStats(participantID domain.ParticipantID, producerID domain.ProducerID) (domain.ProducerStats, error)
	ConsumerStats(participantID domain.ParticipantID, consumerID domain.ConsumerID) (domain.ConsumerStats, error)
}

type ConnectionGauge interface {
	SetSignalConnections(n int)
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// RequestTimeout bounds the handling of one request.
	RequestTimeout time.Duration
	CheckOrigin    func(r *http.Request) bool
}

const (
	sendBuffer = 64
	// maxChatMessage bounds the text of one roomMessage.
	maxChatMessage = 4096
)

// Request is one client call. Responses echo ID and Type.
type Request struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	ID    uint64     `json:"id"`
	Type  string     `json:"type"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// Notification is pushed without a request.
type Notification struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type JoinPayload struct {
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
	DisplayName   string               `json:"displayName,omitempty"`
}

type CreateTransportPayload struct {
	Role domain.TransportRole `json:"role"`
}

type ConnectTransportPayload struct {
	TransportID    domain.TransportID    `json:"transportId"`
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
}

type ProducePayload struct {
	TransportID   domain.TransportID     `json:"transportId"`
	Kind          domain.MediaKind       `json:"kind"`
	RTPParameters domain.MediaParameters `json:"rtpParameters"`
}

type ConsumePayload struct {
	TransportID     domain.TransportID  `json:"transportId"`
	ProducerID      domain.ProducerID   `json:"producerId"`
	RTPCapabilities domain.Capabilities `json:"rtpCapabilities"`
}

// ProducerRef names a producer for closeProducer, pause, resume and stats.
type ProducerRef struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumerRef struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type RoomMessagePayload struct {
	Message string `json:"message"`
}

type UpdateMetadataPayload struct {
	DisplayName string            `json:"displayName,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type ProducerNotice struct {
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	IsPiped       bool                 `json:"isPiped"`
}

type RoomMessageNotice struct {
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName,omitempty"`
	Message       string               `json:"message"`
	Timestamp     time.Time            `json:"timestamp"`
}

type MetadataNotice struct {
	RoomID        domain.RoomID              `json:"roomId"`
	ParticipantID domain.ParticipantID       `json:"participantId"`
	Metadata      domain.ParticipantMetadata `json:"metadata"`
}

type ParticipantNotice struct {
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName,omitempty"`
	IsPiped       bool                 `json:"isPiped"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	// granted is the participant a verified ticket names.
	granted domain.ParticipantID

	mu            sync.RWMutex
	participantID domain.ParticipantID
	roomID        domain.RoomID
}

func (c *client) member() (domain.RoomID, domain.ParticipantID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID, c.participantID
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// WebSocketServer carries client signaling for one node. Each socket holds
// at most one participant; closing the socket makes it leave its room.
type WebSocketServer struct {
	sessions Sessions
	upgrader websocket.Upgrader
	cfg      Config
	gauge    ConnectionGauge
	logger   *zap.SugaredLogger

	events      <-chan domain.Event
	unsubscribe func()

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[domain.RoomID]map[domain.ParticipantID]*client
	wg      sync.WaitGroup
}

func NewWebSocketServer(sessions Sessions, bus *events.Bus, cfg Config, gauge ConnectionGauge, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	evs, unsubscribe := events.SubscribeAll(bus, 256)
	return &WebSocketServer{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin:     cfg.CheckOrigin,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		cfg:         cfg,
		gauge:       gauge,
		logger:      logger,
		events:      evs,
		unsubscribe: unsubscribe,
		clients:     make(map[*client]struct{}),
		rooms:       make(map[domain.RoomID]map[domain.ParticipantID]*client),
	}
}

// Connections returns the number of open sockets.
func (s *WebSocketServer) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) reportConnections() {
	if s.gauge != nil {
		s.gauge.SetSignalConnections(s.Connections())
	}
}

// HandleWebSocket upgrades the request. participantID, when non-empty, is
// the identity a verified ticket granted and becomes the default for join.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request, participantID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		granted: domain.ParticipantID(participantID),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.reportConnections()
	s.logger.Debugw("Signal client connected", "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	s.readPump(c)
	s.disconnect(c)
}

func (s *WebSocketServer) readPump(c *client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.reply(c, Response{Type: "error", Error: &ErrorBody{Code: apperrors.ErrCodeInvalidInput, Message: "malformed message"}})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("Signal read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.reply(c, s.handle(c, req))
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue drops a client whose queue is full rather than block the sender.
func (s *WebSocketServer) enqueue(c *client, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		s.logger.Errorw("Failed to encode signal message", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		_, pid := c.member()
		s.logger.Warnw("Signal client too slow, closing", "participant_id", pid)
		c.stop()
		_ = c.conn.Close()
	}
}

func (s *WebSocketServer) reply(c *client, resp Response) {
	s.enqueue(c, resp)
}

func (s *WebSocketServer) disconnect(c *client) {
	c.stop()
	_ = c.conn.Close()

	roomID, pid := c.member()
	s.mu.Lock()
	delete(s.clients, c)
	s.unjoinLocked(c, roomID, pid)
	s.mu.Unlock()
	s.reportConnections()

	if roomID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if err := s.sessions.Leave(ctx, pid); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warnw("Leave on disconnect failed", "participant_id", pid, "room_id", roomID, "error", err)
		}
	}
	s.logger.Debugw("Signal client disconnected", "participant_id", pid)
}

func (s *WebSocketServer) unjoinLocked(c *client, roomID domain.RoomID, pid domain.ParticipantID) {
	members := s.rooms[roomID]
	if members == nil || members[pid] != c {
		return
	}
	delete(members, pid)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
}

func failure(req Request, err error) Response {
	appErr := apperrors.Translate(err, middleware.DomainErrorMappings)
	return Response{ID: req.ID, Type: req.Type, Error: &ErrorBody{Code: appErr.Code, Message: appErr.Message}}
}

func success(req Request, data any) Response {
	return Response{ID: req.ID, Type: req.Type, OK: true, Data: data}
}

func decode[T any](req Request) (T, error) {
	var v T
	if len(req.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(req.Data, &v); err != nil {
		return v, domain.InvalidParams("invalid %s payload: %v", req.Type, err)
	}
	return v, nil
}

var errNotJoined = domain.InvalidParams("join a room first")

func (s *WebSocketServer) handle(c *client, req Request) Response {
	roomID, pid := c.member()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	ctx, span := tracing.TraceSignal(ctx, req.Type, string(pid))
	defer span.End()

	if req.Type != "join" && roomID == "" {
		return failure(req, errNotJoined)
	}

	var (
		data any
		err  error
	)
	switch req.Type {
	case "join":
		data, err = s.join(ctx, c, req)
	case "createTransport":
		var p CreateTransportPayload
		if p, err = decode[CreateTransportPayload](req); err == nil {
			data, err = s.sessions.CreateTransport(ctx, roomID, pid, p.Role)
		}
	case "connectTransport":
		var p ConnectTransportPayload
		if p, err = decode[ConnectTransportPayload](req); err == nil {
			err = s.sessions.ConnectTransport(ctx, pid, p.TransportID, p.DTLSParameters)
		}
	case "produce":
		var p ProducePayload
		if p, err = decode[ProducePayload](req); err == nil {
			var h domain.ProducerHandle
			if h, err = s.sessions.Produce(ctx, pid, p.TransportID, p.Kind, p.RTPParameters); err == nil {
				data = map[string]domain.ProducerID{"id": h.ID}
			}
		}
	case "consume":
		var p ConsumePayload
		if p, err = decode[ConsumePayload](req); err == nil {
			data, err = s.sessions.Consume(ctx, pid, p.TransportID, p.ProducerID, p.RTPCapabilities)
		}
	case "closeProducer":
		var p ProducerRef
		if p, err = decode[ProducerRef](req); err == nil {
			err = s.sessions.CloseProducer(ctx, pid, p.ProducerID)
		}
	case "pauseProducer", "resumeProducer":
		var p ProducerRef
		if p, err = decode[ProducerRef](req); err == nil {
			var h domain.ProducerHandle
			if h, err = s.sessions.SetProducerPaused(ctx, pid, p.ProducerID, req.Type == "pauseProducer"); err == nil {
				data = map[string]any{"id": h.ID, "paused": h.Paused}
			}
		}
	case "pauseConsumer", "resumeConsumer":
		var p ConsumerRef
		if p, err = decode[ConsumerRef](req); err == nil {
			var h domain.ConsumerHandle
			if h, err = s.sessions.SetConsumerPaused(ctx, pid, p.ConsumerID, req.Type == "pauseConsumer"); err == nil {
				data = map[string]any{"id": h.ID, "paused": h.Paused}
			}
		}
	case "getProducerStats":
		var p ProducerRef
		if p, err = decode[ProducerRef](req); err == nil {
			data, err = s.sessions.ProducerStats(pid, p.ProducerID)
		}
	case "getConsumerStats":
		var p ConsumerRef
		if p, err = decode[ConsumerRef](req); err == nil {
			data, err = s.sessions.ConsumerStats(pid, p.ConsumerID)
		}
	case "getParticipants":
		var participants []domain.ParticipantSummary
		if participants, err = s.sessions.Participants(roomID); err == nil {
			data = map[string]any{"roomId": roomID, "participants": participants}
		}
	case "updateMetadata":
		var p UpdateMetadataPayload
		if p, err = decode[UpdateMetadataPayload](req); err == nil {
			data, err = s.sessions.UpdateMetadata(pid, domain.ParticipantMetadata{DisplayName: p.DisplayName, Extra: p.Extra})
		}
	case "roomMessage":
		data, err = s.roomMessage(req, roomID, pid)
	case "getProducers":
		var producers []domain.RoomProducer
		if producers, err = s.sessions.Producers(roomID, pid); err == nil {
			data = map[string]any{"roomId": roomID, "producers": producers}
		}
	case "leave":
		err = s.leave(ctx, c, roomID, pid)
	default:
		err = domain.InvalidParams("unknown message type %q", req.Type)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Debugw("Signal request failed", "type", req.Type, "participant_id", pid, "error", err)
		return failure(req, err)
	}
	return success(req, data)
}

func (s *WebSocketServer) join(ctx context.Context, c *client, req Request) (any, error) {
	p, err := decode[JoinPayload](req)
	if err != nil {
		return nil, err
	}
	if roomID, _ := c.member(); roomID != "" {
		return nil, apperrors.NewConflictError("already joined room " + string(roomID))
	}
	if p.ParticipantID == "" {
		p.ParticipantID = c.granted
	}
	if p.ParticipantID == "" {
		p.ParticipantID = domain.ParticipantID(uuid.NewString())
	}
	if c.granted != "" && p.ParticipantID != c.granted {
		return nil, domain.InvalidParams("ticket was issued for participant %s", c.granted)
	}

	res, err := s.sessions.JoinRoom(ctx, p.RoomID, p.ParticipantID, domain.ParticipantMetadata{DisplayName: p.DisplayName})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.roomID, c.participantID = p.RoomID, p.ParticipantID
	c.mu.Unlock()

	s.mu.Lock()
	members := s.rooms[p.RoomID]
	if members == nil {
		members = make(map[domain.ParticipantID]*client)
		s.rooms[p.RoomID] = members
	}
	members[p.ParticipantID] = c
	s.mu.Unlock()

	s.logger.Infow("Participant joined over signaling", "room_id", p.RoomID, "participant_id", p.ParticipantID)
	return res, nil
}

// roomMessage relays chat text to the other members of the room on this node.
func (s *WebSocketServer) roomMessage(req Request, roomID domain.RoomID, pid domain.ParticipantID) (any, error) {
	p, err := decode[RoomMessagePayload](req)
	if err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, domain.InvalidParams("message is required")
	}
	if len(p.Message) > maxChatMessage {
		return nil, domain.InvalidParams("message exceeds %d bytes", maxChatMessage)
	}
	participant, err := s.sessions.Participant(roomID, pid)
	if err != nil {
		return nil, err
	}

	notice := RoomMessageNotice{
		RoomID:        roomID,
		ParticipantID: pid,
		DisplayName:   participant.Metadata.DisplayName,
		Message:       p.Message,
		Timestamp:     time.Now().UTC(),
	}
	s.broadcast(roomID, pid, Notification{Type: "roomMessage", Data: notice})
	return map[string]time.Time{"timestamp": notice.Timestamp}, nil
}

func (s *WebSocketServer) leave(ctx context.Context, c *client, roomID domain.RoomID, pid domain.ParticipantID) error {
	s.mu.Lock()
	s.unjoinLocked(c, roomID, pid)
	s.mu.Unlock()

	c.mu.Lock()
	c.roomID = ""
	c.mu.Unlock()

	return s.sessions.Leave(ctx, pid)
}

// Run forwards room events to the other members of the room until ctx ends.
func (s *WebSocketServer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.events:
			if !ok {
				return
			}
			s.dispatch(e)
		}
	}
}

func (s *WebSocketServer) dispatch(e domain.Event) {
	var (
		roomID domain.RoomID
		from   domain.ParticipantID
		data   any
	)
	switch ev := e.(type) {
	case domain.ProducerAdded:
		roomID, from = ev.RoomID, ev.ParticipantID
		data = ProducerNotice{RoomID: ev.RoomID, ParticipantID: ev.ParticipantID, ProducerID: ev.Producer.ID, Kind: ev.Producer.Kind, IsPiped: ev.Producer.IsPiped}
	case domain.ProducerRemoved:
		roomID, from = ev.RoomID, ev.ParticipantID
		data = ProducerNotice{RoomID: ev.RoomID, ParticipantID: ev.ParticipantID, ProducerID: ev.Producer.ID, Kind: ev.Producer.Kind, IsPiped: ev.Producer.IsPiped}
	case domain.ParticipantJoined:
		roomID, from = ev.RoomID, ev.ParticipantID
		data = ParticipantNotice{RoomID: ev.RoomID, ParticipantID: ev.ParticipantID, DisplayName: ev.Metadata.DisplayName, IsPiped: ev.Metadata.IsPiped}
	case domain.ParticipantLeft:
		roomID, from = ev.RoomID, ev.ParticipantID
		data = ParticipantNotice{RoomID: ev.RoomID, ParticipantID: ev.ParticipantID, IsPiped: ev.IsPiped}
	case domain.ParticipantUpdated:
		roomID, from = ev.RoomID, ev.ParticipantID
		data = MetadataNotice{RoomID: ev.RoomID, ParticipantID: ev.ParticipantID, Metadata: ev.Metadata}
	default:
		return
	}
	s.broadcast(roomID, from, Notification{Type: domain.EventName(e), Data: data})
}

// broadcast sends n to every member of the room except from.
func (s *WebSocketServer) broadcast(roomID domain.RoomID, from domain.ParticipantID, n Notification) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.rooms[roomID]))
	for pid, c := range s.rooms[roomID] {
		if pid != from {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.enqueue(c, n)
	}
}

// Close disconnects every client and stops event delivery.
func (s *WebSocketServer) Close() {
	s.unsubscribe()
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.stop()
	}
	s.wg.Wait()
}
