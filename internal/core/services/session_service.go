package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
)

// backgroundTimeout bounds one asynchronous fan-out or teardown.
const backgroundTimeout = 30 * time.Second

// JoinResult is what a client receives after joining a room.
type JoinResult struct {
	Participant        *domain.Participant   `json:"participant"`
	RouterCapabilities domain.Capabilities   `json:"routerRtpCapabilities"`
	Producers          []domain.RoomProducer `json:"producers"`
}

// SessionService drives the client-facing lifecycle on a node: joining,
// transports, producing and consuming. Producers created here are fanned out
// to the mesh in the background and torn down when they close.
type SessionService struct {
	nodeID     domain.NodeID
	facade     *TransportFacade
	registry   *RoomRegistry
	replicator ports.Replicator
	metrics    ports.MeshMetrics
	logger     *zap.SugaredLogger

	bg     context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewSessionService(
	nodeID domain.NodeID,
	facade *TransportFacade,
	registry *RoomRegistry,
	replicator ports.Replicator,
	metrics ports.MeshMetrics,
	logger *zap.SugaredLogger,
) *SessionService {
	if metrics == nil {
		metrics = ports.NopMeshMetrics{}
	}
	bg, cancel := context.WithCancel(context.Background())
	s := &SessionService{
		nodeID:     nodeID,
		facade:     facade,
		registry:   registry,
		replicator: replicator,
		metrics:    metrics,
		logger:     logger,
		bg:         bg,
		cancel:     cancel,
	}
	facade.OnProducerClosed(s.onProducerClosed)
	facade.OnConsumerClosed(s.onConsumerClosed)
	return s
}

// JoinRoom creates the room when needed and adds a local participant.
func (s *SessionService) JoinRoom(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, meta domain.ParticipantMetadata) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, domain.InvalidParams("roomId is required")
	}
	if _, _, err := s.registry.CreateRoom(domain.RoomOptions{ID: roomID}); err != nil {
		return JoinResult{}, err
	}
	if err := s.registry.SetRoomRouter(roomID, s.facade.RouterID()); err != nil {
		return JoinResult{}, err
	}

	meta.IsPiped = false
	meta.OriginalNode = s.nodeID
	p, err := s.registry.JoinRoom(roomID, participantID, meta)
	if err != nil {
		return JoinResult{}, err
	}

	producers, err := s.registry.GetRoomProducers(roomID, participantID)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{
		Participant:        p,
		RouterCapabilities: s.facade.RouterCapabilities(),
		Producers:          producers,
	}, nil
}

// owned returns the transport if it belongs to participantID. An empty
// participantID skips the ownership check.
func (s *SessionService) owned(participantID domain.ParticipantID, transportID domain.TransportID) (domain.TransportHandle, error) {
	t, ok := s.facade.GetTransport(transportID)
	if !ok {
		return domain.TransportHandle{}, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	if t.Kind != domain.TransportClientFacing {
		return domain.TransportHandle{}, domain.InvalidParams("transport %s is not client facing", transportID)
	}
	if participantID != "" && t.ParticipantID != participantID {
		return domain.TransportHandle{}, fmt.Errorf("%w: %s is not owned by %s", domain.ErrTransportNotFound, transportID, participantID)
	}
	return t, nil
}

func (s *SessionService) CreateTransport(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID, role domain.TransportRole) (domain.TransportParams, error) {
	if _, err := s.registry.GetParticipant(roomID, participantID); err != nil {
		return domain.TransportParams{}, err
	}

	var (
		params domain.TransportParams
		err    error
	)
	switch role {
	case domain.RoleProducer:
		params, err = s.facade.CreateProducerTransport(ctx, roomID, participantID)
	case domain.RoleConsumer:
		params, err = s.facade.CreateConsumerTransport(ctx, roomID, participantID)
	default:
		return domain.TransportParams{}, domain.InvalidParams("role must be producer or consumer")
	}
	if err != nil {
		return domain.TransportParams{}, err
	}

	err = s.registry.AddTransportToParticipant(roomID, participantID, domain.TransportInfo{ID: params.ID, Role: role})
	if err != nil {
		_, _, _ = s.facade.CloseTransport(ctx, params.ID)
		return domain.TransportParams{}, err
	}
	return params, nil
}

func (s *SessionService) ConnectTransport(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID, dtls domain.DTLSParameters) error {
	if _, err := s.owned(participantID, transportID); err != nil {
		return err
	}
	return s.facade.ConnectTransport(ctx, transportID, dtls)
}

// Produce creates a producer for the transport's participant and starts its
// fan-out. The fan-out outcome never fails the call.
func (s *SessionService) Produce(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID, kind domain.MediaKind, params domain.MediaParameters) (domain.ProducerHandle, error) {
	if !kind.Valid() {
		return domain.ProducerHandle{}, domain.InvalidParams("kind must be audio or video")
	}
	t, err := s.owned(participantID, transportID)
	if err != nil {
		return domain.ProducerHandle{}, err
	}
	room, err := s.registry.GetRoom(t.RoomID)
	if err != nil {
		return domain.ProducerHandle{}, err
	}
	if !room.Settings.ProducersAllowed() {
		return domain.ProducerHandle{}, domain.InvalidParams("room %s does not allow producers", t.RoomID)
	}

	p, err := s.facade.CreateProducer(ctx, transportID, kind, params, domain.ProducerAppData{
		RoomID:        t.RoomID,
		ParticipantID: t.ParticipantID,
	})
	if err != nil {
		return domain.ProducerHandle{}, err
	}

	err = s.registry.AddProducerToParticipant(t.RoomID, t.ParticipantID, domain.ProducerInfo{
		ID:        p.ID,
		Kind:      p.Kind,
		CreatedAt: p.CreatedAt,
	})
	if err != nil {
		_, _, _ = s.facade.CloseProducer(ctx, p.ID)
		return domain.ProducerHandle{}, err
	}
	s.metrics.ObserveProducer(p.Kind, 1)

	s.background(func(ctx context.Context) {
		if _, err := s.replicator.FanOut(ctx, p.ID); err != nil {
			s.logger.Warnw("Fan-out failed", "producer_id", p.ID, "error", err)
		}
	})

	s.logger.Infow("Producer created",
		"producer_id", p.ID,
		"kind", p.Kind,
		"room_id", t.RoomID,
		"participant_id", t.ParticipantID,
	)
	return p, nil
}

// Consume creates a consumer of a producer in the same room, local or
// replicated.
func (s *SessionService) Consume(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.Capabilities) (domain.ConsumerHandle, error) {
	t, err := s.owned(participantID, transportID)
	if err != nil {
		return domain.ConsumerHandle{}, err
	}
	room, err := s.registry.GetRoom(t.RoomID)
	if err != nil {
		return domain.ConsumerHandle{}, err
	}
	if !room.Settings.ConsumersAllowed() {
		return domain.ConsumerHandle{}, domain.InvalidParams("room %s does not allow consumers", t.RoomID)
	}

	p, ok := s.facade.GetProducerByID(producerID)
	if !ok || p.IsRelay || p.RoomID != t.RoomID {
		return domain.ConsumerHandle{}, fmt.Errorf("%w: %s in room %s", domain.ErrProducerNotFound, producerID, t.RoomID)
	}

	c, err := s.facade.CreateConsumer(ctx, transportID, producerID, caps)
	if err != nil {
		return domain.ConsumerHandle{}, err
	}
	err = s.registry.AddConsumerToParticipant(t.RoomID, t.ParticipantID, domain.ConsumerInfo{
		ID:         c.ID,
		ProducerID: producerID,
		Kind:       c.Kind,
		CreatedAt:  c.CreatedAt,
	})
	if err != nil {
		_, _ = s.facade.CloseConsumer(ctx, c.ID)
		return domain.ConsumerHandle{}, err
	}
	return c, nil
}

func (s *SessionService) CloseProducer(ctx context.Context, participantID domain.ParticipantID, producerID domain.ProducerID) error {
	p, ok := s.facade.GetProducerByID(producerID)
	if !ok || p.IsPiped || p.IsRelay {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	if participantID != "" && p.ParticipantID != participantID {
		return fmt.Errorf("%w: %s is not owned by %s", domain.ErrProducerNotFound, producerID, participantID)
	}
	_, _, err := s.facade.CloseProducer(ctx, producerID)
	return err
}

func (s *SessionService) CloseTransport(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID) error {
	t, err := s.owned(participantID, transportID)
	if err != nil {
		return err
	}
	if _, _, err := s.facade.CloseTransport(ctx, transportID); err != nil {
		return err
	}
	if err := s.registry.RemoveTransport(t.RoomID, t.ParticipantID, transportID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Leave closes everything the participant owns, then removes it from its
// room. The room closes when it becomes empty.
func (s *SessionService) Leave(ctx context.Context, participantID domain.ParticipantID) error {
	roomID, ok := s.registry.RoomForParticipant(participantID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}
	p, err := s.registry.GetParticipant(roomID, participantID)
	if err != nil {
		return err
	}
	if p.Metadata.IsPiped {
		return domain.InvalidParams("participant %s is a replica", participantID)
	}

	var errs []error
	for id := range p.Transports {
		if _, _, err := s.facade.CloseTransport(ctx, id); err != nil && !errors.Is(err, domain.ErrTransportNotFound) {
			errs = append(errs, err)
		}
	}
	if _, _, err := s.registry.LeaveRoom(participantID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CloseRoom removes every participant of the room. Local participants leave
// as if they had disconnected; replicas held for remote producers are closed.
func (s *SessionService) CloseRoom(ctx context.Context, roomID domain.RoomID) error {
	room, err := s.registry.GetRoom(roomID)
	if err != nil {
		return err
	}

	var errs []error
	for id, p := range room.Participants {
		if !p.Metadata.IsPiped {
			if err := s.Leave(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		for producerID := range p.Producers {
			if _, _, err := s.facade.CloseProducer(ctx, producerID); err != nil && !errors.Is(err, domain.ErrProducerNotFound) {
				errs = append(errs, err)
			}
		}
	}
	if _, err := s.registry.CloseRoom(roomID); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		errs = append(errs, err)
	}
	s.logger.Infow("Room closed on request", "room_id", roomID, "participants", len(room.Participants))
	return errors.Join(errs...)
}

// Producers lists the room's producers other than those of exclude.
func (s *SessionService) Producers(roomID domain.RoomID, exclude domain.ParticipantID) ([]domain.RoomProducer, error) {
	return s.registry.GetRoomProducers(roomID, exclude)
}

// Participants lists the room's participants, replicas included.
func (s *SessionService) Participants(roomID domain.RoomID) ([]domain.ParticipantSummary, error) {
	return s.registry.Participants(roomID)
}

func (s *SessionService) Participant(roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Participant, error) {
	return s.registry.GetParticipant(roomID, participantID)
}

// UpdateMetadata merges meta into the participant's metadata. The room is
// notified through a participantUpdated event.
func (s *SessionService) UpdateMetadata(participantID domain.ParticipantID, meta domain.ParticipantMetadata) (domain.ParticipantMetadata, error) {
	roomID, ok := s.registry.RoomForParticipant(participantID)
	if !ok {
		return domain.ParticipantMetadata{}, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}
	return s.registry.UpdateParticipantMetadata(roomID, participantID, meta)
}

// SetProducerPaused pauses or resumes one of the participant's producers.
func (s *SessionService) SetProducerPaused(ctx context.Context, participantID domain.ParticipantID, producerID domain.ProducerID, paused bool) (domain.ProducerHandle, error) {
	p, ok := s.facade.GetProducerByID(producerID)
	if !ok || p.IsPiped || p.IsRelay || p.ParticipantID != participantID {
		return domain.ProducerHandle{}, fmt.Errorf("%w: %s is not owned by %s", domain.ErrProducerNotFound, producerID, participantID)
	}
	h, err := s.facade.SetProducerPaused(ctx, producerID, paused)
	if err != nil {
		return domain.ProducerHandle{}, err
	}
	s.logger.Infow("Producer pause changed", "producer_id", producerID, "participant_id", participantID, "paused", paused)
	return h, nil
}

// SetConsumerPaused pauses or resumes one of the participant's consumers.
func (s *SessionService) SetConsumerPaused(ctx context.Context, participantID domain.ParticipantID, consumerID domain.ConsumerID, paused bool) (domain.ConsumerHandle, error) {
	c, ok := s.facade.GetConsumer(consumerID)
	if !ok || c.ParticipantID != participantID {
		return domain.ConsumerHandle{}, fmt.Errorf("%w: %s is not owned by %s", domain.ErrConsumerNotFound, consumerID, participantID)
	}
	return s.facade.SetConsumerPaused(ctx, consumerID, paused)
}

// ProducerStats reports on any client-visible producer in the participant's
// room, replicas included.
func (s *SessionService) ProducerStats(participantID domain.ParticipantID, producerID domain.ProducerID) (domain.ProducerStats, error) {
	roomID, ok := s.registry.RoomForParticipant(participantID)
	if !ok {
		return domain.ProducerStats{}, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}
	p, ok := s.facade.GetProducerByID(producerID)
	if !ok || p.IsRelay || p.RoomID != roomID {
		return domain.ProducerStats{}, fmt.Errorf("%w: %s in room %s", domain.ErrProducerNotFound, producerID, roomID)
	}
	return s.facade.ProducerStats(producerID)
}

func (s *SessionService) ConsumerStats(participantID domain.ParticipantID, consumerID domain.ConsumerID) (domain.ConsumerStats, error) {
	c, ok := s.facade.GetConsumer(consumerID)
	if !ok || c.ParticipantID != participantID {
		return domain.ConsumerStats{}, fmt.Errorf("%w: %s is not owned by %s", domain.ErrConsumerNotFound, consumerID, participantID)
	}
	return s.facade.ConsumerStats(consumerID)
}

// background runs fn unless the service is closed. On shutdown peers learn
// about departed producers from the node-left event instead.
func (s *SessionService) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.bg, backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *SessionService) onProducerClosed(p domain.ProducerHandle) {
	if p.IsPiped || p.IsRelay {
		return
	}
	if _, err := s.registry.RemoveProducer(p.RoomID, p.ParticipantID, p.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warnw("Failed to unregister producer", "producer_id", p.ID, "error", err)
	}
	s.metrics.ObserveProducer(p.Kind, -1)

	s.background(func(ctx context.Context) {
		if err := s.replicator.Teardown(ctx, p.ID); err != nil {
			s.logger.Warnw("Replica teardown incomplete", "producer_id", p.ID, "error", err)
		}
	})
}

func (s *SessionService) onConsumerClosed(c domain.ConsumerHandle) {
	if c.ParticipantID == "" {
		return
	}
	if err := s.registry.RemoveConsumer(c.RoomID, c.ParticipantID, c.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warnw("Failed to unregister consumer", "consumer_id", c.ID, "error", err)
	}
}

// Wait blocks until background fan-outs and teardowns started so far finish.
func (s *SessionService) Wait() {
	s.wg.Wait()
}

// Close cancels background work and waits for it.
func (s *SessionService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
