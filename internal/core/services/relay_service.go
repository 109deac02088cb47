package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/validation"
)

// RelayService is the receiving end of fan-out. It turns relayed media into
// replica producers owned by piped participants.
type RelayService struct {
	nodeID   domain.NodeID
	facade   *TransportFacade
	registry *RoomRegistry
	peers    ports.PeerDirectory
	client   ports.PeerClient
	locker   ports.Locker
	metrics  ports.MeshMetrics
	logger   *zap.SugaredLogger
}

func NewRelayService(
	nodeID domain.NodeID,
	facade *TransportFacade,
	registry *RoomRegistry,
	peers ports.PeerDirectory,
	client ports.PeerClient,
	locker ports.Locker,
	metrics ports.MeshMetrics,
	logger *zap.SugaredLogger,
) *RelayService {
	if metrics == nil {
		metrics = ports.NopMeshMetrics{}
	}
	s := &RelayService{
		nodeID:   nodeID,
		facade:   facade,
		registry: registry,
		peers:    peers,
		client:   client,
		locker:   locker,
		metrics:  metrics,
		logger:   logger,
	}
	facade.OnProducerClosed(s.onProducerClosed)
	return s
}

// CreateRelay creates this node's side of a link facing target.
func (s *RelayService) CreateRelay(ctx context.Context, target domain.NodeID) (domain.RelayEndpoint, error) {
	if target == s.nodeID {
		return domain.RelayEndpoint{}, domain.InvalidParams("cannot relay to self")
	}
	if err := validation.ValidateID(string(target), "targetNodeId"); err != nil {
		return domain.RelayEndpoint{}, domain.InvalidParams("%v", err)
	}
	return s.facade.CreateRelayLink(ctx, target)
}

func (s *RelayService) ConnectRelay(ctx context.Context, transportID domain.TransportID, req ports.ConnectRelayRequest) error {
	return s.facade.ConnectRelayLink(ctx, transportID, req.Endpoint, req.Security)
}

func validateConsumeRequest(req domain.ConsumeViaRelayRequest) error {
	switch {
	case req.OriginalProducerID == "":
		return domain.InvalidParams("originalProducerId is required")
	case req.RoomID == "":
		return domain.InvalidParams("roomId is required")
	case req.ParticipantID == "":
		return domain.InvalidParams("participantId is required")
	case req.SourceNodeID == "":
		return domain.InvalidParams("sourceNodeId is required")
	case !req.Kind.Valid():
		return domain.InvalidParams("kind must be audio or video")
	}
	return nil
}

func replicaInfo(p domain.ProducerHandle) domain.ReplicaInfo {
	return domain.ReplicaInfo{
		ID:                 p.ID,
		Kind:               p.Kind,
		Parameters:         p.Parameters,
		OriginalProducerID: p.OriginalProducerID,
	}
}

// ConsumeViaRelay creates the replica of a remote producer on the relay
// transport. Repeated calls for the same original producer return the
// existing replica.
func (s *RelayService) ConsumeViaRelay(ctx context.Context, transportID domain.TransportID, req domain.ConsumeViaRelayRequest) (domain.ReplicaInfo, error) {
	if err := validateConsumeRequest(req); err != nil {
		return domain.ReplicaInfo{}, err
	}
	if req.SourceNodeID == s.nodeID {
		return domain.ReplicaInfo{}, domain.InvalidParams("producer %s already lives on %s", req.OriginalProducerID, s.nodeID)
	}
	h, ok := s.facade.GetTransport(transportID)
	if !ok {
		return domain.ReplicaInfo{}, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	if h.Kind != domain.TransportRelay {
		return domain.ReplicaInfo{}, domain.InvalidParams("transport %s is not a relay transport", transportID)
	}

	unlock, err := s.locker.Acquire(ctx, "replica:"+string(req.OriginalProducerID))
	if err != nil {
		return domain.ReplicaInfo{}, err
	}
	defer func() { _ = unlock.Unlock(context.WithoutCancel(ctx)) }()

	if existing, ok := s.facade.FindProducerByOriginal(req.OriginalProducerID); ok {
		s.metrics.ObserveReplicaConsumed(req.SourceNodeID, true)
		return replicaInfo(existing), nil
	}

	joined, err := s.ensurePipedParticipant(req)
	if err != nil {
		return domain.ReplicaInfo{}, err
	}

	replica, err := s.facade.CreateProducer(ctx, transportID, req.Kind, req.Parameters, domain.ProducerAppData{
		RoomID:             req.RoomID,
		ParticipantID:      req.ParticipantID,
		IsPiped:            true,
		OriginalProducerID: req.OriginalProducerID,
		SourceNode:         req.SourceNodeID,
	})
	if err != nil {
		if joined {
			s.leaveIfEmpty(req.RoomID, req.ParticipantID)
		}
		return domain.ReplicaInfo{}, fmt.Errorf("create replica producer: %w", err)
	}

	err = s.registry.AddProducerToParticipant(req.RoomID, req.ParticipantID, domain.ProducerInfo{
		ID:                 replica.ID,
		Kind:               replica.Kind,
		IsPiped:            true,
		OriginalProducerID: req.OriginalProducerID,
		SourceNode:         req.SourceNodeID,
		CreatedAt:          replica.CreatedAt,
	})
	if err != nil {
		// closing fires onProducerClosed, which removes the piped participant
		_, _, _ = s.facade.CloseProducer(ctx, replica.ID)
		return domain.ReplicaInfo{}, fmt.Errorf("register replica producer: %w", err)
	}

	s.metrics.ObserveReplicaConsumed(req.SourceNodeID, false)
	s.logger.Infow("Replica created",
		"replica_id", replica.ID,
		"original_producer_id", req.OriginalProducerID,
		"source_node", req.SourceNodeID,
		"room_id", req.RoomID,
		"participant_id", req.ParticipantID,
	)
	return replicaInfo(replica), nil
}

// ensurePipedParticipant creates the room and the piped participant when
// missing. joined reports whether the participant was created by this call.
func (s *RelayService) ensurePipedParticipant(req domain.ConsumeViaRelayRequest) (bool, error) {
	if _, _, err := s.registry.CreateRoom(domain.RoomOptions{ID: req.RoomID}); err != nil {
		return false, fmt.Errorf("create room %s: %w", req.RoomID, err)
	}
	if err := s.registry.SetRoomRouter(req.RoomID, s.facade.RouterID()); err != nil {
		return false, err
	}

	existing, err := s.registry.GetParticipant(req.RoomID, req.ParticipantID)
	if err == nil {
		if !existing.Metadata.IsPiped {
			return false, fmt.Errorf("%w: %s is a local participant in room %s", domain.ErrAlreadyExists, req.ParticipantID, req.RoomID)
		}
		return false, nil
	}
	if !errors.Is(err, domain.ErrParticipantNotFound) {
		return false, err
	}

	_, err = s.registry.JoinRoom(req.RoomID, req.ParticipantID, domain.ParticipantMetadata{
		IsPiped:      true,
		OriginalNode: req.SourceNodeID,
	})
	if err != nil {
		return false, fmt.Errorf("join piped participant %s: %w", req.ParticipantID, err)
	}
	return true, nil
}

func (s *RelayService) leaveIfEmpty(roomID domain.RoomID, participantID domain.ParticipantID) {
	p, err := s.registry.GetParticipant(roomID, participantID)
	if err != nil || !p.Metadata.IsPiped || len(p.Producers) > 0 {
		return
	}
	if _, _, err := s.registry.LeaveRoom(participantID); err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
		s.logger.Warnw("Failed to remove piped participant", "participant_id", participantID, "error", err)
	}
}

// onProducerClosed keeps the registry in step with closed replicas.
func (s *RelayService) onProducerClosed(p domain.ProducerHandle) {
	if !p.IsPiped {
		return
	}
	_, err := s.registry.RemoveProducer(p.RoomID, p.ParticipantID, p.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warnw("Failed to unregister replica", "replica_id", p.ID, "error", err)
	}
	s.leaveIfEmpty(p.RoomID, p.ParticipantID)
}

// ReplicaStatus reports the live replica of originalID, if any.
func (s *RelayService) ReplicaStatus(originalID domain.ProducerID) (domain.ReplicaInfo, bool) {
	p, ok := s.facade.FindProducerByOriginal(originalID)
	if !ok {
		return domain.ReplicaInfo{}, false
	}
	return replicaInfo(p), true
}

// CloseReplica closes the replica of originalID. Closing an absent replica
// is not an error.
func (s *RelayService) CloseReplica(ctx context.Context, originalID domain.ProducerID) error {
	unlock, err := s.locker.Acquire(ctx, "replica:"+string(originalID))
	if err != nil {
		return err
	}
	defer func() { _ = unlock.Unlock(context.WithoutCancel(ctx)) }()

	p, ok := s.facade.FindProducerByOriginal(originalID)
	if !ok {
		return nil
	}
	if _, _, err := s.facade.CloseProducer(ctx, p.ID); err != nil && !errors.Is(err, domain.ErrProducerNotFound) {
		return err
	}
	s.logger.Infow("Replica closed", "replica_id", p.ID, "original_producer_id", originalID)
	return nil
}

// CloseReplicasFrom closes every replica whose origin is node.
func (s *RelayService) CloseReplicasFrom(ctx context.Context, node domain.NodeID) int {
	closed := 0
	for _, p := range s.facade.Producers() {
		if !p.IsPiped || p.SourceNode != node {
			continue
		}
		if err := s.CloseReplica(ctx, p.OriginalProducerID); err != nil {
			s.logger.Warnw("Failed to close replica of departed node", "replica_id", p.ID, "node_id", node, "error", err)
			continue
		}
		closed++
	}
	if closed > 0 {
		s.logger.Infow("Closed replicas of departed node", "node_id", node, "replicas", closed)
	}
	return closed
}

// PruneOrphans closes replicas whose original is no longer listed by its
// source node, or whose source node left the directory. Sources that cannot
// be reached keep their replicas until a later pass.
func (s *RelayService) PruneOrphans(ctx context.Context) (int, error) {
	bySource := make(map[domain.NodeID][]domain.ProducerHandle)
	for _, p := range s.facade.Producers() {
		if p.IsPiped {
			bySource[p.SourceNode] = append(bySource[p.SourceNode], p)
		}
	}

	var errs []error
	closed := 0
	for source, replicas := range bySource {
		live, err := s.liveOriginals(ctx, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range replicas {
			if live[p.OriginalProducerID] {
				continue
			}
			if err := s.CloseReplica(ctx, p.OriginalProducerID); err != nil {
				errs = append(errs, fmt.Errorf("close orphan %s: %w", p.ID, err))
				continue
			}
			closed++
		}
	}

	if closed > 0 {
		s.logger.Infow("Pruned orphan replicas", "replicas", closed)
	}
	return closed, errors.Join(errs...)
}

// liveOriginals returns the producers source still lists. A source missing
// from the directory lists nothing.
func (s *RelayService) liveOriginals(ctx context.Context, source domain.NodeID) (map[domain.ProducerID]bool, error) {
	live := make(map[domain.ProducerID]bool)
	node, ok, err := s.peers.Lookup(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", source, err)
	}
	if !ok {
		return live, nil
	}
	producers, err := s.client.ListProducers(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("list producers on %s: %w", source, err)
	}
	for _, lp := range producers {
		live[lp.ID] = true
	}
	return live, nil
}

// Run prunes orphan replicas every interval until ctx ends.
func (s *RelayService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PruneOrphans(ctx); err != nil {
				s.logger.Warnw("Orphan replica check incomplete", "error", err)
			}
		}
	}
}
