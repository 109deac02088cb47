package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/tracing"
)

type FanOutConfig struct {
	// Concurrency bounds how many peers one fan-out works on at once.
	Concurrency int
}

// FanOutService replicates local producers to every other node over relay
// links. Replication is strictly one hop: only producers created by local
// clients are ever fanned out.
type FanOutService struct {
	nodeID   domain.NodeID
	facade   *TransportFacade
	registry *RoomRegistry
	store    ports.MeshStore
	peers    ports.PeerDirectory
	client   ports.PeerClient
	locker   ports.Locker
	metrics  ports.MeshMetrics
	cfg      FanOutConfig
	logger   *zap.SugaredLogger
	flight   singleflight.Group
	now      func() time.Time
}

var _ ports.Replicator = (*FanOutService)(nil)

func NewFanOutService(
	nodeID domain.NodeID,
	facade *TransportFacade,
	registry *RoomRegistry,
	store ports.MeshStore,
	peers ports.PeerDirectory,
	client ports.PeerClient,
	locker ports.Locker,
	metrics ports.MeshMetrics,
	cfg FanOutConfig,
	logger *zap.SugaredLogger,
) *FanOutService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if metrics == nil {
		metrics = ports.NopMeshMetrics{}
	}
	return &FanOutService{
		nodeID:   nodeID,
		facade:   facade,
		registry: registry,
		store:    store,
		peers:    peers,
		client:   client,
		locker:   locker,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// origin returns the producer if it may be fanned out from this node.
func (s *FanOutService) origin(producerID domain.ProducerID) (domain.ProducerHandle, error) {
	p, ok := s.facade.GetProducerByID(producerID)
	if !ok || p.IsPiped || p.IsRelay {
		return domain.ProducerHandle{}, fmt.Errorf("%w: %s is not a local producer on %s", domain.ErrProducerNotFound, producerID, s.nodeID)
	}
	return p, nil
}

// FanOut replicates producerID to every active peer. Per-peer failures are
// reported, never returned.
func (s *FanOutService) FanOut(ctx context.Context, producerID domain.ProducerID) (domain.FanOutReport, error) {
	report := domain.FanOutReport{ProducerID: producerID}

	p, err := s.origin(producerID)
	if err != nil {
		return report, err
	}

	ctx, span := tracing.TraceFanOut(ctx, string(producerID), string(p.RoomID))
	defer span.End()

	peers, err := s.peers.ActivePeers(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return report, fmt.Errorf("list active peers: %w", err)
	}

	targets := make([]domain.Node, 0, len(peers))
	for _, peer := range peers {
		if peer.ID != s.nodeID {
			targets = append(targets, peer)
		}
	}
	span.SetAttributes(tracing.FanOutTargetKey.Int(len(targets)))

	results := make([]domain.PeerResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, peer := range targets {
		i, peer := i, peer
		g.Go(func() error {
			results[i] = s.replicate(gctx, p, peer)
			return nil
		})
	}
	_ = g.Wait()
	report.Results = results

	if failed := report.Failed(); len(failed) > 0 {
		for _, f := range failed {
			s.logger.Warnw("Fan-out to peer failed",
				"producer_id", producerID,
				"peer", f.NodeID,
				"error", f.Error,
			)
		}
	}
	s.logger.Infow("Fan-out finished",
		"producer_id", producerID,
		"peers", len(targets),
		"replicated", report.Count(domain.OutcomeReplicated),
		"skipped", report.Count(domain.OutcomeSkipped),
		"failed", report.Count(domain.OutcomeFailed),
	)
	return report, nil
}

// ReplicateTo replicates one producer to one peer. It is what a peer asks
// for during late-joiner sync.
func (s *FanOutService) ReplicateTo(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) (domain.PeerResult, error) {
	if target == s.nodeID {
		return domain.PeerResult{}, domain.InvalidParams("cannot replicate %s to its own node", producerID)
	}
	p, err := s.origin(producerID)
	if err != nil {
		return domain.PeerResult{}, err
	}
	peer, ok, err := s.peers.Lookup(ctx, target)
	if err != nil {
		return domain.PeerResult{}, fmt.Errorf("look up %s: %w", target, err)
	}
	if !ok {
		return domain.PeerResult{}, fmt.Errorf("%w: %s", domain.ErrNodeNotFound, target)
	}
	return s.replicate(ctx, p, peer), nil
}

func replicationKey(producerID domain.ProducerID, target domain.NodeID) string {
	return "replicate:" + string(producerID) + ":" + string(target)
}

// replicate collapses concurrent calls for the same (producer, peer) and
// serialises the rest under a keyed lock.
func (s *FanOutService) replicate(ctx context.Context, p domain.ProducerHandle, peer domain.Node) domain.PeerResult {
	start := s.now()
	key := replicationKey(p.ID, peer.ID)

	v, _, _ := s.flight.Do(key, func() (interface{}, error) {
		callCtx, span := tracing.TracePeerCall(ctx, "replicate", string(peer.ID))
		defer span.End()

		unlock, err := s.locker.Acquire(callCtx, key)
		if err != nil {
			return domain.Failed(peer.ID, fmt.Errorf("lock %s: %w", key, err)), nil
		}
		defer func() {
			if err := unlock.Unlock(context.WithoutCancel(callCtx)); err != nil {
				s.logger.Warnw("Failed to release replication lock", "key", key, "error", err)
			}
		}()

		// the producer may have closed while this call waited for the lock
		if _, err := s.origin(p.ID); err != nil {
			return domain.Failed(peer.ID, err), nil
		}
		res := s.replicateLocked(callCtx, p, peer)
		tracing.RecordError(callCtx, res.Err)
		return res, nil
	})

	res := v.(domain.PeerResult)
	s.metrics.ObserveReplication(peer.ID, res.Outcome, s.now().Sub(start))
	return res
}

func (s *FanOutService) replicateLocked(ctx context.Context, p domain.ProducerHandle, peer domain.Node) domain.PeerResult {
	link, ok, err := s.store.GetRelayLink(ctx, s.nodeID, peer.ID)
	if err != nil {
		return domain.Failed(peer.ID, fmt.Errorf("load relay link: %w", err))
	}
	if !ok {
		return domain.Failed(peer.ID, fmt.Errorf("%w: %s->%s", domain.ErrRelayLinkNotFound, s.nodeID, peer.ID))
	}
	if _, ok := s.facade.GetTransport(link.TransportID); !ok {
		return domain.Failed(peer.ID, fmt.Errorf("%w: %s->%s is stale", domain.ErrRelayLinkNotFound, s.nodeID, peer.ID))
	}

	rec, ok, err := s.store.GetReplicationRecord(ctx, p.ID, peer.ID)
	if err != nil {
		return domain.Failed(peer.ID, fmt.Errorf("load replication record: %w", err))
	}
	if ok {
		replica, live, err := s.client.ReplicaStatus(ctx, peer, p.ID)
		if err != nil {
			return domain.Failed(peer.ID, err)
		}
		if live {
			return domain.PeerResult{NodeID: peer.ID, Outcome: domain.OutcomeSkipped, ReplicaID: replica.ID}
		}
		s.logger.Infow("Replica gone, replicating again", "producer_id", p.ID, "peer", peer.ID)
		s.discard(ctx, rec)
	}

	relay, err := s.facade.CreateProducer(ctx, link.TransportID, p.Kind, p.Parameters, domain.ProducerAppData{
		RoomID:             p.RoomID,
		ParticipantID:      p.ParticipantID,
		IsRelay:            true,
		OriginalProducerID: p.ID,
		SourceNode:         s.nodeID,
	})
	if err != nil {
		return domain.Failed(peer.ID, fmt.Errorf("create relay producer: %w", err))
	}

	rec = domain.ReplicationRecord{
		SourceProducerID: p.ID,
		SourceNodeID:     s.nodeID,
		TargetNodeID:     peer.ID,
		RelayProducerID:  relay.ID,
		TransportID:      link.TransportID,
		Kind:             p.Kind,
		RoomID:           p.RoomID,
		ParticipantID:    p.ParticipantID,
		CreatedAt:        s.now(),
	}
	if err := s.store.PutReplicationRecord(ctx, rec); err != nil {
		s.closeRelayProducer(ctx, relay.ID)
		return domain.Failed(peer.ID, fmt.Errorf("store replication record: %w", err))
	}

	reverse, ok, err := s.store.GetRelayLink(ctx, peer.ID, s.nodeID)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s->%s", domain.ErrRelayLinkNotFound, peer.ID, s.nodeID)
	}
	if err != nil {
		s.discard(ctx, rec)
		return domain.Failed(peer.ID, err)
	}

	replica, err := s.client.ConsumeViaRelay(ctx, peer, reverse.TransportID, domain.ConsumeViaRelayRequest{
		ProducerID:         relay.ID,
		RoomID:             p.RoomID,
		ParticipantID:      p.ParticipantID,
		StreamID:           domain.StreamID(p.RoomID, p.ParticipantID),
		OriginalProducerID: p.ID,
		SourceNodeID:       s.nodeID,
		Kind:               p.Kind,
		Parameters:         p.Parameters,
	})
	if err != nil {
		s.discard(ctx, rec)
		return domain.Failed(peer.ID, fmt.Errorf("consume on %s: %w", peer.ID, err))
	}

	rec.ReplicaProducerID = replica.ID
	if err := s.store.PutReplicationRecord(ctx, rec); err != nil {
		s.logger.Warnw("Failed to record replica id", "producer_id", p.ID, "peer", peer.ID, "error", err)
	}

	// A teardown that listed records before the first write never saw this
	// one. Undo the replica if the producer closed in the meantime.
	if _, err := s.origin(p.ID); err != nil {
		s.retract(ctx, peer, rec)
		return domain.Failed(peer.ID, err)
	}

	s.logger.Debugw("Producer replicated",
		"producer_id", p.ID,
		"peer", peer.ID,
		"relay_producer_id", relay.ID,
		"replica_id", replica.ID,
	)
	return domain.PeerResult{NodeID: peer.ID, Outcome: domain.OutcomeReplicated, ReplicaID: replica.ID}
}

func (s *FanOutService) closeRelayProducer(ctx context.Context, id domain.ProducerID) {
	if id == "" {
		return
	}
	if _, _, err := s.facade.CloseProducer(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, domain.ErrProducerNotFound) {
		s.logger.Warnw("Failed to close relay producer", "relay_producer_id", id, "error", err)
	}
}

// discard closes the local relay producer of rec and deletes the record.
func (s *FanOutService) discard(ctx context.Context, rec domain.ReplicationRecord) {
	s.closeRelayProducer(ctx, rec.RelayProducerID)
	if err := s.store.DeleteReplicationRecord(context.WithoutCancel(ctx), rec.SourceProducerID, rec.TargetNodeID); err != nil {
		s.logger.Warnw("Failed to delete replication record",
			"producer_id", rec.SourceProducerID,
			"peer", rec.TargetNodeID,
			"error", err,
		)
	}
}

// retract removes a replica created for a producer that has since closed.
func (s *FanOutService) retract(ctx context.Context, peer domain.Node, rec domain.ReplicationRecord) {
	if err := s.client.CloseReplica(context.WithoutCancel(ctx), peer, rec.SourceProducerID); err != nil {
		s.logger.Warnw("Failed to retract replica",
			"producer_id", rec.SourceProducerID,
			"peer", peer.ID,
			"error", err,
		)
	}
	s.discard(ctx, rec)
	s.logger.Infow("Producer closed during fan-out, replica retracted", "producer_id", rec.SourceProducerID, "peer", peer.ID)
}

// Teardown removes every replica of producerID from the mesh. It runs after
// the local producer has closed.
func (s *FanOutService) Teardown(ctx context.Context, producerID domain.ProducerID) error {
	records, err := s.store.ListReplicationRecords(ctx, producerID)
	if err != nil {
		return fmt.Errorf("list replication records of %s: %w", producerID, err)
	}
	if len(records) == 0 {
		return nil
	}

	errs := make([]error, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			errs[i] = s.teardownOne(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Infow("Replicas torn down", "producer_id", producerID, "targets", len(records))
	return errors.Join(errs...)
}

func (s *FanOutService) teardownOne(ctx context.Context, rec domain.ReplicationRecord) error {
	key := replicationKey(rec.SourceProducerID, rec.TargetNodeID)
	unlock, err := s.locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer func() { _ = unlock.Unlock(context.WithoutCancel(ctx)) }()

	// a fan-out holding the lock before us may have retracted it already
	rec, ok, err := s.store.GetReplicationRecord(ctx, rec.SourceProducerID, rec.TargetNodeID)
	if err != nil {
		return fmt.Errorf("load replication record: %w", err)
	}
	if !ok {
		return nil
	}

	peer, ok, err := s.peers.Lookup(ctx, rec.TargetNodeID)
	var closeErr error
	switch {
	case err != nil:
		closeErr = err
	case ok:
		closeErr = s.client.CloseReplica(ctx, peer, rec.SourceProducerID)
	}
	if closeErr != nil {
		// the record goes anyway; the peer prunes the replica once this node
		// stops listing its original
		s.logger.Warnw("Failed to close remote replica",
			"producer_id", rec.SourceProducerID,
			"peer", rec.TargetNodeID,
			"error", closeErr,
		)
	}
	s.metrics.ObserveTeardown(rec.TargetNodeID, closeErr)

	s.closeRelayProducer(ctx, rec.RelayProducerID)
	return s.store.DeleteReplicationRecord(context.WithoutCancel(ctx), rec.SourceProducerID, rec.TargetNodeID)
}

// ForgetTarget drops local replication state pointing at a node that left.
func (s *FanOutService) ForgetTarget(ctx context.Context, target domain.NodeID) error {
	var errs []error
	for _, p := range s.registry.LocalProducers() {
		rec, ok, err := s.store.GetReplicationRecord(ctx, p.ID, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			s.discard(ctx, rec)
		}
	}
	return errors.Join(errs...)
}

// SyncFromPeers asks every peer to replicate its local producers here. A
// node that joins late uses it to catch up with existing streams.
func (s *FanOutService) SyncFromPeers(ctx context.Context) error {
	peers, err := s.peers.ActivePeers(ctx)
	if err != nil {
		return fmt.Errorf("list active peers: %w", err)
	}

	var errs []error
	requested := 0
	for _, peer := range peers {
		if peer.ID == s.nodeID {
			continue
		}
		producers, err := s.client.ListProducers(ctx, peer)
		if err != nil {
			errs = append(errs, fmt.Errorf("list producers on %s: %w", peer.ID, err))
			continue
		}
		for _, lp := range producers {
			if _, ok := s.facade.FindProducerByOriginal(lp.ID); ok {
				continue
			}
			if err := s.client.RequestReplication(ctx, peer, lp.ID, s.nodeID); err != nil {
				errs = append(errs, fmt.Errorf("replicate %s from %s: %w", lp.ID, peer.ID, err))
				continue
			}
			requested++
		}
	}

	s.logger.Infow("Late-joiner sync finished", "requested", requested, "errors", len(errs))
	return errors.Join(errs...)
}
