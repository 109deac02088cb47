package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/tracing"
)

// LinkService maintains relay links between this node and every peer. Both
// directions of a pair are created together under a lock for the unordered
// pair, so two nodes bootstrapping at once build one pair of links.
type LinkService struct {
	nodeID  domain.NodeID
	facade  *TransportFacade
	store   ports.MeshStore
	peers   ports.PeerDirectory
	client  ports.PeerClient
	locker  ports.Locker
	metrics ports.MeshMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func NewLinkService(
	nodeID domain.NodeID,
	facade *TransportFacade,
	store ports.MeshStore,
	peers ports.PeerDirectory,
	client ports.PeerClient,
	locker ports.Locker,
	metrics ports.MeshMetrics,
	logger *zap.SugaredLogger,
) *LinkService {
	if metrics == nil {
		metrics = ports.NopMeshMetrics{}
	}
	return &LinkService{
		nodeID:  nodeID,
		facade:  facade,
		store:   store,
		peers:   peers,
		client:  client,
		locker:  locker,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func pairLockKey(a, b domain.NodeID) string {
	if b < a {
		a, b = b, a
	}
	return "link:" + string(a) + ":" + string(b)
}

// ClearNodeState removes links left in the store by a previous run of this
// node. Transports behind them died with that process.
func (s *LinkService) ClearNodeState(ctx context.Context) error {
	if err := s.store.DeleteRelayLinks(ctx, s.nodeID); err != nil {
		return fmt.Errorf("clear relay links of %s: %w", s.nodeID, err)
	}
	s.logger.Infow("Cleared stale relay links", "node_id", s.nodeID)
	return nil
}

// EnsureLinks makes sure a live link pair exists with every active peer.
func (s *LinkService) EnsureLinks(ctx context.Context) (domain.LinkReport, error) {
	report := domain.LinkReport{Failed: make(map[domain.NodeID]string)}

	peers, err := s.peers.ActivePeers(ctx)
	if err != nil {
		return report, fmt.Errorf("list active peers: %w", err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range peers {
		if peer.ID == s.nodeID {
			continue
		}
		wg.Add(1)
		go func(peer domain.Node) {
			defer wg.Done()
			created, err := s.EnsurePeer(ctx, peer)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed[peer.ID] = err.Error()
			case created:
				report.Established = append(report.Established, peer.ID)
			default:
				report.Existing = append(report.Existing, peer.ID)
			}
		}(peer)
	}
	wg.Wait()

	sort.Slice(report.Established, func(i, j int) bool { return report.Established[i] < report.Established[j] })
	sort.Slice(report.Existing, func(i, j int) bool { return report.Existing[i] < report.Existing[j] })
	if len(report.Failed) > 0 {
		s.logger.Warnw("Some relay links could not be established", "failed", report.Failed)
	}
	return report, nil
}

// linked reports whether both directions are stored and the local side is
// still a live transport.
func (s *LinkService) linked(ctx context.Context, peer domain.NodeID) (bool, error) {
	out, ok, err := s.store.GetRelayLink(ctx, s.nodeID, peer)
	if err != nil || !ok {
		return false, err
	}
	if _, ok, err := s.store.GetRelayLink(ctx, peer, s.nodeID); err != nil || !ok {
		return false, err
	}
	local, ok := s.facade.RelayTransportFor(peer)
	return ok && local.ID == out.TransportID, nil
}

// EnsurePeer establishes the link pair with peer unless it already exists.
// created reports whether new transports were made.
func (s *LinkService) EnsurePeer(ctx context.Context, peer domain.Node) (created bool, err error) {
	if peer.ID == s.nodeID {
		return false, domain.InvalidParams("cannot link node %s to itself", peer.ID)
	}
	if ok, err := s.linked(ctx, peer.ID); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	ctx, span := tracing.TracePeerCall(ctx, "relay.link", string(peer.ID))
	defer span.End()
	defer func() {
		tracing.RecordError(ctx, err)
		if created || err != nil {
			s.metrics.ObserveLink(peer.ID, err)
		}
	}()

	unlock, err := s.locker.Acquire(ctx, pairLockKey(s.nodeID, peer.ID))
	if err != nil {
		return false, fmt.Errorf("lock link %s<->%s: %w", s.nodeID, peer.ID, err)
	}
	defer func() {
		if uerr := unlock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			s.logger.Warnw("Failed to release link lock", "peer", peer.ID, "error", uerr)
		}
	}()

	// another caller may have linked the pair while we waited
	if ok, err := s.linked(ctx, peer.ID); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	if err := s.establish(ctx, peer); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LinkService) establish(ctx context.Context, peer domain.Node) error {
	local, err := s.facade.CreateRelayLink(ctx, peer.ID)
	if err != nil {
		return fmt.Errorf("create local relay transport: %w", err)
	}
	rollback := func() {
		if _, _, err := s.facade.CloseTransport(context.WithoutCancel(ctx), local.ID); err != nil {
			s.logger.Warnw("Failed to roll back relay transport", "transport_id", local.ID, "error", err)
		}
	}

	remote, err := s.client.CreateRelay(ctx, peer, ports.CreateRelayRequest{TargetNodeID: s.nodeID})
	if err != nil {
		rollback()
		return fmt.Errorf("create relay on %s: %w", peer.ID, err)
	}

	if err := s.facade.ConnectRelayLink(ctx, local.ID, remote.Endpoint, remote.Security); err != nil {
		rollback()
		return fmt.Errorf("connect local relay to %s: %w", peer.ID, err)
	}
	if err := s.client.ConnectRelay(ctx, peer, remote.ID, ports.ConnectRelayRequest{Endpoint: local.Endpoint, Security: local.Security}); err != nil {
		rollback()
		return fmt.Errorf("connect relay on %s: %w", peer.ID, err)
	}

	now := s.now()
	outbound := domain.RelayLink{
		SourceNodeID: s.nodeID,
		TargetNodeID: peer.ID,
		TransportID:  local.ID,
		Endpoint:     local.Endpoint,
		Security:     local.Security,
		CreatedAt:    now,
	}
	inbound := domain.RelayLink{
		SourceNodeID: peer.ID,
		TargetNodeID: s.nodeID,
		TransportID:  remote.ID,
		Endpoint:     remote.Endpoint,
		Security:     remote.Security,
		CreatedAt:    now,
	}
	if err := s.store.PutRelayLink(ctx, outbound); err != nil {
		rollback()
		return fmt.Errorf("store relay link %s->%s: %w", s.nodeID, peer.ID, err)
	}
	if err := s.store.PutRelayLink(ctx, inbound); err != nil {
		rollback()
		return fmt.Errorf("store relay link %s->%s: %w", peer.ID, s.nodeID, err)
	}

	s.logger.Infow("Relay link established",
		"peer", peer.ID,
		"local_transport", local.ID,
		"remote_transport", remote.ID,
	)
	return nil
}

// DropPeer forgets every link involving peer and closes the local relay
// transport facing it.
func (s *LinkService) DropPeer(ctx context.Context, peer domain.NodeID) error {
	var errs []error
	if h, ok := s.facade.RelayTransportFor(peer); ok {
		if _, _, err := s.facade.CloseTransport(ctx, h.ID); err != nil && !errors.Is(err, domain.ErrTransportNotFound) {
			errs = append(errs, err)
		}
	}
	if err := s.store.DeleteRelayLinks(ctx, peer); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Links lists every stored relay link.
func (s *LinkService) Links(ctx context.Context) ([]domain.RelayLink, error) {
	return s.store.ListRelayLinks(ctx)
}

// Run re-checks links every interval until ctx ends.
func (s *LinkService) Run(ctx context.Context, interval time.Duration) {
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
			if _, err := s.EnsureLinks(ctx); err != nil {
				s.logger.Warnw("Relay link check failed", "error", err)
			}
		}
	}
}
