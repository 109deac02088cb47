package reliability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/internal/infrastructure/cluster"
	"meshsfu/pkg/circuitbreaker"
	"meshsfu/pkg/retry"

	"go.uber.org/zap"
)

// answered marks errors that carry a reply from a healthy peer. They are
// returned to the caller but never count against the peer's breaker.
var answered = []error{
	domain.ErrNotFound,
	domain.ErrAlreadyExists,
	domain.ErrInvalidParameters,
	domain.ErrIncompatibleCapabilities,
	domain.ErrCapacityExhausted,
}

var errAnswered = errors.New("peer answered")

// replyError carries a peer's reply through the retry loop without
// being retried.
type replyError struct {
	err error
}

func (e *replyError) Error() string        { return e.err.Error() }
func (e *replyError) Unwrap() error        { return e.err }
func (e *replyError) Is(target error) bool { return target == errAnswered }

// PeerClient wraps a ports.PeerClient with retry logic and one circuit
// breaker per peer.
type PeerClient struct {
	next    ports.PeerClient
	logger  *zap.SugaredLogger
	metrics ports.PeerMetrics

	retryConfig   retry.Config
	breakerConfig circuitbreaker.Config

	peerBreakers   map[domain.NodeID]*circuitbreaker.CircuitBreaker
	peerBreakersMu sync.RWMutex
}

var _ ports.PeerClient = (*PeerClient)(nil)

// NewPeerClient creates a new wrapper with retry and circuit breakers
func NewPeerClient(
	next ports.PeerClient,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	metrics ports.PeerMetrics,
	logger *zap.SugaredLogger,
) *PeerClient {
	if metrics == nil {
		metrics = ports.NopPeerMetrics{}
	}
	retryConfig.NonRetryable = append([]error{}, retryConfig.NonRetryable...)
	retryConfig.NonRetryable = append(retryConfig.NonRetryable, errAnswered, circuitbreaker.ErrOpen, context.Canceled)

	return &PeerClient{
		next:          next,
		logger:        logger,
		metrics:       metrics,
		retryConfig:   retryConfig,
		breakerConfig: cbConfig,
		peerBreakers:  make(map[domain.NodeID]*circuitbreaker.CircuitBreaker),
	}
}

// breaker gets or creates the circuit breaker for a specific peer
func (w *PeerClient) breaker(peerID domain.NodeID) *circuitbreaker.CircuitBreaker {
	w.peerBreakersMu.RLock()
	cb, exists := w.peerBreakers[peerID]
	w.peerBreakersMu.RUnlock()

	if exists {
		return cb
	}

	w.peerBreakersMu.Lock()
	defer w.peerBreakersMu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := w.peerBreakers[peerID]; exists {
		return cb
	}

	cb = circuitbreaker.New(w.breakerConfig)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		w.logger.Infow("peer circuit breaker state changed",
			"peer_id", peerID,
			"from", from.String(),
			"to", to.String(),
		)
		w.metrics.SetBreakerState(peerID, int(to))
	})

	w.peerBreakers[peerID] = cb
	return cb
}

// BreakerStates reports the state of every peer breaker created so far.
func (w *PeerClient) BreakerStates() map[domain.NodeID]string {
	w.peerBreakersMu.RLock()
	defer w.peerBreakersMu.RUnlock()

	out := make(map[domain.NodeID]string, len(w.peerBreakers))
	for id, cb := range w.peerBreakers {
		out[id] = cb.GetState().String()
	}
	return out
}

// ResetPeer closes the breaker of a peer, for instance once it re-registers.
func (w *PeerClient) ResetPeer(peerID domain.NodeID) {
	w.peerBreakersMu.RLock()
	cb, exists := w.peerBreakers[peerID]
	w.peerBreakersMu.RUnlock()
	if exists {
		cb.Reset()
	}
}

func isPeerFailure(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range answered {
		if errors.Is(err, target) {
			return false
		}
	}
	var statusErr *cluster.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// call runs fn with retry around the peer's breaker.
func call[T any](ctx context.Context, w *PeerClient, peer domain.Node, op string, fn func() (T, error)) (T, error) {
	return callWith(ctx, w, w.retryConfig, peer, op, fn)
}

// callOnce is for calls that create state on the peer and so must not be
// repeated.
func callOnce[T any](ctx context.Context, w *PeerClient, peer domain.Node, op string, fn func() (T, error)) (T, error) {
	cfg := w.retryConfig
	cfg.Enabled = false
	return callWith(ctx, w, cfg, peer, op, fn)
}

func callWith[T any](ctx context.Context, w *PeerClient, cfg retry.Config, peer domain.Node, op string, fn func() (T, error)) (T, error) {
	cb := w.breaker(peer.ID)
	start := time.Now()

	result, err := retry.RetryWithResult(ctx, cfg, func() (T, error) {
		var reply error
		res, err := circuitbreaker.Execute(ctx, cb, func() (T, error) {
			res, err := fn()
			if err != nil && !isPeerFailure(err) {
				reply = err
				return res, nil
			}
			return res, err
		})
		if reply != nil {
			return res, &replyError{err: reply}
		}
		return res, err
	})

	var reply *replyError
	if errors.As(err, &reply) {
		err = reply.err
	}

	w.metrics.ObservePeerCall(peer.ID, op, time.Since(start), err)
	if err == nil || !isPeerFailure(err) {
		return result, err
	}
	if errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, domain.ErrPeerUnreachable) {
		err = fmt.Errorf("%w: %s: %w", domain.ErrPeerUnreachable, peer.ID, err)
	}
	w.logger.Debugw("Peer call failed", "peer_id", peer.ID, "op", op, "error", err)
	return result, err
}

func (w *PeerClient) CreateRelay(ctx context.Context, peer domain.Node, req ports.CreateRelayRequest) (domain.RelayEndpoint, error) {
	return callOnce(ctx, w, peer, "create_relay", func() (domain.RelayEndpoint, error) {
		return w.next.CreateRelay(ctx, peer, req)
	})
}

func (w *PeerClient) ConnectRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req ports.ConnectRelayRequest) error {
	_, err := call(ctx, w, peer, "connect_relay", func() (struct{}, error) {
		return struct{}{}, w.next.ConnectRelay(ctx, peer, transportID, req)
	})
	return err
}

// ConsumeViaRelay is safe to retry: the peer returns the existing replica
// for an original producer it already holds.
func (w *PeerClient) ConsumeViaRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req domain.ConsumeViaRelayRequest) (domain.ReplicaInfo, error) {
	return call(ctx, w, peer, "consume_via_relay", func() (domain.ReplicaInfo, error) {
		return w.next.ConsumeViaRelay(ctx, peer, transportID, req)
	})
}

type replicaStatus struct {
	info domain.ReplicaInfo
	ok   bool
}

func (w *PeerClient) ReplicaStatus(ctx context.Context, peer domain.Node, originalProducerID domain.ProducerID) (domain.ReplicaInfo, bool, error) {
	st, err := call(ctx, w, peer, "replica_status", func() (replicaStatus, error) {
		info, ok, err := w.next.ReplicaStatus(ctx, peer, originalProducerID)
		return replicaStatus{info: info, ok: ok}, err
	})
	return st.info, st.ok, err
}

func (w *PeerClient) CloseReplica(ctx context.Context, peer domain.Node, originalProducerID domain.ProducerID) error {
	_, err := call(ctx, w, peer, "close_replica", func() (struct{}, error) {
		return struct{}{}, w.next.CloseReplica(ctx, peer, originalProducerID)
	})
	return err
}

func (w *PeerClient) ListProducers(ctx context.Context, peer domain.Node) ([]domain.LocalProducer, error) {
	return call(ctx, w, peer, "list_producers", func() ([]domain.LocalProducer, error) {
		return w.next.ListProducers(ctx, peer)
	})
}

func (w *PeerClient) RequestReplication(ctx context.Context, peer domain.Node, producerID domain.ProducerID, target domain.NodeID) error {
	_, err := call(ctx, w, peer, "request_replication", func() (struct{}, error) {
		return struct{}{}, w.next.RequestReplication(ctx, peer, producerID, target)
	})
	return err
}
