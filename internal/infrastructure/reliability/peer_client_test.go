package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/internal/infrastructure/cluster"
	"meshsfu/pkg/circuitbreaker"
	"meshsfu/pkg/retry"
)

type mockPeerClient struct {
	mock.Mock
}

func (m *mockPeerClient) CreateRelay(ctx context.Context, peer domain.Node, req ports.CreateRelayRequest) (domain.RelayEndpoint, error) {
	args := m.Called(peer.ID, req)
	return args.Get(0).(domain.RelayEndpoint), args.Error(1)
}

func (m *mockPeerClient) ConnectRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req ports.ConnectRelayRequest) error {
	return m.Called(peer.ID, transportID).Error(0)
}

func (m *mockPeerClient) ConsumeViaRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req domain.ConsumeViaRelayRequest) (domain.ReplicaInfo, error) {
	args := m.Called(peer.ID, transportID)
	return args.Get(0).(domain.ReplicaInfo), args.Error(1)
}

func (m *mockPeerClient) ReplicaStatus(ctx context.Context, peer domain.Node, original domain.ProducerID) (domain.ReplicaInfo, bool, error) {
	args := m.Called(peer.ID, original)
	return args.Get(0).(domain.ReplicaInfo), args.Bool(1), args.Error(2)
}

func (m *mockPeerClient) CloseReplica(ctx context.Context, peer domain.Node, original domain.ProducerID) error {
	return m.Called(peer.ID, original).Error(0)
}

func (m *mockPeerClient) ListProducers(ctx context.Context, peer domain.Node) ([]domain.LocalProducer, error) {
	args := m.Called(peer.ID)
	producers, _ := args.Get(0).([]domain.LocalProducer)
	return producers, args.Error(1)
}

func (m *mockPeerClient) RequestReplication(ctx context.Context, peer domain.Node, producerID domain.ProducerID, target domain.NodeID) error {
	return m.Called(peer.ID, producerID, target).Error(0)
}

type recordingPeerMetrics struct {
	mu     sync.Mutex
	calls  int
	states map[domain.NodeID]int
}

func (r *recordingPeerMetrics) ObservePeerCall(domain.NodeID, string, time.Duration, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *recordingPeerMetrics) SetBreakerState(peer domain.NodeID, state int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[domain.NodeID]int)
	}
	r.states[peer] = state
}

func (r *recordingPeerMetrics) state(peer domain.NodeID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[peer]
	return s, ok
}

var peer = domain.Node{ID: "sfu2", Host: "127.0.0.1", Port: 3002, Status: domain.NodeActive}

func newTestClient(t *testing.T, next ports.PeerClient, metrics ports.PeerMetrics) *PeerClient {
	t.Helper()
	return NewPeerClient(next,
		retry.Config{Enabled: true, MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		circuitbreaker.Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour},
		metrics,
		zaptest.NewLogger(t).Sugar(),
	)
}

func TestPeerClient_RetriesTransientFailures(t *testing.T) {
	next := &mockPeerClient{}
	next.On("ListProducers", domain.NodeID("sfu2")).Return(nil, domain.ErrPeerUnreachable).Once()
	next.On("ListProducers", domain.NodeID("sfu2")).Return([]domain.LocalProducer{{ID: "p1"}}, nil).Once()

	client := newTestClient(t, next, nil)
	producers, err := client.ListProducers(context.Background(), peer)
	require.NoError(t, err)
	assert.Len(t, producers, 1)
	next.AssertNumberOfCalls(t, "ListProducers", 2)
}

func TestPeerClient_DomainRepliesAreNotRetried(t *testing.T) {
	next := &mockPeerClient{}
	next.On("ConsumeViaRelay", domain.NodeID("sfu2"), domain.TransportID("t1")).
		Return(domain.ReplicaInfo{}, fmt.Errorf("%w: kind", domain.ErrInvalidParameters))

	client := newTestClient(t, next, nil)
	for i := 0; i < 5; i++ {
		_, err := client.ConsumeViaRelay(context.Background(), peer, "t1", domain.ConsumeViaRelayRequest{})
		assert.ErrorIs(t, err, domain.ErrInvalidParameters)
	}
	next.AssertNumberOfCalls(t, "ConsumeViaRelay", 5)
	assert.Equal(t, "closed", client.BreakerStates()["sfu2"])
}

func TestPeerClient_ClientErrorStatusIsAReply(t *testing.T) {
	next := &mockPeerClient{}
	next.On("CloseReplica", domain.NodeID("sfu2"), domain.ProducerID("p1")).
		Return(&cluster.StatusError{StatusCode: 405})

	client := newTestClient(t, next, nil)
	err := client.CloseReplica(context.Background(), peer, "p1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPeerUnreachable)
	next.AssertNumberOfCalls(t, "CloseReplica", 1)
}

func TestPeerClient_BreakerOpensPerPeer(t *testing.T) {
	metrics := &recordingPeerMetrics{}
	next := &mockPeerClient{}
	next.On("ReplicaStatus", domain.NodeID("sfu2"), domain.ProducerID("p1")).
		Return(domain.ReplicaInfo{}, false, errors.New("connection refused"))
	next.On("ReplicaStatus", domain.NodeID("sfu3"), domain.ProducerID("p1")).
		Return(domain.ReplicaInfo{ID: "r1"}, true, nil)

	client := newTestClient(t, next, metrics)
	ctx := context.Background()

	// three attempts in one call reach the failure threshold
	_, _, err := client.ReplicaStatus(ctx, peer, "p1")
	require.Error(t, err)
	assert.Equal(t, "open", client.BreakerStates()["sfu2"])

	_, _, err = client.ReplicaStatus(ctx, peer, "p1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
	next.AssertNumberOfCalls(t, "ReplicaStatus", 3)

	other := peer
	other.ID = "sfu3"
	info, ok, err := client.ReplicaStatus(ctx, other, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, "r1", info.ID)

	assert.Eventually(t, func() bool {
		s, ok := metrics.state("sfu2")
		return ok && s == int(circuitbreaker.StateOpen)
	}, time.Second, 5*time.Millisecond)

	client.ResetPeer("sfu2")
	assert.Equal(t, "closed", client.BreakerStates()["sfu2"])
}

func TestPeerClient_CreateRelayIsNotRepeated(t *testing.T) {
	next := &mockPeerClient{}
	next.On("CreateRelay", domain.NodeID("sfu2"), mock.Anything).
		Return(domain.RelayEndpoint{}, domain.ErrPeerUnreachable)

	client := newTestClient(t, next, nil)
	_, err := client.CreateRelay(context.Background(), peer, ports.CreateRelayRequest{TargetNodeID: "sfu1"})
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
	next.AssertNumberOfCalls(t, "CreateRelay", 1)
}

func TestPeerClient_ObservesCalls(t *testing.T) {
	metrics := &recordingPeerMetrics{}
	next := &mockPeerClient{}
	next.On("RequestReplication", domain.NodeID("sfu2"), domain.ProducerID("p1"), domain.NodeID("sfu1")).Return(nil)
	next.On("ConnectRelay", domain.NodeID("sfu2"), domain.TransportID("t1")).Return(nil)

	client := newTestClient(t, next, metrics)
	require.NoError(t, client.RequestReplication(context.Background(), peer, "p1", "sfu1"))
	require.NoError(t, client.ConnectRelay(context.Background(), peer, "t1", ports.ConnectRelayRequest{}))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.calls)
}
