package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/internal/infrastructure/middleware"
)

func nodeFor(t *testing.T, id domain.NodeID, srv *httptest.Server) domain.Node {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return domain.Node{ID: id, Host: host, Port: port, Status: domain.NodeActive}
}

func newPeerServer(t *testing.T, register func(r *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPPeerClient_RelayCalls(t *testing.T) {
	var consumed domain.ConsumeViaRelayRequest
	srv := newPeerServer(t, func(r *gin.Engine) {
		r.POST("/relay/create", func(c *gin.Context) {
			var req ports.CreateRelayRequest
			require.NoError(t, c.ShouldBindJSON(&req))
			assert.EqualValues(t, "sfu1", req.TargetNodeID)
			c.JSON(http.StatusOK, domain.RelayEndpoint{
				ID:       "t-peer",
				Endpoint: domain.Endpoint{IP: "10.0.0.2", Port: 40001},
				Security: domain.SRTPParameters{CryptoSuite: "AES_CM_128_HMAC_SHA1_80", KeyBase64: "a2V5"},
			})
		})
		r.POST("/relay/:id/connect", func(c *gin.Context) {
			assert.Equal(t, "t-peer", c.Param("id"))
			c.JSON(http.StatusOK, gin.H{"connected": true})
		})
		r.POST("/relay/:id/consume", func(c *gin.Context) {
			require.NoError(t, c.ShouldBindJSON(&consumed))
			c.JSON(http.StatusOK, domain.ReplicaInfo{ID: "replica-1", Kind: consumed.Kind})
		})
	})
	peer := nodeFor(t, "sfu2", srv)
	client := NewHTTPPeerClient(time.Second)
	ctx := context.Background()

	ep, err := client.CreateRelay(ctx, peer, ports.CreateRelayRequest{TargetNodeID: "sfu1"})
	require.NoError(t, err)
	assert.EqualValues(t, "t-peer", ep.ID)
	assert.Equal(t, 40001, ep.Endpoint.Port)

	require.NoError(t, client.ConnectRelay(ctx, peer, ep.ID, ports.ConnectRelayRequest{Endpoint: ep.Endpoint, Security: ep.Security}))

	replica, err := client.ConsumeViaRelay(ctx, peer, ep.ID, domain.ConsumeViaRelayRequest{
		OriginalProducerID: "p1",
		SourceNodeID:       "sfu1",
		Kind:               domain.KindAudio,
	})
	require.NoError(t, err)
	assert.EqualValues(t, "replica-1", replica.ID)
	assert.EqualValues(t, "p1", consumed.OriginalProducerID)
}

func TestHTTPPeerClient_MapsErrorCodes(t *testing.T) {
	srv := newPeerServer(t, func(r *gin.Engine) {
		r.GET("/relay/replicas/:id", func(c *gin.Context) {
			_ = c.Error(domain.ErrProducerNotFound)
		})
		r.POST("/relay/:id/consume", func(c *gin.Context) {
			_ = c.Error(domain.InvalidParams("kind is required"))
		})
		r.DELETE("/relay/replicas/:id", func(c *gin.Context) {
			_ = c.Error(errors.New("boom"))
		})
	})
	peer := nodeFor(t, "sfu2", srv)
	client := NewHTTPPeerClient(time.Second)
	ctx := context.Background()

	_, ok, err := client.ReplicaStatus(ctx, peer, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.ConsumeViaRelay(ctx, peer, "t1", domain.ConsumeViaRelayRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
	assert.Contains(t, err.Error(), "kind is required")

	err = client.CloseReplica(ctx, peer, "p1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestHTTPPeerClient_UnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	peer := nodeFor(t, "sfu2", srv)
	srv.Close()

	_, err := NewHTTPPeerClient(time.Second).ListProducers(context.Background(), peer)
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
}

func TestHTTPPeerClient_ListAndReplicate(t *testing.T) {
	var replicate ReplicateRequest
	srv := newPeerServer(t, func(r *gin.Engine) {
		r.GET("/producers", func(c *gin.Context) {
			c.JSON(http.StatusOK, []domain.LocalProducer{{ID: "p9", Kind: domain.KindVideo, RoomID: "r1", ParticipantID: "u1"}})
		})
		r.POST("/relay/replicate", func(c *gin.Context) {
			require.NoError(t, c.ShouldBindJSON(&replicate))
			c.JSON(http.StatusOK, domain.PeerResult{NodeID: replicate.TargetNodeID, Outcome: domain.OutcomeReplicated})
		})
	})
	peer := nodeFor(t, "sfu2", srv)
	client := NewHTTPPeerClient(time.Second)

	producers, err := client.ListProducers(context.Background(), peer)
	require.NoError(t, err)
	require.Len(t, producers, 1)
	assert.EqualValues(t, "p9", producers[0].ID)

	require.NoError(t, client.RequestReplication(context.Background(), peer, "p9", "sfu1"))
	assert.EqualValues(t, "p9", replicate.ProducerID)
	assert.EqualValues(t, "sfu1", replicate.TargetNodeID)
}

type fakeCoordinator struct {
	mu         sync.Mutex
	registers  int
	stats      []domain.StatsUpdate
	failStats  atomic.Bool
	deregister int
}

func (f *fakeCoordinator) server(t *testing.T) *httptest.Server {
	return newPeerServer(t, func(r *gin.Engine) {
		r.POST("/nodes/register", func(c *gin.Context) {
			var req RegisterRequest
			require.NoError(t, c.ShouldBindJSON(&req))
			f.mu.Lock()
			f.registers++
			f.mu.Unlock()
			c.JSON(http.StatusOK, RegisterResponse{Node: domain.Node{ID: req.NodeID, Host: req.Host, Port: req.Port, Status: domain.NodeActive}})
		})
		r.POST("/nodes/:id/stats", func(c *gin.Context) {
			if f.failStats.Load() {
				_ = c.Error(domain.ErrNodeNotFound)
				return
			}
			var update domain.StatsUpdate
			require.NoError(t, c.ShouldBindJSON(&update))
			f.mu.Lock()
			f.stats = append(f.stats, update)
			f.mu.Unlock()
			c.JSON(http.StatusOK, gin.H{"success": true})
		})
		r.DELETE("/nodes/:id", func(c *gin.Context) {
			f.mu.Lock()
			f.deregister++
			f.mu.Unlock()
			c.JSON(http.StatusOK, gin.H{"success": true})
		})
		r.GET("/nodes", func(c *gin.Context) {
			c.JSON(http.StatusOK, NodesResponse{Nodes: []domain.Node{
				{ID: "sfu1", Status: domain.NodeActive},
				{ID: "sfu2", Status: domain.NodeActive},
				{ID: "sfu3", Status: domain.NodeUnhealthy},
			}})
		})
	})
}

func (f *fakeCoordinator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, len(f.stats)
}

type staticStats struct{}

func (staticStats) Snapshot() domain.StatsUpdate {
	load := 0.5
	return domain.StatsUpdate{Load: &load}
}

func newTestCoordinatorClient(t *testing.T, srv *httptest.Server) *CoordinatorClient {
	return NewCoordinatorClient(CoordinatorClientConfig{
		URL:               srv.URL + "/",
		HeartbeatInterval: 10 * time.Millisecond,
		RetryInterval:     10 * time.Millisecond,
		Timeout:           time.Second,
	}, "sfu1", domain.NodeInfo{Host: "127.0.0.1", Port: 3001, Capacity: 10}, zaptest.NewLogger(t).Sugar())
}

func TestCoordinatorClient_RunHeartbeatsAndReregisters(t *testing.T) {
	fake := &fakeCoordinator{}
	client := newTestCoordinatorClient(t, fake.server(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx, staticStats{})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, beats := fake.counts()
		return beats >= 2
	}, 2*time.Second, 5*time.Millisecond)

	fake.failStats.Store(true)
	assert.Eventually(t, func() bool { return !client.Registered() }, 2*time.Second, 5*time.Millisecond)
	fake.failStats.Store(false)
	assert.Eventually(t, func() bool {
		registers, _ := fake.counts()
		return registers >= 2 && client.Registered()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	fake.mu.Lock()
	require.NotEmpty(t, fake.stats)
	assert.InDelta(t, 0.5, *fake.stats[0].Load, 1e-9)
	fake.mu.Unlock()

	require.NoError(t, client.Deregister(context.Background()))
	assert.False(t, client.Registered())
}

func TestCoordinatorClient_RegisterWithRetryWaitsForCoordinator(t *testing.T) {
	var up atomic.Bool
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(RegisterResponse{Node: domain.Node{ID: "sfu1"}})
	}))
	t.Cleanup(srv.Close)

	client := newTestCoordinatorClient(t, srv)
	go func() {
		time.Sleep(30 * time.Millisecond)
		up.Store(true)
	}()

	node, err := client.RegisterWithRetry(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, "sfu1", node.ID)
	assert.Greater(t, calls.Load(), int32(1))
}

func TestCachedDirectory(t *testing.T) {
	fake := &fakeCoordinator{}
	srv := fake.server(t)
	client := newTestCoordinatorClient(t, srv)

	dir := NewCachedDirectory("sfu1", client, time.Minute)
	t.Cleanup(dir.Close)

	peers, err := dir.ActivePeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.EqualValues(t, "sfu2", peers[0].ID)

	node, ok, err := dir.Lookup(context.Background(), "sfu3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.NodeUnhealthy, node.Status)

	_, ok, err = dir.Lookup(context.Background(), "sfu9")
	require.NoError(t, err)
	assert.False(t, ok)
}

type countingLister struct {
	calls atomic.Int32
}

func (l *countingLister) Nodes(ctx context.Context) ([]domain.Node, error) {
	l.calls.Add(1)
	return []domain.Node{{ID: "sfu2", Status: domain.NodeActive}}, nil
}

func TestCachedDirectory_CachesAndRefreshesOnMiss(t *testing.T) {
	lister := &countingLister{}
	dir := NewCachedDirectory("sfu1", lister, time.Minute)
	t.Cleanup(dir.Close)

	for i := 0; i < 3; i++ {
		_, err := dir.ActivePeers(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), lister.calls.Load())

	_, ok, err := dir.Lookup(context.Background(), "sfu7")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), lister.calls.Load())
}
