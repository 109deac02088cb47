package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/services"
	"meshsfu/internal/infrastructure/events"
	"meshsfu/internal/infrastructure/middleware"
	"meshsfu/internal/infrastructure/monitoring"
	mediawebrtc "meshsfu/internal/infrastructure/webrtc"
	"meshsfu/pkg/config"
)

// recordingReplicator stands in for the mesh on a single node.
type recordingReplicator struct {
	mu        sync.Mutex
	fannedOut []domain.ProducerID
	torn      []domain.ProducerID
}

func (r *recordingReplicator) FanOut(ctx context.Context, id domain.ProducerID) (domain.FanOutReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fannedOut = append(r.fannedOut, id)
	return domain.FanOutReport{ProducerID: id}, nil
}

func (r *recordingReplicator) ReplicateTo(ctx context.Context, id domain.ProducerID, target domain.NodeID) (domain.PeerResult, error) {
	return domain.PeerResult{NodeID: target, Outcome: domain.OutcomeSkipped}, nil
}

func (r *recordingReplicator) Teardown(ctx context.Context, id domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.torn = append(r.torn, id)
	return nil
}

func (r *recordingReplicator) SyncFromPeers(ctx context.Context) error { return nil }

type fakeSignal struct {
	mu           sync.Mutex
	participants []string
}

func (f *fakeSignal) HandleWebSocket(w http.ResponseWriter, r *http.Request, participantID string) {
	f.mu.Lock()
	f.participants = append(f.participants, participantID)
	f.mu.Unlock()
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type nodeFixture struct {
	router   *gin.Engine
	session  *services.SessionService
	registry *services.RoomRegistry
	repl     *recordingReplicator
	ready    *monitoring.HealthChecker
	signal   *fakeSignal
	tickets  services.TicketService
}

func newNodeFixture(t *testing.T, withTickets bool) *nodeFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	engine, err := mediawebrtc.NewEngine(mediawebrtc.EngineConfig{
		AnnouncedIP: "127.0.0.1",
		Codecs:      config.DefaultConfig().Media.Codecs,
		PortMin:     43300,
		PortMax:     43500,
	}, logger)
	require.NoError(t, err)
	facade, err := services.NewTransportFacade(context.Background(), engine, services.FacadeConfig{}, logger)
	require.NoError(t, err)

	f := &nodeFixture{
		registry: services.NewRoomRegistry(events.NewBus(), logger),
		repl:     &recordingReplicator{},
		ready:    monitoring.NewHealthChecker(logger),
		signal:   &fakeSignal{},
	}
	f.session = services.NewSessionService("sfu1", facade, f.registry, f.repl, nil, logger)
	t.Cleanup(func() {
		f.session.Close()
		facade.Close(context.Background())
	})

	cfg := NodeHandlerConfig{NodeID: "sfu1", ReadyTimeout: time.Second}
	if withTickets {
		f.tickets = services.NewTicketService("secret", time.Minute)
		cfg.TicketAuth = middleware.TicketAuthMiddleware(f.tickets, "sfu1")
	}
	reporter := monitoring.NewNodeReporter("sfu1", f.registry, facade, nil, nil)
	handler := NewNodeHandler(cfg, f.session, f.registry, facade, reporter, f.ready, f.signal, logger)
	f.router = newRouter(t, func(r *gin.Engine) { handler.SetupRoutes(r) })
	return f
}

func opusCaps() domain.Capabilities {
	return domain.Capabilities{{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}

// openTransport creates and connects a transport over REST.
func (f *nodeFixture) openTransport(t *testing.T, room, participant string, role domain.TransportRole) domain.TransportParams {
	t.Helper()
	w := request(t, f.router, http.MethodPost, "/transports", map[string]any{
		"roomId": room, "participantId": participant, "role": role,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	params := decode[domain.TransportParams](t, w)

	w = request(t, f.router, http.MethodPost, "/transports/"+string(params.ID)+"/connect", map[string]any{
		"participantId": participant, "dtlsParameters": params.DTLSParameters,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return params
}

func TestNodeHandler_RoomFlow(t *testing.T) {
	f := newNodeFixture(t, false)

	w := request(t, f.router, http.MethodPost, "/rooms", map[string]any{"roomId": "r1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = request(t, f.router, http.MethodPost, "/rooms", map[string]any{"roomId": "r1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["created"])

	for _, p := range []string{"alice", "bob"} {
		w = request(t, f.router, http.MethodPost, "/rooms/r1/join", map[string]any{"participantId": p, "displayName": p})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	send := f.openTransport(t, "r1", "alice", domain.RoleProducer)
	w = request(t, f.router, http.MethodPost, "/transports/"+string(send.ID)+"/produce", map[string]any{
		"participantId": "alice", "kind": "audio",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	producerID := decode[map[string]any](t, w)["id"].(string)
	f.session.Wait()

	w = request(t, f.router, http.MethodGet, "/producers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	local := decode[[]domain.LocalProducer](t, w)
	require.Len(t, local, 1)
	assert.EqualValues(t, producerID, local[0].ID)
	assert.EqualValues(t, "alice", local[0].ParticipantID)

	w = request(t, f.router, http.MethodGet, "/rooms/r1/producers?exclude=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[map[string]any](t, w)["producers"])

	recv := f.openTransport(t, "r1", "bob", domain.RoleConsumer)
	w = request(t, f.router, http.MethodPost, "/transports/"+string(recv.ID)+"/consume", map[string]any{
		"participantId": "bob", "producerId": producerID, "rtpCapabilities": opusCaps(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, producerID, decode[domain.ConsumerHandle](t, w).ProducerID)

	w = request(t, f.router, http.MethodGet, "/rooms/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[struct {
		Stats domain.RoomStats `json:"stats"`
	}](t, w).Stats
	assert.Equal(t, 2, stats.Participants)
	assert.Equal(t, 1, stats.Producers)
	assert.Equal(t, 1, stats.Consumers)

	w = request(t, f.router, http.MethodDelete, "/producers/"+producerID+"?participantId=bob", nil)
	assert.NotEqual(t, http.StatusOK, w.Code, "only the owner closes a producer")
	w = request(t, f.router, http.MethodDelete, "/producers/"+producerID+"?participantId=alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.session.Wait()

	f.repl.mu.Lock()
	assert.Equal(t, []domain.ProducerID{domain.ProducerID(producerID)}, f.repl.fannedOut)
	assert.Equal(t, []domain.ProducerID{domain.ProducerID(producerID)}, f.repl.torn)
	f.repl.mu.Unlock()

	w = request(t, f.router, http.MethodPost, "/rooms/r1/leave", map[string]any{"participantId": "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	w = request(t, f.router, http.MethodPost, "/rooms/r1/leave", map[string]any{"participantId": "bob"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(t, f.router, http.MethodDelete, "/rooms/r1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = request(t, f.router, http.MethodGet, "/rooms/r1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(t, f.router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Global     domain.GlobalStats    `json:"global"`
		Transports domain.TransportStats `json:"transports"`
	}](t, w)
	assert.Equal(t, 0, body.Global.Rooms)
	assert.Equal(t, 0, body.Transports.Transports)
}

func TestNodeHandler_Validation(t *testing.T) {
	f := newNodeFixture(t, false)

	w := request(t, f.router, http.MethodPost, "/rooms/r1/join", map[string]any{"participantId": "bad id"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, f.router, http.MethodPost, "/transports", map[string]any{"roomId": "r1", "role": "producer"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PARAMETERS", errorCode(t, w))

	w = request(t, f.router, http.MethodPost, "/transports/t1/produce", map[string]any{"participantId": "alice", "kind": "text"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, f.router, http.MethodDelete, "/transports/t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, f.router, http.MethodGet, "/rooms/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNodeHandler_JoinGeneratesParticipantID(t *testing.T) {
	f := newNodeFixture(t, false)

	w := request(t, f.router, http.MethodPost, "/rooms/r1/join", map[string]any{"displayName": "anon"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	joined := decode[services.JoinResult](t, w)
	require.NotNil(t, joined.Participant)
	assert.NotEmpty(t, joined.Participant.ID)
	assert.NotEmpty(t, joined.RouterCapabilities)

	w = request(t, f.router, http.MethodGet, "/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])
}

func TestNodeHandler_HealthAndReady(t *testing.T) {
	f := newNodeFixture(t, false)

	w := request(t, f.router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[domain.NodeHealth](t, w)
	assert.EqualValues(t, "sfu1", health.NodeID)

	w = request(t, f.router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.ready.AddCheck("store", func(ctx context.Context) error { return errors.New("dial tcp: refused") }, time.Minute, time.Second)
	w = request(t, f.router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	status := decode[monitoring.HealthStatus](t, w)
	assert.Equal(t, "dial tcp: refused", status.Checks["store"])
}

func TestNodeHandler_SignalRequiresTicket(t *testing.T) {
	f := newNodeFixture(t, true)

	w := request(t, f.router, http.MethodGet, "/signal", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	wrongNode, err := f.tickets.Issue("sess-1", "sfu2")
	require.NoError(t, err)
	w = request(t, f.router, http.MethodGet, "/signal?ticket="+wrongNode, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ticket, err := f.tickets.Issue("sess-1", "sfu1")
	require.NoError(t, err)
	w = request(t, f.router, http.MethodGet, "/signal?ticket="+ticket, nil)
	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)

	f.signal.mu.Lock()
	defer f.signal.mu.Unlock()
	assert.Equal(t, []string{"sess-1"}, f.signal.participants)
}

func TestNodeHandler_SignalWithoutAuth(t *testing.T) {
	f := newNodeFixture(t, false)

	w := request(t, f.router, http.MethodGet, "/signal", nil)
	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
	f.signal.mu.Lock()
	defer f.signal.mu.Unlock()
	assert.Equal(t, []string{""}, f.signal.participants)
}
