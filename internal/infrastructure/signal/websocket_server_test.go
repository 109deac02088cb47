package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/services"
	"meshsfu/internal/infrastructure/events"
	mediawebrtc "meshsfu/internal/infrastructure/webrtc"
	"meshsfu/pkg/config"
	apperrors "meshsfu/pkg/errors"
)

type recordingReplicator struct {
	mu        sync.Mutex
	fannedOut []domain.ProducerID
	tornDown  []domain.ProducerID
}

func (r *recordingReplicator) FanOut(ctx context.Context, producerID domain.ProducerID) (domain.FanOutReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fannedOut = append(r.fannedOut, producerID)
	return domain.FanOutReport{ProducerID: producerID}, nil
}

func (r *recordingReplicator) ReplicateTo(ctx context.Context, producerID domain.ProducerID, target domain.NodeID) (domain.PeerResult, error) {
	return domain.PeerResult{NodeID: target, Outcome: domain.OutcomeReplicated}, nil
}

func (r *recordingReplicator) Teardown(ctx context.Context, producerID domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tornDown = append(r.tornDown, producerID)
	return nil
}

func (r *recordingReplicator) SyncFromPeers(ctx context.Context) error { return nil }

func (r *recordingReplicator) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fannedOut), len(r.tornDown)
}

type gauge struct {
	mu sync.Mutex
	n  int
}

func (g *gauge) SetSignalConnections(n int) {
	g.mu.Lock()
	g.n = n
	g.mu.Unlock()
}

type harness struct {
	server   *WebSocketServer
	http     *httptest.Server
	registry *services.RoomRegistry
	repl     *recordingReplicator
	gauge    *gauge
}

func newHarness(t *testing.T, grant string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	engine, err := mediawebrtc.NewEngine(mediawebrtc.EngineConfig{
		AnnouncedIP: "127.0.0.1",
		Codecs:      config.DefaultConfig().Media.Codecs,
		PortMin:     43000,
		PortMax:     43200,
	}, logger)
	require.NoError(t, err)
	facade, err := services.NewTransportFacade(context.Background(), engine, services.FacadeConfig{}, logger)
	require.NoError(t, err)

	bus := events.NewBus()
	registry := services.NewRoomRegistry(bus, logger)
	repl := &recordingReplicator{}
	sessions := services.NewSessionService("sfu1", facade, registry, repl, nil, logger)

	g := &gauge{}
	server := NewWebSocketServer(sessions, bus, Config{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  time.Second,
	}, g, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go server.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleWebSocket(w, r, grant)
	}))
	t.Cleanup(func() {
		ts.Close()
		server.Close()
		cancel()
		sessions.Close()
		facade.Close(context.Background())
	})
	return &harness{server: server, http: ts, registry: registry, repl: repl, gauge: g}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	next uint64
	// pending holds notifications read while waiting for a response.
	pending []map[string]any
}

func (h *harness) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

func (c *wsClient) call(typ string, data any) Response {
	c.t.Helper()
	c.next++
	id := c.next
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Request{ID: id, Type: typ, Data: raw}))

	for {
		msg := c.read()
		if _, isResponse := msg["ok"]; !isResponse {
			c.pending = append(c.pending, msg)
			continue
		}
		encoded, err := json.Marshal(msg)
		require.NoError(c.t, err)
		var resp Response
		require.NoError(c.t, json.Unmarshal(encoded, &resp))
		require.Equal(c.t, id, resp.ID)
		return resp
	}
}

func (c *wsClient) ok(typ string, data any) map[string]any {
	c.t.Helper()
	resp := c.call(typ, data)
	require.True(c.t, resp.OK, "%s failed: %+v", typ, resp.Error)
	out, _ := resp.Data.(map[string]any)
	return out
}

func (c *wsClient) notification(typ string) map[string]any {
	c.t.Helper()
	for i, msg := range c.pending {
		if msg["type"] == typ {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg["data"].(map[string]any)
		}
	}
	for {
		msg := c.read()
		if msg["type"] == typ {
			return msg["data"].(map[string]any)
		}
	}
}

func publishAudio(c *wsClient) string {
	c.t.Helper()
	send := c.ok("createTransport", CreateTransportPayload{Role: domain.RoleProducer})
	c.ok("connectTransport", map[string]any{
		"transportId":    send["id"],
		"dtlsParameters": send["dtlsParameters"],
	})
	produced := c.ok("produce", map[string]any{
		"transportId":   send["id"],
		"kind":          "audio",
		"rtpParameters": map[string]any{},
	})
	return produced["id"].(string)
}

func TestSignal_RequiresJoin(t *testing.T) {
	h := newHarness(t, "")
	c := h.dial(t)

	resp := c.call("createTransport", CreateTransportPayload{Role: domain.RoleProducer})
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Error.Code)
}

func TestSignal_UnknownType(t *testing.T) {
	h := newHarness(t, "")
	c := h.dial(t)
	c.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice"})

	resp := c.call("teleport", nil)
	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Error.Code)
}

func TestSignal_JoinProduceNotifiesOthers(t *testing.T) {
	h := newHarness(t, "")
	alice := h.dial(t)
	bob := h.dial(t)

	joined := alice.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice", DisplayName: "Alice"})
	assert.NotEmpty(t, joined["routerRtpCapabilities"])
	bob.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "bob"})

	producerID := publishAudio(alice)
	note := bob.notification("newProducer")
	assert.Equal(t, producerID, note["producerId"])
	assert.Equal(t, "alice", note["participantId"])
	assert.Equal(t, "audio", note["kind"])

	listed := bob.ok("getProducers", nil)
	producers := listed["producers"].([]any)
	require.Len(t, producers, 1)
	assert.Equal(t, producerID, producers[0].(map[string]any)["id"])

	recv := bob.ok("createTransport", CreateTransportPayload{Role: domain.RoleConsumer})
	consumed := bob.ok("consume", ConsumePayload{
		TransportID:     domain.TransportID(recv["id"].(string)),
		ProducerID:      domain.ProducerID(producerID),
		RTPCapabilities: domain.Capabilities{{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
	})
	assert.Equal(t, producerID, consumed["producerId"])

	assert.Eventually(t, func() bool {
		fanned, _ := h.repl.counts()
		return fanned == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSignal_DuplicateParticipantRejected(t *testing.T) {
	h := newHarness(t, "")
	first := h.dial(t)
	second := h.dial(t)

	first.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice"})
	resp := second.call("join", JoinPayload{RoomID: "r1", ParticipantID: "alice"})
	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeConflict, resp.Error.Code)

	resp = first.call("join", JoinPayload{RoomID: "r2"})
	assert.False(t, resp.OK, "one participant per socket")
	assert.Equal(t, apperrors.ErrCodeConflict, resp.Error.Code)
}

func TestSignal_DisconnectLeavesRoom(t *testing.T) {
	h := newHarness(t, "")
	alice := h.dial(t)
	bob := h.dial(t)

	alice.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice"})
	bob.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "bob"})
	producerID := publishAudio(alice)
	bob.notification("newProducer")

	assert.Eventually(t, func() bool { return h.server.Connections() == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, alice.conn.Close())

	closed := bob.notification("producerClosed")
	assert.Equal(t, producerID, closed["producerId"])
	left := bob.notification("participantLeft")
	assert.Equal(t, "alice", left["participantId"])

	assert.Eventually(t, func() bool { return h.server.Connections() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, torn := h.repl.counts()
		return torn == 1
	}, time.Second, 10*time.Millisecond)

	room, err := h.registry.GetRoom("r1")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 1)

	h.gauge.mu.Lock()
	defer h.gauge.mu.Unlock()
	assert.Equal(t, 1, h.gauge.n)
}

func TestSignal_LeaveThenRejoin(t *testing.T) {
	h := newHarness(t, "")
	c := h.dial(t)

	c.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice"})
	c.ok("leave", nil)
	_, err := h.registry.GetRoom("r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound, "empty room closes")

	c.ok("join", JoinPayload{RoomID: "r2", ParticipantID: "alice"})
}

func TestSignal_TicketIdentity(t *testing.T) {
	h := newHarness(t, "session-42")
	c := h.dial(t)

	resp := c.call("join", JoinPayload{RoomID: "r1", ParticipantID: "mallory"})
	assert.False(t, resp.OK)

	joined := c.ok("join", JoinPayload{RoomID: "r1"})
	participant := joined["participant"].(map[string]any)
	assert.Equal(t, "session-42", participant["id"])
}

func TestSignal_MalformedMessageKeepsSocket(t *testing.T) {
	h := newHarness(t, "")
	c := h.dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := c.read()
	assert.Equal(t, "error", msg["type"])

	c.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice"})
}

func TestSignal_RoomMessageAndMetadata(t *testing.T) {
	h := newHarness(t, "")
	alice := h.dial(t)
	bob := h.dial(t)

	alice.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice", DisplayName: "Alice"})
	bob.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "bob"})

	sent := alice.ok("roomMessage", RoomMessagePayload{Message: "hello"})
	assert.NotEmpty(t, sent["timestamp"])
	msg := bob.notification("roomMessage")
	assert.Equal(t, "hello", msg["message"])
	assert.Equal(t, "alice", msg["participantId"])
	assert.Equal(t, "Alice", msg["displayName"])

	resp := alice.call("roomMessage", RoomMessagePayload{})
	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Error.Code)
	resp = alice.call("roomMessage", RoomMessagePayload{Message: strings.Repeat("x", maxChatMessage+1)})
	assert.False(t, resp.OK)

	updated := alice.ok("updateMetadata", UpdateMetadataPayload{DisplayName: "Al", Extra: map[string]string{"hand": "raised"}})
	assert.Equal(t, "Al", updated["displayName"])
	note := bob.notification("participantUpdated")
	assert.Equal(t, "alice", note["participantId"])
	meta := note["metadata"].(map[string]any)
	assert.Equal(t, "Al", meta["displayName"])
	assert.Equal(t, map[string]any{"hand": "raised"}, meta["extra"])

	listed := bob.ok("getParticipants", nil)
	assert.Equal(t, "r1", listed["roomId"])
	participants := listed["participants"].([]any)
	require.Len(t, participants, 2)
	first := participants[0].(map[string]any)
	assert.Equal(t, "alice", first["id"])
	assert.Equal(t, "Al", first["metadata"].(map[string]any)["displayName"])
}

func TestSignal_PauseResumeAndStats(t *testing.T) {
	h := newHarness(t, "")
	alice := h.dial(t)
	bob := h.dial(t)

	alice.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "alice"})
	bob.ok("join", JoinPayload{RoomID: "r1", ParticipantID: "bob"})
	producerID := publishAudio(alice)

	paused := alice.ok("pauseProducer", ProducerRef{ProducerID: domain.ProducerID(producerID)})
	assert.Equal(t, true, paused["paused"])

	recv := bob.ok("createTransport", CreateTransportPayload{Role: domain.RoleConsumer})
	consumed := bob.ok("consume", ConsumePayload{
		TransportID:     domain.TransportID(recv["id"].(string)),
		ProducerID:      domain.ProducerID(producerID),
		RTPCapabilities: domain.Capabilities{{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
	})
	consumerID := domain.ConsumerID(consumed["id"].(string))

	stats := bob.ok("getProducerStats", ProducerRef{ProducerID: domain.ProducerID(producerID)})
	assert.Equal(t, true, stats["paused"])
	assert.Equal(t, "audio", stats["kind"])
	assert.Equal(t, float64(1), stats["consumers"])

	cstats := bob.ok("getConsumerStats", ConsumerRef{ConsumerID: consumerID})
	assert.Equal(t, true, cstats["producerPaused"])
	assert.Equal(t, false, cstats["paused"])

	assert.Equal(t, true, bob.ok("pauseConsumer", ConsumerRef{ConsumerID: consumerID})["paused"])
	assert.Equal(t, false, alice.ok("resumeProducer", ProducerRef{ProducerID: domain.ProducerID(producerID)})["paused"])
	cstats = bob.ok("getConsumerStats", ConsumerRef{ConsumerID: consumerID})
	assert.Equal(t, false, cstats["producerPaused"])
	assert.Equal(t, true, cstats["paused"])
	assert.Equal(t, false, bob.ok("resumeConsumer", ConsumerRef{ConsumerID: consumerID})["paused"])

	// only the owner may pause, and consumer stats are private
	resp := bob.call("pauseProducer", ProducerRef{ProducerID: domain.ProducerID(producerID)})
	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeNotFound, resp.Error.Code)
	resp = alice.call("getConsumerStats", ConsumerRef{ConsumerID: consumerID})
	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeNotFound, resp.Error.Code)
}
