package webrtc

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/config"
)

func newTestEngine(t *testing.T, min, max uint16) (*Engine, domain.RouterID) {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		AnnouncedIP: "127.0.0.1",
		Codecs:      config.DefaultConfig().Media.Codecs,
		PortMin:     min,
		PortMax:     max,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	routerID, err := e.CreateRouter(context.Background())
	require.NoError(t, err)
	return e, routerID
}

func opusCaps() domain.Capabilities {
	return domain.Capabilities{{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}

func TestEngine_RouterCapabilities(t *testing.T) {
	e, routerID := newTestEngine(t, 40000, 40010)

	caps := e.RouterCapabilities(routerID)
	require.Len(t, caps, 4)
	assert.Equal(t, "audio/opus", caps[0].MimeType)
	assert.Nil(t, e.RouterCapabilities("missing"))
}

func TestEngine_ClientTransportCarriesFingerprints(t *testing.T) {
	e, routerID := newTestEngine(t, 40000, 40010)

	tr, err := e.CreateTransport(context.Background(), routerID, ports.TransportOptions{Kind: domain.TransportClientFacing})
	require.NoError(t, err)
	require.NotNil(t, tr.Client)
	assert.Nil(t, tr.Relay)
	assert.NotEmpty(t, tr.Client.DTLSParameters.Fingerprints)
	assert.Equal(t, "sha-256", tr.Client.DTLSParameters.Fingerprints[0].Algorithm)
	assert.NotEmpty(t, tr.Client.ICEParameters.UsernameFragment)

	err = e.ConnectTransport(context.Background(), tr.ID, domain.DTLSParameters{})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	err = e.ConnectTransport(context.Background(), tr.ID, tr.Client.DTLSParameters)
	assert.NoError(t, err)
}

func TestEngine_RelayPortsExhaustAndRecycle(t *testing.T) {
	e, routerID := newTestEngine(t, 40000, 40001)
	ctx := context.Background()
	relay := ports.TransportOptions{Kind: domain.TransportRelay}

	a, err := e.CreateTransport(ctx, routerID, relay)
	require.NoError(t, err)
	require.NotNil(t, a.Relay)
	assert.Equal(t, "AES_CM_128_HMAC_SHA1_80", a.Relay.Security.CryptoSuite)

	_, err = e.CreateTransport(ctx, routerID, relay)
	require.NoError(t, err)

	_, err = e.CreateTransport(ctx, routerID, relay)
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)

	require.NoError(t, e.CloseTransport(ctx, a.ID))
	c, err := e.CreateTransport(ctx, routerID, relay)
	require.NoError(t, err)
	assert.Equal(t, a.Relay.Endpoint.Port, c.Relay.Endpoint.Port)
}

func TestEngine_ProduceConsumeCapabilityMatching(t *testing.T) {
	e, routerID := newTestEngine(t, 40000, 40010)
	ctx := context.Background()

	send, err := e.CreateTransport(ctx, routerID, ports.TransportOptions{Kind: domain.TransportClientFacing})
	require.NoError(t, err)
	recv, err := e.CreateTransport(ctx, routerID, ports.TransportOptions{Kind: domain.TransportClientFacing})
	require.NoError(t, err)

	producerID, err := e.Produce(ctx, send.ID, domain.KindAudio, domain.MediaParameters{})
	require.NoError(t, err)

	assert.True(t, e.CanConsume(routerID, producerID, opusCaps()))
	vp8Only := domain.Capabilities{{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}}
	assert.False(t, e.CanConsume(routerID, producerID, vp8Only))

	c, err := e.Consume(ctx, recv.ID, producerID, opusCaps())
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, c.Kind)
	require.Len(t, c.Parameters.Codecs, 1)

	_, err = e.Consume(ctx, recv.ID, producerID, vp8Only)
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)

	require.NoError(t, e.CloseProducer(ctx, producerID))
	assert.ErrorIs(t, e.CloseConsumer(ctx, c.ID), domain.ErrConsumerNotFound)
}

func TestEngine_ProduceRejectsUnsupportedCodec(t *testing.T) {
	e, routerID := newTestEngine(t, 40000, 40010)
	ctx := context.Background()

	tr, err := e.CreateTransport(ctx, routerID, ports.TransportOptions{Kind: domain.TransportClientFacing})
	require.NoError(t, err)

	params := domain.MediaParameters{Codecs: []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/AV1", ClockRate: 90000},
	}}}
	_, err = e.Produce(ctx, tr.ID, domain.KindVideo, params)
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)

	_, err = e.Produce(ctx, tr.ID, domain.KindAudio, domain.MediaParameters{Codecs: []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}}})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	_, err = e.Produce(ctx, tr.ID, "data", domain.MediaParameters{})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestEngine_CloseTransportCascades(t *testing.T) {
	e, routerID := newTestEngine(t, 40000, 40010)
	ctx := context.Background()

	tr, err := e.CreateTransport(ctx, routerID, ports.TransportOptions{Kind: domain.TransportRelay})
	require.NoError(t, err)
	producerID, err := e.Produce(ctx, tr.ID, domain.KindVideo, domain.MediaParameters{})
	require.NoError(t, err)

	require.NoError(t, e.CloseTransport(ctx, tr.ID))
	assert.ErrorIs(t, e.CloseProducer(ctx, producerID), domain.ErrProducerNotFound)
	assert.ErrorIs(t, e.CloseTransport(ctx, tr.ID), domain.ErrTransportNotFound)
}

func TestRouterCodecs_RejectsUnknownMime(t *testing.T) {
	_, err := routerCodecs([]config.CodecConfig{{MimeType: "text/plain", ClockRate: 1}})
	assert.Error(t, err)
}

func TestEngine_PauseState(t *testing.T) {
	e, routerID := newTestEngine(t, 40000, 40010)
	ctx := context.Background()

	send, err := e.CreateTransport(ctx, routerID, ports.TransportOptions{Kind: domain.TransportClientFacing})
	require.NoError(t, err)
	recv, err := e.CreateTransport(ctx, routerID, ports.TransportOptions{Kind: domain.TransportClientFacing})
	require.NoError(t, err)
	producerID, err := e.Produce(ctx, send.ID, domain.KindAudio, domain.MediaParameters{})
	require.NoError(t, err)
	c, err := e.Consume(ctx, recv.ID, producerID, opusCaps())
	require.NoError(t, err)

	require.NoError(t, e.SetProducerPaused(ctx, producerID, true))
	require.NoError(t, e.SetConsumerPaused(ctx, c.ID, true))
	e.mu.Lock()
	assert.True(t, e.producers[producerID].paused)
	assert.True(t, e.consumers[c.ID].paused)
	e.mu.Unlock()

	require.NoError(t, e.SetProducerPaused(ctx, producerID, false))
	e.mu.Lock()
	assert.False(t, e.producers[producerID].paused)
	e.mu.Unlock()

	assert.ErrorIs(t, e.SetProducerPaused(ctx, "missing", true), domain.ErrProducerNotFound)
	assert.ErrorIs(t, e.SetConsumerPaused(ctx, "missing", true), domain.ErrConsumerNotFound)
}
