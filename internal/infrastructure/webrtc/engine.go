package webrtc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/config"
	"meshsfu/pkg/utils"
)

const relayCryptoSuite = "AES_CM_128_HMAC_SHA1_80"

// EngineConfig configures the loopback engine.
type EngineConfig struct {
	ListenIP    string
	AnnouncedIP string
	Codecs      []config.CodecConfig
	PortMin     uint16
	PortMax     uint16
}

type router struct {
	id   domain.RouterID
	caps []webrtc.RTPCodecParameters
}

type transport struct {
	id        domain.TransportID
	routerID  domain.RouterID
	kind      domain.TransportKind
	port      uint16
	connected bool
}

type producer struct {
	id          domain.ProducerID
	transportID domain.TransportID
	kind        domain.MediaKind
	params      domain.MediaParameters
	paused      bool
}

type consumer struct {
	id          domain.ConsumerID
	transportID domain.TransportID
	producerID  domain.ProducerID
	paused      bool
}

// Engine is an in-process media engine. It negotiates parameters and tracks
// objects the way a real engine would, and leaves packet forwarding to the
// external media plane.
type Engine struct {
	cfg          EngineConfig
	fingerprints []webrtc.DTLSFingerprint
	logger       *zap.SugaredLogger

	mu         sync.Mutex
	routers    map[domain.RouterID]*router
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	usedPorts  map[uint16]domain.TransportID
	nextPort   uint16
}

var _ ports.MediaEngine = (*Engine)(nil)

// NewEngine validates the codec list with a pion MediaEngine and generates
// the DTLS certificate advertised on client transports.
func NewEngine(cfg EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	if len(cfg.Codecs) == 0 {
		return nil, fmt.Errorf("at least one codec is required")
	}
	if cfg.PortMin == 0 || cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("invalid relay port range %d-%d", cfg.PortMin, cfg.PortMax)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("certificate fingerprints: %w", err)
	}

	return &Engine{
		cfg:          cfg,
		fingerprints: fingerprints,
		logger:       logger,
		routers:      make(map[domain.RouterID]*router),
		transports:   make(map[domain.TransportID]*transport),
		producers:    make(map[domain.ProducerID]*producer),
		consumers:    make(map[domain.ConsumerID]*consumer),
		usedPorts:    make(map[uint16]domain.TransportID),
		nextPort:     cfg.PortMin,
	}, nil
}

// routerCodecs registers the configured codecs on a fresh pion MediaEngine
// and returns them with their assigned payload types.
func routerCodecs(codecs []config.CodecConfig) ([]webrtc.RTPCodecParameters, error) {
	m := &webrtc.MediaEngine{}
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	audioPT, videoPT := webrtc.PayloadType(111), webrtc.PayloadType(96)

	for _, c := range codecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.FmtpLine,
			},
		}

		var typ webrtc.RTPCodecType
		switch {
		case strings.HasPrefix(strings.ToLower(c.MimeType), "audio/"):
			typ = webrtc.RTPCodecTypeAudio
			params.PayloadType = audioPT
			audioPT++
		case strings.HasPrefix(strings.ToLower(c.MimeType), "video/"):
			typ = webrtc.RTPCodecTypeVideo
			params.RTPCodecCapability.RTCPFeedback = []webrtc.RTCPFeedback{
				{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}, {Type: "goog-remb"},
			}
			params.PayloadType = videoPT
			videoPT++
		default:
			return nil, fmt.Errorf("codec %q: mime type must start with audio/ or video/", c.MimeType)
		}

		if err := m.RegisterCodec(params, typ); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
		out = append(out, params)
	}
	return out, nil
}

func (e *Engine) CreateRouter(ctx context.Context) (domain.RouterID, error) {
	caps, err := routerCodecs(e.cfg.Codecs)
	if err != nil {
		return "", err
	}

	id := domain.RouterID(utils.NewID())
	e.mu.Lock()
	e.routers[id] = &router{id: id, caps: caps}
	e.mu.Unlock()

	e.logger.Infow("Router created", "router_id", id, "codecs", len(caps))
	return id, nil
}

func (e *Engine) RouterCapabilities(routerID domain.RouterID) domain.Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.routers[routerID]
	if !ok {
		return nil
	}
	out := make(domain.Capabilities, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c.RTPCodecCapability)
	}
	return out
}

func (e *Engine) CreateTransport(ctx context.Context, routerID domain.RouterID, opts ports.TransportOptions) (ports.EngineTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.routers[routerID]; !ok {
		return ports.EngineTransport{}, fmt.Errorf("router %s: %w", routerID, domain.ErrNotFound)
	}

	id := domain.TransportID(utils.NewID())
	t := &transport{id: id, routerID: routerID, kind: opts.Kind}

	port, err := e.allocatePortLocked(id)
	if err != nil {
		return ports.EngineTransport{}, err
	}
	t.port = port
	e.transports[id] = t

	if opts.Kind == domain.TransportRelay {
		key := make([]byte, 30)
		if _, err := rand.Read(key); err != nil {
			delete(e.transports, id)
			delete(e.usedPorts, port)
			return ports.EngineTransport{}, fmt.Errorf("generate srtp key: %w", err)
		}
		return ports.EngineTransport{
			ID: id,
			Relay: &domain.RelayEndpoint{
				ID:       id,
				Endpoint: domain.Endpoint{IP: e.cfg.AnnouncedIP, Port: int(port)},
				Security: domain.SRTPParameters{
					CryptoSuite: relayCryptoSuite,
					KeyBase64:   base64.StdEncoding.EncodeToString(key),
				},
			},
		}, nil
	}

	ufrag := strings.ReplaceAll(utils.NewID(), "-", "")[:16]
	pwd := strings.ReplaceAll(utils.NewID(), "-", "")
	return ports.EngineTransport{
		ID: id,
		Client: &domain.TransportParams{
			ID:            id,
			ICEParameters: webrtc.ICEParameters{UsernameFragment: ufrag, Password: pwd, ICELite: true},
			ICECandidates: []domain.ICECandidate{{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				IP:         e.cfg.AnnouncedIP,
				Port:       int(port),
				Protocol:   "udp",
				Type:       "host",
			}},
			DTLSParameters: domain.DTLSParameters{
				Role:         "auto",
				Fingerprints: append([]webrtc.DTLSFingerprint(nil), e.fingerprints...),
			},
		},
	}, nil
}

func (e *Engine) allocatePortLocked(id domain.TransportID) (uint16, error) {
	span := int(e.cfg.PortMax-e.cfg.PortMin) + 1
	for i := 0; i < span; i++ {
		port := e.nextPort
		if e.nextPort == e.cfg.PortMax {
			e.nextPort = e.cfg.PortMin
		} else {
			e.nextPort++
		}
		if _, used := e.usedPorts[port]; !used {
			e.usedPorts[port] = id
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: relay port range %d-%d is full", domain.ErrCapacityExhausted, e.cfg.PortMin, e.cfg.PortMax)
}

func (e *Engine) ConnectTransport(ctx context.Context, transportID domain.TransportID, dtls domain.DTLSParameters) error {
	if len(dtls.Fingerprints) == 0 {
		return domain.InvalidParams("dtls fingerprints are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[transportID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	if t.kind != domain.TransportClientFacing {
		return domain.InvalidParams("transport %s is not client facing", transportID)
	}
	t.connected = true
	return nil
}

func (e *Engine) ConnectRelay(ctx context.Context, transportID domain.TransportID, remote domain.Endpoint, srtp domain.SRTPParameters) error {
	if remote.IP == "" || remote.Port == 0 || srtp.KeyBase64 == "" {
		return domain.InvalidParams("relay endpoint and srtp key are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[transportID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	if t.kind != domain.TransportRelay {
		return domain.InvalidParams("transport %s is not a relay transport", transportID)
	}
	t.connected = true
	return nil
}

// CloseTransport closes the transport and everything created on it.
func (e *Engine) CloseTransport(ctx context.Context, transportID domain.TransportID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[transportID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	for id, p := range e.producers {
		if p.transportID == transportID {
			e.closeProducerLocked(id)
		}
	}
	for id, c := range e.consumers {
		if c.transportID == transportID {
			delete(e.consumers, id)
		}
	}
	delete(e.usedPorts, t.port)
	delete(e.transports, transportID)
	return nil
}

func (e *Engine) Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, params domain.MediaParameters) (domain.ProducerID, error) {
	if !kind.Valid() {
		return "", domain.InvalidParams("kind must be audio or video")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transports[transportID]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	r := e.routers[t.routerID]

	if len(params.Codecs) == 0 {
		params.Codecs = codecsOfKind(r.caps, kind)
	}
	for _, c := range params.Codecs {
		if !mimeMatchesKind(c.MimeType, kind) {
			return "", domain.InvalidParams("codec %s does not match kind %s", c.MimeType, kind)
		}
		if !supported(r.caps, c.RTPCodecCapability) {
			return "", fmt.Errorf("%w: router does not support %s", domain.ErrIncompatibleCapabilities, c.MimeType)
		}
	}
	if len(params.Codecs) == 0 {
		return "", fmt.Errorf("%w: no %s codec configured", domain.ErrIncompatibleCapabilities, kind)
	}

	id := domain.ProducerID(utils.NewID())
	e.producers[id] = &producer{id: id, transportID: transportID, kind: kind, params: params}
	return id, nil
}

func (e *Engine) CloseProducer(ctx context.Context, producerID domain.ProducerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.producers[producerID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	e.closeProducerLocked(producerID)
	return nil
}

func (e *Engine) SetProducerPaused(ctx context.Context, producerID domain.ProducerID, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.producers[producerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	p.paused = paused
	return nil
}

func (e *Engine) closeProducerLocked(id domain.ProducerID) {
	delete(e.producers, id)
	for cid, c := range e.consumers {
		if c.producerID == id {
			delete(e.consumers, cid)
		}
	}
}

func (e *Engine) CanConsume(routerID domain.RouterID, producerID domain.ProducerID, caps domain.Capabilities) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.producers[producerID]
	if !ok {
		return false
	}
	if t, ok := e.transports[p.transportID]; !ok || t.routerID != routerID {
		return false
	}
	return len(matchingCodecs(p.params.Codecs, caps)) > 0
}

func (e *Engine) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps domain.Capabilities) (ports.EngineConsumer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.transports[transportID]; !ok {
		return ports.EngineConsumer{}, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	p, ok := e.producers[producerID]
	if !ok {
		return ports.EngineConsumer{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	codecs := matchingCodecs(p.params.Codecs, caps)
	if len(codecs) == 0 {
		return ports.EngineConsumer{}, fmt.Errorf("%w: producer %s", domain.ErrIncompatibleCapabilities, producerID)
	}

	id := domain.ConsumerID(utils.NewID())
	e.consumers[id] = &consumer{id: id, transportID: transportID, producerID: producerID}
	return ports.EngineConsumer{
		ID:   id,
		Kind: p.kind,
		Parameters: domain.MediaParameters{
			HeaderExtensions: p.params.HeaderExtensions,
			Codecs:           codecs,
		},
	}, nil
}

func (e *Engine) CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.consumers[consumerID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, consumerID)
	}
	delete(e.consumers, consumerID)
	return nil
}

func (e *Engine) SetConsumerPaused(ctx context.Context, consumerID domain.ConsumerID, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.consumers[consumerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, consumerID)
	}
	c.paused = paused
	return nil
}

// Close drops every object.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Infow("Media engine closing",
		"transports", len(e.transports),
		"producers", len(e.producers),
		"consumers", len(e.consumers),
	)
	e.routers = make(map[domain.RouterID]*router)
	e.transports = make(map[domain.TransportID]*transport)
	e.producers = make(map[domain.ProducerID]*producer)
	e.consumers = make(map[domain.ConsumerID]*consumer)
	e.usedPorts = make(map[uint16]domain.TransportID)
	return nil
}

func mimeMatchesKind(mime string, kind domain.MediaKind) bool {
	return strings.HasPrefix(strings.ToLower(mime), string(kind)+"/")
}

func codecsOfKind(caps []webrtc.RTPCodecParameters, kind domain.MediaKind) []webrtc.RTPCodecParameters {
	for _, c := range caps {
		if mimeMatchesKind(c.MimeType, kind) {
			return []webrtc.RTPCodecParameters{c}
		}
	}
	return nil
}

func codecMatches(a, b webrtc.RTPCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	return a.Channels == 0 || b.Channels == 0 || a.Channels == b.Channels
}

func supported(caps []webrtc.RTPCodecParameters, c webrtc.RTPCodecCapability) bool {
	for _, rc := range caps {
		if codecMatches(rc.RTPCodecCapability, c) {
			return true
		}
	}
	return false
}

func matchingCodecs(codecs []webrtc.RTPCodecParameters, caps domain.Capabilities) []webrtc.RTPCodecParameters {
	var out []webrtc.RTPCodecParameters
	for _, c := range codecs {
		for _, want := range caps {
			if codecMatches(c.RTPCodecCapability, want) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
