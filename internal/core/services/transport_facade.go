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
	"meshsfu/pkg/validation"
)

type FacadeConfig struct {
	MaxIncomingBitrate              int
	InitialAvailableOutgoingBitrate int
}

type trackedTransport struct {
	handle    domain.TransportHandle
	producers map[domain.ProducerID]struct{}
	consumers map[domain.ConsumerID]struct{}
}

func (t *trackedTransport) snapshot() domain.TransportHandle {
	h := t.handle
	h.Producers = make([]domain.ProducerID, 0, len(t.producers))
	for id := range t.producers {
		h.Producers = append(h.Producers, id)
	}
	h.Consumers = make([]domain.ConsumerID, 0, len(t.consumers))
	for id := range t.consumers {
		h.Consumers = append(h.Consumers, id)
	}
	sort.Slice(h.Producers, func(i, j int) bool { return h.Producers[i] < h.Producers[j] })
	sort.Slice(h.Consumers, func(i, j int) bool { return h.Consumers[i] < h.Consumers[j] })
	return h
}

// TransportFacade is the single lifecycle API over the media engine for both
// client-facing and relay transports. The lock only guards bookkeeping; engine
// calls run outside it.
type TransportFacade struct {
	engine   ports.MediaEngine
	routerID domain.RouterID
	cfg      FacadeConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu            sync.RWMutex
	transports    map[domain.TransportID]*trackedTransport
	producers     map[domain.ProducerID]*domain.ProducerHandle
	consumers     map[domain.ConsumerID]*domain.ConsumerHandle
	relayByTarget map[domain.NodeID]domain.TransportID
	byOriginal    map[domain.ProducerID]domain.ProducerID

	hookMu           sync.RWMutex
	producerHandlers []func(domain.ProducerHandle)
	consumerHandlers []func(domain.ConsumerHandle)
}

// NewTransportFacade creates the node's router.
func NewTransportFacade(ctx context.Context, engine ports.MediaEngine, cfg FacadeConfig, logger *zap.SugaredLogger) (*TransportFacade, error) {
	routerID, err := engine.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	return &TransportFacade{
		engine:        engine,
		routerID:      routerID,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		transports:    make(map[domain.TransportID]*trackedTransport),
		producers:     make(map[domain.ProducerID]*domain.ProducerHandle),
		consumers:     make(map[domain.ConsumerID]*domain.ConsumerHandle),
		relayByTarget: make(map[domain.NodeID]domain.TransportID),
		byOriginal:    make(map[domain.ProducerID]domain.ProducerID),
	}, nil
}

func (f *TransportFacade) RouterID() domain.RouterID { return f.routerID }

func (f *TransportFacade) RouterCapabilities() domain.Capabilities {
	return f.engine.RouterCapabilities(f.routerID)
}

// OnProducerClosed registers fn to run after any producer is closed,
// including producers closed because their transport closed.
func (f *TransportFacade) OnProducerClosed(fn func(domain.ProducerHandle)) {
	f.hookMu.Lock()
	defer f.hookMu.Unlock()
	f.producerHandlers = append(f.producerHandlers, fn)
}

func (f *TransportFacade) OnConsumerClosed(fn func(domain.ConsumerHandle)) {
	f.hookMu.Lock()
	defer f.hookMu.Unlock()
	f.consumerHandlers = append(f.consumerHandlers, fn)
}

func (f *TransportFacade) notify(producers []domain.ProducerHandle, consumers []domain.ConsumerHandle) {
	f.hookMu.RLock()
	ph := f.producerHandlers
	ch := f.consumerHandlers
	f.hookMu.RUnlock()

	for _, c := range consumers {
		for _, fn := range ch {
			fn(c)
		}
	}
	for _, p := range producers {
		for _, fn := range ph {
			fn(p)
		}
	}
}

func (f *TransportFacade) transportOptions(kind domain.TransportKind) ports.TransportOptions {
	return ports.TransportOptions{
		Kind:                            kind,
		MaxIncomingBitrate:              f.cfg.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: f.cfg.InitialAvailableOutgoingBitrate,
	}
}

func (f *TransportFacade) CreateProducerTransport(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (domain.TransportParams, error) {
	return f.createClientTransport(ctx, domain.RoleProducer, roomID, participantID)
}

func (f *TransportFacade) CreateConsumerTransport(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (domain.TransportParams, error) {
	return f.createClientTransport(ctx, domain.RoleConsumer, roomID, participantID)
}

func (f *TransportFacade) createClientTransport(ctx context.Context, role domain.TransportRole, roomID domain.RoomID, participantID domain.ParticipantID) (domain.TransportParams, error) {
	et, err := f.engine.CreateTransport(ctx, f.routerID, f.transportOptions(domain.TransportClientFacing))
	if err != nil {
		return domain.TransportParams{}, fmt.Errorf("create %s transport: %w", role, err)
	}
	if et.Client == nil {
		return domain.TransportParams{}, fmt.Errorf("%w: engine returned no client parameters", domain.ErrInvariantViolation)
	}

	f.mu.Lock()
	f.transports[et.ID] = &trackedTransport{
		handle: domain.TransportHandle{
			ID:            et.ID,
			Kind:          domain.TransportClientFacing,
			Role:          role,
			RoomID:        roomID,
			ParticipantID: participantID,
			CreatedAt:     f.now(),
		},
		producers: make(map[domain.ProducerID]struct{}),
		consumers: make(map[domain.ConsumerID]struct{}),
	}
	f.mu.Unlock()

	f.logger.Debugw("Transport created", "transport_id", et.ID, "role", role, "room_id", roomID, "participant_id", participantID)
	return *et.Client, nil
}

// CreateRelayLink creates the local end of a relay link facing target. An
// existing relay transport to the same target is closed first.
func (f *TransportFacade) CreateRelayLink(ctx context.Context, target domain.NodeID) (domain.RelayEndpoint, error) {
	if target == "" {
		return domain.RelayEndpoint{}, domain.InvalidParams("target node id is required")
	}

	f.mu.RLock()
	previous, hadPrevious := f.relayByTarget[target]
	f.mu.RUnlock()
	if hadPrevious {
		if _, _, err := f.CloseTransport(ctx, previous); err != nil && !errors.Is(err, domain.ErrTransportNotFound) {
			return domain.RelayEndpoint{}, fmt.Errorf("close previous relay to %s: %w", target, err)
		}
	}

	et, err := f.engine.CreateTransport(ctx, f.routerID, f.transportOptions(domain.TransportRelay))
	if err != nil {
		return domain.RelayEndpoint{}, fmt.Errorf("create relay transport to %s: %w", target, err)
	}
	if et.Relay == nil {
		return domain.RelayEndpoint{}, fmt.Errorf("%w: engine returned no relay endpoint", domain.ErrInvariantViolation)
	}

	f.mu.Lock()
	f.transports[et.ID] = &trackedTransport{
		handle: domain.TransportHandle{
			ID:           et.ID,
			Kind:         domain.TransportRelay,
			Role:         domain.RoleRelay,
			TargetNodeID: target,
			CreatedAt:    f.now(),
		},
		producers: make(map[domain.ProducerID]struct{}),
		consumers: make(map[domain.ConsumerID]struct{}),
	}
	f.relayByTarget[target] = et.ID
	f.mu.Unlock()

	f.logger.Infow("Relay transport created", "transport_id", et.ID, "target_node", target, "endpoint", et.Relay.Endpoint)
	return *et.Relay, nil
}

func (f *TransportFacade) transportHandle(id domain.TransportID) (domain.TransportHandle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.transports[id]
	if !ok {
		return domain.TransportHandle{}, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	return t.handle, nil
}

func (f *TransportFacade) markConnected(id domain.TransportID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[id]; ok {
		t.handle.Connected = true
	}
}

func (f *TransportFacade) ConnectTransport(ctx context.Context, id domain.TransportID, dtls domain.DTLSParameters) error {
	if len(dtls.Fingerprints) == 0 {
		return domain.InvalidParams("dtlsParameters.fingerprints must not be empty")
	}
	for _, fp := range dtls.Fingerprints {
		if err := validation.ValidateFingerprint(fp.Algorithm, fp.Value); err != nil {
			return domain.InvalidParams("%v", err)
		}
	}
	if err := validation.ValidateDTLSRole(dtls.Role); err != nil {
		return domain.InvalidParams("%v", err)
	}

	h, err := f.transportHandle(id)
	if err != nil {
		return err
	}
	if h.Kind != domain.TransportClientFacing {
		return domain.InvalidParams("transport %s is a relay transport", id)
	}
	if err := f.engine.ConnectTransport(ctx, id, dtls); err != nil {
		return fmt.Errorf("connect transport %s: %w", id, err)
	}
	f.markConnected(id)
	return nil
}

func (f *TransportFacade) ConnectRelayLink(ctx context.Context, id domain.TransportID, remote domain.Endpoint, srtp domain.SRTPParameters) error {
	if err := validation.ValidateEndpoint(remote.IP, remote.Port); err != nil {
		return domain.InvalidParams("%v", err)
	}
	if err := validation.ValidateSRTP(srtp.CryptoSuite, srtp.KeyBase64); err != nil {
		return domain.InvalidParams("%v", err)
	}

	h, err := f.transportHandle(id)
	if err != nil {
		return err
	}
	if h.Kind != domain.TransportRelay {
		return domain.InvalidParams("transport %s is not a relay transport", id)
	}
	if err := f.engine.ConnectRelay(ctx, id, remote, srtp); err != nil {
		return fmt.Errorf("connect relay %s: %w", id, err)
	}
	f.markConnected(id)
	return nil
}

func (f *TransportFacade) CreateProducer(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, params domain.MediaParameters, app domain.ProducerAppData) (domain.ProducerHandle, error) {
	if !kind.Valid() {
		return domain.ProducerHandle{}, domain.InvalidParams("kind must be audio or video")
	}
	h, err := f.transportHandle(transportID)
	if err != nil {
		return domain.ProducerHandle{}, err
	}
	if h.Role != domain.RoleProducer && h.Role != domain.RoleRelay {
		return domain.ProducerHandle{}, domain.InvalidParams("transport %s cannot produce (role %s)", transportID, h.Role)
	}

	id, err := f.engine.Produce(ctx, transportID, kind, params)
	if err != nil {
		return domain.ProducerHandle{}, fmt.Errorf("produce on %s: %w", transportID, err)
	}

	handle := domain.ProducerHandle{
		ID:                 id,
		Kind:               kind,
		Parameters:         params,
		TransportID:        transportID,
		RoomID:             h.RoomID,
		ParticipantID:      h.ParticipantID,
		IsPiped:            app.IsPiped,
		IsRelay:            app.IsRelay,
		OriginalProducerID: app.OriginalProducerID,
		SourceNode:         app.SourceNode,
		CreatedAt:          f.now(),
	}
	if app.RoomID != "" {
		handle.RoomID = app.RoomID
	}
	if app.ParticipantID != "" {
		handle.ParticipantID = app.ParticipantID
	}

	f.mu.Lock()
	t, ok := f.transports[transportID]
	if !ok {
		f.mu.Unlock()
		_ = f.engine.CloseProducer(ctx, id)
		return domain.ProducerHandle{}, fmt.Errorf("%w: %s closed while producing", domain.ErrTransportNotFound, transportID)
	}
	t.producers[id] = struct{}{}
	f.producers[id] = &handle
	if handle.IsPiped && handle.OriginalProducerID != "" {
		f.byOriginal[handle.OriginalProducerID] = id
	}
	f.mu.Unlock()

	f.logger.Debugw("Producer created", "producer_id", id, "kind", kind, "transport_id", transportID, "piped", handle.IsPiped, "relay", handle.IsRelay)
	return handle, nil
}

func (f *TransportFacade) CreateConsumer(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps domain.Capabilities) (domain.ConsumerHandle, error) {
	h, err := f.transportHandle(transportID)
	if err != nil {
		return domain.ConsumerHandle{}, err
	}
	if h.Role != domain.RoleConsumer {
		return domain.ConsumerHandle{}, domain.InvalidParams("transport %s cannot consume (role %s)", transportID, h.Role)
	}
	producer, ok := f.GetProducerByID(producerID)
	if !ok {
		return domain.ConsumerHandle{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	if !f.engine.CanConsume(f.routerID, producerID, caps) {
		return domain.ConsumerHandle{}, fmt.Errorf("%w: cannot consume producer %s", domain.ErrIncompatibleCapabilities, producerID)
	}

	ec, err := f.engine.Consume(ctx, transportID, producerID, caps)
	if err != nil {
		return domain.ConsumerHandle{}, fmt.Errorf("consume %s on %s: %w", producerID, transportID, err)
	}

	handle := domain.ConsumerHandle{
		ID:            ec.ID,
		ProducerID:    producerID,
		Kind:          producer.Kind,
		Parameters:    ec.Parameters,
		TransportID:   transportID,
		RoomID:        h.RoomID,
		ParticipantID: h.ParticipantID,
		CreatedAt:     f.now(),
	}

	f.mu.Lock()
	t, tok := f.transports[transportID]
	_, pok := f.producers[producerID]
	if !tok || !pok {
		f.mu.Unlock()
		_ = f.engine.CloseConsumer(ctx, ec.ID)
		return domain.ConsumerHandle{}, fmt.Errorf("%w: transport or producer closed while consuming", domain.ErrNotFound)
	}
	t.consumers[ec.ID] = struct{}{}
	f.consumers[ec.ID] = &handle
	f.mu.Unlock()

	return handle, nil
}

func (f *TransportFacade) GetProducerByID(id domain.ProducerID) (domain.ProducerHandle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.producers[id]
	if !ok {
		return domain.ProducerHandle{}, false
	}
	return *p, true
}

func (f *TransportFacade) GetConsumer(id domain.ConsumerID) (domain.ConsumerHandle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.consumers[id]
	if !ok {
		return domain.ConsumerHandle{}, false
	}
	return *c, true
}

func (f *TransportFacade) GetTransport(id domain.TransportID) (domain.TransportHandle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.transports[id]
	if !ok {
		return domain.TransportHandle{}, false
	}
	return t.snapshot(), true
}

// FindProducerByOriginal returns the replica mirroring originalID.
func (f *TransportFacade) FindProducerByOriginal(originalID domain.ProducerID) (domain.ProducerHandle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.byOriginal[originalID]
	if !ok {
		return domain.ProducerHandle{}, false
	}
	p, ok := f.producers[id]
	if !ok {
		return domain.ProducerHandle{}, false
	}
	return *p, true
}

// RelayTransportFor returns the local relay transport facing target.
func (f *TransportFacade) RelayTransportFor(target domain.NodeID) (domain.TransportHandle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.relayByTarget[target]
	if !ok {
		return domain.TransportHandle{}, false
	}
	t, ok := f.transports[id]
	if !ok {
		return domain.TransportHandle{}, false
	}
	return t.snapshot(), true
}

// CloseTransport closes the transport and synchronously closes and
// deregisters every producer and consumer it owns.
func (f *TransportFacade) CloseTransport(ctx context.Context, id domain.TransportID) ([]domain.ProducerHandle, []domain.ConsumerHandle, error) {
	f.mu.Lock()
	t, ok := f.transports[id]
	if !ok {
		f.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	delete(f.transports, id)
	if t.handle.TargetNodeID != "" && f.relayByTarget[t.handle.TargetNodeID] == id {
		delete(f.relayByTarget, t.handle.TargetNodeID)
	}

	var producers []domain.ProducerHandle
	var consumers []domain.ConsumerHandle
	for pid := range t.producers {
		p, dependents := f.forgetProducerLocked(pid)
		if p != nil {
			producers = append(producers, *p)
		}
		consumers = append(consumers, dependents...)
	}
	for cid := range t.consumers {
		if c, ok := f.consumers[cid]; ok {
			delete(f.consumers, cid)
			consumers = append(consumers, *c)
		}
	}
	f.mu.Unlock()

	// consumers of closed producers may sit on other transports
	for _, c := range consumers {
		if c.TransportID != id {
			_ = f.engine.CloseConsumer(ctx, c.ID)
		}
	}
	err := f.engine.CloseTransport(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		f.logger.Warnw("Engine failed to close transport", "transport_id", id, "error", err)
	}

	f.logger.Debugw("Transport closed", "transport_id", id, "producers", len(producers), "consumers", len(consumers))
	f.notify(producers, consumers)
	return producers, consumers, nil
}

// forgetProducerLocked removes the producer and every consumer of it from
// the bookkeeping and returns them.
func (f *TransportFacade) forgetProducerLocked(id domain.ProducerID) (*domain.ProducerHandle, []domain.ConsumerHandle) {
	p, ok := f.producers[id]
	if !ok {
		return nil, nil
	}
	delete(f.producers, id)
	if p.OriginalProducerID != "" && f.byOriginal[p.OriginalProducerID] == id {
		delete(f.byOriginal, p.OriginalProducerID)
	}
	if t, ok := f.transports[p.TransportID]; ok {
		delete(t.producers, id)
	}

	var dependents []domain.ConsumerHandle
	for cid, c := range f.consumers {
		if c.ProducerID != id {
			continue
		}
		delete(f.consumers, cid)
		if t, ok := f.transports[c.TransportID]; ok {
			delete(t.consumers, cid)
		}
		dependents = append(dependents, *c)
	}
	return p, dependents
}

// CloseProducer closes the producer and every consumer of it.
func (f *TransportFacade) CloseProducer(ctx context.Context, id domain.ProducerID) (domain.ProducerHandle, []domain.ConsumerHandle, error) {
	f.mu.Lock()
	p, consumers := f.forgetProducerLocked(id)
	f.mu.Unlock()
	if p == nil {
		return domain.ProducerHandle{}, nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, id)
	}

	if err := f.engine.CloseProducer(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		f.logger.Warnw("Engine failed to close producer", "producer_id", id, "error", err)
	}
	for _, c := range consumers {
		_ = f.engine.CloseConsumer(ctx, c.ID)
	}

	f.notify([]domain.ProducerHandle{*p}, consumers)
	return *p, consumers, nil
}

func (f *TransportFacade) CloseConsumer(ctx context.Context, id domain.ConsumerID) (domain.ConsumerHandle, error) {
	f.mu.Lock()
	c, ok := f.consumers[id]
	if ok {
		delete(f.consumers, id)
		if t, tok := f.transports[c.TransportID]; tok {
			delete(t.consumers, id)
		}
	}
	f.mu.Unlock()
	if !ok {
		return domain.ConsumerHandle{}, fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, id)
	}

	if err := f.engine.CloseConsumer(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		f.logger.Warnw("Engine failed to close consumer", "consumer_id", id, "error", err)
	}
	f.notify(nil, []domain.ConsumerHandle{*c})
	return *c, nil
}

func (f *TransportFacade) SetProducerPaused(ctx context.Context, id domain.ProducerID, paused bool) (domain.ProducerHandle, error) {
	if _, ok := f.GetProducerByID(id); !ok {
		return domain.ProducerHandle{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, id)
	}
	if err := f.engine.SetProducerPaused(ctx, id, paused); err != nil {
		return domain.ProducerHandle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.producers[id]
	if !ok {
		return domain.ProducerHandle{}, fmt.Errorf("%w: %s closed while pausing", domain.ErrProducerNotFound, id)
	}
	p.Paused = paused
	return *p, nil
}

func (f *TransportFacade) SetConsumerPaused(ctx context.Context, id domain.ConsumerID, paused bool) (domain.ConsumerHandle, error) {
	if _, ok := f.GetConsumer(id); !ok {
		return domain.ConsumerHandle{}, fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, id)
	}
	if err := f.engine.SetConsumerPaused(ctx, id, paused); err != nil {
		return domain.ConsumerHandle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consumers[id]
	if !ok {
		return domain.ConsumerHandle{}, fmt.Errorf("%w: %s closed while pausing", domain.ErrConsumerNotFound, id)
	}
	c.Paused = paused
	return *c, nil
}

func codecNames(params domain.MediaParameters) []string {
	out := make([]string, 0, len(params.Codecs))
	for _, c := range params.Codecs {
		out = append(out, c.MimeType)
	}
	return out
}

func (f *TransportFacade) ProducerStats(id domain.ProducerID) (domain.ProducerStats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.producers[id]
	if !ok {
		return domain.ProducerStats{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, id)
	}
	consumers := 0
	for _, c := range f.consumers {
		if c.ProducerID == id {
			consumers++
		}
	}
	return domain.ProducerStats{
		ProducerID:    p.ID,
		Kind:          p.Kind,
		Paused:        p.Paused,
		IsPiped:       p.IsPiped,
		Codecs:        codecNames(p.Parameters),
		Consumers:     consumers,
		UptimeSeconds: f.now().Sub(p.CreatedAt).Seconds(),
	}, nil
}

func (f *TransportFacade) ConsumerStats(id domain.ConsumerID) (domain.ConsumerStats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c, ok := f.consumers[id]
	if !ok {
		return domain.ConsumerStats{}, fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, id)
	}
	stats := domain.ConsumerStats{
		ConsumerID:    c.ID,
		ProducerID:    c.ProducerID,
		Kind:          c.Kind,
		Paused:        c.Paused,
		Codecs:        codecNames(c.Parameters),
		UptimeSeconds: f.now().Sub(c.CreatedAt).Seconds(),
	}
	if p, ok := f.producers[c.ProducerID]; ok {
		stats.ProducerPaused = p.Paused
	}
	return stats, nil
}

// Producers returns every producer, relay producers included.
func (f *TransportFacade) Producers() []domain.ProducerHandle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.ProducerHandle, 0, len(f.producers))
	for _, p := range f.producers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *TransportFacade) Consumers() []domain.ConsumerHandle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.ConsumerHandle, 0, len(f.consumers))
	for _, c := range f.consumers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *TransportFacade) RelayTransports() []domain.TransportHandle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []domain.TransportHandle
	for _, t := range f.transports {
		if t.handle.Kind == domain.TransportRelay {
			out = append(out, t.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetNodeID < out[j].TargetNodeID })
	return out
}

func (f *TransportFacade) Stats() domain.TransportStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := domain.TransportStats{
		Transports:    len(f.transports),
		Producers:     len(f.producers),
		Consumers:     len(f.consumers),
		ByRole:        make(map[domain.TransportRole]int),
		ByKind:        make(map[domain.TransportKind]int),
		ByRoom:        make(map[domain.RoomID]int),
		ByParticipant: make(map[domain.ParticipantID]domain.ParticipantUsage),
	}
	for _, t := range f.transports {
		stats.ByRole[t.handle.Role]++
		stats.ByKind[t.handle.Kind]++
		if t.handle.RoomID != "" {
			stats.ByRoom[t.handle.RoomID]++
		}
		if t.handle.ParticipantID != "" {
			u := stats.ByParticipant[t.handle.ParticipantID]
			u.Transports++
			u.Producers += len(t.producers)
			u.Consumers += len(t.consumers)
			stats.ByParticipant[t.handle.ParticipantID] = u
		}
	}
	return stats
}

// Close releases every transport.
func (f *TransportFacade) Close(ctx context.Context) {
	f.mu.RLock()
	ids := make([]domain.TransportID, 0, len(f.transports))
	for id := range f.transports {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	for _, id := range ids {
		if _, _, err := f.CloseTransport(ctx, id); err != nil && !errors.Is(err, domain.ErrTransportNotFound) {
			f.logger.Warnw("Failed to close transport on shutdown", "transport_id", id, "error", err)
		}
	}
}
