package ports

import (
	"context"

	"meshsfu/internal/core/domain"
)

type TransportOptions struct {
	Kind                            domain.TransportKind
	MaxIncomingBitrate              int
	InitialAvailableOutgoingBitrate int
}

// EngineTransport is what the engine hands back for a new transport. Relay
// transports fill Relay; client-facing ones fill Client.
type EngineTransport struct {
	ID     domain.TransportID
	Client *domain.TransportParams
	Relay  *domain.RelayEndpoint
}

type EngineConsumer struct {
	ID         domain.ConsumerID
	Kind       domain.MediaKind
	Parameters domain.MediaParameters
}

// MediaEngine is the black-box media transport engine. It performs no
// bookkeeping beyond its own objects.
type MediaEngine interface {
	CreateRouter(ctx context.Context) (domain.RouterID, error)
	RouterCapabilities(routerID domain.RouterID) domain.Capabilities

	CreateTransport(ctx context.Context, routerID domain.RouterID, opts TransportOptions) (EngineTransport, error)
	ConnectTransport(ctx context.Context, transportID domain.TransportID, dtls domain.DTLSParameters) error
	ConnectRelay(ctx context.Context, transportID domain.TransportID, remote domain.Endpoint, srtp domain.SRTPParameters) error
	CloseTransport(ctx context.Context, transportID domain.TransportID) error

	Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, params domain.MediaParameters) (domain.ProducerID, error)
	CloseProducer(ctx context.Context, producerID domain.ProducerID) error
	SetProducerPaused(ctx context.Context, producerID domain.ProducerID, paused bool) error

	CanConsume(routerID domain.RouterID, producerID domain.ProducerID, caps domain.Capabilities) bool
	Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps domain.Capabilities) (EngineConsumer, error)
	CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error
	SetConsumerPaused(ctx context.Context, consumerID domain.ConsumerID, paused bool) error

	Close() error
}
