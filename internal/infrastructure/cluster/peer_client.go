package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/ports"
	"meshsfu/pkg/tracing"
)

// ReplicateRequest is the body of POST /relay/replicate.
type ReplicateRequest struct {
	ProducerID   domain.ProducerID `json:"producerId"`
	TargetNodeID domain.NodeID     `json:"targetNodeId"`
}

// HTTPPeerClient talks to the relay surface of other nodes.
type HTTPPeerClient struct {
	client jsonClient
}

var _ ports.PeerClient = (*HTTPPeerClient)(nil)

func NewHTTPPeerClient(timeout time.Duration) *HTTPPeerClient {
	return &HTTPPeerClient{client: newJSONClient(timeout)}
}

func endpoint(peer domain.Node, parts ...string) string {
	u := peer.BaseURL()
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (c *HTTPPeerClient) CreateRelay(ctx context.Context, peer domain.Node, req ports.CreateRelayRequest) (domain.RelayEndpoint, error) {
	ctx, span := tracing.TracePeerCall(ctx, "create_relay", string(peer.ID))
	defer span.End()

	var out domain.RelayEndpoint
	err := c.client.do(ctx, http.MethodPost, endpoint(peer, "relay", "create"), req, &out)
	tracing.RecordError(ctx, err)
	return out, err
}

func (c *HTTPPeerClient) ConnectRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req ports.ConnectRelayRequest) error {
	ctx, span := tracing.TracePeerCall(ctx, "connect_relay", string(peer.ID))
	defer span.End()

	err := c.client.do(ctx, http.MethodPost, endpoint(peer, "relay", string(transportID), "connect"), req, nil)
	tracing.RecordError(ctx, err)
	return err
}

func (c *HTTPPeerClient) ConsumeViaRelay(ctx context.Context, peer domain.Node, transportID domain.TransportID, req domain.ConsumeViaRelayRequest) (domain.ReplicaInfo, error) {
	ctx, span := tracing.TracePeerCall(ctx, "consume_via_relay", string(peer.ID))
	defer span.End()
	span.SetAttributes(
		tracing.ProducerIDKey.String(string(req.OriginalProducerID)),
		tracing.TransportIDKey.String(string(transportID)),
	)

	var out domain.ReplicaInfo
	err := c.client.do(ctx, http.MethodPost, endpoint(peer, "relay", string(transportID), "consume"), req, &out)
	tracing.RecordError(ctx, err)
	return out, err
}

func (c *HTTPPeerClient) ReplicaStatus(ctx context.Context, peer domain.Node, originalProducerID domain.ProducerID) (domain.ReplicaInfo, bool, error) {
	ctx, span := tracing.TracePeerCall(ctx, "replica_status", string(peer.ID))
	defer span.End()

	var out domain.ReplicaInfo
	err := c.client.do(ctx, http.MethodGet, endpoint(peer, "relay", "replicas", string(originalProducerID)), nil, &out)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReplicaInfo{}, false, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.ReplicaInfo{}, false, err
	}
	return out, true, nil
}

func (c *HTTPPeerClient) CloseReplica(ctx context.Context, peer domain.Node, originalProducerID domain.ProducerID) error {
	ctx, span := tracing.TracePeerCall(ctx, "close_replica", string(peer.ID))
	defer span.End()

	err := c.client.do(ctx, http.MethodDelete, endpoint(peer, "relay", "replicas", string(originalProducerID)), nil, nil)
	tracing.RecordError(ctx, err)
	return err
}

func (c *HTTPPeerClient) ListProducers(ctx context.Context, peer domain.Node) ([]domain.LocalProducer, error) {
	ctx, span := tracing.TracePeerCall(ctx, "list_producers", string(peer.ID))
	defer span.End()

	var out []domain.LocalProducer
	if err := c.client.do(ctx, http.MethodGet, endpoint(peer, "producers"), nil, &out); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return out, nil
}

func (c *HTTPPeerClient) RequestReplication(ctx context.Context, peer domain.Node, producerID domain.ProducerID, target domain.NodeID) error {
	ctx, span := tracing.TracePeerCall(ctx, "request_replication", string(peer.ID))
	defer span.End()

	req := ReplicateRequest{ProducerID: producerID, TargetNodeID: target}
	err := c.client.do(ctx, http.MethodPost, endpoint(peer, "relay", "replicate"), req, nil)
	tracing.RecordError(ctx, err)
	return err
}

// Health polls GET /health on a node.
func (c *HTTPPeerClient) Health(ctx context.Context, node domain.Node) (domain.NodeHealth, error) {
	var out domain.NodeHealth
	err := c.client.do(ctx, http.MethodGet, endpoint(node, "health"), nil, &out)
	return out, err
}
