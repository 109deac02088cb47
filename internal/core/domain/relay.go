package domain

import "time"

// RelayLink is one direction of a node pair. TransportID lives on SourceNodeID
// and faces TargetNodeID.
type RelayLink struct {
	SourceNodeID NodeID         `json:"sourceNodeId"`
	TargetNodeID NodeID         `json:"targetNodeId"`
	TransportID  TransportID    `json:"transportId"`
	Endpoint     Endpoint       `json:"endpointAddress"`
	Security     SRTPParameters `json:"securityParameters"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Validate reports missing required fields as an invariant violation.
func (l RelayLink) Validate() error {
	switch {
	case l.SourceNodeID == "" || l.TargetNodeID == "":
		return invariant("relay link without node ids")
	case l.TransportID == "":
		return invariant("relay link %s->%s without transport id", l.SourceNodeID, l.TargetNodeID)
	case l.Endpoint.IP == "" || l.Endpoint.Port == 0:
		return invariant("relay link %s->%s without endpoint", l.SourceNodeID, l.TargetNodeID)
	}
	return nil
}

// ReplicationRecord is keyed by (SourceProducerID, TargetNodeID).
type ReplicationRecord struct {
	SourceProducerID  ProducerID    `json:"sourceProducerId"`
	SourceNodeID      NodeID        `json:"sourceNodeId"`
	TargetNodeID      NodeID        `json:"targetNodeId"`
	RelayProducerID   ProducerID    `json:"relayProducerId"`
	ReplicaProducerID ProducerID    `json:"replicaProducerId,omitempty"`
	TransportID       TransportID   `json:"transportId"`
	Kind              MediaKind     `json:"kind"`
	RoomID            RoomID        `json:"roomId"`
	ParticipantID     ParticipantID `json:"participantId"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// ConsumeViaRelayRequest is the body of the relay consume RPC.
type ConsumeViaRelayRequest struct {
	ProducerID         ProducerID      `json:"producerId"`
	RoomID             RoomID          `json:"roomId"`
	ParticipantID      ParticipantID   `json:"participantId"`
	StreamID           string          `json:"streamId,omitempty"`
	OriginalProducerID ProducerID      `json:"originalProducerId"`
	SourceNodeID       NodeID          `json:"sourceNodeId"`
	Kind               MediaKind       `json:"kind"`
	Parameters         MediaParameters `json:"mediaParameters"`
}

type ReplicaInfo struct {
	ID                 ProducerID      `json:"id"`
	Kind               MediaKind       `json:"kind"`
	Parameters         MediaParameters `json:"mediaParameters"`
	OriginalProducerID ProducerID      `json:"originalProducerId,omitempty"`
}

type PeerOutcome string

const (
	OutcomeReplicated PeerOutcome = "replicated"
	OutcomeSkipped    PeerOutcome = "already_replicated"
	OutcomeFailed     PeerOutcome = "failed"
)

type PeerResult struct {
	NodeID    NodeID      `json:"nodeId"`
	Outcome   PeerOutcome `json:"outcome"`
	ReplicaID ProducerID  `json:"replicaId,omitempty"`
	Err       error       `json:"-"`
	Error     string      `json:"error,omitempty"`
}

// FanOutReport aggregates per-peer results of one fan-out.
type FanOutReport struct {
	ProducerID ProducerID   `json:"producerId"`
	Results    []PeerResult `json:"results"`
}

func (r FanOutReport) Failed() []PeerResult {
	var out []PeerResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

func (r FanOutReport) Count(outcome PeerOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

func Failed(nodeID NodeID, err error) PeerResult {
	return PeerResult{NodeID: nodeID, Outcome: OutcomeFailed, Err: err, Error: err.Error()}
}

// LinkReport is the result of one link bootstrap pass.
type LinkReport struct {
	Established []NodeID          `json:"established"`
	Existing    []NodeID          `json:"existing"`
	Failed      map[NodeID]string `json:"failed,omitempty"`
}
