package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type TransportKind string

const (
	TransportClientFacing TransportKind = "client"
	TransportRelay        TransportKind = "relay"
)

type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
	RoleRelay    TransportRole = "relay"
)

func (r TransportRole) Kind() TransportKind {
	if r == RoleRelay {
		return TransportRelay
	}
	return TransportClientFacing
}

// MediaParameters are the RTP parameters of a producer or consumer.
type MediaParameters = webrtc.RTPParameters

// Capabilities are the codecs a receiver can decode.
type Capabilities = []webrtc.RTPCodecCapability

type DTLSParameters struct {
	Role         string                   `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
}

type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type SRTPParameters struct {
	CryptoSuite string `json:"cryptoSuite"`
	KeyBase64   string `json:"keyBase64"`
}

// TransportParams is returned to a client after transport creation.
type TransportParams struct {
	ID             TransportID          `json:"id"`
	ICEParameters  webrtc.ICEParameters `json:"iceParameters"`
	ICECandidates  []ICECandidate       `json:"iceCandidates"`
	DTLSParameters DTLSParameters       `json:"dtlsParameters"`
}

// RelayEndpoint is the local side of a relay link handed to the remote node.
type RelayEndpoint struct {
	ID       TransportID    `json:"id"`
	Endpoint Endpoint       `json:"endpointAddress"`
	Security SRTPParameters `json:"securityParameters"`
}

// ProducerHandle is the facade's view of one producer.
type ProducerHandle struct {
	ID                 ProducerID      `json:"id"`
	Kind               MediaKind       `json:"kind"`
	Parameters         MediaParameters `json:"mediaParameters"`
	TransportID        TransportID     `json:"transportId"`
	RoomID             RoomID          `json:"roomId,omitempty"`
	ParticipantID      ParticipantID   `json:"participantId,omitempty"`
	IsPiped            bool            `json:"isPiped"`
	IsRelay            bool            `json:"isRelay"`
	OriginalProducerID ProducerID      `json:"originalProducerId,omitempty"`
	SourceNode         NodeID          `json:"sourceNode,omitempty"`
	Paused             bool            `json:"paused"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// ProducerAppData tags a producer at creation.
type ProducerAppData struct {
	RoomID             RoomID
	ParticipantID      ParticipantID
	IsPiped            bool
	IsRelay            bool
	OriginalProducerID ProducerID
	SourceNode         NodeID
}

type ConsumerHandle struct {
	ID            ConsumerID      `json:"id"`
	ProducerID    ProducerID      `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	Parameters    MediaParameters `json:"rtpParameters"`
	TransportID   TransportID     `json:"transportId"`
	RoomID        RoomID          `json:"roomId,omitempty"`
	ParticipantID ParticipantID   `json:"participantId,omitempty"`
	Paused        bool            `json:"paused"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type TransportHandle struct {
	ID            TransportID   `json:"id"`
	Kind          TransportKind `json:"kind"`
	Role          TransportRole `json:"role"`
	RoomID        RoomID        `json:"roomId,omitempty"`
	ParticipantID ParticipantID `json:"participantId,omitempty"`
	TargetNodeID  NodeID        `json:"targetNodeId,omitempty"`
	Connected     bool          `json:"connected"`
	Producers     []ProducerID  `json:"producers"`
	Consumers     []ConsumerID  `json:"consumers"`
	CreatedAt     time.Time     `json:"createdAt"`
}

type TransportStats struct {
	Transports    int                                `json:"transports"`
	Producers     int                                `json:"producers"`
	Consumers     int                                `json:"consumers"`
	ByRole        map[TransportRole]int              `json:"byRole"`
	ByKind        map[TransportKind]int              `json:"byKind"`
	ByRoom        map[RoomID]int                     `json:"byRoom"`
	ByParticipant map[ParticipantID]ParticipantUsage `json:"byParticipant"`
}

type ParticipantUsage struct {
	Transports int `json:"transports"`
	Producers  int `json:"producers"`
	Consumers  int `json:"consumers"`
}

type ProducerStats struct {
	ProducerID    ProducerID `json:"producerId"`
	Kind          MediaKind  `json:"kind"`
	Paused        bool       `json:"paused"`
	IsPiped       bool       `json:"isPiped"`
	Codecs        []string   `json:"codecs"`
	Consumers     int        `json:"consumers"`
	UptimeSeconds float64    `json:"uptimeSeconds"`
}

type ConsumerStats struct {
	ConsumerID     ConsumerID `json:"consumerId"`
	ProducerID     ProducerID `json:"producerId"`
	Kind           MediaKind  `json:"kind"`
	Paused         bool       `json:"paused"`
	ProducerPaused bool       `json:"producerPaused"`
	Codecs         []string   `json:"codecs"`
	UptimeSeconds  float64    `json:"uptimeSeconds"`
}
