package domain

import "time"

type RoomSettings struct {
	MaxParticipants int   `json:"maxParticipants"`
	AllowProducers  *bool `json:"allowProducers,omitempty"`
	AllowConsumers  *bool `json:"allowConsumers,omitempty"`
}

func (s RoomSettings) ProducersAllowed() bool { return s.AllowProducers == nil || *s.AllowProducers }
func (s RoomSettings) ConsumersAllowed() bool { return s.AllowConsumers == nil || *s.AllowConsumers }

// RoomOptions is the input to CreateRoom. An empty ID gets a generated one.
type RoomOptions struct {
	ID       RoomID            `json:"roomId"`
	Settings RoomSettings      `json:"settings"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Room struct {
	ID           RoomID                         `json:"id"`
	RouterID     RouterID                       `json:"routerId"`
	Participants map[ParticipantID]*Participant `json:"participants"`
	Metadata     map[string]string              `json:"metadata,omitempty"`
	Settings     RoomSettings                   `json:"settings"`
	CreatedAt    time.Time                      `json:"createdAt"`
}

// Clone returns a deep copy.
func (r *Room) Clone() *Room {
	out := *r
	out.Participants = make(map[ParticipantID]*Participant, len(r.Participants))
	for id, p := range r.Participants {
		out.Participants[id] = p.Clone()
	}
	out.Metadata = cloneStrings(r.Metadata)
	return &out
}

type ParticipantMetadata struct {
	DisplayName  string            `json:"displayName,omitempty"`
	IsPiped      bool              `json:"isPiped"`
	OriginalNode NodeID            `json:"originalNode,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

func (m ParticipantMetadata) Clone() ParticipantMetadata {
	m.Extra = cloneStrings(m.Extra)
	return m
}

type Participant struct {
	ID         ParticipantID                 `json:"id"`
	RoomID     RoomID                        `json:"roomId"`
	JoinedAt   time.Time                     `json:"joinedAt"`
	Transports map[TransportID]TransportInfo `json:"transports"`
	Producers  map[ProducerID]ProducerInfo   `json:"producers"`
	Consumers  map[ConsumerID]ConsumerInfo   `json:"consumers"`
	Metadata   ParticipantMetadata           `json:"metadata"`
}

func NewParticipant(id ParticipantID, roomID RoomID, meta ParticipantMetadata, now time.Time) *Participant {
	return &Participant{
		ID:         id,
		RoomID:     roomID,
		JoinedAt:   now,
		Transports: make(map[TransportID]TransportInfo),
		Producers:  make(map[ProducerID]ProducerInfo),
		Consumers:  make(map[ConsumerID]ConsumerInfo),
		Metadata:   meta,
	}
}

func (p *Participant) Clone() *Participant {
	out := *p
	out.Metadata = p.Metadata.Clone()
	out.Transports = make(map[TransportID]TransportInfo, len(p.Transports))
	for k, v := range p.Transports {
		out.Transports[k] = v
	}
	out.Producers = make(map[ProducerID]ProducerInfo, len(p.Producers))
	for k, v := range p.Producers {
		out.Producers[k] = v
	}
	out.Consumers = make(map[ConsumerID]ConsumerInfo, len(p.Consumers))
	for k, v := range p.Consumers {
		out.Consumers[k] = v
	}
	return &out
}

type ProducerInfo struct {
	ID                 ProducerID `json:"id"`
	Kind               MediaKind  `json:"kind"`
	IsPiped            bool       `json:"isPiped"`
	OriginalProducerID ProducerID `json:"originalProducerId,omitempty"`
	SourceNode         NodeID     `json:"sourceNode,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

type ConsumerInfo struct {
	ID         ConsumerID `json:"id"`
	ProducerID ProducerID `json:"producerId"`
	Kind       MediaKind  `json:"kind"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type TransportInfo struct {
	ID        TransportID   `json:"id"`
	Role      TransportRole `json:"role"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ParticipantSummary is one entry of a room's participant listing.
type ParticipantSummary struct {
	ID        ParticipantID       `json:"id"`
	Metadata  ParticipantMetadata `json:"metadata"`
	JoinedAt  time.Time           `json:"joinedAt"`
	Producers int                 `json:"producerCount"`
	Consumers int                 `json:"consumerCount"`
}

// RoomProducer is one entry of a room's producer listing.
type RoomProducer struct {
	ID                  ProducerID          `json:"id"`
	ParticipantID       ParticipantID       `json:"participantId"`
	Kind                MediaKind           `json:"kind"`
	IsPiped             bool                `json:"isPiped"`
	OriginalProducerID  ProducerID          `json:"originalProducerId,omitempty"`
	ParticipantMetadata ParticipantMetadata `json:"participantMetadata"`
}

// LocalProducer is a non-replica producer as listed to peers.
type LocalProducer struct {
	ID            ProducerID    `json:"id"`
	Kind          MediaKind     `json:"kind"`
	RoomID        RoomID        `json:"roomId"`
	ParticipantID ParticipantID `json:"participantId"`
	StreamID      string        `json:"streamId"`
}

type ParticipantStats struct {
	ID         ParticipantID `json:"id"`
	IsPiped    bool          `json:"isPiped"`
	Producers  int           `json:"producers"`
	Consumers  int           `json:"consumers"`
	Transports int           `json:"transports"`
	JoinedAt   time.Time     `json:"joinedAt"`
}

type RoomStats struct {
	ID             RoomID             `json:"id"`
	Participants   int                `json:"participants"`
	PipedCount     int                `json:"pipedParticipants"`
	Producers      int                `json:"producers"`
	Consumers      int                `json:"consumers"`
	CreatedAt      time.Time          `json:"createdAt"`
	ParticipantSet []ParticipantStats `json:"participantDetails"`
}

type GlobalStats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
	Producers    int `json:"producers"`
	Consumers    int `json:"consumers"`
}

// StreamView is the per-participant stream summary shown to clients.
type StreamView struct {
	StreamID        string        `json:"streamId"`
	RoomID          RoomID        `json:"roomId"`
	ParticipantID   ParticipantID `json:"participantId"`
	AudioProducerID ProducerID    `json:"audioProducerId,omitempty"`
	VideoProducerID ProducerID    `json:"videoProducerId,omitempty"`
	IsPiped         bool          `json:"isPiped"`
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
