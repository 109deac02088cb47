package domain

// Event is implemented by every in-process notification.
type Event interface {
	eventName() string
}

// EventName returns the wire name of e.
func EventName(e Event) string { return e.eventName() }

type RoomCreated struct {
	RoomID RoomID
}

type RoomClosed struct {
	RoomID RoomID
}

type ParticipantJoined struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	Metadata      ParticipantMetadata
}

type ParticipantLeft struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	IsPiped       bool
}

type ParticipantUpdated struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	Metadata      ParticipantMetadata
}

type ProducerAdded struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	Producer      ProducerInfo
}

type ProducerRemoved struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	Producer      ProducerInfo
}

type ConsumerAdded struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	Consumer      ConsumerInfo
}

type ConsumerRemoved struct {
	RoomID        RoomID
	ParticipantID ParticipantID
	ConsumerID    ConsumerID
}

type TransportClosed struct {
	TransportID   TransportID
	Role          TransportRole
	RoomID        RoomID
	ParticipantID ParticipantID
}

// NodeLeft is also carried on the cluster bus.
type NodeLeft struct {
	NodeID NodeID `json:"nodeId"`
}

func (RoomCreated) eventName() string        { return "roomCreated" }
func (RoomClosed) eventName() string         { return "roomClosed" }
func (ParticipantJoined) eventName() string  { return "participantJoined" }
func (ParticipantLeft) eventName() string    { return "participantLeft" }
func (ParticipantUpdated) eventName() string { return "participantUpdated" }
func (ProducerAdded) eventName() string      { return "newProducer" }
func (ProducerRemoved) eventName() string    { return "producerClosed" }
func (ConsumerAdded) eventName() string      { return "consumerAdded" }
func (ConsumerRemoved) eventName() string    { return "consumerClosed" }
func (TransportClosed) eventName() string    { return "transportClosed" }
func (NodeLeft) eventName() string           { return "nodeLeft" }
