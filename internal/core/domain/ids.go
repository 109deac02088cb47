package domain

type (
	NodeID        string
	RoomID        string
	ParticipantID string
	ProducerID    string
	ConsumerID    string
	TransportID   string
	RouterID      string
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// StreamID is the client-visible name of a participant's stream in a room.
func StreamID(roomID RoomID, participantID ParticipantID) string {
	return string(roomID) + "_" + string(participantID)
}
