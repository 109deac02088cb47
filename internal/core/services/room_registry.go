package services

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/pkg/utils"
)

const registryShards = 32

// EventPublisher receives registry events after the mutation is visible.
type EventPublisher interface {
	Publish(e domain.Event)
}

type roomEntry struct {
	mu     sync.Mutex
	room   *domain.Room
	closed bool
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
}

type indexShard struct {
	mu    sync.RWMutex
	rooms map[domain.ParticipantID]domain.RoomID
}

// RoomRegistry keeps the node-local view of rooms and participants. Rooms are
// spread over FNV-hashed shards and each room is guarded by its own mutex.
// Everything returned is a copy.
type RoomRegistry struct {
	rooms    [registryShards]roomShard
	index    [registryShards]indexShard
	defaults domain.RoomSettings
	events   EventPublisher
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewRoomRegistry(events EventPublisher, logger *zap.SugaredLogger) *RoomRegistry {
	yes := true
	r := &RoomRegistry{
		defaults: domain.RoomSettings{
			MaxParticipants: 100,
			AllowProducers:  &yes,
			AllowConsumers:  &yes,
		},
		events: events,
		logger: logger,
		now:    time.Now,
	}
	for i := range r.rooms {
		r.rooms[i].rooms = make(map[domain.RoomID]*roomEntry)
		r.index[i].rooms = make(map[domain.ParticipantID]domain.RoomID)
	}
	return r
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}

func (r *RoomRegistry) roomShard(id domain.RoomID) *roomShard {
	return &r.rooms[shardFor(string(id))]
}

func (r *RoomRegistry) indexShard(id domain.ParticipantID) *indexShard {
	return &r.index[shardFor(string(id))]
}

func (r *RoomRegistry) publish(events ...domain.Event) {
	if r.events == nil {
		return
	}
	for _, e := range events {
		r.events.Publish(e)
	}
}

// lockRoom returns the room entry locked, or ErrRoomNotFound.
func (r *RoomRegistry) lockRoom(id domain.RoomID) (*roomEntry, error) {
	s := r.roomShard(id)
	s.mu.RLock()
	entry, ok := s.rooms[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, id)
	}

	entry.mu.Lock()
	if entry.closed {
		entry.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, id)
	}
	return entry, nil
}

// dropRoom must be called with entry.mu held.
func (r *RoomRegistry) dropRoom(entry *roomEntry) {
	entry.closed = true
	s := r.roomShard(entry.room.ID)
	s.mu.Lock()
	if s.rooms[entry.room.ID] == entry {
		delete(s.rooms, entry.room.ID)
	}
	s.mu.Unlock()
}

func (r *RoomRegistry) unindex(participantID domain.ParticipantID, roomID domain.RoomID) {
	s := r.indexShard(participantID)
	s.mu.Lock()
	if s.rooms[participantID] == roomID {
		delete(s.rooms, participantID)
	}
	s.mu.Unlock()
}

// CreateRoom creates a room, or returns the existing one with created=false.
func (r *RoomRegistry) CreateRoom(opts domain.RoomOptions) (*domain.Room, bool, error) {
	if opts.ID == "" {
		opts.ID = domain.RoomID(utils.NewID())
	}
	settings := opts.Settings
	if err := mergo.Merge(&settings, r.defaults); err != nil {
		return nil, false, fmt.Errorf("apply room defaults: %w", err)
	}
	if settings.MaxParticipants < 0 {
		return nil, false, domain.InvalidParams("maxParticipants must be positive")
	}

	s := r.roomShard(opts.ID)
	s.mu.Lock()
	if existing, ok := s.rooms[opts.ID]; ok {
		s.mu.Unlock()
		existing.mu.Lock()
		closed := existing.closed
		var snapshot *domain.Room
		if !closed {
			snapshot = existing.room.Clone()
		}
		existing.mu.Unlock()
		if !closed {
			return snapshot, false, nil
		}
		// lost a race with the room closing
		return r.CreateRoom(opts)
	}

	room := &domain.Room{
		ID:           opts.ID,
		Participants: make(map[domain.ParticipantID]*domain.Participant),
		Metadata:     opts.Metadata,
		Settings:     settings,
		CreatedAt:    r.now(),
	}
	s.rooms[opts.ID] = &roomEntry{room: room}
	snapshot := room.Clone()
	s.mu.Unlock()

	r.logger.Infow("Room created", "room_id", opts.ID, "max_participants", settings.MaxParticipants)
	r.publish(domain.RoomCreated{RoomID: opts.ID})
	return snapshot, true, nil
}

// SetRoomRouter records the router serving the room.
func (r *RoomRegistry) SetRoomRouter(roomID domain.RoomID, routerID domain.RouterID) error {
	entry, err := r.lockRoom(roomID)
	if err != nil {
		return err
	}
	defer entry.mu.Unlock()
	entry.room.RouterID = routerID
	return nil
}

func (r *RoomRegistry) JoinRoom(roomID domain.RoomID, participantID domain.ParticipantID, meta domain.ParticipantMetadata) (*domain.Participant, error) {
	if participantID == "" {
		return nil, domain.InvalidParams("participant id is required")
	}

	entry, err := r.lockRoom(roomID)
	if err != nil {
		return nil, err
	}

	room := entry.room
	if _, ok := room.Participants[participantID]; ok {
		entry.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyJoined, participantID)
	}
	if room.Settings.MaxParticipants > 0 && len(room.Participants) >= room.Settings.MaxParticipants {
		entry.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomFull, roomID)
	}

	idx := r.indexShard(participantID)
	idx.mu.Lock()
	if other, ok := idx.rooms[participantID]; ok {
		idx.mu.Unlock()
		entry.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is in room %s", domain.ErrAlreadyJoined, participantID, other)
	}
	idx.rooms[participantID] = roomID
	idx.mu.Unlock()

	p := domain.NewParticipant(participantID, roomID, meta, r.now())
	room.Participants[participantID] = p
	snapshot := p.Clone()
	entry.mu.Unlock()

	r.logger.Infow("Participant joined", "room_id", roomID, "participant_id", participantID, "piped", meta.IsPiped)
	r.publish(domain.ParticipantJoined{RoomID: roomID, ParticipantID: participantID, Metadata: meta})
	return snapshot, nil
}

// LeaveRoom removes the participant and closes the room when it becomes empty.
func (r *RoomRegistry) LeaveRoom(participantID domain.ParticipantID) (*domain.Participant, bool, error) {
	roomID, ok := r.RoomForParticipant(participantID)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}

	entry, err := r.lockRoom(roomID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}

	p, ok := entry.room.Participants[participantID]
	if !ok {
		entry.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}
	delete(entry.room.Participants, participantID)
	r.unindex(participantID, roomID)

	events := []domain.Event{domain.ParticipantLeft{RoomID: roomID, ParticipantID: participantID, IsPiped: p.Metadata.IsPiped}}
	closed := len(entry.room.Participants) == 0
	if closed {
		r.dropRoom(entry)
		events = append(events, domain.RoomClosed{RoomID: roomID})
	}
	entry.mu.Unlock()

	r.logger.Infow("Participant left", "room_id", roomID, "participant_id", participantID, "room_closed", closed)
	r.publish(events...)
	return p, closed, nil
}

// CloseRoom removes the room and every participant in it.
func (r *RoomRegistry) CloseRoom(roomID domain.RoomID) (*domain.Room, error) {
	entry, err := r.lockRoom(roomID)
	if err != nil {
		return nil, err
	}

	room := entry.room
	events := make([]domain.Event, 0, len(room.Participants)+1)
	for id, p := range room.Participants {
		r.unindex(id, roomID)
		events = append(events, domain.ParticipantLeft{RoomID: roomID, ParticipantID: id, IsPiped: p.Metadata.IsPiped})
	}
	r.dropRoom(entry)
	snapshot := room.Clone()
	entry.mu.Unlock()

	r.logger.Infow("Room closed", "room_id", roomID, "participants", len(snapshot.Participants))
	r.publish(append(events, domain.RoomClosed{RoomID: roomID})...)
	return snapshot, nil
}

// withParticipant runs fn with the participant's room locked.
func (r *RoomRegistry) withParticipant(roomID domain.RoomID, participantID domain.ParticipantID, fn func(*domain.Room, *domain.Participant) []domain.Event) error {
	entry, err := r.lockRoom(roomID)
	if err != nil {
		return err
	}
	p, ok := entry.room.Participants[participantID]
	if !ok {
		entry.mu.Unlock()
		return fmt.Errorf("%w: %s in room %s", domain.ErrParticipantNotFound, participantID, roomID)
	}
	events := fn(entry.room, p)
	entry.mu.Unlock()

	r.publish(events...)
	return nil
}

// UpdateParticipantMetadata merges the client-settable part of meta into the
// participant's metadata. A non-empty display name replaces the current one;
// extra keys are added or overwritten.
func (r *RoomRegistry) UpdateParticipantMetadata(roomID domain.RoomID, participantID domain.ParticipantID, meta domain.ParticipantMetadata) (domain.ParticipantMetadata, error) {
	update := domain.ParticipantMetadata{DisplayName: meta.DisplayName, Extra: meta.Clone().Extra}

	var (
		updated  domain.ParticipantMetadata
		mergeErr error
	)
	err := r.withParticipant(roomID, participantID, func(_ *domain.Room, p *domain.Participant) []domain.Event {
		if p.Metadata.IsPiped {
			mergeErr = domain.InvalidParams("participant %s is a replica", participantID)
			return nil
		}
		merged := p.Metadata.Clone()
		if mergeErr = mergo.Merge(&merged, update, mergo.WithOverride); mergeErr != nil {
			return nil
		}
		p.Metadata = merged
		updated = merged.Clone()
		return []domain.Event{domain.ParticipantUpdated{RoomID: roomID, ParticipantID: participantID, Metadata: merged.Clone()}}
	})
	if err != nil {
		return domain.ParticipantMetadata{}, err
	}
	return updated, mergeErr
}

// AddProducerToParticipant overwrites any entry with the same id.
func (r *RoomRegistry) AddProducerToParticipant(roomID domain.RoomID, participantID domain.ParticipantID, info domain.ProducerInfo) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = r.now()
	}
	return r.withParticipant(roomID, participantID, func(_ *domain.Room, p *domain.Participant) []domain.Event {
		_, existed := p.Producers[info.ID]
		p.Producers[info.ID] = info
		if existed {
			return nil
		}
		return []domain.Event{domain.ProducerAdded{RoomID: roomID, ParticipantID: participantID, Producer: info}}
	})
}

func (r *RoomRegistry) AddConsumerToParticipant(roomID domain.RoomID, participantID domain.ParticipantID, info domain.ConsumerInfo) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = r.now()
	}
	return r.withParticipant(roomID, participantID, func(_ *domain.Room, p *domain.Participant) []domain.Event {
		_, existed := p.Consumers[info.ID]
		p.Consumers[info.ID] = info
		if existed {
			return nil
		}
		return []domain.Event{domain.ConsumerAdded{RoomID: roomID, ParticipantID: participantID, Consumer: info}}
	})
}

func (r *RoomRegistry) AddTransportToParticipant(roomID domain.RoomID, participantID domain.ParticipantID, info domain.TransportInfo) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = r.now()
	}
	return r.withParticipant(roomID, participantID, func(_ *domain.Room, p *domain.Participant) []domain.Event {
		p.Transports[info.ID] = info
		return nil
	})
}

// RemoveProducer returns the participant's remaining producer count.
func (r *RoomRegistry) RemoveProducer(roomID domain.RoomID, participantID domain.ParticipantID, producerID domain.ProducerID) (int, error) {
	remaining := 0
	err := r.withParticipant(roomID, participantID, func(_ *domain.Room, p *domain.Participant) []domain.Event {
		info, ok := p.Producers[producerID]
		delete(p.Producers, producerID)
		remaining = len(p.Producers)
		if !ok {
			return nil
		}
		return []domain.Event{domain.ProducerRemoved{RoomID: roomID, ParticipantID: participantID, Producer: info}}
	})
	return remaining, err
}

func (r *RoomRegistry) RemoveConsumer(roomID domain.RoomID, participantID domain.ParticipantID, consumerID domain.ConsumerID) error {
	return r.withParticipant(roomID, participantID, func(_ *domain.Room, p *domain.Participant) []domain.Event {
		if _, ok := p.Consumers[consumerID]; !ok {
			return nil
		}
		delete(p.Consumers, consumerID)
		return []domain.Event{domain.ConsumerRemoved{RoomID: roomID, ParticipantID: participantID, ConsumerID: consumerID}}
	})
}

func (r *RoomRegistry) RemoveTransport(roomID domain.RoomID, participantID domain.ParticipantID, transportID domain.TransportID) error {
	return r.withParticipant(roomID, participantID, func(_ *domain.Room, p *domain.Participant) []domain.Event {
		delete(p.Transports, transportID)
		return nil
	})
}

// GetRoomProducers lists the room's producers minus those of exclude.
func (r *RoomRegistry) GetRoomProducers(roomID domain.RoomID, exclude domain.ParticipantID) ([]domain.RoomProducer, error) {
	entry, err := r.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	var out []domain.RoomProducer
	for pid, p := range entry.room.Participants {
		if exclude != "" && pid == exclude {
			continue
		}
		for _, prod := range p.Producers {
			out = append(out, domain.RoomProducer{
				ID:                  prod.ID,
				ParticipantID:       pid,
				Kind:                prod.Kind,
				IsPiped:             prod.IsPiped,
				OriginalProducerID:  prod.OriginalProducerID,
				ParticipantMetadata: p.Metadata,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RoomRegistry) GetRoom(roomID domain.RoomID) (*domain.Room, error) {
	entry, err := r.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()
	return entry.room.Clone(), nil
}

func (r *RoomRegistry) GetParticipant(roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Participant, error) {
	entry, err := r.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()

	p, ok := entry.room.Participants[participantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, participantID)
	}
	return p.Clone(), nil
}

func (r *RoomRegistry) RoomForParticipant(participantID domain.ParticipantID) (domain.RoomID, bool) {
	s := r.indexShard(participantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rooms[participantID]
	return id, ok
}

// Participants lists the room's participants in join order.
func (r *RoomRegistry) Participants(roomID domain.RoomID) ([]domain.ParticipantSummary, error) {
	room, err := r.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ParticipantSummary, 0, len(room.Participants))
	for _, p := range room.Participants {
		out = append(out, domain.ParticipantSummary{
			ID:        p.ID,
			Metadata:  p.Metadata,
			JoinedAt:  p.JoinedAt,
			Producers: len(p.Producers),
			Consumers: len(p.Consumers),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListRooms returns snapshots of every room, ordered by id.
func (r *RoomRegistry) ListRooms() []*domain.Room {
	var entries []*roomEntry
	for i := range r.rooms {
		s := &r.rooms[i]
		s.mu.RLock()
		for _, e := range s.rooms {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
	}

	out := make([]*domain.Room, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.closed {
			out = append(out, e.room.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *RoomRegistry) RoomStats(roomID domain.RoomID) (domain.RoomStats, error) {
	room, err := r.GetRoom(roomID)
	if err != nil {
		return domain.RoomStats{}, err
	}
	return roomStats(room), nil
}

func roomStats(room *domain.Room) domain.RoomStats {
	stats := domain.RoomStats{
		ID:           room.ID,
		Participants: len(room.Participants),
		CreatedAt:    room.CreatedAt,
	}
	for _, p := range room.Participants {
		if p.Metadata.IsPiped {
			stats.PipedCount++
		}
		stats.Producers += len(p.Producers)
		stats.Consumers += len(p.Consumers)
		stats.ParticipantSet = append(stats.ParticipantSet, domain.ParticipantStats{
			ID:         p.ID,
			IsPiped:    p.Metadata.IsPiped,
			Producers:  len(p.Producers),
			Consumers:  len(p.Consumers),
			Transports: len(p.Transports),
			JoinedAt:   p.JoinedAt,
		})
	}
	sort.Slice(stats.ParticipantSet, func(i, j int) bool {
		return stats.ParticipantSet[i].ID < stats.ParticipantSet[j].ID
	})
	return stats
}

func (r *RoomRegistry) GlobalStats() domain.GlobalStats {
	var g domain.GlobalStats
	for _, room := range r.ListRooms() {
		g.Rooms++
		g.Participants += len(room.Participants)
		for _, p := range room.Participants {
			g.Producers += len(p.Producers)
			g.Consumers += len(p.Consumers)
		}
	}
	return g
}

// LocalProducers lists producers created from real clients on this node.
func (r *RoomRegistry) LocalProducers() []domain.LocalProducer {
	var out []domain.LocalProducer
	for _, room := range r.ListRooms() {
		for pid, p := range room.Participants {
			if p.Metadata.IsPiped {
				continue
			}
			for _, prod := range p.Producers {
				if prod.IsPiped {
					continue
				}
				out = append(out, domain.LocalProducer{
					ID:            prod.ID,
					Kind:          prod.Kind,
					RoomID:        room.ID,
					ParticipantID: pid,
					StreamID:      domain.StreamID(room.ID, pid),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Streams summarises each participant's audio and video producers.
func (r *RoomRegistry) Streams() []domain.StreamView {
	var out []domain.StreamView
	for _, room := range r.ListRooms() {
		for pid, p := range room.Participants {
			if len(p.Producers) == 0 {
				continue
			}
			view := domain.StreamView{
				StreamID:      domain.StreamID(room.ID, pid),
				RoomID:        room.ID,
				ParticipantID: pid,
				IsPiped:       p.Metadata.IsPiped,
			}
			for _, prod := range p.Producers {
				switch prod.Kind {
				case domain.KindAudio:
					view.AudioProducerID = prod.ID
				case domain.KindVideo:
					view.VideoProducerID = prod.ID
				}
			}
			out = append(out, view)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}
