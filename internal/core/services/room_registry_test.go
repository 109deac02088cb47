package services

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/infrastructure/events"
)

func newTestRegistry(t *testing.T) (*RoomRegistry, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	return NewRoomRegistry(bus, zaptest.NewLogger(t).Sugar()), bus
}

func TestRoomRegistry_CreateRoomAppliesDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)

	room, created, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 100, room.Settings.MaxParticipants)
	assert.True(t, room.Settings.ProducersAllowed())
	assert.True(t, room.Settings.ConsumersAllowed())

	again, created, err := reg.CreateRoom(domain.RoomOptions{ID: "r1", Settings: domain.RoomSettings{MaxParticipants: 3}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 100, again.Settings.MaxParticipants)
}

func TestRoomRegistry_CreateRoomGeneratesID(t *testing.T) {
	reg, _ := newTestRegistry(t)

	room, created, err := reg.CreateRoom(domain.RoomOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, room.ID)
}

func TestRoomRegistry_JoinRoom(t *testing.T) {
	reg, bus := newTestRegistry(t)
	joined, cancel := events.Subscribe[domain.ParticipantJoined](bus, 4)
	defer cancel()

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1", Settings: domain.RoomSettings{MaxParticipants: 2}})
	require.NoError(t, err)

	p, err := reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), p.RoomID)
	assert.Empty(t, p.Producers)

	ev := <-joined
	assert.Equal(t, domain.ParticipantID("alice"), ev.ParticipantID)

	t.Run("already joined", func(t *testing.T) {
		_, err := reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{})
		assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("room full", func(t *testing.T) {
		_, err := reg.JoinRoom("r1", "bob", domain.ParticipantMetadata{})
		require.NoError(t, err)
		_, err = reg.JoinRoom("r1", "carol", domain.ParticipantMetadata{})
		assert.ErrorIs(t, err, domain.ErrRoomFull)
		assert.ErrorIs(t, err, domain.ErrCapacityExhausted)
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := reg.JoinRoom("nope", "dave", domain.ParticipantMetadata{})
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})

	t.Run("one room per participant", func(t *testing.T) {
		_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r2"})
		require.NoError(t, err)
		_, err = reg.JoinRoom("r2", "alice", domain.ParticipantMetadata{})
		assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
	})
}

func TestRoomRegistry_LeaveRoomClosesEmptyRoom(t *testing.T) {
	reg, bus := newTestRegistry(t)
	closed, cancel := events.Subscribe[domain.RoomClosed](bus, 4)
	defer cancel()

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "bob", domain.ParticipantMetadata{})
	require.NoError(t, err)

	_, roomClosed, err := reg.LeaveRoom("alice")
	require.NoError(t, err)
	assert.False(t, roomClosed)

	left, roomClosed, err := reg.LeaveRoom("bob")
	require.NoError(t, err)
	assert.True(t, roomClosed)
	assert.Equal(t, domain.ParticipantID("bob"), left.ID)

	ev := <-closed
	assert.Equal(t, domain.RoomID("r1"), ev.RoomID)

	_, err = reg.GetRoom("r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, _, err = reg.LeaveRoom("bob")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	// the participant may join another room afterwards
	_, _, err = reg.CreateRoom(domain.RoomOptions{ID: "r2"})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r2", "bob", domain.ParticipantMetadata{})
	assert.NoError(t, err)
}

func TestRoomRegistry_CloseRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{})
	require.NoError(t, err)

	room, err := reg.CloseRoom("r1")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 1)

	_, ok := reg.RoomForParticipant("alice")
	assert.False(t, ok)
	_, err = reg.CloseRoom("r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomRegistry_GetRoomProducersIsolatedPerRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for _, id := range []domain.RoomID{"r1", "r2"} {
		_, _, err := reg.CreateRoom(domain.RoomOptions{ID: id})
		require.NoError(t, err)
	}
	_, err := reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "bob", domain.ParticipantMetadata{})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r2", "carol", domain.ParticipantMetadata{})
	require.NoError(t, err)

	require.NoError(t, reg.AddProducerToParticipant("r1", "alice", domain.ProducerInfo{ID: "p-a", Kind: domain.KindAudio}))
	require.NoError(t, reg.AddProducerToParticipant("r1", "bob", domain.ProducerInfo{ID: "p-b", Kind: domain.KindVideo}))
	require.NoError(t, reg.AddProducerToParticipant("r2", "carol", domain.ProducerInfo{ID: "p-c", Kind: domain.KindAudio}))

	all, err := reg.GetRoomProducers("r1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.ProducerID("p-a"), all[0].ID)
	assert.Equal(t, domain.ProducerID("p-b"), all[1].ID)

	others, err := reg.GetRoomProducers("r1", "alice")
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, domain.ParticipantID("bob"), others[0].ParticipantID)

	_, err = reg.GetRoomProducers("missing", "")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomRegistry_ProducerBookkeeping(t *testing.T) {
	reg, bus := newTestRegistry(t)
	added, cancelAdded := events.Subscribe[domain.ProducerAdded](bus, 4)
	defer cancelAdded()
	removed, cancelRemoved := events.Subscribe[domain.ProducerRemoved](bus, 4)
	defer cancelRemoved()

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{})
	require.NoError(t, err)

	info := domain.ProducerInfo{ID: "p1", Kind: domain.KindAudio}
	require.NoError(t, reg.AddProducerToParticipant("r1", "alice", info))
	require.NoError(t, reg.AddProducerToParticipant("r1", "alice", info))
	assert.Equal(t, domain.ProducerID("p1"), (<-added).Producer.ID)
	assert.Len(t, added, 0)

	err = reg.AddProducerToParticipant("r1", "ghost", info)
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	remaining, err := reg.RemoveProducer("r1", "alice", "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, domain.ProducerID("p1"), (<-removed).Producer.ID)

	// removing twice is harmless
	_, err = reg.RemoveProducer("r1", "alice", "p1")
	assert.NoError(t, err)
}

func TestRoomRegistry_SnapshotsAreCopies(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{})
	require.NoError(t, err)

	room, err := reg.GetRoom("r1")
	require.NoError(t, err)
	delete(room.Participants, "alice")
	room.Participants["mallory"] = &domain.Participant{ID: "mallory"}

	fresh, err := reg.GetRoom("r1")
	require.NoError(t, err)
	assert.Contains(t, fresh.Participants, domain.ParticipantID("alice"))
	assert.NotContains(t, fresh.Participants, domain.ParticipantID("mallory"))
}

func TestRoomRegistry_LocalProducersAndStreams(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "bob", domain.ParticipantMetadata{IsPiped: true, OriginalNode: "sfu2"})
	require.NoError(t, err)

	require.NoError(t, reg.AddProducerToParticipant("r1", "alice", domain.ProducerInfo{ID: "a-audio", Kind: domain.KindAudio}))
	require.NoError(t, reg.AddProducerToParticipant("r1", "alice", domain.ProducerInfo{ID: "a-video", Kind: domain.KindVideo}))
	require.NoError(t, reg.AddProducerToParticipant("r1", "bob", domain.ProducerInfo{
		ID: "b-replica", Kind: domain.KindAudio, IsPiped: true, OriginalProducerID: "b-audio", SourceNode: "sfu2",
	}))

	local := reg.LocalProducers()
	require.Len(t, local, 2)
	assert.Equal(t, "r1_alice", local[0].StreamID)

	streams := reg.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, domain.ProducerID("a-audio"), streams[0].AudioProducerID)
	assert.Equal(t, domain.ProducerID("a-video"), streams[0].VideoProducerID)
	assert.True(t, streams[1].IsPiped)

	stats, err := reg.RoomStats("r1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Participants)
	assert.Equal(t, 1, stats.PipedCount)
	assert.Equal(t, 3, stats.Producers)

	global := reg.GlobalStats()
	assert.Equal(t, 1, global.Rooms)
	assert.Equal(t, 3, global.Producers)
}

func TestRoomRegistry_ConcurrentJoinsRespectCapacity(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1", Settings: domain.RoomSettings{MaxParticipants: 10}})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := reg.JoinRoom("r1", domain.ParticipantID(fmt.Sprintf("p%d", i)), domain.ParticipantMetadata{}); err == nil {
				mu.Lock()
				joined++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, joined)
	room, err := reg.GetRoom("r1")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 10)
}

func TestRoomRegistry_ConcurrentRoomsDoNotInterfere(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roomID := domain.RoomID(fmt.Sprintf("room-%d", i))
			_, _, err := reg.CreateRoom(domain.RoomOptions{ID: roomID})
			assert.NoError(t, err)
			pid := domain.ParticipantID(fmt.Sprintf("user-%d", i))
			_, err = reg.JoinRoom(roomID, pid, domain.ParticipantMetadata{})
			assert.NoError(t, err)
			_, closed, err := reg.LeaveRoom(pid)
			assert.NoError(t, err)
			assert.True(t, closed)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, reg.ListRooms())
}

func TestRoomRegistry_UpdateParticipantMetadata(t *testing.T) {
	reg, bus := newTestRegistry(t)
	updates, cancel := events.Subscribe[domain.ParticipantUpdated](bus, 4)
	defer cancel()

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "alice", domain.ParticipantMetadata{DisplayName: "Alice", Extra: map[string]string{"lang": "en"}})
	require.NoError(t, err)

	meta, err := reg.UpdateParticipantMetadata("r1", "alice", domain.ParticipantMetadata{
		IsPiped: true,
		Extra:   map[string]string{"hand": "raised"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", meta.DisplayName, "empty display name keeps the current one")
	assert.False(t, meta.IsPiped, "replica flag is not client settable")
	assert.Equal(t, map[string]string{"lang": "en", "hand": "raised"}, meta.Extra)

	ev := <-updates
	assert.Equal(t, domain.ParticipantID("alice"), ev.ParticipantID)
	assert.Equal(t, meta, ev.Metadata)

	meta, err = reg.UpdateParticipantMetadata("r1", "alice", domain.ParticipantMetadata{DisplayName: "Al", Extra: map[string]string{"hand": "down"}})
	require.NoError(t, err)
	assert.Equal(t, "Al", meta.DisplayName)
	assert.Equal(t, "down", meta.Extra["hand"])

	p, err := reg.GetParticipant("r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, meta, p.Metadata)

	_, err = reg.UpdateParticipantMetadata("r1", "ghost", domain.ParticipantMetadata{})
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	_, err = reg.JoinRoom("r1", "replica", domain.ParticipantMetadata{IsPiped: true, OriginalNode: "sfu2"})
	require.NoError(t, err)
	_, err = reg.UpdateParticipantMetadata("r1", "replica", domain.ParticipantMetadata{DisplayName: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestRoomRegistry_ParticipantsInJoinOrder(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := reg.CreateRoom(domain.RoomOptions{ID: "r1"})
	require.NoError(t, err)
	for _, id := range []domain.ParticipantID{"carol", "alice", "bob"} {
		_, err := reg.JoinRoom("r1", id, domain.ParticipantMetadata{DisplayName: string(id)})
		require.NoError(t, err)
	}
	require.NoError(t, reg.AddProducerToParticipant("r1", "alice", domain.ProducerInfo{ID: "p1", Kind: domain.KindAudio}))

	list, err := reg.Participants("r1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	byID := make(map[domain.ParticipantID]domain.ParticipantSummary)
	for i, s := range list {
		byID[s.ID] = s
		if i > 0 {
			assert.False(t, s.JoinedAt.Before(list[i-1].JoinedAt))
		}
	}
	assert.Equal(t, 1, byID["alice"].Producers)
	assert.Equal(t, "bob", byID["bob"].Metadata.DisplayName)

	_, err = reg.Participants("missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
