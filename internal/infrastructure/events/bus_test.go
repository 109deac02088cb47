package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshsfu/internal/core/domain"
)

func TestBus_TypedDelivery(t *testing.T) {
	bus := NewBus()

	added, cancelAdded := Subscribe[domain.ProducerAdded](bus, 4)
	defer cancelAdded()
	closed, cancelClosed := Subscribe[domain.RoomClosed](bus, 4)
	defer cancelClosed()

	bus.Publish(domain.ProducerAdded{RoomID: "r1", Producer: domain.ProducerInfo{ID: "p1"}})
	bus.Publish(domain.RoomClosed{RoomID: "r1"})

	ev := <-added
	assert.Equal(t, domain.ProducerID("p1"), ev.Producer.ID)
	assert.Equal(t, domain.RoomID("r1"), (<-closed).RoomID)
	assert.Empty(t, added)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	all, cancel := SubscribeAll(bus, 4)
	defer cancel()

	bus.Publish(domain.RoomCreated{RoomID: "r1"})
	bus.Publish(domain.NodeLeft{NodeID: "sfu2"})

	assert.Equal(t, "roomCreated", domain.EventName(<-all))
	assert.Equal(t, "nodeLeft", domain.EventName(<-all))
}

func TestBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	bus := NewBus()
	ch, cancel := Subscribe[domain.RoomCreated](bus, 1)
	defer cancel()

	bus.Publish(domain.RoomCreated{RoomID: "a"})
	bus.Publish(domain.RoomCreated{RoomID: "b"})

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, domain.RoomID("a"), (<-ch).RoomID)
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := Subscribe[domain.RoomCreated](bus, 1)

	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)

	bus.Publish(domain.RoomCreated{RoomID: "a"})
	assert.Equal(t, int64(0), bus.Dropped())
}
