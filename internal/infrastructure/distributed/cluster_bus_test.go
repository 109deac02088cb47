package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshsfu/internal/core/domain"
)

type recorder struct {
	mu   sync.Mutex
	seen []domain.NodeID
}

func (r *recorder) handle(ev domain.NodeLeft) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.NodeID)
}

func (r *recorder) nodes() []domain.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.NodeID(nil), r.seen...)
}

func TestRedisClusterBus_DeliversToOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	logger := zaptest.NewLogger(t).Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sfu1 := NewRedisClusterBus(client, "test:", "sfu1", logger)
	sfu2 := NewRedisClusterBus(client, "test:", "sfu2", logger)
	defer sfu1.Close()
	defer sfu2.Close()

	var got1, got2 recorder
	require.NoError(t, sfu1.SubscribeNodeLeft(ctx, got1.handle))
	require.NoError(t, sfu2.SubscribeNodeLeft(ctx, got2.handle))

	require.NoError(t, sfu1.PublishNodeLeft(ctx, "sfu3"))

	assert.Eventually(t, func() bool {
		return len(got2.nodes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.NodeID{"sfu3"}, got2.nodes())
	// the publisher does not hear itself
	assert.Never(t, func() bool { return len(got1.nodes()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMemoryClusterBus(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := hub.Bus("sfu1")
	b := hub.Bus("sfu2")

	var gotA, gotB recorder
	require.NoError(t, a.SubscribeNodeLeft(ctx, gotA.handle))
	require.NoError(t, b.SubscribeNodeLeft(ctx, gotB.handle))

	require.NoError(t, a.PublishNodeLeft(ctx, "sfu3"))
	assert.Eventually(t, func() bool { return len(gotB.nodes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, gotA.nodes())

	require.NoError(t, b.Close())
	require.NoError(t, a.PublishNodeLeft(ctx, "sfu4"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []domain.NodeID{"sfu3"}, gotB.nodes())
}
