package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetExpire(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Invalidate("")
	assert.Equal(t, 0, c.Size())
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	c.Set("peers:room-a", "x")
	c.Set("peers:room-b", "y")
	c.Set("nodes", "z")

	c.Invalidate("peers:")
	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("nodes")
	assert.True(t, ok)
}

func TestCache_GetOrSet_SharesConcurrentLoads(t *testing.T) {
	c := New[[]string](time.Minute)
	defer c.Stop()

	var calls int32
	release := make(chan struct{})
	load := func(context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []string{"sfu1", "sfu2"}, nil
	}

	var wg sync.WaitGroup
	results := make([][]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.GetOrSet(context.Background(), "nodes", load)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, []string{"sfu1", "sfu2"}, r)
	}

	got, err := c.GetOrSet(context.Background(), "nodes", load)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_GetOrSet_ErrorNotCached(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	boom := errors.New("coordinator down")
	_, err := c.GetOrSet(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Size())
}
