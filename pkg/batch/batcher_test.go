package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recorder) ProcessBatch(_ context.Context, items []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
	return nil
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher[string](3, time.Hour, rec, nil)
	defer b.Stop()

	b.Add("a")
	b.Add("b")
	b.Add("c")

	assert.Eventually(t, func() bool { return rec.total() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher[string](100, 10*time.Millisecond, rec, nil)
	defer b.Stop()

	b.Add("a")
	assert.Eventually(t, func() bool { return rec.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_StopFlushesPending(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher[string](100, time.Hour, rec, nil)

	b.Add("a")
	b.Add("b")
	b.Stop()

	assert.Equal(t, 2, rec.total())
}

func TestBatcher_ReportsErrors(t *testing.T) {
	boom := errors.New("pipeline failed")
	errs := make(chan error, 1)
	b := NewBatcher[int](1, time.Hour, ProcessorFunc[int](func(context.Context, []int) error {
		return boom
	}), func(err error) { errs <- err })
	defer b.Stop()

	b.Add(1)
	select {
	case err := <-errs:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("error not reported")
	}
}
