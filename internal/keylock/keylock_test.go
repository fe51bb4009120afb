package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockExclusive(t *testing.T) {
	t.Parallel()

	r := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Lock(context.Background(), "k")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			h.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, r.Len(), "idle keys should be pruned")
}

func TestLockIndependentKeys(t *testing.T) {
	t.Parallel()

	r := New()
	a, err := r.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer a.Unlock()

	b, ok := r.TryLock("b")
	require.True(t, ok)
	b.Unlock()
	assert.Equal(t, 1, r.Len())
}

func TestLockContextCanceled(t *testing.T) {
	t.Parallel()

	r := New()
	h, err := r.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.Unlock()
	assert.Equal(t, 0, r.Len())
}

func TestUnlockIdempotent(t *testing.T) {
	t.Parallel()

	r := New()
	h, err := r.Lock(context.Background(), "k")
	require.NoError(t, err)
	h.Unlock()
	h.Unlock()

	h2, ok := r.TryLock("k")
	require.True(t, ok)
	_, ok = r.TryLock("k")
	assert.False(t, ok, "second unlock must not free a lock held by someone else")
	h2.Unlock()
}

func TestZeroValueRegistry(t *testing.T) {
	t.Parallel()

	var r Registry
	h, err := r.Lock(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "k", h.Key())
	h.Unlock()
}
