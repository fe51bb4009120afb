package sketch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sketch/cache/memory"
	"github.com/meigma/sketch/internal/testutil"
)

func newLeasedCache(t *testing.T, keys ...string) *memory.Cache {
	t.Helper()
	c, err := memory.New(1 << 20)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, c.Put(k, &memory.Value{Image: testutil.NewImage(k, 1, 1)}))
	}
	return c
}

func acquire(t *testing.T, c *memory.Cache, key string) *memory.Lease {
	t.Helper()
	l, ok := c.Acquire(key)
	require.True(t, ok)
	return l
}

func TestPendingManagerMark(t *testing.T) {
	t.Parallel()

	c := newLeasedCache(t, "a", "b")
	p := NewPendingManager()

	la := acquire(t, c, "a")
	p.Mark("view", la)
	assert.Equal(t, 1, c.PinCount("a"))
	got, ok := p.Lease("view")
	require.True(t, ok)
	assert.Same(t, la, got)

	// Marking the same lease again is a no-op.
	p.Mark("view", la)
	assert.Equal(t, 1, c.PinCount("a"))

	// A new lease replaces and releases the old one.
	p.Mark("view", acquire(t, c, "b"))
	assert.Equal(t, 0, c.PinCount("a"))
	assert.Equal(t, 1, c.PinCount("b"))

	p.Complete("view")
	assert.Equal(t, 0, c.PinCount("b"))
	assert.Equal(t, 0, p.Len())

	// Completing an unknown holder is harmless.
	p.Complete("nobody")
}

func TestPendingManagerCompleteAll(t *testing.T) {
	t.Parallel()

	c := newLeasedCache(t, "a")
	p := NewPendingManager()
	p.Mark("v1", acquire(t, c, "a"))
	p.Mark("v2", acquire(t, c, "a"))
	assert.Equal(t, 2, c.PinCount("a"))

	p.CompleteAll()
	assert.Equal(t, 0, c.PinCount("a"))
	assert.Equal(t, 0, p.Len())
}

func TestPendingManagerConcurrent(t *testing.T) {
	t.Parallel()

	c := newLeasedCache(t, "a")
	p := NewPendingManager()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			holder := string(rune('a' + i))
			for range 100 {
				l, _ := c.Acquire("a")
				p.Mark(holder, l)
			}
			p.Complete(holder)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.PinCount("a"))
}

func TestEnqueueSuccessPinsForTarget(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.add("test://a", "a", 10, 10)
	target := &fakeTarget{key: "view"}

	d := env.s.Enqueue(context.Background(), mustRequest(t, "test://a", Options{}), target)
	waitDone(t, d)

	assert.Equal(t, []string{"start", "success"}, target.kinds())
	key := env.s.MemoryCache().Keys()[0]
	assert.Equal(t, 1, env.s.MemoryCache().PinCount(key))
	assert.Equal(t, 1, env.s.Pending().Len())

	env.s.Detach("view")
	assert.Equal(t, 0, env.s.MemoryCache().PinCount(key))
	assert.Equal(t, 0, env.s.Pending().Len())
}

func TestEnqueueReplacesPreviousImage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.add("test://a", "a", 10, 10)
	env.fetcher.add("test://b", "b", 10, 10)
	target := &fakeTarget{key: "view"}

	waitDone(t, env.s.Enqueue(context.Background(), mustRequest(t, "test://a", Options{}), target))
	waitDone(t, env.s.Enqueue(context.Background(), mustRequest(t, "test://b", Options{}), target))

	mc := env.s.MemoryCache()
	for _, key := range mc.Keys() {
		want := 0
		if uriFromKey(key) == "test://b" {
			want = 1
		}
		assert.Equal(t, want, mc.PinCount(key), key)
	}
}

func TestEnqueueSupersededRequestNotifiesNothing(t *testing.T) {
	t.Parallel()

	slowFetcher := newFakeFetcher()
	slowFetcher.add("slow://a", "slow", 10, 10)
	slowFetcher.gate = make(chan struct{})
	env := newTestEnv(t, WithFetcher("slow", slowFetcher))
	env.fetcher.add("test://fast", "fast", 10, 10)

	target := &fakeTarget{key: "view"}
	first := env.s.Enqueue(context.Background(), mustRequest(t, "slow://a", Options{}), target)
	require.Eventually(t, func() bool { return slowFetcher.calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	second := env.s.Enqueue(context.Background(), mustRequest(t, "test://fast", Options{}), target)
	waitDone(t, first)
	waitDone(t, second)

	// The first request saw start only; its success was never delivered.
	assert.Equal(t, []string{"start", "start", "success"}, target.kinds())
	img, ok := target.last().image.(*testutil.Image)
	require.True(t, ok)
	assert.Equal(t, "fast", img.Name)
	assert.Equal(t, 1, env.s.Pending().Len())
	assert.Equal(t, 1, env.s.MemoryCache().Len(), "the canceled load cached nothing")
}

func TestEnqueueDispose(t *testing.T) {
	t.Parallel()

	slowFetcher := newFakeFetcher()
	slowFetcher.add("slow://a", "slow", 10, 10)
	slowFetcher.gate = make(chan struct{})
	env := newTestEnv(t, WithFetcher("slow", slowFetcher))
	target := &fakeTarget{key: "view"}

	d := env.s.Enqueue(context.Background(), mustRequest(t, "slow://a", Options{}), target)
	require.Eventually(t, func() bool { return slowFetcher.calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	d.Dispose()
	waitDone(t, d)

	assert.Equal(t, []string{"start"}, target.kinds())
	assert.Equal(t, 0, env.s.Pending().Len())
	assert.Equal(t, 0, env.s.MemoryCache().Len())
	assert.Equal(t, 0, env.s.locks.Len())
}

func TestEnqueueErrorUsesErrorImage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	errImg := testutil.NewImage("error", 1, 1)
	target := &fakeTarget{key: "view"}
	req := mustRequest(t, "test://missing", Options{
		Error: StaticStateImage{Name: "error", Image: errImg},
	})

	waitDone(t, env.s.Enqueue(context.Background(), req, target))
	assert.Equal(t, []string{"start", "error"}, target.kinds())
	last := target.last()
	require.ErrorIs(t, last.err, ErrNotFound)
	assert.Same(t, errImg, last.image)
	assert.Equal(t, 0, env.s.Pending().Len())
}

func TestEnqueuePlaceholder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.add("test://a", "a", 10, 10)
	ph := testutil.NewImage("placeholder", 1, 1)
	target := &fakeTarget{key: "view"}
	req := mustRequest(t, "test://a", Options{Placeholder: StaticStateImage{Name: "ph", Image: ph}})

	waitDone(t, env.s.Enqueue(context.Background(), req, target))
	require.Equal(t, []string{"start", "success"}, target.kinds())
	target.mu.Lock()
	assert.Same(t, ph, target.events[0].image)
	target.mu.Unlock()
}

func TestCloseReleasesPending(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.add("test://a", "a", 10, 10)
	waitDone(t, env.s.Enqueue(context.Background(), mustRequest(t, "test://a", Options{}), &fakeTarget{key: "v"}))
	require.Equal(t, 1, env.s.Pending().Len())

	require.NoError(t, env.s.Close())
	require.NoError(t, env.s.Close())
	assert.Equal(t, 0, env.s.Pending().Len())
	key := env.s.MemoryCache().Keys()[0]
	assert.Equal(t, 0, env.s.MemoryCache().PinCount(key))
}

type progressTarget struct {
	*fakeTarget
	progressLog
}

func TestEnqueueReportsProgressToTarget(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithCacheDir(t.TempDir()))
	env.fetcher.add("test://a", "a", 10, 10)
	target := &progressTarget{fakeTarget: &fakeTarget{key: "view"}}

	waitDone(t, env.s.Enqueue(context.Background(), mustRequest(t, "test://a", Options{}), target))
	require.Equal(t, []string{"start", "success"}, target.kinds())
	updates := target.snapshot()
	require.NotEmpty(t, updates)
	size := int64(len(testutil.ImageBytes("a", 10, 10)))
	assert.Equal(t, [2]int64{size, size}, updates[len(updates)-1])
}
