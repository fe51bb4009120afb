package sketch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sketch/internal/testutil"
)

// recordingInterceptor appends its key to a shared log and proceeds.
type recordingInterceptor struct {
	key    string
	weight int
	mu     *sync.Mutex
	log    *[]string
}

func (r recordingInterceptor) Key() string     { return r.key }
func (r recordingInterceptor) SortWeight() int { return r.weight }

func (r recordingInterceptor) Intercept(ctx context.Context, chain *Chain) (*Result, error) {
	r.mu.Lock()
	*r.log = append(*r.log, r.key)
	r.mu.Unlock()
	return chain.Proceed(ctx)
}

// shortCircuit answers every request without reaching the engine.
type shortCircuit struct{}

func (shortCircuit) Key() string     { return "ShortCircuit" }
func (shortCircuit) SortWeight() int { return 0 }

func (shortCircuit) Intercept(_ context.Context, chain *Chain) (*Result, error) {
	return &Result{
		Request:  chain.Request(),
		CacheKey: chain.Context().CacheKey(),
		Image:    testutil.NewImage("stub", 1, 1),
		DataFrom: DataFromLocal,
	}, nil
}

func TestInterceptorOrder(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		log []string
	)
	env := newTestEnv(t,
		WithInterceptor(recordingInterceptor{key: "Late", weight: 95, mu: &mu, log: &log}),
		WithInterceptor(recordingInterceptor{key: "Early", weight: 10, mu: &mu, log: &log}),
		WithInterceptor(recordingInterceptor{key: "AlsoEarly", weight: 10, mu: &mu, log: &log}),
	)
	env.fetcher.add("test://a", "a", 10, 10)

	keys := make([]string, len(env.s.interceptors))
	for i, ic := range env.s.interceptors {
		keys[i] = ic.Key()
	}
	assert.Equal(t, []string{"Early", "AlsoEarly", "MemoryCache", "ResultCache", "Transformation", "Late", "Engine"}, keys)

	res, err := env.s.Execute(context.Background(), mustRequest(t, "test://a", Options{}))
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, []string{"Early", "AlsoEarly", "Late"}, log)

	// A memory hit stops the chain before the late interceptor.
	log = nil
	res, err = env.s.Execute(context.Background(), mustRequest(t, "test://a", Options{}))
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, []string{"Early", "AlsoEarly"}, log)
}

func TestInterceptorValidation(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		log []string
	)
	tests := []struct {
		name string
		ic   Interceptor
	}{
		{name: "nil", ic: nil},
		{name: "negative weight", ic: recordingInterceptor{key: "A", weight: -1, mu: &mu, log: &log}},
		{name: "engine weight", ic: recordingInterceptor{key: "A", weight: EngineWeight, mu: &mu, log: &log}},
		{name: "builtin key", ic: recordingInterceptor{key: "MemoryCache", weight: 1, mu: &mu, log: &log}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(WithInterceptor(tt.ic))
			require.Error(t, err)
		})
	}

	dup := recordingInterceptor{key: "Dup", weight: 1, mu: &mu, log: &log}
	_, err := New(WithInterceptor(dup), WithInterceptor(dup))
	require.Error(t, err)
}

func TestInterceptorShortCircuit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithInterceptor(shortCircuit{}))
	res, err := env.s.Execute(context.Background(), mustRequest(t, "test://anything", Options{}))
	require.NoError(t, err)
	assert.Equal(t, DataFromLocal, res.DataFrom)
	assert.Equal(t, 1, res.Image.Width())
	assert.Equal(t, int32(0), env.fetcher.calls.Load())
}

// emptyInterceptor returns neither a result nor an error.
type emptyInterceptor struct{}

func (emptyInterceptor) Key() string     { return "Empty" }
func (emptyInterceptor) SortWeight() int { return 95 }

func (emptyInterceptor) Intercept(context.Context, *Chain) (*Result, error) { return nil, nil }

func TestInterceptorWithoutResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithInterceptor(emptyInterceptor{}))
	env.fetcher.add("test://a", "a", 10, 10)
	req := mustRequest(t, "test://a", Options{
		Transformations: []Transformation{&fakeTransformation{key: "Blur"}},
	})

	res, err := env.s.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "Empty")
	assert.Equal(t, 0, env.s.MemoryCache().Len())
}

func TestChainProceedHonorsCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rc := newRequestContext(env.s, mustRequest(t, "test://a", Options{}))
	rc.freeze(OriginSize)
	chain := &Chain{rc: rc, interceptors: env.s.interceptors}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chain.Proceed(ctx)
	require.ErrorIs(t, err, context.Canceled)

	end := &Chain{rc: rc, interceptors: env.s.interceptors, index: len(env.s.interceptors)}
	_, err = end.Proceed(context.Background())
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRequestStates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.add("test://a", "a", 10, 10)

	rc := newRequestContext(env.s, mustRequest(t, "test://a", Options{}))
	assert.Equal(t, StateCreated, rc.State())
	assert.NotEmpty(t, rc.ID())
	assert.Panics(t, func() { _ = rc.CacheKey() })

	res, err := env.s.run(context.Background(), rc)
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, StateSucceeded, rc.State())
	assert.Equal(t, OriginSize, rc.Size())
	assert.True(t, rc.State().Terminal())

	// Terminal states are final.
	rc.setState(StateFailed)
	assert.Equal(t, StateSucceeded, rc.State())

	failed := newRequestContext(env.s, mustRequest(t, "test://missing", Options{}))
	_, err = env.s.run(context.Background(), failed)
	require.Error(t, err)
	assert.Equal(t, StateFailed, failed.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled := newRequestContext(env.s, mustRequest(t, "test://a", Options{}))
	_, err = env.s.run(ctx, cancelled)
	require.Error(t, err)
	assert.Equal(t, StateCancelled, cancelled.State())
}
