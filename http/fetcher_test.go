package http_test

import (
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sketch"
	sketchhttp "github.com/meigma/sketch/http"
)

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func fetchRequest(uri string) *sketch.FetchRequest {
	return &sketch.FetchRequest{URI: uri, Depth: sketch.DepthNetwork}
}

func readAll(t *testing.T, src sketch.ByteSource) []byte {
	t.Helper()
	r, err := src.Open()
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestFetch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "token", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.Header.Get("X-Request"))
		w.Header().Set("Content-Type", "image/jpeg; charset=binary")
		_, _ = w.Write([]byte("jpeg bytes"))
	}))
	t.Cleanup(server.Close)

	f := sketchhttp.NewFetcher(sketchhttp.WithHeader("Authorization", "token"))
	req := fetchRequest(server.URL + "/a.jpeg")
	req.Headers = nethttp.Header{"X-Request": {"1"}}

	res, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.MimeType)
	assert.Equal(t, sketch.DataFromNetwork, res.DataFrom)
	assert.Equal(t, []byte("jpeg bytes"), readAll(t, res.Source))
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		calls.Add(1)
		nethttp.NotFound(w, nil)
	}))
	t.Cleanup(server.Close)

	f := sketchhttp.NewFetcher(sketchhttp.WithBackOff(noWait))
	_, err := f.Fetch(context.Background(), fetchRequest(server.URL))
	require.ErrorIs(t, err, sketch.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load(), "not found is not retried")
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	f := sketchhttp.NewFetcher(sketchhttp.WithBackOff(noWait), sketchhttp.WithMaxRetries(2))
	res, err := f.Fetch(context.Background(), fetchRequest(server.URL))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), readAll(t, res.Source))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		calls.Add(1)
		w.WriteHeader(nethttp.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	f := sketchhttp.NewFetcher(sketchhttp.WithBackOff(noWait), sketchhttp.WithMaxRetries(1))
	_, err := f.Fetch(context.Background(), fetchRequest(server.URL))
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDepthLimit(t *testing.T) {
	t.Parallel()

	f := sketchhttp.NewFetcher()
	req := fetchRequest("http://127.0.0.1:1/a.png")
	req.Depth = sketch.DepthLocal
	_, err := f.Fetch(context.Background(), req)
	require.ErrorIs(t, err, sketch.ErrDepthLimit)
}

func TestFetchTooLarge(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	t.Cleanup(server.Close)

	f := sketchhttp.NewFetcher(sketchhttp.WithMaxBytes(10))
	_, err := f.Fetch(context.Background(), fetchRequest(server.URL))
	require.ErrorIs(t, err, sketchhttp.ErrTooLarge)
}

func TestFetchSharesConcurrentRequests(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte("shared"))
	}))
	t.Cleanup(server.Close)

	f := sketchhttp.NewFetcher()
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.Fetch(context.Background(), fetchRequest(server.URL))
			if assert.NoError(t, err) {
				assert.Equal(t, []byte("shared"), readAll(t, res.Source))
			}
		}()
	}
	// Let every caller join the in-flight fetch before the server answers.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchCallerCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	f := sketchhttp.NewFetcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, fetchRequest(server.URL))
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after cancel")
	}
}

func TestFetchReportsProgress(t *testing.T) {
	t.Parallel()

	body := make([]byte, 64<<10)
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Length", "65536")
		flusher, _ := w.(nethttp.Flusher)
		for i := 0; i < len(body); i += 16 << 10 {
			_, _ = w.Write(body[i : i+16<<10])
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)

	var (
		mu      sync.Mutex
		updates [][2]int64
	)
	req := fetchRequest(server.URL + "/big.img")
	req.Progress = func(total, completed int64) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, [2]int64{total, completed})
	}

	_, err := sketchhttp.NewFetcher().Fetch(context.Background(), req)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	assert.Equal(t, [2]int64{65536, 65536}, updates[len(updates)-1])
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i][1], updates[i-1][1])
		assert.Equal(t, int64(65536), updates[i][0])
	}
}
