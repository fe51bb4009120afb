package sketch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meigma/sketch/internal/testutil"
)

const testScheme = "test"

// fakeFetcher serves testutil images registered by URI.
type fakeFetcher struct {
	mu       sync.Mutex
	data     map[string][]byte
	dataFrom DataFrom
	gate     chan struct{}
	calls    atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{data: make(map[string][]byte), dataFrom: DataFromNetwork}
}

func (f *fakeFetcher) add(uri, name string, w, h int) {
	f.set(uri, testutil.ImageBytes(name, w, h))
}

func (f *fakeFetcher) set(uri string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[uri] = data
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	data, ok := f.data[req.URI]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URI)
	}
	return &FetchResult{Source: BytesSource(data), MimeType: "image/x-test", DataFrom: f.dataFrom}, nil
}

// fakeDecoder parses testutil images. With Precision Exactly it returns an
// image of exactly the requested size; otherwise it subsamples by powers of
// two while the result still covers the requested size.
type fakeDecoder struct {
	mimeType string
	calls    atomic.Int32
}

func (d *fakeDecoder) CanDecode(mimeType string) bool {
	return d.mimeType == "" || d.mimeType == mimeType
}

func (d *fakeDecoder) Decode(_ context.Context, req *DecodeRequest) (*DecodeResult, error) {
	d.calls.Add(1)
	r, err := req.Source.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	src, err := testutil.ParseImage(data)
	if err != nil {
		return nil, err
	}
	res := &DecodeResult{Info: ImageInfo{Width: src.W, Height: src.H, MimeType: req.MimeType}}
	switch {
	case req.Size.IsOrigin():
		res.Image = src
	case req.Precision == Exactly:
		res.Image = testutil.NewImage(src.Name, req.Size.Width, req.Size.Height)
		res.Transformed = []Transformed{Resized(req.Size.Width, req.Size.Height)}
	default:
		sample := 1
		for src.W/(sample*2) >= req.Size.Width && src.H/(sample*2) >= req.Size.Height {
			sample *= 2
		}
		res.Image = src
		if sample > 1 {
			res.Image = testutil.NewImage(src.Name, src.W/sample, src.H/sample)
			res.Transformed = []Transformed{InSampled(sample)}
		}
	}
	return res, nil
}

// fakeTransformation renames the image and optionally marks the result for
// the result disk cache.
type fakeTransformation struct {
	key         string
	cacheToDisk bool
	calls       atomic.Int32
}

func (t *fakeTransformation) Key() string             { return t.key }
func (t *fakeTransformation) CacheResultToDisk() bool { return t.cacheToDisk }

func (t *fakeTransformation) Transform(_ context.Context, img Image) (Image, *Transformed, error) {
	t.calls.Add(1)
	ti, ok := img.(*testutil.Image)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected image %T", img)
	}
	out := testutil.NewImage(ti.Name+"-"+t.key, ti.W, ti.H)
	return out, &Transformed{Key: t.key + "Transformed", CacheResultToDisk: t.cacheToDisk}, nil
}

// event is one notification received by a fakeTarget.
type event struct {
	kind  string
	image Image
	err   error
}

type fakeTarget struct {
	key    string
	mu     sync.Mutex
	events []event
}

func (t *fakeTarget) Key() string { return t.key }

func (t *fakeTarget) record(kind string, r *Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := event{kind: kind, err: err}
	if r != nil {
		e.image = r.Image
	}
	t.events = append(t.events, e)
}

func (t *fakeTarget) OnStart(_ *Request, placeholder *Result) { t.record("start", placeholder, nil) }
func (t *fakeTarget) OnSuccess(_ *Request, r *Result)         { t.record("success", r, nil) }
func (t *fakeTarget) OnError(_ *Request, err error, r *Result) {
	t.record("error", r, err)
}

func (t *fakeTarget) kinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.events))
	for i, e := range t.events {
		out[i] = e.kind
	}
	return out
}

func (t *fakeTarget) last() event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[len(t.events)-1]
}

type testEnv struct {
	s       *Sketch
	fetcher *fakeFetcher
	decoder *fakeDecoder
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{fetcher: newFakeFetcher(), decoder: &fakeDecoder{}}
	all := append([]Option{
		WithFetcher(testScheme, env.fetcher),
		WithDecoder(env.decoder),
	}, opts...)
	s, err := New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	env.s = s
	return env
}

func mustRequest(t *testing.T, uri string, o Options) *Request {
	t.Helper()
	req, err := NewRequest(uri, o)
	require.NoError(t, err)
	return req
}

func sized(w, h int) Options {
	return Options{SizeResolver: FixedSize(w, h)}
}

func waitDone(t *testing.T, d *Disposable) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("enqueued request did not finish")
	}
}
