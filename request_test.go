package sketch

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		uri      string
		opts     Options
		defaults Options
	}{
		{name: "empty uri", uri: "  "},
		{name: "zero multiplier", uri: "test://a", opts: Options{SizeMultiplier: Ptr(0.0)}},
		{name: "negative multiplier", uri: "test://a", opts: Options{SizeMultiplier: Ptr(-1.5)}},
		{name: "negative fixed size", uri: "test://a", opts: sized(-1, 10)},
		{name: "nil transformation", uri: "test://a", opts: Options{Transformations: []Transformation{nil}}},
		{name: "empty transformation key", uri: "test://a", opts: Options{
			Transformations: []Transformation{&fakeTransformation{}},
		}},
		{
			name:     "nil transformation merged with defaults",
			uri:      "test://a",
			opts:     Options{Transformations: []Transformation{nil}},
			defaults: Options{Transformations: []Transformation{&fakeTransformation{key: "Blur"}}},
		},
		{
			name:     "nil default transformation",
			uri:      "test://a",
			opts:     Options{Transformations: []Transformation{&fakeTransformation{key: "Blur"}}},
			defaults: Options{Transformations: []Transformation{nil}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRequest(tt.uri, tt.opts, tt.defaults)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRequestDefaults(t *testing.T) {
	t.Parallel()

	req := mustRequest(t, " test://a ", Options{})
	assert.Equal(t, "test://a", req.URI())
	assert.Equal(t, DepthNetwork, req.Depth())
	assert.Equal(t, Enabled, req.MemoryCachePolicy())
	assert.Equal(t, Enabled, req.ResultCachePolicy())
	assert.Equal(t, Enabled, req.DownloadCachePolicy())
	assert.Equal(t, LessPixels, req.Precision())
	assert.Equal(t, CenterCrop, req.Scale())
	assert.InDelta(t, 1.0, req.SizeMultiplier(), 0)
	assert.False(t, req.IgnoreExifOrientation())

	size, err := req.SizeResolver().Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, size.IsOrigin())
	assert.Equal(t, "test://a", req.Key())
}

func TestRequestMerge(t *testing.T) {
	t.Parallel()

	blur := &fakeTransformation{key: "Blur"}
	crop := &fakeTransformation{key: "Crop"}
	defined := Options{
		Depth:           Ptr(DepthLocal),
		HTTPHeaders:     http.Header{"Accept": {"image/webp"}},
		Transformations: []Transformation{blur},
		Parameters:      NewParameters(nil).With("a", Param("defined")),
	}
	defaults := Options{
		Depth:           Ptr(DepthMemory),
		Precision:       Ptr(Exactly),
		HTTPHeaders:     http.Header{"Accept": {"image/png"}, "User-Agent": {"test"}},
		Transformations: []Transformation{&fakeTransformation{key: "Blur"}, crop},
		Parameters:      NewParameters(nil).With("a", Param("default")).With("b", Param("default")),
	}

	req, err := NewRequest("test://a", defined, defaults)
	require.NoError(t, err)
	assert.Equal(t, DepthLocal, req.Depth())
	assert.Equal(t, Exactly, req.Precision())
	assert.Equal(t, []string{"image/webp"}, req.HTTPHeaders().Values("Accept"))
	assert.Equal(t, "test", req.HTTPHeaders().Get("User-Agent"))
	require.Len(t, req.Transformations(), 2)
	assert.Same(t, blur, req.Transformations()[0])
	assert.Same(t, crop, req.Transformations()[1])
	assert.Equal(t, "defined", req.Parameters().Value("a"))
	assert.Equal(t, "default", req.Parameters().Value("b"))

	// Defined options are kept apart from defaults.
	assert.Nil(t, req.Defined().Precision)
	require.NotNil(t, req.Defaults().Precision)
}

func TestChildRequest(t *testing.T) {
	t.Parallel()

	parent, err := NewRequest("test://a", Options{Precision: Ptr(SameAspectRatio)}, Options{Scale: Ptr(Fill)})
	require.NoError(t, err)

	child, err := parent.NewRequest(Options{Precision: Ptr(Exactly)})
	require.NoError(t, err)
	assert.Equal(t, Exactly, child.Precision())
	assert.Equal(t, Fill, child.Scale())
	assert.Equal(t, SameAspectRatio, parent.Precision())
}

func TestHeadersClonedOnAccess(t *testing.T) {
	t.Parallel()

	req := mustRequest(t, "test://a", Options{HTTPHeaders: http.Header{"X-A": {"1"}}})
	h := req.HTTPHeaders()
	h.Set("X-A", "2")
	assert.Equal(t, "1", req.HTTPHeaders().Get("X-A"))
}

func TestRequestKey(t *testing.T) {
	t.Parallel()

	req := mustRequest(t, "test://a", Options{
		Depth:               Ptr(DepthLocal),
		SizeResolver:        FixedSize(100, 200),
		Precision:           Ptr(Exactly),
		MemoryCachePolicy:   Ptr(ReadOnly),
		DownloadCachePolicy: Ptr(Disabled),
	})
	assert.Equal(t,
		"test://a?_depth=LOCAL&_downloadCachePolicy=DISABLED&_size=Fixed(100x200)&_precision=EXACTLY&_memoryCachePolicy=READ_ONLY",
		req.Key())

	withQuery := mustRequest(t, "test://a?x=1", Options{Depth: Ptr(DepthLocal)})
	assert.Equal(t, "test://a?x=1&_depth=LOCAL", withQuery.Key())
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	req := mustRequest(t, "test://a", Options{
		Precision:             Ptr(SameAspectRatio),
		Transformations:       []Transformation{&fakeTransformation{key: "Blur"}, &fakeTransformation{key: "Crop"}},
		IgnoreExifOrientation: Ptr(true),
		Parameters: NewParameters(map[string]ParameterEntry{
			"quality": {Value: 80, CacheKey: "80"},
			"tag":     {Value: "x", RequestKey: "x"},
		}),
		// Policies and depth do not change what is produced.
		MemoryCachePolicy: Ptr(WriteOnly),
		Depth:             Ptr(DepthMemory),
	})
	assert.Equal(t,
		"test://a?_size=100x50&_precision=SAME_ASPECT_RATIO&_scale=CENTER_CROP&_transformations=[Blur,Crop]&_ignoreExifOrientation=true&_parameters=Parameters(quality:80)",
		req.CacheKey(Size{Width: 100, Height: 50}))
	assert.Equal(t, "test://a", uriFromKey(req.CacheKey(Size{Width: 1, Height: 1})))
}

func TestCacheKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	build := func() *Request {
		return mustRequest(t, "test://a", Options{
			HTTPHeaders: http.Header{"B": {"2"}, "A": {"1"}},
			Parameters:  NewParameters(nil).With("y", Param(2)).With("x", Param(1)),
		})
	}
	a, b := build(), build()
	assert.Equal(t, a.Key(), b.Key())
	size := Size{Width: 10, Height: 10}
	assert.Equal(t, a.CacheKey(size), b.CacheKey(size))
}

func TestCacheKeyRequiresResolvedSize(t *testing.T) {
	t.Parallel()

	req := mustRequest(t, "test://a", Options{})
	assert.Panics(t, func() { req.CacheKey(Size{}) })
}

func TestUriFromKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "test://a", uriFromKey("test://a"))
	assert.Equal(t, "test://a", uriFromKey("test://a?_size=1x1"))
	assert.Equal(t, "test://a?x=1", uriFromKey("test://a?x=1&_size=1x1"))
}

func TestParameters(t *testing.T) {
	t.Parallel()

	var nilParams *Parameters
	assert.Equal(t, 0, nilParams.Len())
	assert.Nil(t, nilParams.Value("a"))
	assert.Empty(t, nilParams.CacheKey())

	p := NewParameters(nil).With("b", Param(2)).With("a", Param(1))
	assert.Equal(t, []string{"a", "b"}, p.Keys())
	assert.Equal(t, "Parameters(a:1,b:2)", p.CacheKey())
	assert.Equal(t, "Parameters(a:1,b:2)", p.RequestKey())

	// Separators inside keys or values cannot make two sets collide.
	joined := NewParameters(nil).With("a", Param("1,b:2"))
	assert.Equal(t, `Parameters(a:"1,b:2")`, joined.CacheKey())
	assert.NotEqual(t, p.CacheKey(), joined.CacheKey())
	assert.Equal(t, `Parameters("k:x":v)`, NewParameters(nil).With("k:x", Param("v")).CacheKey())

	merged := NewParameters(nil).With("a", Param("mine")).Merge(p)
	assert.Equal(t, "mine", merged.Value("a"))
	assert.Equal(t, 2, merged.Value("b"))
	assert.Equal(t, 1, p.Value("a"), "merge does not modify its inputs")
}

func TestSizeScale(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Size{Width: 150, Height: 75}, Size{Width: 100, Height: 50}.Scale(1.5))
	assert.Equal(t, OriginSize, OriginSize.Scale(0.5))
	assert.True(t, Size{Width: 0, Height: 10}.IsEmpty())
	assert.Equal(t, "3x4", Size{Width: 3, Height: 4}.String())
}
