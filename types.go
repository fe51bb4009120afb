package sketch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"

	"github.com/meigma/sketch/internal/imagetype"
)

// Image is a decoded image. ByteCount is the size of its pixel buffer and is
// what the memory cache budgets against.
type Image = imagetype.Image

// Recycler is implemented by images whose buffers can be returned to a pool.
// The memory cache calls Recycle once an evicted image has no leases left.
type Recycler = imagetype.Recycler

// ImageInfo describes the source image.
type ImageInfo = imagetype.ImageInfo

// Transformed records one change applied to an image during decode or
// transformation.
type Transformed = imagetype.Transformed

// Transformed descriptors produced by decoders.
var (
	InSampled       = imagetype.InSampled
	ExifOrientation = imagetype.ExifOrientation
	Resized         = imagetype.Resized
)

// DataFrom tells where a result came from.
type DataFrom int

// Result origins.
const (
	DataFromMemoryCache DataFrom = iota
	DataFromResultCache
	DataFromDownloadCache
	DataFromLocal
	DataFromNetwork
)

func (d DataFrom) String() string {
	switch d {
	case DataFromMemoryCache:
		return "MEMORY_CACHE"
	case DataFromResultCache:
		return "RESULT_CACHE"
	case DataFromDownloadCache:
		return "DOWNLOAD_CACHE"
	case DataFromLocal:
		return "LOCAL"
	case DataFromNetwork:
		return "NETWORK"
	default:
		return "UNKNOWN"
	}
}

// ByteSource yields the raw bytes of an image. Open may be called more than
// once.
type ByteSource interface {
	Open() (io.ReadCloser, error)
}

// BytesSource is an in-memory ByteSource.
type BytesSource []byte

// Open returns a reader over the bytes.
func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Size returns the number of bytes.
func (b BytesSource) Size() int64 { return int64(len(b)) }

// FileSource reads a file on the local filesystem.
type FileSource string

// Open opens the file.
func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

// FetchRequest is the input to a Fetcher.
type FetchRequest struct {
	Request *Request
	URI     string
	Headers http.Header
	Depth   Depth
	// Progress, when non-nil, receives the bytes read so far.
	Progress func(total, completed int64)
}

// FetchResult is the output of a Fetcher.
type FetchResult struct {
	Source   ByteSource
	MimeType string
	DataFrom DataFrom
}

// Fetcher loads the bytes for a URI. Fetchers are registered per URI scheme.
// A fetcher that would need a deeper level than FetchRequest.Depth allows
// returns an error wrapping ErrDepthLimit; a missing resource returns an
// error wrapping ErrNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *FetchRequest) (*FetchResult, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	return f(ctx, req)
}

// DecodeRequest is the input to a Decoder.
type DecodeRequest struct {
	Request               *Request
	Source                ByteSource
	MimeType              string
	Size                  Size
	Precision             Precision
	Scale                 Scale
	IgnoreExifOrientation bool
	DisallowAnimatedImage bool
}

// DecodeResult is the output of a Decoder.
type DecodeResult struct {
	Image       Image
	Info        ImageInfo
	Transformed []Transformed
	Extras      map[string]string
}

// Decoder turns bytes into an Image. CanDecode is consulted with the fetched
// MIME type to pick a decoder.
type Decoder interface {
	CanDecode(mimeType string) bool
	Decode(ctx context.Context, req *DecodeRequest) (*DecodeResult, error)
}

// Transformation changes a decoded image. Transform returns a nil image when
// it made no change. Key must be stable since it is part of the cache key.
type Transformation interface {
	Key() string
	CacheResultToDisk() bool
	Transform(ctx context.Context, img Image) (Image, *Transformed, error)
}

// ResultCodec persists decoded images in the result disk cache.
type ResultCodec interface {
	Encode(w io.Writer, img Image) error
	Decode(r io.Reader, info ImageInfo) (Image, error)
}

// StateImage supplies the image shown while a request runs or after it
// fails. Resolve returns nil when it has nothing to show.
type StateImage interface {
	Key() string
	Resolve(s *Sketch, req *Request, err error) *Result
}

// Target receives the outcome of an enqueued request. Key identifies the
// logical consumer, such as a view; a new request for the same key
// supersedes the previous one. A Result passed to a target is owned by the
// Sketch and must not be released by the target. A target that also
// implements ProgressListener receives download progress while it is the
// live request of its key.
type Target interface {
	Key() string
	OnStart(req *Request, placeholder *Result)
	OnSuccess(req *Request, result *Result)
	OnError(req *Request, err error, errorImage *Result)
}
