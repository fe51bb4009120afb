package sketch

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Defaults applied when neither a request nor its defaults set a field.
const (
	DefaultDepth       = DepthNetwork
	DefaultCachePolicy = Enabled
	DefaultPrecision   = LessPixels
	DefaultScale       = CenterCrop
)

// Request identifies one image load. It is immutable once built.
type Request struct {
	uri      string
	defined  Options
	defaults Options
	resolved Options
	key      string
}

// NewRequest builds a request for uri. Fields set in defined win over the
// defaults, which are merged left to right.
func NewRequest(uri string, defined Options, defaults ...Options) (*Request, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty uri", ErrInvalidRequest)
	}
	var base Options
	for _, d := range defaults {
		base = base.Merge(d)
	}
	r := &Request{
		uri:      uri,
		defined:  defined,
		defaults: base,
		resolved: defined.Merge(base),
	}
	if err := validate(r.resolved); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, uri, err)
	}
	r.key = r.buildKey()
	return r, nil
}

// NewRequest derives a child request. Overrides win over the parent's
// defined options, which win over the parent's defaults.
func (r *Request) NewRequest(overrides Options) (*Request, error) {
	return NewRequest(r.uri, overrides.Merge(r.defined), r.defaults)
}

func validate(o Options) error {
	if o.SizeMultiplier != nil && *o.SizeMultiplier <= 0 {
		return fmt.Errorf("size multiplier must be > 0, got %v", *o.SizeMultiplier)
	}
	if fixed, ok := o.SizeResolver.(FixedSizeResolver); ok {
		if fixed.Size.Width < 0 || fixed.Size.Height < 0 {
			return fmt.Errorf("size must be non-negative, got %s", fixed.Size)
		}
	}
	seen := make(map[string]bool, len(o.Transformations))
	for _, t := range o.Transformations {
		if t == nil {
			return errors.New("nil transformation")
		}
		k := t.Key()
		if k == "" {
			return errors.New("transformation key is empty")
		}
		if seen[k] {
			return fmt.Errorf("duplicate transformation %q", k)
		}
		seen[k] = true
	}
	return nil
}

// URI returns the source locator.
func (r *Request) URI() string { return r.uri }

// Defined returns the options set on the request itself.
func (r *Request) Defined() Options { return r.defined }

// Defaults returns the options the request fell back to.
func (r *Request) Defaults() Options { return r.defaults }

// Depth returns the depth limit.
func (r *Request) Depth() Depth { return valueOr(r.resolved.Depth, DefaultDepth) }

// Parameters returns the request parameters, possibly nil.
func (r *Request) Parameters() *Parameters { return r.resolved.Parameters }

// HTTPHeaders returns a copy of the extra HTTP headers.
func (r *Request) HTTPHeaders() http.Header { return r.resolved.HTTPHeaders.Clone() }

// DownloadCachePolicy returns the policy for the download cache.
func (r *Request) DownloadCachePolicy() CachePolicy {
	return valueOr(r.resolved.DownloadCachePolicy, DefaultCachePolicy)
}

// ResultCachePolicy returns the policy for the result disk cache.
func (r *Request) ResultCachePolicy() CachePolicy {
	return valueOr(r.resolved.ResultCachePolicy, DefaultCachePolicy)
}

// MemoryCachePolicy returns the policy for the memory cache.
func (r *Request) MemoryCachePolicy() CachePolicy {
	return valueOr(r.resolved.MemoryCachePolicy, DefaultCachePolicy)
}

// SizeResolver returns the size resolver. Requests without one decode at
// the original size.
func (r *Request) SizeResolver() SizeResolver {
	if r.resolved.SizeResolver == nil {
		return FixedSizeResolver{Size: OriginSize}
	}
	return r.resolved.SizeResolver
}

// SizeMultiplier returns the factor applied to the resolved size.
func (r *Request) SizeMultiplier() float64 { return valueOr(r.resolved.SizeMultiplier, 1) }

// Precision returns the size precision.
func (r *Request) Precision() Precision { return valueOr(r.resolved.Precision, DefaultPrecision) }

// Scale returns the crop scale.
func (r *Request) Scale() Scale { return valueOr(r.resolved.Scale, DefaultScale) }

// Transformations returns the ordered transformations.
func (r *Request) Transformations() []Transformation {
	return append([]Transformation(nil), r.resolved.Transformations...)
}

// IgnoreExifOrientation reports whether EXIF orientation is ignored.
func (r *Request) IgnoreExifOrientation() bool {
	return valueOr(r.resolved.IgnoreExifOrientation, false)
}

// DisallowAnimatedImage reports whether animated images decode as stills.
func (r *Request) DisallowAnimatedImage() bool {
	return valueOr(r.resolved.DisallowAnimatedImage, false)
}

// ProgressListener returns the listener for download progress, possibly nil.
func (r *Request) ProgressListener() ProgressListener { return r.resolved.ProgressListener }

// Placeholder returns the state image shown while loading.
func (r *Request) Placeholder() StateImage { return r.resolved.Placeholder }

// Error returns the state image shown on failure.
func (r *Request) Error() StateImage { return r.resolved.Error }

// Key identifies the request. Two requests with the same key load the same
// thing in the same way.
func (r *Request) Key() string { return r.key }

func (r *Request) String() string { return r.key }

// CacheKey identifies the artifact this request produces at size. It panics
// if size is empty: sizes must be resolved before a cache key exists.
func (r *Request) CacheKey(size Size) string {
	if size.IsEmpty() {
		panic(fmt.Sprintf("sketch: cache key of %s requires a resolved size, got %s", r.uri, size))
	}
	b := newKeyBuilder(r.uri)
	b.add("size", size.String())
	b.add("precision", r.Precision().String())
	b.add("scale", r.Scale().String())
	if keys := transformationKeys(r.resolved.Transformations); keys != "" {
		b.add("transformations", keys)
	}
	if r.IgnoreExifOrientation() {
		b.add("ignoreExifOrientation", "true")
	}
	if p := r.resolved.Parameters.CacheKey(); p != "" {
		b.add("parameters", p)
	}
	return b.String()
}

func (r *Request) buildKey() string {
	o := r.resolved
	b := newKeyBuilder(r.uri)
	if o.Depth != nil {
		b.add("depth", o.Depth.String())
	}
	if p := o.Parameters.RequestKey(); p != "" {
		b.add("parameters", p)
	}
	if h := headersKey(o.HTTPHeaders); h != "" {
		b.add("httpHeaders", h)
	}
	if o.DownloadCachePolicy != nil {
		b.add("downloadCachePolicy", o.DownloadCachePolicy.String())
	}
	if o.SizeResolver != nil {
		b.add("size", sizeResolverKey(o.SizeResolver))
	}
	if o.SizeMultiplier != nil {
		b.add("sizeMultiplier", strconv.FormatFloat(*o.SizeMultiplier, 'f', -1, 64))
	}
	if o.Precision != nil {
		b.add("precision", o.Precision.String())
	}
	if o.Scale != nil {
		b.add("scale", o.Scale.String())
	}
	if keys := transformationKeys(o.Transformations); keys != "" {
		b.add("transformations", keys)
	}
	if o.IgnoreExifOrientation != nil && *o.IgnoreExifOrientation {
		b.add("ignoreExifOrientation", "true")
	}
	if o.ResultCachePolicy != nil {
		b.add("resultCachePolicy", o.ResultCachePolicy.String())
	}
	if o.MemoryCachePolicy != nil {
		b.add("memoryCachePolicy", o.MemoryCachePolicy.String())
	}
	if o.Placeholder != nil {
		b.add("placeholder", o.Placeholder.Key())
	}
	if o.Error != nil {
		b.add("error", o.Error.Key())
	}
	if o.DisallowAnimatedImage != nil && *o.DisallowAnimatedImage {
		b.add("disallowAnimatedImage", "true")
	}
	return b.String()
}

// keyBuilder appends "_name=value" segments to a URI, starting with "?_" or
// "&_" depending on whether the URI already has a query.
type keyBuilder struct {
	sb    strings.Builder
	query bool
}

func newKeyBuilder(uri string) *keyBuilder {
	b := &keyBuilder{query: strings.Contains(uri, "?")}
	b.sb.WriteString(uri)
	return b
}

func (b *keyBuilder) add(name, value string) {
	if b.query {
		b.sb.WriteString("&_")
	} else {
		b.sb.WriteString("?_")
		b.query = true
	}
	b.sb.WriteString(name)
	b.sb.WriteByte('=')
	b.sb.WriteString(value)
}

func (b *keyBuilder) String() string { return b.sb.String() }

// uriFromKey returns the URI part of a request or cache key.
func uriFromKey(key string) string {
	end := len(key)
	if i := strings.Index(key, "?_"); i >= 0 {
		end = i
	}
	if i := strings.Index(key, "&_"); i >= 0 && i < end {
		end = i
	}
	return key[:end]
}

func transformationKeys(ts []Transformation) string {
	if len(ts) == 0 {
		return ""
	}
	keys := make([]string, len(ts))
	for i, t := range ts {
		keys[i] = t.Key()
	}
	return "[" + strings.Join(keys, ",") + "]"
}

func headersKey(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ":" + strings.Join(h[name], ",")
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
