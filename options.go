package sketch

import "net/http"

// Options is the configurable part of a request. A nil field is unset and
// falls through to the next layer when options are merged.
type Options struct {
	Depth                 *Depth
	Parameters            *Parameters
	HTTPHeaders           http.Header
	DownloadCachePolicy   *CachePolicy
	ResultCachePolicy     *CachePolicy
	MemoryCachePolicy     *CachePolicy
	SizeResolver          SizeResolver
	SizeMultiplier        *float64
	Precision             *Precision
	Scale                 *Scale
	Transformations       []Transformation
	IgnoreExifOrientation *bool
	Placeholder           StateImage
	Error                 StateImage
	DisallowAnimatedImage *bool
	ProgressListener      ProgressListener
}

// Ptr returns a pointer to v, for filling Options fields.
func Ptr[T any](v T) *T {
	return &v
}

// Merge returns o with every unset field taken from other. Parameters and
// HTTP headers are merged per entry with o winning. Transformations from
// other are appended unless o already has one with the same key.
func (o Options) Merge(other Options) Options {
	out := o
	if out.Depth == nil {
		out.Depth = other.Depth
	}
	out.Parameters = o.Parameters.Merge(other.Parameters)
	out.HTTPHeaders = mergeHeaders(o.HTTPHeaders, other.HTTPHeaders)
	if out.DownloadCachePolicy == nil {
		out.DownloadCachePolicy = other.DownloadCachePolicy
	}
	if out.ResultCachePolicy == nil {
		out.ResultCachePolicy = other.ResultCachePolicy
	}
	if out.MemoryCachePolicy == nil {
		out.MemoryCachePolicy = other.MemoryCachePolicy
	}
	if out.SizeResolver == nil {
		out.SizeResolver = other.SizeResolver
	}
	if out.SizeMultiplier == nil {
		out.SizeMultiplier = other.SizeMultiplier
	}
	if out.Precision == nil {
		out.Precision = other.Precision
	}
	if out.Scale == nil {
		out.Scale = other.Scale
	}
	out.Transformations = mergeTransformations(o.Transformations, other.Transformations)
	if out.IgnoreExifOrientation == nil {
		out.IgnoreExifOrientation = other.IgnoreExifOrientation
	}
	if out.Placeholder == nil {
		out.Placeholder = other.Placeholder
	}
	if out.Error == nil {
		out.Error = other.Error
	}
	if out.DisallowAnimatedImage == nil {
		out.DisallowAnimatedImage = other.DisallowAnimatedImage
	}
	if out.ProgressListener == nil {
		out.ProgressListener = other.ProgressListener
	}
	return out
}

// IsEmpty reports whether no field is set.
func (o Options) IsEmpty() bool {
	return o.Depth == nil &&
		o.Parameters.Len() == 0 &&
		len(o.HTTPHeaders) == 0 &&
		o.DownloadCachePolicy == nil &&
		o.ResultCachePolicy == nil &&
		o.MemoryCachePolicy == nil &&
		o.SizeResolver == nil &&
		o.SizeMultiplier == nil &&
		o.Precision == nil &&
		o.Scale == nil &&
		len(o.Transformations) == 0 &&
		o.IgnoreExifOrientation == nil &&
		o.Placeholder == nil &&
		o.Error == nil &&
		o.DisallowAnimatedImage == nil &&
		o.ProgressListener == nil
}

func mergeHeaders(a, b http.Header) http.Header {
	if len(a) == 0 {
		return b.Clone()
	}
	if len(b) == 0 {
		return a.Clone()
	}
	out := b.Clone()
	for name, values := range a {
		out[name] = append([]string(nil), values...)
	}
	return out
}

func mergeTransformations(a, b []Transformation) []Transformation {
	if len(b) == 0 {
		return a
	}
	out := append([]Transformation(nil), a...)
	for _, t := range b {
		// nil is kept for validation to reject.
		if t == nil || !containsTransformation(out, t.Key()) {
			out = append(out, t)
		}
	}
	return out
}

func containsTransformation(list []Transformation, key string) bool {
	for _, t := range list {
		if t != nil && t.Key() == key {
			return true
		}
	}
	return false
}
