package sketch

import (
	"math"

	"github.com/meigma/sketch/cache/memory"
)

// thumbnailCandidates is how many matching memory entries
// ThumbnailStateImage inspects before giving up.
const thumbnailCandidates = 3

// ThumbnailStateImage shows an image already in the memory cache for the
// same URI, typically a smaller thumbnail loaded earlier, while the full
// request runs. Only entries whose aspect ratio matches the source and that
// were not transformed beyond subsampling and EXIF rotation qualify.
type ThumbnailStateImage struct {
	// URI to look up. Empty means the request's URI.
	URI string
	// Default is used when no cached entry qualifies.
	Default StateImage
}

// Key implements StateImage.
func (t ThumbnailStateImage) Key() string {
	k := "ThumbnailStateImage(" + t.URI
	if t.Default != nil {
		k += "," + t.Default.Key()
	}
	return k + ")"
}

// Resolve implements StateImage.
func (t ThumbnailStateImage) Resolve(s *Sketch, req *Request, err error) *Result {
	uri := t.URI
	if uri == "" {
		uri = req.URI()
	}
	count := 0
	for _, key := range s.memory.Keys() {
		if uriFromKey(key) != uri {
			continue
		}
		lease, ok := s.memory.Acquire(key)
		if ok && usableThumbnail(lease.Value()) {
			return resultFromLease(req, lease)
		}
		if ok {
			lease.Release()
		}
		count++
		if count >= thumbnailCandidates {
			break
		}
	}
	if t.Default != nil {
		return t.Default.Resolve(s, req, err)
	}
	return nil
}

func usableThumbnail(v *memory.Value) bool {
	if v.Image.Height() == 0 || v.Info.Height == 0 {
		return false
	}
	imageRatio := roundTenth(float64(v.Image.Width()) / float64(v.Image.Height()))
	sourceRatio := roundTenth(float64(v.Info.Width) / float64(v.Info.Height))
	if math.Abs(imageRatio-sourceRatio) > 0.1+1e-9 {
		return false
	}
	for _, tr := range v.Transformed {
		if !tr.IsInSampled() && !tr.IsExifOrientation() {
			return false
		}
	}
	return true
}

func roundTenth(f float64) float64 {
	return math.Round(f*10) / 10
}

// StaticStateImage always shows the same image. The image is not cached and
// is shared by every request using it.
type StaticStateImage struct {
	Name  string
	Image Image
}

// Key implements StateImage.
func (st StaticStateImage) Key() string { return "StaticStateImage(" + st.Name + ")" }

// Resolve implements StateImage.
func (st StaticStateImage) Resolve(_ *Sketch, req *Request, _ error) *Result {
	if st.Image == nil {
		return nil
	}
	return &Result{
		Request:  req,
		Image:    st.Image,
		Info:     ImageInfo{Width: st.Image.Width(), Height: st.Image.Height()},
		DataFrom: DataFromMemoryCache,
	}
}
