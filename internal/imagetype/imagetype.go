// Package imagetype holds the image value types shared by the caches and
// the request pipeline.
package imagetype

import (
	"strconv"
	"strings"
)

// Image is a decoded image held in memory.
type Image interface {
	Width() int
	Height() int
	// ByteCount is the size of the decoded pixel buffer.
	ByteCount() int64
}

// Recycler is implemented by images that hold resources which must be
// returned once no cache entry or lease references the image anymore.
type Recycler interface {
	Recycle()
}

// ImageInfo describes the source image before any transformation.
type ImageInfo struct {
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	MimeType        string `json:"mimeType"`
	ExifOrientation int    `json:"exifOrientation"`
}

// Transformed records one change applied to an image on its way to the
// caller, either by the decoder or by a Transformation.
type Transformed struct {
	Key string `json:"key"`
	// CacheResultToDisk marks results worth persisting in the result cache.
	CacheResultToDisk bool `json:"cacheResultToDisk"`
}

const (
	inSampledPrefix       = "InSampledTransformed("
	exifOrientationPrefix = "ExifOrientationTransformed("
	resizePrefix          = "ResizeTransformed("
)

// InSampled returns the descriptor decoders report after subsampling.
func InSampled(sampleSize int) Transformed {
	return Transformed{Key: inSampledPrefix + strconv.Itoa(sampleSize) + ")", CacheResultToDisk: true}
}

// ExifOrientation returns the descriptor decoders report after applying an
// EXIF orientation.
func ExifOrientation(orientation int) Transformed {
	return Transformed{Key: exifOrientationPrefix + strconv.Itoa(orientation) + ")", CacheResultToDisk: true}
}

// Resized returns the descriptor decoders report after resizing to a target.
func Resized(width, height int) Transformed {
	return Transformed{Key: resizePrefix + strconv.Itoa(width) + "x" + strconv.Itoa(height) + ")", CacheResultToDisk: true}
}

// IsInSampled reports whether t was produced by subsampling.
func (t Transformed) IsInSampled() bool {
	return strings.HasPrefix(t.Key, inSampledPrefix)
}

// IsExifOrientation reports whether t was produced by applying an EXIF orientation.
func (t Transformed) IsExifOrientation() bool {
	return strings.HasPrefix(t.Key, exifOrientationPrefix)
}

// Same reports whether a and b are the same image. Images of uncomparable
// dynamic types are never the same.
func Same(a, b Image) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
