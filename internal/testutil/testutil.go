// Package testutil provides fake images and codecs for tests.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/meigma/sketch/internal/imagetype"
)

// BytesPerPixel is the pixel size used for Image.ByteCount.
const BytesPerPixel = 4

// Image is an in-memory stand-in for a decoded bitmap.
type Image struct {
	W, H     int
	Name     string
	recycled atomic.Int32
}

var (
	_ imagetype.Image    = (*Image)(nil)
	_ imagetype.Recycler = (*Image)(nil)
)

// NewImage returns an Image of the given dimensions.
func NewImage(name string, w, h int) *Image {
	return &Image{W: w, H: h, Name: name}
}

// Width implements imagetype.Image.
func (i *Image) Width() int { return i.W }

// Height implements imagetype.Image.
func (i *Image) Height() int { return i.H }

// ByteCount implements imagetype.Image.
func (i *Image) ByteCount() int64 { return int64(i.W) * int64(i.H) * BytesPerPixel }

// Recycle implements imagetype.Recycler.
func (i *Image) Recycle() { i.recycled.Add(1) }

// Recycled returns how many times Recycle was called.
func (i *Image) Recycled() int { return int(i.recycled.Load()) }

// Codec serializes Images as "name WxH" text.
type Codec struct {
	Encodes atomic.Int32
	Decodes atomic.Int32
}

// Encode writes img.
func (c *Codec) Encode(w io.Writer, img imagetype.Image) error {
	c.Encodes.Add(1)
	ti, ok := img.(*Image)
	if !ok {
		return fmt.Errorf("testutil: cannot encode %T", img)
	}
	_, err := fmt.Fprintf(w, "%s %dx%d", ti.Name, ti.W, ti.H)
	return err
}

// Decode reads an Image written by Encode.
func (c *Codec) Decode(r io.Reader, _ imagetype.ImageInfo) (imagetype.Image, error) {
	c.Decodes.Add(1)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	img, err := ParseImage(data)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ParseImage decodes the "name WxH" form used by fake sources.
func ParseImage(data []byte) (*Image, error) {
	img := &Image{}
	if _, err := fmt.Fscanf(bytes.NewReader(data), "%s %dx%d", &img.Name, &img.W, &img.H); err != nil {
		return nil, fmt.Errorf("testutil: parse %q: %w", data, err)
	}
	return img, nil
}

// ImageBytes returns the encoded form ParseImage understands.
func ImageBytes(name string, w, h int) []byte {
	return fmt.Appendf(nil, "%s %dx%d", name, w, h)
}
